package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashResponse returns the SHA-256 of the RFC 8785 canonical form of a
// source API response. Field order in the upstream payload does not affect
// the hash, so re-fetching an identical document yields an identical
// provenance hash.
func HashResponse(v any) (string, error) {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal response: %w", err)
		}
		raw = b
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize response: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
