package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "discovery-pipeline", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.False(t, config.Enabled)
	require.True(t, config.Insecure)
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Every method is safe without instruments.
	ctx := context.Background()
	p.RecordCollection(ctx, "github", 5, 3, 2)
	p.RecordDecisions(ctx, "auto_push", 2)
	done := p.TrackPhase(ctx, "collect")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func TestEnabledProviderInitializes(t *testing.T) {
	// The exporter connects lazily, so an unreachable endpoint still
	// yields a working provider.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := New(ctx, &Config{
		ServiceName:    "discovery-test",
		ServiceVersion: "0.0.0",
		Environment:    "test",
		OTLPEndpoint:   "127.0.0.1:1",
		ExportInterval: time.Hour,
		Enabled:        true,
		Insecure:       true,
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	p.RecordCollection(ctx, "sec_edgar", 2, 2, 0)
	p.RecordDecisions(ctx, "reject", 1)
	done := p.TrackPhase(ctx, "process")
	done(nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer shutdownCancel()
	// Shutdown flushes to the unreachable endpoint and may report it.
	_ = p.Shutdown(shutdownCtx)
}
