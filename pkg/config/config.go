// Package config loads runtime configuration. Credentials and paths come
// from environment variables; scoring and pipeline tuning comes from an
// optional YAML file so thresholds can change without a rebuild.
package config

import "os"

// Config holds pipeline configuration.
type Config struct {
	DatabasePath     string
	LogLevel         string
	TuningPath       string
	NotionToken      string
	NotionDatabaseID string

	// Per-source credentials. A collector with a missing credential is
	// skipped at startup, not failed.
	GitHubToken       string
	CompaniesHouseKey string
	CrunchbaseKey     string
	ProductHuntToken  string

	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbPath := os.Getenv("DISCOVERY_DB_PATH")
	if dbPath == "" {
		dbPath = "discovery.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DatabasePath:      dbPath,
		LogLevel:          logLevel,
		TuningPath:        os.Getenv("DISCOVERY_TUNING"),
		NotionToken:       os.Getenv("NOTION_TOKEN"),
		NotionDatabaseID:  os.Getenv("NOTION_DATABASE_ID"),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		CompaniesHouseKey: os.Getenv("COMPANIES_HOUSE_API_KEY"),
		CrunchbaseKey:     os.Getenv("CRUNCHBASE_API_KEY"),
		ProductHuntToken:  os.Getenv("PRODUCT_HUNT_TOKEN"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
