// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// All scheduler and matching knobs (sync limits, lookback window, confidence
// thresholds) are explicit named settings so tests can override them instead
// of relying on hard-coded constants.
//
// Example usage:
//
//	cfg := config.LoadOrEnv()
//	dbPath := cfg.Storage.DatabasePath
//	limit := cfg.Sync.MaxSyncsPerDay
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Providers     ProvidersConfig     `yaml:"providers"`
	Sync          SyncConfig          `yaml:"sync"`
	Matching      MatchingConfig      `yaml:"matching"`
	Storage       StorageConfig       `yaml:"storage"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProvidersConfig holds bank-data provider credentials
type ProvidersConfig struct {
	GoCardless GoCardlessConfig `yaml:"gocardless"`
	SaltEdge   SaltEdgeConfig   `yaml:"saltedge"`
}

// GoCardlessConfig holds GoCardless Bank Account Data API settings
type GoCardlessConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretID    string `yaml:"secret_id"`
	SecretKey   string `yaml:"secret_key"`
	RedirectURI string `yaml:"redirect_uri"`
}

// SaltEdgeConfig holds Salt Edge Account Information API settings
type SaltEdgeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AppID       string `yaml:"app_id"`
	Secret      string `yaml:"secret"`
	RedirectURI string `yaml:"redirect_uri"`
}

// SyncConfig holds per-connection sync scheduling limits
type SyncConfig struct {
	MaxSyncsPerDay     int `yaml:"max_syncs_per_day"`
	LookbackDays       int `yaml:"lookback_days"`
	ConsentWarningDays int `yaml:"consent_warning_days"`
}

// MatchingConfig holds candidate-matching and auto-approval thresholds
type MatchingConfig struct {
	ReferenceCurrency       string  `yaml:"reference_currency"`
	AutoApproveThreshold    float64 `yaml:"auto_approve_threshold"`
	AmountTolerance         string  `yaml:"amount_tolerance"`
	NameSimilarityThreshold float64 `yaml:"name_similarity_threshold"`
	MaxSuggestions          int     `yaml:"max_suggestions"`
	MaxReviewSuggestions    int     `yaml:"max_review_suggestions"`
	CodeLengthMin           int     `yaml:"code_length_min"`
	CodeLengthMax           int     `yaml:"code_length_max"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// APIConfig holds HTTP server configuration
type APIConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${GOCARDLESS_SECRET_KEY})
	expanded := os.ExpandEnv(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() *Config {
	cfg := defaults()

	cfg.Providers.GoCardless.SecretID = os.Getenv("GOCARDLESS_SECRET_ID")
	cfg.Providers.GoCardless.SecretKey = os.Getenv("GOCARDLESS_SECRET_KEY")
	cfg.Providers.GoCardless.RedirectURI = os.Getenv("GOCARDLESS_REDIRECT_URI")
	cfg.Providers.SaltEdge.AppID = os.Getenv("SALTEDGE_APP_ID")
	cfg.Providers.SaltEdge.Secret = os.Getenv("SALTEDGE_SECRET")
	cfg.Providers.SaltEdge.RedirectURI = os.Getenv("SALTEDGE_REDIRECT_URI")

	cfg.Sync.MaxSyncsPerDay = getEnvInt("BANKSYNC_MAX_SYNCS_PER_DAY", cfg.Sync.MaxSyncsPerDay)
	cfg.Sync.LookbackDays = getEnvInt("BANKSYNC_LOOKBACK_DAYS", cfg.Sync.LookbackDays)
	cfg.Storage.DatabasePath = getEnv("BANKSYNC_DB_PATH", cfg.Storage.DatabasePath)
	cfg.API.Port = getEnvInt("BANKSYNC_API_PORT", cfg.API.Port)
	cfg.Observability.Logging.Level = getEnv("LOG_LEVEL", cfg.Observability.Logging.Level)
	cfg.Observability.Logging.Format = getEnv("LOG_FORMAT", cfg.Observability.Logging.Format)

	return cfg
}

// LoadOrEnv tries to load from config.yaml, falls back to environment variables
func LoadOrEnv() *Config {
	return LoadOrEnvWithPath("config.yaml")
}

// LoadOrEnvWithPath tries to load from the given path, falls back to environment variables
func LoadOrEnvWithPath(path string) *Config {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		if err == nil {
			return cfg
		}
		fmt.Fprintf(os.Stderr, "warning: failed to parse %s, using environment: %v\n", path, err)
	}
	return LoadFromEnv()
}

// defaults returns the configuration with every knob at its documented
// default. GoCardless rejects more than 4 transaction fetches per account per
// day, hence the sync cap.
func defaults() *Config {
	return &Config{
		Providers: ProvidersConfig{
			GoCardless: GoCardlessConfig{Enabled: true},
			SaltEdge:   SaltEdgeConfig{Enabled: false},
		},
		Sync: SyncConfig{
			MaxSyncsPerDay:     4,
			LookbackDays:       90,
			ConsentWarningDays: 7,
		},
		Matching: MatchingConfig{
			ReferenceCurrency:       "EUR",
			AutoApproveThreshold:    0.95,
			AmountTolerance:         "0.01",
			NameSimilarityThreshold: 0.5,
			MaxSuggestions:          10,
			MaxReviewSuggestions:    5,
			CodeLengthMin:           5,
			CodeLengthMax:           10,
		},
		Storage: StorageConfig{
			DatabasePath: "banksync.db",
		},
		API: APIConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
