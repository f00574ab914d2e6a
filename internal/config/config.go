package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Environment variables read by Load.
const (
	baseURLVar         = "CVADAPT_BASE_URL"
	credentialsFileVar = "CVADAPT_CREDENTIALS_FILE"
	passphraseVar      = "CVADAPT_PASSPHRASE"
	revalidateVar      = "CVADAPT_REVALIDATE_INTERVAL"
	watchVar           = "CVADAPT_WATCH_INTERVAL"
	httpTimeoutVar     = "CVADAPT_HTTP_TIMEOUT"
)

// Config carries the client's runtime settings.
type Config struct {
	// BaseURL of the cv-adapt API.
	BaseURL string

	// CredentialsFile holds the persisted session triple.
	CredentialsFile string

	// Passphrase, when non-empty, seals the credentials file at rest.
	Passphrase string

	// RevalidateInterval is the background session revalidation cadence.
	RevalidateInterval time.Duration

	// WatchInterval is the credentials-file polling cadence.
	WatchInterval time.Duration

	// HTTPTimeout bounds individual API calls.
	HTTPTimeout time.Duration
}

// Load builds a Config from the environment, reading an optional .env file
// first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BaseURL:            getEnv(baseURLVar, "http://localhost:8000"),
		CredentialsFile:    getEnv(credentialsFileVar, defaultCredentialsFile()),
		Passphrase:         os.Getenv(passphraseVar),
		RevalidateInterval: getDuration(revalidateVar, 15*time.Minute),
		WatchInterval:      getDuration(watchVar, 2*time.Second),
		HTTPTimeout:        getDuration(httpTimeoutVar, 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a Client cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New(baseURLVar + " cannot be empty")
	}
	if strings.TrimSpace(c.CredentialsFile) == "" {
		return errors.New(credentialsFileVar + " cannot be empty")
	}
	if c.RevalidateInterval <= 0 {
		return errors.New(revalidateVar + " must be positive")
	}
	if c.WatchInterval <= 0 {
		return errors.New(watchVar + " must be positive")
	}
	return nil
}

func defaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cvadapt-credentials.json"
	}
	return filepath.Join(home, ".cvadapt", "credentials.json")
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
