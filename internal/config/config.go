package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the resolved runtime configuration for the flint daemon and CLI.
type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Storage StorageConfig
	Cleanup CleanupConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int

	// APIToken authenticates HTTP clients. Secret: environment or
	// platform keychain only, never the config backend.
	APIToken string
}

type EngineConfig struct {
	MaxParallelism int
	StepTimeoutMs  int
	RunTimeoutMs   int

	// PlanPath points to a YAML execution plan used as the server
	// default. Empty means the built-in standard plan.
	PlanPath string

	// MaskSummaries applies the default masking policy to the invoice
	// summary embedded in fingerprints. Disable only when fingerprints
	// stay inside the same trust boundary as the documents.
	MaskSummaries bool
}

func (e EngineConfig) StepTimeout() time.Duration {
	return time.Duration(e.StepTimeoutMs) * time.Millisecond
}

func (e EngineConfig) RunTimeout() time.Duration {
	return time.Duration(e.RunTimeoutMs) * time.Millisecond
}

type StorageConfig struct {
	DataDir string

	// TempTTLMs bounds how long working values live in the temp store
	// before lazy expiry reclaims them.
	TempTTLMs int
}

func (s StorageConfig) TempTTL() time.Duration {
	return time.Duration(s.TempTTLMs) * time.Millisecond
}

type CleanupConfig struct {
	// PollIntervalMs is how often the cleanup worker drains the retry
	// queue.
	PollIntervalMs int

	// SweepIntervalMs is how often the temp store sweeper reclaims
	// expired entries.
	SweepIntervalMs int
}

func (c CleanupConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c CleanupConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Engine: EngineConfig{
			MaxParallelism: 4,
			StepTimeoutMs:  5000,
			RunTimeoutMs:   60000,
			MaskSummaries:  true,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			TempTTLMs: 3600000,
		},
		Cleanup: CleanupConfig{
			PollIntervalMs:  30000,
			SweepIntervalMs: 60000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.flint.app) and the API
// token falls back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/flint/config.json and secrets come from environment
// variables or $XDG_DATA_HOME/flint/secrets.json.
//
// Environment variables (FLINT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API token if still empty.
	if cfg.Server.APIToken == "" {
		if token, err := kc.Get("flint", "api_token"); err == nil && token != "" {
			cfg.Server.APIToken = token
		}
	}

	if cfg.Server.APIToken == "" {
		msg := "missing required config: API token. " +
			"Set it via environment variable FLINT_API_TOKEN" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
