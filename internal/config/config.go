package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Search  SearchConfig
	Storage StorageConfig
	Worker  WorkerConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type SearchConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type WorkerConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Search: SearchConfig{
			Model:   "sonar",
			BaseURL: "https://api.perplexity.ai",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.researchd.app) and the
// API key falls back to macOS Keychain. On Linux the backend is a JSON file
// at $XDG_CONFIG_HOME/researchd/config.json and the secret fallback is
// $XDG_DATA_HOME/researchd/secrets.json.
//
// Environment variables (RESEARCHD_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Search.APIKey == "" {
		if key, err := kc.Get("researchd", "perplexity_api_key"); err == nil && key != "" {
			cfg.Search.APIKey = key
		}
	}

	if cfg.Search.APIKey == "" {
		msg := "missing required config: Perplexity API key. " +
			"Set it via environment variable RESEARCHD_PERPLEXITY_API_KEY" +
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
