// Package config loads the client configuration from the environment and an
// optional config.env file in the user's config directory.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	AppName     = "otboo-client"
	EnvFileName = "config.env"
	DBFileName  = "otboo.db"

	DefaultAPIURL         = "http://localhost:8080"
	DefaultSSEPath        = "/api/sse"
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

// Config is the resolved client configuration.
type Config struct {
	APIURL         string
	WSURL          string
	SSEPath        string
	DBPath         string
	TokenKey       string
	HTTPTimeout    time.Duration
	RefreshTimeout time.Duration
	LogLevel       zerolog.Level
}

// Dir returns the application's config directory, creating it if needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	dir := filepath.Join(base, AppName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// FilePath returns the path of the config.env file.
func FilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EnvFileName), nil
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
// Variables already set in the environment win.
func LoadEnvFile() {
	path, err := FilePath()
	if err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// WriteEnvFile merges values into the config file, keeping existing keys.
func WriteEnvFile(values map[string]string) (string, error) {
	path, err := FilePath()
	if err != nil {
		return "", err
	}

	existing, err := godotenv.Read(path)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	if existing == nil {
		existing = map[string]string{}
	}
	for k, v := range values {
		existing[k] = v
	}

	if err := godotenv.Write(existing, path); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return "", fmt.Errorf("failed to restrict config file permissions: %w", err)
	}
	return path, nil
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:         strings.TrimRight(getenv("OTBOO_API_URL", DefaultAPIURL), "/"),
		SSEPath:        getenv("OTBOO_SSE_PATH", DefaultSSEPath),
		TokenKey:       os.Getenv("OTBOO_TOKEN_KEY"),
		HTTPTimeout:    DefaultHTTPTimeout,
		RefreshTimeout: DefaultRefreshTimeout,
		LogLevel:       zerolog.InfoLevel,
	}

	api, err := url.Parse(cfg.APIURL)
	if err != nil || api.Scheme == "" || api.Host == "" {
		return nil, fmt.Errorf("OTBOO_API_URL must be an absolute URL, got %q", cfg.APIURL)
	}

	cfg.WSURL = os.Getenv("OTBOO_WS_URL")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(api)
	}

	if cfg.HTTPTimeout, err = durationEnv("OTBOO_HTTP_TIMEOUT", DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.RefreshTimeout, err = durationEnv("OTBOO_REFRESH_TIMEOUT", DefaultRefreshTimeout); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
		cfg.LogLevel = level
	}

	cfg.DBPath = os.Getenv("OTBOO_DB_PATH")
	if cfg.DBPath == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = filepath.Join(dir, DBFileName)
	}

	return cfg, nil
}

func deriveWSURL(api *url.URL) string {
	ws := *api
	if ws.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	ws.Path = "/ws"
	return ws.String()
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
