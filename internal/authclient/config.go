package authclient

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the command-line client's environment.
type Config struct {
	APIBase  string        `env:"FIN_LOGIN_API_BASE" envDefault:"http://localhost:8000"`
	Provider string        `env:"FIN_LOGIN_PROVIDER" envDefault:"google"`
	Browser  string        `env:"FIN_LOGIN_BROWSER"`
	Timeout  time.Duration `env:"FIN_LOGIN_TIMEOUT" envDefault:"5m"`
	Home     string        `env:"FIN_LOGIN_HOME"`
	LogLevel string        `env:"FIN_LOGIN_LOG_LEVEL" envDefault:"warn"`
}

// LoadConfig reads FIN_LOGIN_* variables. Home defaults to fin-login under
// the user config directory.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.APIBase == "" {
		return Config{}, fmt.Errorf("FIN_LOGIN_API_BASE is required")
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("FIN_LOGIN_TIMEOUT must be positive")
	}
	if cfg.Home == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("locate config directory: %w", err)
		}
		cfg.Home = filepath.Join(dir, "fin-login")
	}
	return cfg, nil
}
