// Package config loads CLI configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultDirName is the vault directory under the user's home.
const DefaultDirName = ".otp-keys"

// SettingsFileName is the persisted index file inside Home.
const SettingsFileName = "settings.yaml"

// Config holds the CLI configuration.
type Config struct {
	// Home is the vault directory.
	Home string `env:"OTPKEYS_HOME"`
	// Settings is the persisted index file.
	Settings string `env:"OTPKEYS_SETTINGS"`

	LogLevel  string `env:"OTPKEYS_LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"OTPKEYS_LOG_FORMAT" envDefault:"console"`

	// VerifySkew is how many periods either side `verify` accepts.
	VerifySkew uint `env:"OTPKEYS_VERIFY_SKEW" envDefault:"1"`

	// Password unlocks the vault non-interactively. It is removed from the
	// process environment once read.
	Password string `env:"OTPKEYS_PASSWORD,unset"`
}

var ErrParsingConfig = errors.New("config: failed to parse environment")

// Load reads envFiles (default ".env", which may be absent) and then the
// environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("config: failed to load env files: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: failed to get home directory: %w", err)
		}
		cfg.Home = filepath.Join(home, DefaultDirName)
	}
	if cfg.Settings == "" {
		cfg.Settings = filepath.Join(cfg.Home, SettingsFileName)
	}
	return &cfg, nil
}
