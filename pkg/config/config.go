// Package config provides configuration loading and management for readstudy.
// It handles loading configuration from YAML files, applies READSTUDY_*
// environment overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPasswordHash is the SHA-256 hex digest of "123456".
const DefaultPasswordHash = "8d969eef6ecad3c29a3a629280e686cf0c3f5d5a86aff3ca12020c923adc6c92"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data locations
	Data struct {
		// CTDataDir holds one <patient>.npy (or .npy.zst) file per patient
		CTDataDir string `yaml:"ctDataDir" env:"CT_DATA_DIR"`

		// DatabasePath is the SQLite file holding inspectors and results
		DatabasePath string `yaml:"databasePath" env:"DATABASE_PATH"`

		// ExportDir receives CSV exports
		ExportDir string `yaml:"exportDir" env:"EXPORT_DIR"`
	} `yaml:"data" envPrefix:"READSTUDY_"`

	// Server parameters
	Server struct {
		Host string `yaml:"host" env:"HOST"`
		Port int    `yaml:"port" env:"PORT"`

		// PasswordHash is the SHA-256 hex digest of the shared platform password
		PasswordHash string `yaml:"passwordHash" env:"PASSWORD_HASH"`

		// SessionSecret signs session cookies; a random one is used when empty
		SessionSecret string `yaml:"sessionSecret" env:"SESSION_SECRET"`

		// SessionTTL is how long an idle reader session keeps its volume loaded
		SessionTTL time.Duration `yaml:"sessionTTL" env:"SESSION_TTL"`

		// AllowedOrigins lists CORS origins; "*" allows any
		AllowedOrigins []string `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"server" envPrefix:"READSTUDY_"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level" env:"LOG_LEVEL"`

		// File enables a rotating log file in addition to stderr
		File string `yaml:"file" env:"LOG_FILE"`

		// MaxSizeMB and MaxAgeDays bound the rotating log file
		MaxSizeMB  int `yaml:"maxSizeMB" env:"LOG_MAX_SIZE"`
		MaxAgeDays int `yaml:"maxAgeDays" env:"LOG_MAX_AGE"`
	} `yaml:"logging" envPrefix:"READSTUDY_"`

	// Sample data parameters
	Sample struct {
		NumPatients int   `yaml:"numPatients"`
		MinSlices   int   `yaml:"minSlices"`
		MaxSlices   int   `yaml:"maxSlices"`
		Height      int   `yaml:"height"`
		Width       int   `yaml:"width"`
		Seed        int64 `yaml:"seed"`
		Compress    bool  `yaml:"compress"`
	} `yaml:"sample"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.CTDataDir = "./data/ct_images"
	cfg.Data.DatabasePath = "./database/read_study.db"
	cfg.Data.ExportDir = "./database/csv"

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 7860
	cfg.Server.PasswordHash = DefaultPasswordHash
	cfg.Server.SessionTTL = 24 * time.Hour
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 28

	cfg.Sample.NumPatients = 5
	cfg.Sample.MinSlices = 80
	cfg.Sample.MaxSlices = 120
	cfg.Sample.Height = 512
	cfg.Sample.Width = 512
	cfg.Sample.Seed = 42

	return cfg
}

// LoadConfig loads configuration from a YAML file and then applies
// environment overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a server needs to start.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Data.CTDataDir) == "" {
		errs = append(errs, errors.New("data.ctDataDir is required"))
	}
	if strings.TrimSpace(c.Data.DatabasePath) == "" {
		errs = append(errs, errors.New("data.databasePath is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SessionTTL < time.Minute {
		errs = append(errs, fmt.Errorf("server.sessionTTL %s is shorter than a minute", c.Server.SessionTTL))
	}
	if len(c.Server.PasswordHash) != 64 {
		errs = append(errs, errors.New("server.passwordHash must be a SHA-256 hex digest"))
	}
	if c.Sample.MinSlices < 1 || c.Sample.MaxSlices < c.Sample.MinSlices {
		errs = append(errs, fmt.Errorf("sample slice range [%d, %d] is invalid", c.Sample.MinSlices, c.Sample.MaxSlices))
	}
	if c.Sample.Height < 1 || c.Sample.Width < 1 {
		errs = append(errs, fmt.Errorf("sample size %dx%d is invalid", c.Sample.Height, c.Sample.Width))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnsureDirectories creates the data, database and export directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Data.CTDataDir, filepath.Dir(c.Data.DatabasePath), c.Data.ExportDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
