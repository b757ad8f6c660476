package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"crmsync/internal/domain/conflict"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultEnv           = "local"
	defaultConfigDir     = ".crmsync"
	deviceIDFile         = "device_id"
)

type Config struct {
	Env              string
	ServerAddress    string
	EnableTLS        bool
	ConfigDir        string
	DataPath         string
	TokenPath        string
	LogPath          string
	DeviceID         string
	SyncInterval     time.Duration
	HealthInterval   time.Duration
	HTTPTimeout      time.Duration
	ConflictStrategy conflict.Strategy
}

// LoadEnv reads .env when present, then the environment and whatever
// config file the global viper instance was pointed at.
func LoadEnv() (*Config, error) {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	v := viper.GetViper()
	v.AutomaticEnv()
	return Load(v)
}

// Load builds the config from v, creating the config directory and the
// persistent device id on first use.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("APP_ENV", defaultEnv)
	v.SetDefault("SERVER_ADDRESS", defaultServerAddress)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("CONFIG_DIR", defaultConfigDir)
	v.SetDefault("SYNC_INTERVAL", 15*time.Minute)
	v.SetDefault("HEALTH_INTERVAL", 30*time.Second)
	v.SetDefault("HTTP_TIMEOUT", 30*time.Second)
	v.SetDefault("CONFLICT_STRATEGY", string(conflict.StrategyAuto))

	configDir := v.GetString("CONFIG_DIR")
	if configDir == defaultConfigDir {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configDir = filepath.Join(home, configDir)
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	strategy, err := conflict.ParseStrategy(strings.ToLower(v.GetString("CONFLICT_STRATEGY")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:              v.GetString("APP_ENV"),
		ServerAddress:    v.GetString("SERVER_ADDRESS"),
		EnableTLS:        v.GetBool("ENABLE_TLS"),
		ConfigDir:        configDir,
		DataPath:         pathIn(configDir, v.GetString("DATA_PATH"), "data.db"),
		TokenPath:        pathIn(configDir, v.GetString("TOKEN_PATH"), "token"),
		LogPath:          pathIn(configDir, v.GetString("LOG_PATH"), "client.log"),
		DeviceID:         v.GetString("DEVICE_ID"),
		SyncInterval:     v.GetDuration("SYNC_INTERVAL"),
		HealthInterval:   v.GetDuration("HEALTH_INTERVAL"),
		HTTPTimeout:      v.GetDuration("HTTP_TIMEOUT"),
		ConflictStrategy: strategy,
	}

	if cfg.DeviceID == "" {
		if cfg.DeviceID, err = deviceID(configDir); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.ServerAddress == "":
		return errors.New("SERVER_ADDRESS must not be empty")
	case c.SyncInterval <= 0:
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	return nil
}

// BaseURL is the server root with scheme.
func (c *Config) BaseURL() string {
	if strings.Contains(c.ServerAddress, "://") {
		return strings.TrimRight(c.ServerAddress, "/")
	}
	scheme := "http://"
	if c.EnableTLS {
		scheme = "https://"
	}
	return scheme + c.ServerAddress
}

func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}

func pathIn(dir, value, fallback string) string {
	if value == "" {
		return filepath.Join(dir, fallback)
	}
	return value
}

// deviceID returns the id stored in dir, generating it once.
func deviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}
