package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	LockPostgres = "postgres"
	LockRedis    = "redis"
)

type Config struct {
	Env       string
	DB        db
	Server    server
	Logger    logger
	Redis     redis
	Processor processor
	Sync      sync
	Session   session
}

type db struct {
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type server struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

type logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type redis struct {
	URL string `env:"REDIS_URL"`
}

type processor struct {
	LockBackend   string        `env:"LOCK_BACKEND"`
	Interval      time.Duration `env:"PROCESSOR_INTERVAL"`
	BatchSize     int           `env:"PROCESSOR_BATCH"`
	MaxRetries    int           `env:"MAX_RETRIES"`
	Retention     time.Duration `env:"RETENTION"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
}

type sync struct {
	// PullRateLimit is the number of pull requests a user may make per minute.
	PullRateLimit int `env:"PULL_RATE_LIMIT"`
}

type session struct {
	TTL time.Duration `env:"SESSION_TTL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("log_level", "info")
	v.SetDefault("lock_backend", LockPostgres)
	v.SetDefault("processor_interval", 30*time.Second)
	v.SetDefault("processor_batch", 10)
	v.SetDefault("max_retries", 10)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("sweep_interval", 24*time.Hour)
	v.SetDefault("pull_rate_limit", 100)
	v.SetDefault("session_ttl", 24*time.Hour)
}

// MustLoad reads .env when present, then the process environment.
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg, err := load(v)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: db{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: server{
			RunAddress:      v.GetString("run_address"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Logger: logger{LogLevel: v.GetString("log_level")},
		Redis:  redis{URL: v.GetString("redis_url")},
		Processor: processor{
			LockBackend:   strings.ToLower(v.GetString("lock_backend")),
			Interval:      v.GetDuration("processor_interval"),
			BatchSize:     v.GetInt("processor_batch"),
			MaxRetries:    v.GetInt("max_retries"),
			Retention:     v.GetDuration("retention"),
			SweepInterval: v.GetDuration("sweep_interval"),
		},
		Sync:    sync{PullRateLimit: v.GetInt("pull_rate_limit")},
		Session: session{TTL: v.GetDuration("session_ttl")},
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.DB.DatabaseURI == "":
		return errMissing("DATABASE_URI")
	case c.Processor.LockBackend != LockPostgres && c.Processor.LockBackend != LockRedis:
		return errInvalid("LOCK_BACKEND", c.Processor.LockBackend)
	case c.Processor.LockBackend == LockRedis && c.Redis.URL == "":
		return errMissing("REDIS_URL")
	}
	return nil
}
