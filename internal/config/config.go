package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	SeedFile    string `env:"SEED_FILE"`
	JWTSecret   string `env:"JWT_SECRET"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"64"`
	TickInterval     time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	PersistWarnAfter int           `env:"PERSIST_WARN_AFTER" envDefault:"3"`

	DefaultRoundDuration  time.Duration `env:"DEFAULT_ROUND_DURATION" envDefault:"5m"`
	DisruptionProbability float64       `env:"DISRUPTION_PROBABILITY" envDefault:"0.15"`
	DisruptionTimeout     time.Duration `env:"DISRUPTION_TIMEOUT" envDefault:"0s"`
	ClampDisplayScores    bool          `env:"CLAMP_DISPLAY_SCORES" envDefault:"true"`
}

// Load reads an optional .env file and then the BIZSIM_ environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "BIZSIM_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	case c.DisruptionProbability < 0 || c.DisruptionProbability > 1:
		return fmt.Errorf("disruption probability must be within [0,1], got %v", c.DisruptionProbability)
	case c.DisruptionTimeout < 0:
		return fmt.Errorf("disruption timeout must not be negative, got %s", c.DisruptionTimeout)
	}
	return nil
}
