package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the API process reads from its environment.
type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	JWTSecret   string `env:"JWT_SECRET"`

	// GateURL points at the food-safety classifier service.
	GateURL     string        `env:"GATE_URL" envDefault:"http://localhost:5000"`
	GateTimeout time.Duration `env:"GATE_TIMEOUT" envDefault:"30s"`

	// SweepInterval controls how often stale listings are flipped to expired.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// Load parses the process environment. DATABASE_URL and JWT_SECRET have no
// usable defaults and must be set.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}
