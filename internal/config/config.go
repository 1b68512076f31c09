package config

import (
	"github.com/caarlos0/env/v11"
)

// Config holds the process configuration, populated from the environment.
type Config struct {
	Env       string `env:"ENV" envDefault:"development"`
	Port      string `env:"PORT" envDefault:"8080"`
	DBPath    string `env:"DB_PATH" envDefault:"dealbridge.db"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"dealbridge-secret-key"`
	Debug     bool   `env:"DEBUG" envDefault:"false"`
}

// Load parses the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
