package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Gradients struct {
		DegenerateTolerance float64 `env:"PRISM_DEGENERATE_TOLERANCE" envDefault:"1e-6"`
		Workers             int     `env:"PRISM_WORKERS" envDefault:"4"`
		SkipDegenerate      bool    `env:"PRISM_SKIP_DEGENERATE" envDefault:"true"`
	}
	Refinement struct {
		MaxIterations     int           `env:"PRISM_MAX_ITERATIONS" envDefault:"200"`
		GradientThreshold float64       `env:"PRISM_GRADIENT_THRESHOLD" envDefault:"1e-10"`
		JobRetention      time.Duration `env:"PRISM_JOB_RETENTION" envDefault:"1h"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Verbose logging unless asked otherwise
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Gradients.DegenerateTolerance < 0 {
		return nil, fmt.Errorf("PRISM_DEGENERATE_TOLERANCE must not be negative, got %g", cfg.Gradients.DegenerateTolerance)
	}
	if cfg.Gradients.Workers < 1 {
		cfg.Gradients.Workers = 1
	}

	return cfg, nil
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
