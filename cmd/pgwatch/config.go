package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/postgres"
	"github.com/velmie/pgwatch/redis"
)

const (
	transportPostgres = "postgres"
	transportRedis    = "redis"
)

var errInvalidConfig = errors.New("pgwatch: invalid configuration")

type config struct {
	LogFormat string     `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	HTTPAddr            string        `env:"PGWATCH_HTTP_ADDR" envDefault:":8080"`
	HTTPShutdownTimeout time.Duration `env:"PGWATCH_HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	ConsumerID        string        `env:"PGWATCH_CONSUMER_ID" envDefault:"pgwatch-log"`
	Channels          []string      `env:"PGWATCH_CHANNELS" envSeparator:"," envDefault:"data_change"`
	ReplayFrom        string        `env:"PGWATCH_REPLAY_FROM" envDefault:"earliest"`
	Transport         string        `env:"PGWATCH_TRANSPORT" envDefault:"postgres"`
	Workers           int           `env:"PGWATCH_WORKERS" envDefault:"4"`
	BatchSize         int           `env:"PGWATCH_BATCH_SIZE" envDefault:"100"`
	CallbackTimeout   time.Duration `env:"PGWATCH_CALLBACK_TIMEOUT" envDefault:"30s"`
	SafetyNetInterval time.Duration `env:"PGWATCH_SAFETY_NET_INTERVAL" envDefault:"1m"`
	Retention         time.Duration `env:"PGWATCH_RETENTION"`
	RetentionEvery    time.Duration `env:"PGWATCH_RETENTION_EVERY" envDefault:"1h"`

	Postgres postgres.Config
	Redis    redis.Config
}

// loadConfig reads an optional .env file and then the process environment.
func loadConfig() (config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, errors.Join(errInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func (c config) validate() error {
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be json or text, got %q", errInvalidConfig, c.LogFormat)
	}
	switch c.Transport {
	case transportPostgres, transportRedis:
	default:
		return fmt.Errorf("%w: PGWATCH_TRANSPORT must be postgres or redis, got %q", errInvalidConfig, c.Transport)
	}
	if _, err := c.replayFrom(); err != nil {
		return err
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: PGWATCH_CHANNELS is empty", errInvalidConfig)
	}

	return nil
}

func (c config) replayFrom() (pgwatch.ReplayFrom, error) {
	switch c.ReplayFrom {
	case "earliest", "":
		return pgwatch.ReplayEarliest, nil
	case "current":
		return pgwatch.ReplayCurrent, nil
	default:
		return 0, fmt.Errorf("%w: PGWATCH_REPLAY_FROM must be earliest or current, got %q", errInvalidConfig, c.ReplayFrom)
	}
}
