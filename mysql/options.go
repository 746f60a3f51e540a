package mysql

import "github.com/velmie/pgwatch"

const defaultTablePrefix = "pgwatch"

// Config defines MySQL store behavior.
type Config struct {
	// TablePrefix names the tables <prefix>_channels, <prefix>_notifications and
	// <prefix>_checkpoints. Use schema.prefix for a non-default schema.
	TablePrefix string
	Clock       pgwatch.Clock
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = defaultTablePrefix
	}
	if c.Clock == nil {
		c.Clock = pgwatch.SystemClock{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTablePrefix sets the table name prefix.
func WithTablePrefix(prefix string) Option {
	return func(c *Config) {
		c.TablePrefix = prefix
	}
}

// WithClock sets the time source used for CreatedAt.
func WithClock(clock pgwatch.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}
