package docsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/docsync/pkg/logger"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the options of a [Synchronizer].
type Config struct {
	// FlushInterval is the delay between scheduler ticks.
	// Zero polls continuously: a new tick starts as soon as the previous
	// flush returns, and an idle scheduler sleeps until work is recorded.
	FlushInterval time.Duration

	// FlushTimeout bounds the store calls of one flush cycle.
	// Zero means no timeout, so a hung store call stalls every later flush.
	FlushTimeout time.Duration

	Logger logger.Logger
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		Logger: logger.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: negative flush interval %s", ErrInvalidConfig, c.FlushInterval)
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("%w: negative flush timeout %s", ErrInvalidConfig, c.FlushTimeout)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Logger == nil {
		out.Logger = logger.Nop()
	}
	return out
}
