package batch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid scheduler config")

// Config bounds the scheduler.
type Config struct {
	// Concurrency is the number of executions allowed to run at once
	// across every batch of the scheduler.
	Concurrency int `mapstructure:"concurrency"`

	// MaxPerBatch additionally caps one batch's executions. 0 means no
	// per-batch cap.
	MaxPerBatch int `mapstructure:"max_per_batch"`

	// Retention is how long settled batches stay queryable in memory.
	// 0 keeps them until the process exits.
	Retention time.Duration `mapstructure:"retention"`

	// AllowEmptyBatches accepts submissions without inputs; they settle
	// as completed immediately.
	AllowEmptyBatches bool `mapstructure:"allow_empty_batches"`
}

// DefaultConfig returns four global slots and one hour of retention.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Retention:   time.Hour,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.MaxPerBatch < 0 {
		return fmt.Errorf("%w: max_per_batch cannot be negative", ErrInvalidConfig)
	}
	if c.Retention < 0 {
		return fmt.Errorf("%w: retention cannot be negative", ErrInvalidConfig)
	}
	return nil
}
