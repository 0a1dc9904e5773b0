package processor

import (
	"fmt"
	"time"

	"github.com/phrazzld/storyboard-worker/internal/config"
)

// Config tunes the processor loop.
type Config struct {
	PollInterval         time.Duration
	TaskTimeout          time.Duration
	MaxPendingBatch      int
	MaxActiveBatch       int
	MaxConsecutiveErrors int
	MaxBackoff           time.Duration
	ClaimLease           time.Duration
	UnitTimeout          time.Duration

	// OwnerID identifies this processor on every claim it takes.
	OwnerID string
	// KeyPrefix is prepended to every artifact key.
	KeyPrefix string
}

// DefaultConfig returns low-latency defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		TaskTimeout:          30 * time.Minute,
		MaxPendingBatch:      10,
		MaxActiveBatch:       50,
		MaxConsecutiveErrors: 5,
		MaxBackoff:           30 * time.Second,
		ClaimLease:           5 * time.Minute,
		UnitTimeout:          2 * time.Minute,
	}
}

// ConfigFrom converts loaded settings into a Config.
func ConfigFrom(p config.ProcessorConfig, keyPrefix string) Config {
	return Config{
		PollInterval:         p.PollInterval(),
		TaskTimeout:          p.TaskTimeout(),
		MaxPendingBatch:      p.MaxPendingBatch,
		MaxActiveBatch:       p.MaxActiveBatch,
		MaxConsecutiveErrors: p.MaxConsecutiveErrors,
		MaxBackoff:           p.MaxBackoff(),
		ClaimLease:           p.ClaimLease(),
		UnitTimeout:          p.UnitTimeout(),
		OwnerID:              p.OwnerID,
		KeyPrefix:            keyPrefix,
	}
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("processor: poll interval must be positive")
	case c.TaskTimeout <= 0:
		return fmt.Errorf("processor: task timeout must be positive")
	case c.MaxPendingBatch < 1 || c.MaxActiveBatch < 1:
		return fmt.Errorf("processor: batch sizes must be at least 1")
	case c.MaxConsecutiveErrors < 1:
		return fmt.Errorf("processor: max consecutive errors must be at least 1")
	case c.MaxBackoff < c.PollInterval:
		return fmt.Errorf("processor: max backoff must not be shorter than the poll interval")
	case c.UnitTimeout <= 0:
		return fmt.Errorf("processor: unit timeout must be positive")
	case c.ClaimLease <= c.UnitTimeout:
		return fmt.Errorf("processor: claim lease must outlast the unit timeout")
	case c.OwnerID == "":
		return fmt.Errorf("processor: owner id is required")
	}
	return nil
}
