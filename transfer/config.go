package transfer

import (
	"context"
	"time"
)

const (
	// DefaultTargetChunks is the number of requests a transfer is split into
	// when neither the config nor the backend sets a chunk size.
	DefaultTargetChunks = 100
	// MinChunkSize is the smallest chunk size picked by OptimalChunkSize.
	MinChunkSize int64 = 1024 * 1024
	// MaxChunkSize is the largest chunk size the engine sends in one request.
	MaxChunkSize int64 = 512 * 1024 * 1024

	defaultOperationTimeout = 5 * time.Minute
)

// Config holds configuration for the transfer engine.
type Config struct {
	// ChunkSize is the upper bound of bytes sent in one request, capped at MaxChunkSize.
	// Backends implementing ChunkSizer override it.
	// Default: OptimalChunkSize of the source length and DefaultTargetChunks
	ChunkSize int64

	// Policy decides about retries of transmit and probe failures.
	// Default: DefaultPolicy() when the policy is the zero Policy
	Policy Policy

	// OperationTimeout bounds every single network operation (transmit, probe).
	// Timeouts are transient failures. A negative value disables it.
	// Default: 5 minutes
	OperationTimeout time.Duration

	// Progress is called after every accepted chunk with the local offset.
	Progress func(written, total int64)

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)

	// OnRetry is called before waiting for a retry.
	OnRetry func(attempt int, failure Failure, delay time.Duration)

	// Sleep waits for the given duration or until the context is done.
	// Default: a timer based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Policy:           DefaultPolicy(),
		OperationTimeout: defaultOperationTimeout,
		Sleep:            sleepContext,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.Policy.IsZero() {
		c.Policy = defaults.Policy
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.Sleep == nil {
		c.Sleep = defaults.Sleep
	}
	return c
}

// OptimalChunkSize picks a chunk size for the given total size so that a transfer
// is split into roughly targetChunks requests, bounded by MinChunkSize and MaxChunkSize.
func OptimalChunkSize(totalSize int64, targetChunks int) int64 {
	if targetChunks < 1 {
		targetChunks = 1
	}

	cs := totalSize / int64(targetChunks)

	if cs < MinChunkSize {
		cs = MinChunkSize
	}

	if cs > MaxChunkSize {
		cs = MaxChunkSize
	}

	return cs
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
