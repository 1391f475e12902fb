// Package retry provides bounded sleep-retry loops with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/savid/hwpipe/internal/types"
)

// Manager handles retry logic with exponential backoff.
type Manager struct {
	delay      time.Duration
	maxDelay   time.Duration
	backoff    float64
	ceiling    time.Duration
	maxRetries int
	retryCount atomic.Int64
}

// Config configures a Manager.
type Config struct {
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  float64
	// Ceiling bounds the total time spent retrying a busy device.
	Ceiling time.Duration
	// MaxRetries bounds read retries.
	MaxRetries int
}

// NewManager creates a new retry manager with the specified configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		delay:      cfg.Delay,
		maxDelay:   cfg.MaxDelay,
		backoff:    cfg.Backoff,
		ceiling:    cfg.Ceiling,
		maxRetries: cfg.MaxRetries,
	}
	if m.delay <= 0 {
		m.delay = time.Millisecond
	}
	if m.maxDelay <= 0 {
		m.maxDelay = 50 * time.Millisecond
	}
	if m.backoff < 1 {
		m.backoff = 1.5
	}
	if m.ceiling <= 0 {
		m.ceiling = 2 * time.Second
	}
	return m
}

// SetBusyLimits changes the first delay and the ceiling of later Busy calls.
// Zero values keep the current setting. It must not run concurrently with Busy.
func (m *Manager) SetBusyLimits(delay, ceiling time.Duration) {
	if delay > 0 {
		m.delay = delay
	}
	if ceiling > 0 {
		m.ceiling = ceiling
	}
}

// Busy calls fn until it stops returning ErrDeviceBusy. Past the ceiling the
// device is considered failed.
func (m *Manager) Busy(ctx context.Context, fn func() error) error {
	start := time.Now()
	currentDelay := m.delay

	for {
		err := fn()
		if !errors.Is(err, types.ErrDeviceBusy) {
			return err
		}

		m.retryCount.Add(1)
		if time.Since(start) > m.ceiling {
			return fmt.Errorf("%w: busy for more than %s: %v", types.ErrDeviceFailed, m.ceiling, err)
		}

		if err := sleep(ctx, currentDelay); err != nil {
			return err
		}
		currentDelay = time.Duration(float64(currentDelay) * m.backoff)
		if currentDelay > m.maxDelay {
			currentDelay = m.maxDelay
		}
	}
}

// Read attempts to read from the reader, retrying transient errors.
func (m *Manager) Read(reader io.Reader, buf []byte) (int, error) {
	var lastErr error
	currentDelay := m.delay

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		n, err := reader.Read(buf)
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}

		// Track the error
		lastErr = err
		m.retryCount.Add(1)

		if attempt < m.maxRetries {
			time.Sleep(currentDelay)
			currentDelay = time.Duration(float64(currentDelay) * m.backoff)
		}
	}

	return 0, fmt.Errorf("read failed after %d retries: %w", m.maxRetries, lastErr)
}

// Count returns the total number of retries performed.
func (m *Manager) Count() int64 {
	return m.retryCount.Load()
}

// Reset resets the retry counter.
func (m *Manager) Reset() {
	m.retryCount.Store(0)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
