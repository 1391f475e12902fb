package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/savid/hwpipe/internal/types"
)

func TestBusyRetriesUntilDone(t *testing.T) {
	for _, k := range []int{0, 1, 4} {
		m := NewManager(Config{Delay: time.Millisecond, Ceiling: time.Second})

		calls := 0
		err := m.Busy(context.Background(), func() error {
			calls++
			if calls <= k {
				return types.ErrDeviceBusy
			}
			return nil
		})
		if err != nil {
			t.Errorf("k=%d: unexpected error %v", k, err)
		}
		if calls != k+1 {
			t.Errorf("k=%d: expected %d calls, got %d", k, k+1, calls)
		}
		if m.Count() != int64(k) {
			t.Errorf("k=%d: expected %d retries, got %d", k, k, m.Count())
		}
	}
}

func TestBusyCeiling(t *testing.T) {
	m := NewManager(Config{Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Ceiling: 20 * time.Millisecond})

	err := m.Busy(context.Background(), func() error { return types.ErrDeviceBusy })
	if !errors.Is(err, types.ErrDeviceFailed) {
		t.Errorf("expected ErrDeviceFailed, got %v", err)
	}
}

func TestSetBusyLimits(t *testing.T) {
	m := NewManager(Config{Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Ceiling: time.Minute})
	m.SetBusyLimits(0, 10*time.Millisecond)

	start := time.Now()
	err := m.Busy(context.Background(), func() error { return types.ErrDeviceBusy })
	if !errors.Is(err, types.ErrDeviceFailed) {
		t.Fatalf("expected ErrDeviceFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected the lowered ceiling to apply, retried for %s", elapsed)
	}
	if m.Count() == 0 {
		t.Error("expected the retries counted")
	}
}

func TestBusyPassesOtherErrors(t *testing.T) {
	m := NewManager(Config{})
	boom := errors.New("boom")

	if err := m.Busy(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected no retries, got %d", m.Count())
	}
}

func TestBusyHonoursContext(t *testing.T) {
	m := NewManager(Config{Delay: 10 * time.Millisecond, Ceiling: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Busy(ctx, func() error { return types.ErrDeviceBusy }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type flakyReader struct {
	failures int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("transient")
	}
	return copy(p, "ok"), io.EOF
}

func TestReadRetries(t *testing.T) {
	m := NewManager(Config{Delay: time.Millisecond, MaxRetries: 3})

	buf := make([]byte, 4)
	n, err := m.Read(&flakyReader{failures: 2}, buf)
	if !errors.Is(err, io.EOF) || n != 2 {
		t.Errorf("expected 2 bytes and EOF, got %d, %v", n, err)
	}

	if _, err := m.Read(&flakyReader{failures: 10}, buf); err == nil {
		t.Error("expected failure after retries")
	}
}
