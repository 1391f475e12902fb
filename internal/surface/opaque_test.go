package surface

import (
	"errors"
	"testing"

	"github.com/savid/hwpipe/internal/types"
)

func TestMapOpaqueIsStable(t *testing.T) {
	pool := newTestPool(t, 3, 0, types.MemoryOpaque)

	lease, err := pool.Acquire(Descriptor{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	handle, err := lease.Handle()
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	first, err := pool.MapOpaque(handle)
	if err != nil {
		t.Fatalf("MapOpaque failed: %v", err)
	}
	second, err := pool.MapOpaque(handle)
	if err != nil {
		t.Fatalf("MapOpaque failed: %v", err)
	}
	if first != second || first != lease.ID() {
		t.Errorf("expected handle to resolve to %d both times, got %d and %d", lease.ID(), first, second)
	}

	// The mapping survives reclaim and reset
	lease.Release()
	pool.Reset()
	again, err := pool.MapOpaque(handle)
	if err != nil || again != first {
		t.Errorf("expected stable mapping after reset, got %d, %v", again, err)
	}
}

func TestMapOpaqueUnmappedHandle(t *testing.T) {
	pool := newTestPool(t, 1, 0, types.MemoryOpaque)
	other := newTestPool(t, 1, 0, types.MemoryOpaque)

	foreign, err := other.OpaqueHandleOf(0)
	if err != nil {
		t.Fatalf("OpaqueHandleOf failed: %v", err)
	}

	tests := []struct {
		name   string
		handle OpaqueHandle
	}{
		{"zero", 0},
		{"garbage", OpaqueHandle(0xdeadbeef)},
		{"other pool", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pool.MapOpaque(tt.handle); !errors.Is(err, types.ErrUndefinedBehavior) {
				t.Errorf("expected ErrUndefinedBehavior, got %v", err)
			}
		})
	}
}

func TestMapOpaqueOnPlainPool(t *testing.T) {
	pool := newTestPool(t, 1, 0, types.MemorySystem)

	if _, err := pool.MapOpaque(1); !errors.Is(err, types.ErrUndefinedBehavior) {
		t.Errorf("expected ErrUndefinedBehavior, got %v", err)
	}
	if _, err := pool.OpaqueHandleOf(0); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}
