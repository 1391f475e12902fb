package surface

import (
	"fmt"
	"sync/atomic"

	"github.com/savid/hwpipe/internal/types"
)

// OpaqueHandle is the caller-visible token of a surface in an opaque pool.
// It stays bound to the same physical surface for the pool's lifetime.
type OpaqueHandle uint64

var opaqueSalt atomic.Uint64

func nextOpaqueSalt() uint64 {
	return opaqueSalt.Add(1)
}

func makeOpaqueHandle(salt uint64, id ID) OpaqueHandle {
	return OpaqueHandle(salt<<32 | uint64(uint32(id)+1))
}

// MapOpaque resolves an opaque handle to the physical surface backing it.
func (p *Pool) MapOpaque(h OpaqueHandle) (ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opaque {
		return InvalidID, fmt.Errorf("%w: pool %q is not opaque", types.ErrUndefinedBehavior, p.name)
	}
	id, ok := p.handles[h]
	if !ok {
		return InvalidID, fmt.Errorf("%w: opaque handle %#x is not mapped in pool %q", types.ErrUndefinedBehavior, uint64(h), p.name)
	}
	s, err := p.lookup(id)
	if err != nil || s.opaque != h {
		return InvalidID, fmt.Errorf("%w: opaque handle %#x has a broken mapping in pool %q", types.ErrUndefinedBehavior, uint64(h), p.name)
	}
	return id, nil
}

// OpaqueHandleOf returns the handle published for a surface.
func (p *Pool) OpaqueHandleOf(id ID) (OpaqueHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opaque {
		return 0, fmt.Errorf("%w: pool %q is not opaque", types.ErrInvalidState, p.name)
	}
	s, err := p.lookup(id)
	if err != nil {
		return 0, err
	}
	return s.opaque, nil
}
