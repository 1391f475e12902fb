package surface

import (
	"fmt"
	"sync/atomic"

	"github.com/savid/hwpipe/internal/types"
)

// Lease is one counted reference to a surface. Release drops it exactly once;
// after a pool reset every older lease is inert.
type Lease struct {
	pool     *Pool
	id       ID
	gen      uint32
	released atomic.Bool
}

// ID returns the surface ID.
func (l *Lease) ID() ID {
	return l.id
}

// Pool returns the owning pool.
func (l *Lease) Pool() *Pool {
	return l.pool
}

// Info returns the surface geometry.
func (l *Lease) Info() types.FrameInfo {
	info, err := l.pool.SurfaceInfo(l.id)
	if err != nil {
		return l.pool.Info()
	}
	return info
}

// Valid reports whether the lease still refers to the occupancy it was issued for.
func (l *Lease) Valid() bool {
	if l == nil || l.released.Load() {
		return false
	}
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	s, err := l.pool.lookupGen(l.id, l.gen)
	return err == nil && s.state != StateFree
}

// Clone adds a reference and returns it as a separate lease.
func (l *Lease) Clone() (*Lease, error) {
	if l.released.Load() {
		return nil, fmt.Errorf("%w: lease of surface %d already released", types.ErrInvalidState, l.id)
	}
	return l.pool.incRef(l.id, l.gen, false)
}

// HandOff clones the lease for a new consumer; it fails while the surface is locked.
func (l *Lease) HandOff() (*Lease, error) {
	if l.released.Load() {
		return nil, fmt.Errorf("%w: lease of surface %d already released", types.ErrInvalidState, l.id)
	}
	return l.pool.incRef(l.id, l.gen, true)
}

// Release drops the reference. It is safe to call more than once and on a nil lease.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	_ = l.pool.decRef(l.id, l.gen)
}

// Lock maps the surface for CPU access.
func (l *Lease) Lock() (Mapping, error) {
	return l.pool.lock(l.id, l.gen)
}

// Unlock drops one lock taken with Lock.
func (l *Lease) Unlock() error {
	return l.pool.unlock(l.id, l.gen)
}

// BeginOp records an outstanding hardware operation.
func (l *Lease) BeginOp() error {
	return l.pool.beginOp(l.id, l.gen)
}

// EndOp completes an operation started with BeginOp.
func (l *Lease) EndOp() error {
	return l.pool.endOp(l.id, l.gen)
}

// MarkPendingOutput moves the locked surface into the pending-output-copy state.
func (l *Lease) MarkPendingOutput() error {
	return l.pool.markPendingOutput(l.id, l.gen)
}

// Meta returns the surface metadata.
func (l *Lease) Meta() Meta {
	m, _ := l.pool.Meta(l.id)
	return m
}

// SetMeta replaces the surface metadata.
func (l *Lease) SetMeta(m Meta) error {
	return l.pool.SetMeta(l.id, m)
}

// Handle returns the opaque handle of the surface.
func (l *Lease) Handle() (OpaqueHandle, error) {
	return l.pool.OpaqueHandleOf(l.id)
}
