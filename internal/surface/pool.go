package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

// anyGen disables the generation check for ID-addressed calls.
const anyGen = ^uint32(0)

// Config describes a frame pool.
type Config struct {
	Name      string
	Info      types.FrameInfo
	Count     int
	MaxCount  int // growth ceiling; 0 means the pool does not grow
	Allocator Allocator
	Opaque    bool
	Logger    *logrus.Entry
}

// Stats counts surfaces per state.
type Stats struct {
	Total         int
	Free          int
	Reserved      int
	Locked        int
	PendingOutput int
	Refs          int
	External      int
}

// InUse returns the number of surfaces not in the free state.
func (s Stats) InUse() int {
	return s.Total - s.Free
}

// Pool owns a set of surfaces and hands them out as leases.
type Pool struct {
	name     string
	info     types.FrameInfo
	alloc    Allocator
	maxCount int
	opaque   bool
	salt     uint64
	log      *logrus.Entry

	mu       sync.Mutex
	surfaces []*surface
	handles  map[OpaqueHandle]ID
	freed    chan struct{}
	closed   bool
}

// NewPool allocates cfg.Count internal surfaces.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Count > 0 && cfg.Allocator == nil {
		return nil, fmt.Errorf("%w: pool %q has no allocator", types.ErrInvalidConfig, cfg.Name)
	}
	if cfg.MaxCount > 0 && cfg.MaxCount < cfg.Count {
		return nil, fmt.Errorf("%w: pool %q max count %d below count %d", types.ErrInvalidConfig, cfg.Name, cfg.MaxCount, cfg.Count)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		name:     cfg.Name,
		info:     cfg.Info,
		alloc:    cfg.Allocator,
		maxCount: cfg.MaxCount,
		opaque:   cfg.Opaque,
		log:      log.WithField("pool", cfg.Name),
		handles:  make(map[OpaqueHandle]ID),
		freed:    make(chan struct{}),
	}
	if p.opaque {
		p.salt = nextOpaqueSalt()
	}

	for i := 0; i < cfg.Count; i++ {
		if _, err := p.allocLocked(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to allocate surface %d of pool %q: %w", i, cfg.Name, err)
		}
	}

	p.log.WithFields(logrus.Fields{
		"count":  cfg.Count,
		"info":   cfg.Info.String(),
		"opaque": cfg.Opaque,
	}).Debug("Frame pool allocated")

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Info returns the picture geometry the pool was created for.
func (p *Pool) Info() types.FrameInfo {
	return p.info
}

// Opaque reports whether the pool publishes opaque handles.
func (p *Pool) Opaque() bool {
	return p.opaque
}

// Pattern returns the memory pattern of the allocator, or "" for external-only pools.
func (p *Pool) Pattern() types.MemoryPattern {
	if p.alloc == nil {
		return ""
	}
	return p.alloc.Pattern()
}

func (p *Pool) allocLocked() (*surface, error) {
	mem, err := p.alloc.Alloc(p.info)
	if err != nil {
		return nil, err
	}
	s := &surface{
		id:    ID(len(p.surfaces)),
		info:  p.info,
		mem:   mem,
		owner: OwnerInternal,
	}
	p.addLocked(s)
	return s, nil
}

func (p *Pool) addLocked(s *surface) {
	p.surfaces = append(p.surfaces, s)
	if p.opaque {
		s.opaque = makeOpaqueHandle(p.salt, s.id)
		p.handles[s.opaque] = s.id
	}
}

// RegisterExternal adds a caller-allocated surface. The pool never frees its memory.
func (p *Pool) RegisterExternal(info types.FrameInfo, mem Memory) (ID, error) {
	if len(mem.Data) == 0 || mem.Pitch <= 0 {
		return InvalidID, fmt.Errorf("%w: external surface without memory", types.ErrInvalidConfig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return InvalidID, fmt.Errorf("%w: pool %q closed", types.ErrInvalidState, p.name)
	}

	s := &surface{
		id:    ID(len(p.surfaces)),
		info:  info,
		mem:   mem,
		owner: OwnerExternal,
	}
	p.addLocked(s)
	return s.id, nil
}

func (p *Pool) lookup(id ID) (*surface, error) {
	if id < 0 || int(id) >= len(p.surfaces) {
		return nil, fmt.Errorf("%w: surface %d unknown to pool %q", types.ErrInvalidState, id, p.name)
	}
	return p.surfaces[id], nil
}

func (p *Pool) lookupGen(id ID, gen uint32) (*surface, error) {
	s, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if gen != anyGen && s.gen != gen {
		return nil, fmt.Errorf("%w: stale lease for surface %d of pool %q", types.ErrInvalidState, id, p.name)
	}
	return s, nil
}

// Acquire reserves a free surface matching d.
func (p *Pool) Acquire(d Descriptor) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, _, err := p.acquireLocked(d)
	return lease, err
}

func (p *Pool) acquireLocked(d Descriptor) (*Lease, <-chan struct{}, error) {
	if p.closed {
		return nil, nil, fmt.Errorf("%w: pool %q closed", types.ErrInvalidState, p.name)
	}

	for _, s := range p.surfaces {
		if s.state == StateFree && s.locks == 0 && s.matches(d, p.info.Format) {
			return p.reserveLocked(s), nil, nil
		}
	}

	if p.alloc != nil && len(p.surfaces) < p.maxCount {
		s, err := p.allocLocked()
		if err != nil {
			return nil, nil, err
		}
		if s.matches(d, p.info.Format) {
			p.log.WithField("total", len(p.surfaces)).Debug("Frame pool grew")
			return p.reserveLocked(s), nil, nil
		}
	}

	return nil, p.freed, fmt.Errorf("%w: no free surface in pool %q", types.ErrResourceExhausted, p.name)
}

func (p *Pool) reserveLocked(s *surface) *Lease {
	s.state = StateReserved
	s.refs = 1
	return &Lease{pool: p, id: s.id, gen: s.gen}
}

// AcquireWait retries Acquire each time a surface is reclaimed until timeout expires.
func (p *Pool) AcquireWait(ctx context.Context, d Descriptor, timeout time.Duration) (*Lease, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		lease, freed, err := p.acquireLocked(d)
		p.mu.Unlock()

		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, types.ErrResourceExhausted) || freed == nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: no free surface in pool %q after %s", types.ErrResourceExhausted, p.name, timeout)
		case <-freed:
		}
	}
}

// Lock maps a referenced surface for CPU access.
func (p *Pool) Lock(id ID) (Mapping, error) {
	return p.lock(id, anyGen)
}

func (p *Pool) lock(id ID, gen uint32) (Mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupGen(id, gen)
	if err != nil {
		return Mapping{}, err
	}
	if s.state == StateFree {
		return Mapping{}, fmt.Errorf("%w: surface %d of pool %q is free", types.ErrInvalidState, id, p.name)
	}

	s.locks++
	if s.state == StateReserved {
		s.state = StateLocked
	}
	return Mapping{Data: s.mem.Data, Pitch: s.mem.Pitch, Height: s.mem.Height}, nil
}

// Unlock drops one lock. Unlocking an unlocked surface is a no-op. The state
// never moves back to reserved: a mapped surface stays locked until it is
// marked for output or reclaimed.
func (p *Pool) Unlock(id ID) error {
	return p.unlock(id, anyGen)
}

func (p *Pool) unlock(id ID, gen uint32) error {
	p.mu.Lock()
	s, err := p.lookupGen(id, gen)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.locks == 0 {
		p.mu.Unlock()
		return nil
	}

	s.locks--
	link := p.reclaimLocked(s)
	p.mu.Unlock()

	link.Release()
	return nil
}

// IncRef adds a reference to a surface that is not free.
func (p *Pool) IncRef(id ID) error {
	_, err := p.incRef(id, anyGen, false)
	return err
}

// HandOff adds a reference for a new consumer. It fails while the surface is locked.
func (p *Pool) HandOff(id ID) error {
	_, err := p.incRef(id, anyGen, true)
	return err
}

func (p *Pool) incRef(id ID, gen uint32, unlockedOnly bool) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupGen(id, gen)
	if err != nil {
		return nil, err
	}
	if s.state == StateFree {
		return nil, fmt.Errorf("%w: surface %d of pool %q is free", types.ErrInvalidState, id, p.name)
	}
	if unlockedOnly && s.locks > 0 {
		return nil, fmt.Errorf("%w: surface %d of pool %q is locked", types.ErrInvalidState, id, p.name)
	}

	s.refs++
	return &Lease{pool: p, id: s.id, gen: s.gen}, nil
}

// DecRef drops a reference; the last one returns the surface to the free state.
func (p *Pool) DecRef(id ID) error {
	return p.decRef(id, anyGen)
}

func (p *Pool) decRef(id ID, gen uint32) error {
	p.mu.Lock()
	s, err := p.lookupGen(id, gen)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.refs == 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: surface %d of pool %q has no references", types.ErrInvalidState, id, p.name)
	}

	s.refs--
	link := p.reclaimLocked(s)
	p.mu.Unlock()

	link.Release()
	return nil
}

// BeginOp records an outstanding hardware operation on a surface.
func (p *Pool) BeginOp(id ID) error {
	return p.beginOp(id, anyGen)
}

func (p *Pool) beginOp(id ID, gen uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupGen(id, gen)
	if err != nil {
		return err
	}
	if s.state == StateFree {
		return fmt.Errorf("%w: surface %d of pool %q is free", types.ErrInvalidState, id, p.name)
	}
	s.pending++
	return nil
}

// EndOp completes an operation started with BeginOp.
func (p *Pool) EndOp(id ID) error {
	return p.endOp(id, anyGen)
}

func (p *Pool) endOp(id ID, gen uint32) error {
	p.mu.Lock()
	s, err := p.lookupGen(id, gen)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.pending > 0 {
		s.pending--
	}
	link := p.reclaimLocked(s)
	p.mu.Unlock()

	link.Release()
	return nil
}

// MarkPendingOutput moves a locked surface into the pending-output-copy state.
func (p *Pool) MarkPendingOutput(id ID) error {
	return p.markPendingOutput(id, anyGen)
}

func (p *Pool) markPendingOutput(id ID, gen uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupGen(id, gen)
	if err != nil {
		return err
	}
	if s.state != StateLocked {
		return fmt.Errorf("%w: surface %d of pool %q is %s, not locked", types.ErrInvalidState, id, p.name, s.state)
	}
	s.state = StatePendingOutputCopy
	return nil
}

// Link attaches an external lease to an internal surface. The lease is released
// when the internal surface is reclaimed.
func (p *Pool) Link(id ID, ext *Lease) error {
	p.mu.Lock()
	s, err := p.lookup(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.state == StateFree {
		p.mu.Unlock()
		return fmt.Errorf("%w: surface %d of pool %q is free", types.ErrInvalidState, id, p.name)
	}
	old := s.link
	s.link = ext
	p.mu.Unlock()

	old.Release()
	return nil
}

// reclaimLocked frees s when nothing holds it and returns the linkage to release.
// Any held state may return to free; a surface dropped before output never
// reaches pending-output-copy.
func (p *Pool) reclaimLocked(s *surface) *Lease {
	if s.state == StateFree || s.refs > 0 || s.locks > 0 || s.pending > 0 {
		return nil
	}

	s.state = StateFree
	s.gen++
	s.meta = Meta{}
	link := s.link
	s.link = nil
	p.notifyLocked()
	return link
}

func (p *Pool) notifyLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

// Reset forces every surface back to the free state, dropping outstanding
// references. Leases issued before the reset become no-ops.
func (p *Pool) Reset() {
	p.mu.Lock()
	var links []*Lease
	dropped := 0
	for _, s := range p.surfaces {
		if s.state != StateFree {
			dropped++
		}
		if s.link != nil {
			links = append(links, s.link)
		}
		s.state = StateFree
		s.refs = 0
		s.locks = 0
		s.pending = 0
		s.gen++
		s.meta = Meta{}
		s.link = nil
	}
	p.notifyLocked()
	p.mu.Unlock()

	for _, l := range links {
		l.Release()
	}
	if dropped > 0 {
		p.log.WithField("dropped", dropped).Debug("Frame pool reset")
	}
}

// Meta returns the metadata of a surface.
func (p *Pool) Meta(id ID) (Meta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(id)
	if err != nil {
		return Meta{}, err
	}
	return s.meta, nil
}

// SetMeta replaces the metadata of a referenced surface.
func (p *Pool) SetMeta(id ID, m Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	if s.state == StateFree {
		return fmt.Errorf("%w: surface %d of pool %q is free", types.ErrInvalidState, id, p.name)
	}
	s.meta = m
	return nil
}

// SurfaceInfo returns the geometry of one surface, which differs from the pool's for external surfaces.
func (p *Pool) SurfaceInfo(id ID) (types.FrameInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(id)
	if err != nil {
		return types.FrameInfo{}, err
	}
	return s.info, nil
}

// Snapshot returns the bookkeeping of one surface.
func (p *Pool) Snapshot(id ID) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// Snapshots returns the bookkeeping of every surface.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, len(p.surfaces))
	for i, s := range p.surfaces {
		out[i] = s.snapshot()
	}
	return out
}

// Stats counts surfaces per state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Total: len(p.surfaces)}
	for _, s := range p.surfaces {
		switch s.state {
		case StateFree:
			st.Free++
		case StateReserved:
			st.Reserved++
		case StateLocked:
			st.Locked++
		case StatePendingOutputCopy:
			st.PendingOutput++
		}
		st.Refs += s.refs
		if s.owner == OwnerExternal {
			st.External++
		}
	}
	return st
}

// Close releases internal memory. Surfaces still in use are reported and freed anyway.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var errs []error
	inUse := 0
	for _, s := range p.surfaces {
		if s.state != StateFree {
			inUse++
		}
		if s.owner == OwnerInternal && p.alloc != nil {
			if err := p.alloc.Free(s.mem); err != nil {
				errs = append(errs, fmt.Errorf("failed to free surface %d: %w", s.id, err))
			}
		}
		s.mem = Memory{}
	}
	p.notifyLocked()
	p.mu.Unlock()

	if inUse > 0 {
		p.log.WithField("in_use", inUse).Warn("Frame pool closed with surfaces in use")
	}
	return errors.Join(errs...)
}
