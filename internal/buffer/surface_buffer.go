// Package buffer provides the cross-stage surface buffer that connects pipeline
// stages running on different goroutines or sessions.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// ErrWaitTimeout is returned when a blocking wait expires.
var ErrWaitTimeout = errors.New("buffer wait timed out")

// Entry is one picture queued between two stages.
type Entry struct {
	Surface *surface.Lease
	// Sync is the producer's handle; a joined producer may insert before it resolved.
	Sync       *dispatch.SyncPoint
	Ctrl       types.FrameCtrl
	FrameOrder uint32
	TimeStamp  int64
}

// SurfaceBuffer is a FIFO of entries for one consumer. Buffers linked with
// AddConsumer form a fan-out chain: Add on the head feeds every buffer.
type SurfaceBuffer struct {
	name     string
	capacity int
	log      *logrus.Entry

	mu        sync.Mutex
	cond      *sync.Cond
	entries   []Entry
	next      *SurfaceBuffer
	cancelled bool
	noMore    bool
	producers int
	finished  int
	added     uint64
	released  uint64
}

// New creates a buffer. A capacity of 0 leaves it unbounded.
func New(name string, capacity int, logger *logrus.Entry) *SurfaceBuffer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &SurfaceBuffer{
		name:     name,
		capacity: capacity,
		log:      logger.WithField("buffer", name),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Name returns the buffer name.
func (b *SurfaceBuffer) Name() string {
	return b.name
}

// AddConsumer appends a new consumer buffer to the fan-out chain and returns it.
func (b *SurfaceBuffer) AddConsumer(name string) *SurfaceBuffer {
	consumer := New(name, b.capacity, b.log)

	tail := b
	for {
		tail.mu.Lock()
		next := tail.next
		if next == nil {
			tail.next = consumer
			tail.mu.Unlock()
			return consumer
		}
		tail.mu.Unlock()
		tail = next
	}
}

// chain returns every buffer fed by b, b first.
func (b *SurfaceBuffer) chain() []*SurfaceBuffer {
	var out []*SurfaceBuffer
	for cur := b; cur != nil; {
		out = append(out, cur)
		cur.mu.Lock()
		next := cur.next
		cur.mu.Unlock()
		cur = next
	}
	return out
}

// AddProducer registers a producer for fan-in. Consumers see end of stream
// once every registered producer called ProducerDone.
func (b *SurfaceBuffer) AddProducer() {
	for _, cur := range b.chain() {
		cur.mu.Lock()
		cur.producers++
		cur.mu.Unlock()
	}
}

// ProducerDone marks one producer finished.
func (b *SurfaceBuffer) ProducerDone() {
	for _, cur := range b.chain() {
		cur.mu.Lock()
		cur.finished++
		cur.cond.Broadcast()
		cur.mu.Unlock()
	}
}

// Add queues e on every buffer of the chain, each holding its own surface
// reference. It is a no-op on buffers whose buffering was cancelled.
func (b *SurfaceBuffer) Add(e Entry) error {
	for _, cur := range b.chain() {
		if err := cur.add(e); err != nil {
			return err
		}
	}
	return nil
}

func (b *SurfaceBuffer) add(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled {
		return nil
	}

	held := e
	if e.Surface != nil {
		lease, err := e.Surface.HandOff()
		if err != nil {
			return fmt.Errorf("failed to hand surface %d to buffer %q: %w", e.Surface.ID(), b.name, err)
		}
		held.Surface = lease
	}

	b.entries = append(b.entries, held)
	b.added++
	b.cond.Broadcast()
	return nil
}

// Get returns the front entry without removing it. An empty buffer returns
// ErrMoreSurfaceNeeded, or ErrEndOfStream once no more frames will arrive.
func (b *SurfaceBuffer) Get() (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 {
		return b.entries[0], nil
	}
	if b.endedLocked() {
		return Entry{}, types.ErrEndOfStream
	}
	return Entry{}, types.ErrMoreSurfaceNeeded
}

func (b *SurfaceBuffer) endedLocked() bool {
	return b.noMore || (b.producers > 0 && b.finished >= b.producers)
}

// ReleaseEntry drops the front-most entry holding the same surface of the same
// pool as e. Producers joined for fan-in draw from different pools, so surface
// ids alone are ambiguous.
func (b *SurfaceBuffer) ReleaseEntry(e Entry) error {
	if e.Surface == nil {
		return b.release(func(cand Entry) bool {
			return cand.Surface == nil && cand.FrameOrder == e.FrameOrder
		}, fmt.Sprintf("frame %d", e.FrameOrder))
	}
	return b.release(func(cand Entry) bool {
		return cand.Surface != nil &&
			cand.Surface.Pool() == e.Surface.Pool() &&
			cand.Surface.ID() == e.Surface.ID()
	}, fmt.Sprintf("surface %d", e.Surface.ID()))
}

func (b *SurfaceBuffer) release(match func(Entry) bool, what string) error {
	b.mu.Lock()
	idx := -1
	for i, e := range b.entries {
		if match(e) {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s not queued in buffer %q", types.ErrNotFound, what, b.name)
	}

	e := b.entries[idx]
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.released++
	b.cond.Broadcast()
	b.mu.Unlock()

	e.Surface.Release()
	return nil
}

// WaitForInsertion blocks until an entry is queued, no more frames will
// arrive, or the timeout expires.
func (b *SurfaceBuffer) WaitForInsertion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.entries) == 0 && !b.endedLocked() && !b.cancelled {
		if !b.waitLocked(deadline) {
			return fmt.Errorf("%w: no insertion into %q within %s", ErrWaitTimeout, b.name, timeout)
		}
	}
	if len(b.entries) == 0 && b.endedLocked() {
		return types.ErrEndOfStream
	}
	return nil
}

// WaitForRelease blocks until every buffer of the chain has room, buffering
// was cancelled, or the timeout expires. Unbounded buffers never wait.
func (b *SurfaceBuffer) WaitForRelease(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for _, cur := range b.chain() {
		if err := cur.waitForRoom(deadline, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (b *SurfaceBuffer) waitForRoom(deadline time.Time, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.capacity > 0 && len(b.entries) >= b.capacity && !b.cancelled {
		if !b.waitLocked(deadline) {
			return fmt.Errorf("%w: no release from %q within %s", ErrWaitTimeout, b.name, timeout)
		}
	}
	return nil
}

// waitLocked waits on the condition until woken or deadline passes. It
// reports false once the deadline passed.
func (b *SurfaceBuffer) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	b.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// CancelBuffering makes further Add calls no-ops on the whole chain. Queued
// entries stay until released.
func (b *SurfaceBuffer) CancelBuffering() {
	for _, cur := range b.chain() {
		cur.mu.Lock()
		cur.cancelled = true
		cur.cond.Broadcast()
		cur.mu.Unlock()
	}
}

// SetNoMoreFrames tells every consumer of the chain that nothing else will be added.
func (b *SurfaceBuffer) SetNoMoreFrames() {
	for _, cur := range b.chain() {
		cur.mu.Lock()
		cur.noMore = true
		cur.cond.Broadcast()
		cur.mu.Unlock()
	}
}

// ReleaseAll drops every queued entry of the chain.
func (b *SurfaceBuffer) ReleaseAll() int {
	total := 0
	for _, cur := range b.chain() {
		cur.mu.Lock()
		entries := cur.entries
		cur.entries = nil
		cur.released += uint64(len(entries))
		cur.cond.Broadcast()
		cur.mu.Unlock()

		for _, e := range entries {
			e.Surface.Release()
		}
		total += len(entries)
	}
	if total > 0 {
		b.log.WithField("entries", total).Debug("Released buffered surfaces")
	}
	return total
}

// Detach cancels buffering on b alone and releases its queued entries. Other
// consumers of the chain keep receiving entries.
func (b *SurfaceBuffer) Detach() int {
	b.mu.Lock()
	b.cancelled = true
	entries := b.entries
	b.entries = nil
	b.released += uint64(len(entries))
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, e := range entries {
		e.Surface.Release()
	}
	return len(entries)
}

// Len returns the number of queued entries.
func (b *SurfaceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stats returns buffer counters.
func (b *SurfaceBuffer) Stats() types.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return types.BufferStats{
		Queued:    len(b.entries),
		Added:     b.added,
		Released:  b.released,
		Cancelled: b.cancelled,
	}
}
