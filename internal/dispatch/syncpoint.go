// Package dispatch runs entry points on a fixed set of worker goroutines and
// tracks each submission with a sync point.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the progress of an asynchronous operation.
type Status int

const (
	// StatusWorking means pieces are still outstanding.
	StatusWorking Status = iota
	// StatusDone means every piece finished.
	StatusDone
	// StatusBusy means the device refused the last attempt and it will be retried.
	StatusBusy
	// StatusFailed means the operation ended with an error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusWorking:
		return "working"
	case StatusDone:
		return "done"
	case StatusBusy:
		return "busy"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var syncPointIDs atomic.Uint64

// SyncPoint is the async handle of one submitted operation.
type SyncPoint struct {
	id        uint64
	name      string
	pieces    int
	completed atomic.Int32
	done      chan struct{}

	// finalized closes once the completion routine of the operation ran.
	finalized chan struct{}
	finalOnce sync.Once
	// onAbort lets the scheduler finalize work resolved by its owner.
	onAbort func(error)

	mu       sync.Mutex
	status   Status
	err      error
	resolved bool
}

// NewSyncPoint creates an unresolved handle for an operation of the given piece count.
func NewSyncPoint(name string, pieces int) *SyncPoint {
	if pieces < 1 {
		pieces = 1
	}
	return &SyncPoint{
		id:     syncPointIDs.Add(1),
		name:   name,
		pieces:    pieces,
		done:      make(chan struct{}),
		finalized: make(chan struct{}),
	}
}

// ID returns a process-unique identifier.
func (sp *SyncPoint) ID() uint64 {
	return sp.id
}

// Name returns the entry point name the handle was created for.
func (sp *SyncPoint) Name() string {
	return sp.name
}

// Done is closed once the operation resolved.
func (sp *SyncPoint) Done() <-chan struct{} {
	return sp.done
}

// Finalized is closed once the operation resolved and its completion routine
// returned. Leases held by the operation are released by then.
func (sp *SyncPoint) Finalized() <-chan struct{} {
	return sp.finalized
}

// Status returns the current status without blocking.
func (sp *SyncPoint) Status() Status {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.status
}

// Err returns the error the operation resolved with.
func (sp *SyncPoint) Err() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.err
}

// Progress returns finished and total pieces.
func (sp *SyncPoint) Progress() (int, int) {
	return int(sp.completed.Load()), sp.pieces
}

// Wait blocks until the operation resolves, the timeout expires or ctx ends.
// On timeout it returns the current status (working or busy) and a nil error.
func (sp *SyncPoint) Wait(ctx context.Context, timeout time.Duration) (Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sp.done:
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.status, sp.err
	case <-timer.C:
		return sp.Status(), nil
	case <-ctx.Done():
		return sp.Status(), ctx.Err()
	}
}

// Resolve finishes the operation. Only the first call has an effect.
// For scheduled work the completion routine still runs with err once no
// piece is executing.
func (sp *SyncPoint) Resolve(err error) bool {
	if !sp.claim() {
		return false
	}
	sp.settle(err)
	if sp.onAbort != nil {
		sp.onAbort(err)
	} else {
		sp.markFinalized()
	}
	return true
}

// Abort resolves the handle with err on behalf of its owner.
func (sp *SyncPoint) Abort(err error) bool {
	return sp.Resolve(err)
}

func (sp *SyncPoint) claim() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.resolved {
		return false
	}
	sp.resolved = true
	return true
}

func (sp *SyncPoint) settle(err error) {
	sp.mu.Lock()
	if err != nil {
		sp.status = StatusFailed
		sp.err = err
	} else {
		sp.status = StatusDone
	}
	sp.mu.Unlock()
	close(sp.done)
}

func (sp *SyncPoint) markFinalized() {
	sp.finalOnce.Do(func() { close(sp.finalized) })
}

func (sp *SyncPoint) isResolved() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.resolved
}

func (sp *SyncPoint) setBusy(busy bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.resolved {
		return
	}
	if busy {
		sp.status = StatusBusy
	} else {
		sp.status = StatusWorking
	}
}

func (sp *SyncPoint) pieceDone() int {
	return int(sp.completed.Add(1))
}

func (sp *SyncPoint) String() string {
	done, total := sp.Progress()
	return fmt.Sprintf("%s#%d(%s %d/%d)", sp.name, sp.id, sp.Status(), done, total)
}
