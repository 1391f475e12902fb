package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/types"
)

// Config configures a task pool.
type Config struct {
	Name       string
	AsyncDepth int
	// SyncTimeout bounds one wait on the oldest task; a task still working afterwards is a hang.
	SyncTimeout time.Duration
	// BusyCeiling bounds how long the oldest task may stay busy before the device is failed.
	BusyCeiling time.Duration
	BusySleep   time.Duration
	// BitstreamSize preallocates the fragment bound to each task.
	BitstreamSize int
	Logger        *logrus.Entry
}

// Stats describes pool occupancy.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Created     int    `json:"created"`
	Outstanding int    `json:"outstanding"`
	InFlight    int    `json:"in_flight"`
	Completed   uint64 `json:"completed"`
	Cleared     uint64 `json:"cleared"`
}

// Pool is a bounded set of tasks. Acquisition order defines completion order.
type Pool struct {
	name   string
	depth  int
	bsSize int
	log    *logrus.Entry

	sem *semaphore.Weighted

	mu          sync.Mutex
	syncTimeout time.Duration
	busyCeiling time.Duration
	busySleep   time.Duration
	tasks       []*Task
	seq       uint64
	completed uint64
	cleared   uint64
}

// NewPool creates an empty pool; tasks are created on demand up to AsyncDepth.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.AsyncDepth < 1 {
		return nil, fmt.Errorf("%w: async depth %d", types.ErrInvalidConfig, cfg.AsyncDepth)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		name:   cfg.Name,
		depth:  cfg.AsyncDepth,
		bsSize: cfg.BitstreamSize,
		log:    log.WithField("tasks", cfg.Name),
		sem:    semaphore.NewWeighted(int64(cfg.AsyncDepth)),
	}
	p.SetLimits(cfg.SyncTimeout, cfg.BusyCeiling, cfg.BusySleep)
	return p, nil
}

// SetLimits changes the timeouts applied by later synchronizations. Zero
// values select the defaults.
func (p *Pool) SetLimits(syncTimeout, busyCeiling, busySleep time.Duration) {
	if syncTimeout <= 0 {
		syncTimeout = 5 * time.Second
	}
	if busyCeiling <= 0 {
		busyCeiling = 2 * time.Second
	}
	if busySleep <= 0 {
		busySleep = time.Millisecond
	}

	p.mu.Lock()
	p.syncTimeout = syncTimeout
	p.busyCeiling = busyCeiling
	p.busySleep = busySleep
	p.mu.Unlock()
}

// Capacity returns the async depth.
func (p *Pool) Capacity() int {
	return p.depth
}

// AcquireFreeTask reserves a task. It fails with ErrNotFound exactly when every
// slot is outstanding; the caller then synchronizes the oldest task.
func (p *Pool) AcquireFreeTask() (*Task, error) {
	if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: all %d tasks of %q outstanding", types.ErrNotFound, p.depth, p.name)
	}
	return p.reserve(), nil
}

// AcquireFreeTaskWait blocks until a task is released or ctx ends.
// Each release wakes exactly one waiter.
func (p *Pool) AcquireFreeTaskWait(ctx context.Context) (*Task, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return p.reserve(), nil
}

func (p *Pool) reserve() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var t *Task
	for _, candidate := range p.tasks {
		if candidate.state == StateFree {
			t = candidate
			break
		}
	}
	if t == nil {
		t = &Task{index: len(p.tasks)}
		if p.bsSize > 0 {
			t.Bitstream = &types.Bitstream{Data: make([]byte, 0, p.bsSize)}
		}
		p.tasks = append(p.tasks, t)
	}

	p.seq++
	t.seq = p.seq
	t.state = StateReserved
	return t
}

// Submit records the async handle of a reserved task.
func (p *Pool) Submit(t *Task, sp *dispatch.SyncPoint, deps ...*dispatch.SyncPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.state != StateReserved {
		return fmt.Errorf("%w: task %d is %s, not reserved", types.ErrInvalidState, t.index, t.state)
	}
	if sp == nil {
		return fmt.Errorf("%w: task %d submitted without a sync point", types.ErrInvalidState, t.index)
	}
	t.sync = sp
	t.deps = deps
	t.state = StateSubmitted
	return nil
}

// Outstanding returns the number of tasks not in the free state.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingLocked()
}

func (p *Pool) outstandingLocked() int {
	n := 0
	for _, t := range p.tasks {
		if t.state != StateFree {
			n++
		}
	}
	return n
}

// InFlight returns the number of submitted tasks that have not finished.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlightLocked()
}

func (p *Pool) inFlightLocked() int {
	n := 0
	for _, t := range p.tasks {
		if t.state == StateSubmitted || t.state == StateWorking {
			n++
		}
	}
	return n
}

// SyncPoints returns the async handles of every submitted task, oldest first.
func (p *Pool) SyncPoints() []*dispatch.SyncPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var submitted []*Task
	for _, t := range p.tasks {
		if t.sync != nil && t.state != StateFree {
			submitted = append(submitted, t)
		}
	}
	sort.Slice(submitted, func(i, j int) bool { return submitted[i].seq < submitted[j].seq })

	sps := make([]*dispatch.SyncPoint, len(submitted))
	for i, t := range submitted {
		sps[i] = t.sync
	}
	return sps
}

// Oldest returns the submitted task with the lowest sequence number, or nil.
func (p *Pool) Oldest() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oldestLocked()
}

func (p *Pool) oldestLocked() *Task {
	var oldest *Task
	for _, t := range p.tasks {
		if t.sync == nil {
			continue
		}
		if t.state != StateSubmitted && t.state != StateWorking && t.state != StateDone {
			continue
		}
		if oldest == nil || t.seq < oldest.seq {
			oldest = t
		}
	}
	return oldest
}

// SynchronizeOldest waits for the oldest submitted task. Busy is retried in a
// bounded sleep-spin; past the busy ceiling the device is failed. A task still
// working after the sync timeout is reported as a hardware hang.
func (p *Pool) SynchronizeOldest(ctx context.Context) (*Task, error) {
	p.mu.Lock()
	t := p.oldestLocked()
	p.mu.Unlock()

	if t == nil {
		return nil, fmt.Errorf("%w: no submitted task in %q", types.ErrNotFound, p.name)
	}
	return t, p.Synchronize(ctx, t)
}

// Synchronize waits for one submitted task.
func (p *Pool) Synchronize(ctx context.Context, t *Task) error {
	p.mu.Lock()
	sp := t.sync
	if sp == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: task %d has no sync point", types.ErrInvalidState, t.index)
	}
	if t.state == StateSubmitted {
		t.state = StateWorking
	}
	syncTimeout, busyCeiling, busySleep := p.syncTimeout, p.busyCeiling, p.busySleep
	p.mu.Unlock()

	var busySince time.Time
	deadline := time.Now().Add(syncTimeout)

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("%w: task %d (%s) did not finish within %s", types.ErrHardwareHang, t.index, sp, syncTimeout)
		}

		status, err := sp.Wait(ctx, minDuration(wait, busySleep*10))
		switch status {
		case dispatch.StatusDone:
			p.setState(t, StateDone)
			return nil

		case dispatch.StatusFailed:
			return fmt.Errorf("task %d of %q failed: %w", t.index, p.name, err)

		case dispatch.StatusBusy:
			if busySince.IsZero() {
				busySince = time.Now()
			}
			if time.Since(busySince) > busyCeiling {
				return fmt.Errorf("%w: task %d busy for more than %s", types.ErrDeviceFailed, t.index, busyCeiling)
			}
			// Busy is not progress towards a hang
			deadline = time.Now().Add(syncTimeout)
			if err := sleepCtx(ctx, busySleep); err != nil {
				return err
			}

		default:
			busySince = time.Time{}
			if err != nil {
				return err
			}
		}
	}
}

func (p *Pool) setState(t *Task, s State) {
	p.mu.Lock()
	t.state = s
	p.mu.Unlock()
}

// CompleteTask runs finalize once for a finished task and returns it to the free state.
func (p *Pool) CompleteTask(t *Task, finalize func(*Task) error) error {
	p.mu.Lock()
	if t.state == StateFree {
		p.mu.Unlock()
		return fmt.Errorf("%w: task %d already free", types.ErrInvalidState, t.index)
	}
	t.state = StateCompleting
	p.mu.Unlock()

	var err error
	if finalize != nil {
		err = finalize(t)
	}

	p.mu.Lock()
	t.reset()
	p.completed++
	p.mu.Unlock()

	p.sem.Release(1)
	return err
}

// Release returns a task whose frame was absorbed by stage buffering.
func (p *Pool) Release(t *Task) {
	p.mu.Lock()
	if t.state == StateFree {
		p.mu.Unlock()
		return
	}
	t.reset()
	p.mu.Unlock()

	p.sem.Release(1)
}

// ClearTasks forces every outstanding task to free. Async handles issued before
// the call are aborted and must not be reused; their completion routines run
// with ErrAborted once the device stopped touching them.
func (p *Pool) ClearTasks() int {
	p.mu.Lock()
	cleared := 0
	var aborted []*dispatch.SyncPoint
	for _, t := range p.tasks {
		if t.state == StateFree {
			continue
		}
		if t.sync != nil {
			aborted = append(aborted, t.sync)
		}
		t.reset()
		cleared++
	}
	p.cleared += uint64(cleared)
	p.mu.Unlock()

	for _, sp := range aborted {
		sp.Abort(fmt.Errorf("%w: task cleared", types.ErrAborted))
	}

	if cleared > 0 {
		p.sem.Release(int64(cleared))
		p.log.WithField("cleared", cleared).Warn("Cleared outstanding tasks")
	}
	return cleared
}

// Stats returns pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Capacity:    p.depth,
		Created:     len(p.tasks),
		Outstanding: p.outstandingLocked(),
		InFlight:    p.inFlightLocked(),
		Completed:   p.completed,
		Cleared:     p.cleared,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
