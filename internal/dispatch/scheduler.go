package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

// Routine processes one piece of a submission. It is called once per piece with
// a distinct callNumber in [0, Pieces). Returning StatusBusy re-queues the same
// callNumber after the scheduler's busy backoff.
type Routine func(threadIndex, callNumber int) (Status, error)

// EntryPoint describes work handed to the scheduler.
type EntryPoint struct {
	Name    string
	Routine Routine
	// Complete runs exactly once after the last piece, or after the first failure.
	// A submission aborted through its sync point completes with the abort error
	// once its running pieces returned.
	Complete        func(err error)
	RequiredWorkers int
	Pieces          int
	// Deps must all resolve before the first piece is dispatched.
	Deps []*SyncPoint
}

// Config configures a scheduler.
type Config struct {
	Workers     int
	BusyBackoff time.Duration
	QueueSize   int
	Logger      *logrus.Entry
}

// Stats counts scheduler activity.
type Stats struct {
	Workers      int    `json:"workers"`
	Submitted    uint64 `json:"submitted"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	BusyRequeues uint64 `json:"busy_requeues"`
	Active       int    `json:"active"`
}

type job struct {
	ep       EntryPoint
	sp       *SyncPoint
	next     atomic.Int32
	finished atomic.Int32
	once     sync.Once

	mu      sync.Mutex
	running int
	dropped bool
}

// enter marks a piece as running. It fails once the job was aborted.
func (j *job) enter() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.dropped {
		return false
	}
	j.running++
	return true
}

// leave reports whether the job was aborted and this was its last running piece.
func (j *job) leave() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running--
	return j.dropped && j.running == 0
}

// drop marks the job aborted and reports whether no piece is running.
func (j *job) drop() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dropped = true
	return j.running == 0
}

func (j *job) complete(err error) {
	j.once.Do(func() {
		if j.ep.Complete != nil {
			j.ep.Complete(err)
		}
	})
}

// call is one unit of queued work. A negative number claims the next free piece.
type call struct {
	job    *job
	number int
}

// Scheduler is a fixed pool of worker goroutines fed through a channel.
type Scheduler struct {
	workers int
	backoff time.Duration
	queue   chan call
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[*job]struct{}
	closed bool

	submitted    atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	busyRequeues atomic.Uint64
}

// NewScheduler starts cfg.Workers worker goroutines.
func NewScheduler(cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	backoff := cfg.BusyBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		workers: workers,
		backoff: backoff,
		queue:   make(chan call, queueSize),
		log:     log.WithField("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[*job]struct{}),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.log.WithField("workers", workers).Debug("Scheduler started")
	return s
}

// Workers returns the number of worker goroutines.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Submit queues an entry point and returns its sync point.
func (s *Scheduler) Submit(ep EntryPoint) (*SyncPoint, error) {
	if ep.Routine == nil {
		return nil, fmt.Errorf("%w: entry point %q has no routine", types.ErrInvalidConfig, ep.Name)
	}
	if ep.Pieces < 1 {
		ep.Pieces = 1
	}

	j := &job{ep: ep, sp: NewSyncPoint(ep.Name, ep.Pieces)}
	j.sp.onAbort = func(err error) {
		if j.drop() {
			s.abandon(j, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: scheduler closed", types.ErrInvalidState)
	}
	s.active[j] = struct{}{}
	s.mu.Unlock()
	s.submitted.Add(1)

	if len(ep.Deps) == 0 {
		s.dispatch(j)
		return j.sp, nil
	}

	go s.awaitDeps(j)
	return j.sp, nil
}

// awaitDeps holds a submission back until every dependency resolved.
func (s *Scheduler) awaitDeps(j *job) {
	for _, dep := range j.ep.Deps {
		if dep == nil {
			continue
		}
		select {
		case <-dep.Done():
			if err := dep.Err(); err != nil {
				s.finish(j, fmt.Errorf("dependency %s of %s failed: %w", dep.Name(), j.ep.Name, err))
				return
			}
		case <-j.sp.Done():
			// Aborted by its owner; onAbort completed it.
			return
		case <-s.ctx.Done():
			s.finish(j, fmt.Errorf("%w: scheduler closed", types.ErrAborted))
			return
		}
	}
	s.dispatch(j)
}

// dispatch queues one claiming call per worker the entry point asks for.
func (s *Scheduler) dispatch(j *job) {
	n := j.ep.RequiredWorkers
	if n < 1 {
		n = 1
	}
	if n > j.ep.Pieces {
		n = j.ep.Pieces
	}
	if n > s.workers {
		n = s.workers
	}
	for i := 0; i < n; i++ {
		s.enqueue(call{job: j, number: -1})
	}
}

func (s *Scheduler) enqueue(c call) {
	select {
	case s.queue <- c:
	case <-s.ctx.Done():
		s.finish(c.job, fmt.Errorf("%w: scheduler closed", types.ErrAborted))
	}
}

func (s *Scheduler) worker(threadIndex int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.queue:
			s.run(threadIndex, c)
		}
	}
}

// run executes pieces of one job until none are left to claim.
func (s *Scheduler) run(threadIndex int, c call) {
	j := c.job
	number := c.number

	for {
		if number < 0 {
			number = int(j.next.Add(1)) - 1
			if number >= j.ep.Pieces {
				return
			}
		}
		if !j.enter() {
			return
		}
		if j.sp.isResolved() {
			if j.leave() {
				s.abandon(j, j.sp.Err())
			}
			return
		}

		status, err := j.ep.Routine(threadIndex, number)
		if j.leave() {
			s.abandon(j, j.sp.Err())
			return
		}
		if err == nil && status == StatusFailed {
			err = fmt.Errorf("%s piece %d failed", j.ep.Name, number)
		}
		if err != nil {
			s.finish(j, err)
			return
		}

		if status == StatusBusy {
			j.sp.setBusy(true)
			s.busyRequeues.Add(1)
			retry := call{job: j, number: number}
			time.AfterFunc(s.backoff, func() { s.enqueue(retry) })
			return
		}
		j.sp.setBusy(false)

		j.sp.pieceDone()
		if int(j.finished.Add(1)) == j.ep.Pieces {
			s.finish(j, nil)
			return
		}
		number = -1
	}
}

// finish runs the completion routine once and resolves the sync point.
func (s *Scheduler) finish(j *job, err error) {
	defer s.forget(j)

	if !j.sp.claim() {
		return
	}
	j.complete(err)
	j.sp.settle(err)
	j.sp.markFinalized()

	if err != nil {
		s.failed.Add(1)
		if !errors.Is(err, types.ErrAborted) {
			s.log.WithError(err).WithField("entry_point", j.ep.Name).Debug("Entry point failed")
		}
		return
	}
	s.completed.Add(1)
}

// abandon completes a job its owner aborted.
func (s *Scheduler) abandon(j *job, err error) {
	defer s.forget(j)

	j.complete(err)
	j.sp.markFinalized()
	s.failed.Add(1)
}

func (s *Scheduler) forget(j *job) {
	s.mu.Lock()
	delete(s.active, j)
	s.mu.Unlock()
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()

	return Stats{
		Workers:      s.workers,
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		BusyRequeues: s.busyRequeues.Load(),
		Active:       active,
	}
}

// Close stops the workers and aborts every unresolved submission.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	pending := make([]*job, 0, len(s.active))
	for j := range s.active {
		pending = append(pending, j)
	}
	s.mu.Unlock()

	for _, j := range pending {
		s.finish(j, fmt.Errorf("%w: scheduler closed", types.ErrAborted))
	}

	s.log.WithField("pending", len(pending)).Debug("Scheduler stopped")
}
