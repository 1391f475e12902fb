package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/types"
)

// runGuard counts pieces executing on behalf of one session. After close no
// new piece starts and close returns once the running ones left, so surface
// memory can be freed.
type runGuard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool
}

func newRunGuard() *runGuard {
	g := &runGuard{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *runGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active++
	return true
}

func (g *runGuard) exit() {
	g.mu.Lock()
	g.active--
	if g.active == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

func (g *runGuard) close() {
	g.mu.Lock()
	g.closed = true
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// guardedDevice routes every piece of submitted work through a runGuard.
type guardedDevice struct {
	accel.Device
	guard *runGuard
}

func (d *guardedDevice) Submit(ctx context.Context, w *accel.Work) (*dispatch.SyncPoint, error) {
	if w == nil || w.Run == nil {
		return d.Device.Submit(ctx, w)
	}
	run := w.Run
	wrapped := *w
	wrapped.Run = func(threadIndex, piece int) error {
		if !d.guard.enter() {
			return fmt.Errorf("%w: session closed", types.ErrAborted)
		}
		defer d.guard.exit()
		return run(threadIndex, piece)
	}
	return d.Device.Submit(ctx, &wrapped)
}
