// Package task implements the bounded pool of per-frame tasks that keeps at
// most async-depth frames in flight and reclaims them oldest first.
package task

import (
	"fmt"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// State is the lifecycle position of a task.
type State int

const (
	// StateFree tasks can be acquired.
	StateFree State = iota
	// StateReserved tasks are bound to a frame but nothing was submitted yet.
	StateReserved
	// StateSubmitted tasks carry an async handle.
	StateSubmitted
	// StateWorking tasks have pieces still running.
	StateWorking
	// StateDone tasks finished every piece and wait for completion.
	StateDone
	// StateCompleting tasks are running their finalize step.
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateSubmitted:
		return "submitted"
	case StateWorking:
		return "working"
	case StateDone:
		return "done"
	case StateCompleting:
		return "completing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task holds the state of one frame travelling through the pipeline.
type Task struct {
	index int
	seq   uint64
	state State
	sync  *dispatch.SyncPoint
	deps  []*dispatch.SyncPoint

	// Bitstream is the fragment bound to the task: decoder input or encoder output.
	Bitstream *types.Bitstream
	// Surface is the picture the task carries between stages.
	Surface    *surface.Lease
	Ctrl       types.FrameCtrl
	FrameOrder uint32
	TimeStamp  int64
	// Value carries stage specific results.
	Value any
}

// Index returns the slot of the task in its pool.
func (t *Task) Index() int {
	return t.index
}

// Seq returns the acquisition sequence number; lower is older.
func (t *Task) Seq() uint64 {
	return t.seq
}

// State returns the lifecycle state.
func (t *Task) State() State {
	return t.state
}

// SyncPoint returns the async handle, nil while the task is reserved.
func (t *Task) SyncPoint() *dispatch.SyncPoint {
	return t.sync
}

// Deps returns the predecessor handles the task was submitted with.
func (t *Task) Deps() []*dispatch.SyncPoint {
	return t.deps
}

// Progress returns finished and total pieces of the submitted operation.
func (t *Task) Progress() (int, int) {
	if t.sync == nil {
		return 0, 0
	}
	return t.sync.Progress()
}

func (t *Task) reset() {
	t.state = StateFree
	t.sync = nil
	t.deps = nil
	t.Surface.Release()
	t.Surface = nil
	t.Ctrl = types.FrameCtrl{}
	t.FrameOrder = 0
	t.TimeStamp = 0
	t.Value = nil
	if t.Bitstream != nil {
		t.Bitstream.Reset()
	}
}
