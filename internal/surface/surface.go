// Package surface implements the frame pool: an arena of picture buffers
// handed out as reference-counted leases.
package surface

import (
	"fmt"

	"github.com/savid/hwpipe/internal/types"
)

// ID addresses a surface inside its pool.
type ID int32

// InvalidID is never assigned to a surface.
const InvalidID ID = -1

// State is the lifecycle position of a surface.
type State int

const (
	// StateFree surfaces can be acquired.
	StateFree State = iota
	// StateReserved surfaces are referenced but not mapped.
	StateReserved
	// StateLocked surfaces are mapped for CPU access.
	StateLocked
	// StatePendingOutputCopy surfaces were emitted downstream and wait for consumers to release them.
	StatePendingOutputCopy
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateLocked:
		return "locked"
	case StatePendingOutputCopy:
		return "pending-output-copy"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Owner says who allocated the backing memory.
type Owner int

const (
	// OwnerInternal surfaces were allocated by the pool.
	OwnerInternal Owner = iota
	// OwnerExternal surfaces were allocated by the caller; the pool tracks metadata only.
	OwnerExternal
)

func (o Owner) String() string {
	if o == OwnerExternal {
		return "external"
	}
	return "internal"
}

// Meta is per-picture metadata that travels with a surface between stages.
type Meta struct {
	FrameOrder uint32
	TimeStamp  int64
	Flags      types.FrameFlags
	PicStruct  types.PicStruct
}

// Mapping is the CPU view returned by Lock.
type Mapping struct {
	Data   []byte
	Pitch  int
	Height int
}

// Snapshot is a copy of the bookkeeping of one surface.
type Snapshot struct {
	ID      ID
	State   State
	Owner   Owner
	Locks   int
	Refs    int
	Pending int
	Meta    Meta
}

// Descriptor constrains which surface Acquire may return. Zero fields match anything.
type Descriptor struct {
	Width  int
	Height int
	Format types.PixelFormat
}

type surface struct {
	id      ID
	info    types.FrameInfo
	mem     Memory
	owner   Owner
	state   State
	locks   int
	refs    int
	pending int
	gen     uint32
	opaque  OpaqueHandle
	link    *Lease
	meta    Meta
}

func (s *surface) matches(d Descriptor, poolFormat types.PixelFormat) bool {
	if d.Width > s.info.Width || d.Height > s.info.Height {
		return false
	}
	if d.Format != "" && d.Format != s.info.Format && d.Format != poolFormat {
		return false
	}
	return true
}

func (s *surface) snapshot() Snapshot {
	return Snapshot{
		ID:      s.id,
		State:   s.state,
		Owner:   s.owner,
		Locks:   s.locks,
		Refs:    s.refs,
		Pending: s.pending,
		Meta:    s.meta,
	}
}
