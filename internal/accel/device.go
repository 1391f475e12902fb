// Package accel defines the contract toward acceleration backends, the
// registry that creates them and the detection and selection of hardware.
package accel

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/types"
)

// Op is the kind of work submitted to a device.
type Op int

const (
	// OpDecode turns a coded picture into a surface.
	OpDecode Op = iota + 1
	// OpVPP converts a surface into another surface.
	OpVPP
	// OpLookahead analyses a surface ahead of encoding.
	OpLookahead
	// OpEncode turns a surface into a coded picture.
	OpEncode
)

func (o Op) String() string {
	switch o {
	case OpDecode:
		return "decode"
	case OpVPP:
		return "vpp"
	case OpLookahead:
		return "lookahead"
	case OpEncode:
		return "encode"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// UnmarshalText parses an op name as printed by String.
func (o *Op) UnmarshalText(text []byte) error {
	for _, op := range []Op{OpDecode, OpVPP, OpLookahead, OpEncode} {
		if op.String() == string(text) {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("%w: unknown operation %q", types.ErrInvalidConfig, text)
}

// Params initializes a device for one session.
type Params struct {
	// Scheduler runs the device's work; joined sessions share one.
	Scheduler *dispatch.Scheduler
	Session   string
	Logger    *logrus.Entry
}

// Work is one operation handed to a device.
type Work struct {
	Op              Op
	Name            string
	Pieces          int
	RequiredWorkers int
	// Run processes one piece on a worker.
	Run func(threadIndex, piece int) error
	// Finalize runs once after the last piece, the first failure, a device
	// reset or an abort of the sync point by its owner.
	Finalize func(err error)
	Deps     []*dispatch.SyncPoint
}

// Device is an acceleration backend. Submit never blocks on the work itself;
// completion is observed through the returned sync point.
type Device interface {
	Type() types.HardwareType
	Info() types.HardwareInfo
	Init(ctx context.Context, p Params) error
	// Submit returns ErrDeviceBusy when the device cannot accept work right now.
	Submit(ctx context.Context, w *Work) (*dispatch.SyncPoint, error)
	QueryStatus(sp *dispatch.SyncPoint) dispatch.Status
	// Reset abandons every outstanding operation after a hang.
	Reset() error
	Close() error
}
