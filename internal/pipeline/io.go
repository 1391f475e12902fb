package pipeline

import (
	"context"

	"github.com/savid/hwpipe/internal/buffer"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// BitstreamSource feeds coded data. Fill appends to bs and returns
// types.ErrEndOfStream once the source is exhausted.
type BitstreamSource interface {
	Fill(ctx context.Context, bs *types.Bitstream) error
}

// BitstreamSink receives coded pictures in presentation order.
type BitstreamSink interface {
	WriteBitstream(bs *types.Bitstream) error
}

// FrameSink receives decoded pictures. The lease is only valid during the call.
type FrameSink interface {
	WriteFrame(lease *surface.Lease) error
}

// IO connects an orchestrator to its inputs and outputs. Which fields are
// required depends on the role.
type IO struct {
	Source BitstreamSource
	Sink   BitstreamSink
	Frames FrameSink
	// Input feeds an encode session.
	Input *buffer.SurfaceBuffer
	// Output receives the frames of a decode session.
	Output *buffer.SurfaceBuffer
}

func (io IO) validate(role Role) error {
	switch role {
	case RoleTranscode:
		if io.Source == nil {
			return ErrNoSource
		}
		if io.Sink == nil {
			return ErrNoSink
		}
	case RoleDecode:
		if io.Source == nil {
			return ErrNoSource
		}
		if io.Output == nil && io.Frames == nil {
			return ErrNoOutput
		}
	case RoleEncode:
		if io.Input == nil {
			return ErrNoInput
		}
		if io.Sink == nil {
			return ErrNoSink
		}
	}
	return nil
}
