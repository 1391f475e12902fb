package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// errStopped is returned at a loop boundary once Stop was called.
var errStopped = fmt.Errorf("%w: session stopped", types.ErrAborted)

// begin moves a ready orchestrator to running. Frames may also be pushed
// without Run, in which case the first call starts the clock.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateReady:
		o.state = StateRunning
		o.started = time.Now()
		return nil
	case StateRunning, StateDraining:
		return nil
	default:
		return fmt.Errorf("%w: session %q is %s", types.ErrInvalidState, o.cfg.Name, o.state)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// loop submits frames until the input ends, then drains. A busy device is
// retried with backoff and a hang triggers recovery while the budget allows it.
func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		err := o.retry.Busy(ctx, func() error {
			_, err := o.submit(ctx, nil, false)
			return err
		})
		if err == nil || errors.Is(err, types.ErrMoreDataNeeded) {
			continue
		}
		if errors.Is(err, types.ErrEndOfStream) {
			break
		}
		if !o.recoverable(err) {
			return o.stopErr(err)
		}
		if err := o.recover(ctx, err); err != nil {
			return o.stopErr(err)
		}
	}

	for {
		err := o.Drain(ctx)
		if err == nil {
			return nil
		}
		if !o.recoverable(err) {
			return o.stopErr(err)
		}
		if err := o.recover(ctx, err); err != nil {
			return o.stopErr(err)
		}
	}
}

func (o *Orchestrator) recoverable(err error) bool {
	return types.Classify(err) == types.ClassFatalHardware &&
		o.cfg.SoftRecovery &&
		!o.stop.Load() &&
		o.recoveries.Load() < uint64(o.cfg.MaxRecoveries)
}

// stopErr reports every error caused by Stop as an abort.
func (o *Orchestrator) stopErr(err error) error {
	if types.IsCancellation(err) {
		if errors.Is(err, types.ErrAborted) {
			return err
		}
		return fmt.Errorf("%w: %w", types.ErrAborted, err)
	}
	if o.stop.Load() {
		return fmt.Errorf("%w: %w", errStopped, err)
	}
	return err
}

// SubmitFrame moves one picture through every stage. An encode session
// encodes in, or the front of its input buffer when in is nil; the other
// roles decode their next coded picture and take no surface.
//
// A decode session returns the last frame it emitted during the call as a
// new reference the caller releases. Sessions writing coded output return a
// nil lease. types.ErrMoreDataNeeded means stage buffering absorbed the
// picture and nothing was emitted. types.ErrDeviceBusy means the device
// refused the next picture; nothing was consumed and the call can be
// repeated. Once the input is exhausted it returns types.ErrEndOfStream and
// Drain flushes the stages.
func (o *Orchestrator) SubmitFrame(ctx context.Context, in *surface.Lease) (*surface.Lease, error) {
	return o.submit(ctx, in, true)
}

// submit is SubmitFrame; keep holds on to the emitted frame for the caller.
func (o *Orchestrator) submit(ctx context.Context, in *surface.Lease, keep bool) (*surface.Lease, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	if o.stop.Load() {
		return nil, errStopped
	}
	if in != nil && o.cfg.Role != RoleEncode {
		return nil, fmt.Errorf("%w: %s session %q reads its own input", types.ErrInvalidState, o.cfg.Role, o.cfg.Name)
	}

	o.keepOut = keep
	defer func() { o.keepOut = false }()
	emitted := o.emitted.Load()

	var (
		f   frame
		err error
	)
	switch {
	case in != nil:
		f, err = o.takeInput(in)
	case o.cfg.Role == RoleEncode:
		f, err = o.pullInput(ctx)
	default:
		f, err = o.decodeNext(ctx)
	}
	if err == nil {
		err = o.push(ctx, f)
	}

	out := o.lastOut
	o.lastOut = nil
	if err != nil {
		out.Release()
		return nil, err
	}
	if o.emitted.Load() == emitted {
		return nil, types.ErrMoreDataNeeded
	}
	return out, nil
}

// push runs f through the field transform, post-processing and the output
// stages. It consumes f.
func (o *Orchestrator) push(ctx context.Context, f frame) error {
	frames, err := o.transformFields(ctx, f)
	if err != nil {
		return err
	}
	if o.vpp != nil {
		if frames, err = o.postProcess(ctx, frames); err != nil {
			return err
		}
	}

	for i, f := range frames {
		if err := o.writeOut(ctx, f); err != nil {
			releaseFrames(frames[i+1:])
			return err
		}
	}
	return nil
}
