package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/savid/hwpipe/internal/buffer"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/task"
	"github.com/savid/hwpipe/internal/types"
)

// bitstreamSize preallocates each encoded picture.
const bitstreamSize = 4 << 10

// decodeNext decodes the next picture of the input, reading more data when
// the bitstream holds no complete picture. A busy device is reported to the
// caller with the working surface and the bitstream left as they were.
func (o *Orchestrator) decodeNext(ctx context.Context) (frame, error) {
	for {
		if o.stop.Load() {
			return frame{}, errStopped
		}
		if o.work == nil {
			lease, err := o.acquireSurface(ctx, o.decPool)
			if err != nil {
				return frame{}, err
			}
			o.work = lease
		}
		if err := o.mapInput(o.work); err != nil {
			return frame{}, err
		}

		out, sp, err := o.decoder.DecodeFrameAsync(ctx, o.bs, o.work)
		switch {
		case err == nil:
			o.work.Release()
			o.work = nil
			return frame{lease: out, deps: []*dispatch.SyncPoint{sp}}, nil
		case errors.Is(err, types.ErrMoreDataNeeded):
			if o.bs.EOS {
				return frame{}, types.ErrEndOfStream
			}
			if err := o.fill(ctx); err != nil {
				return frame{}, err
			}
		case errors.Is(err, types.ErrDeviceBusy):
			return frame{}, err
		default:
			return frame{}, fmt.Errorf("decode failed: %w", err)
		}
	}
}

// takeInput wraps a surface handed to SubmitFrame. The frame holds its own
// reference; the caller keeps in.
func (o *Orchestrator) takeInput(in *surface.Lease) (frame, error) {
	lease, err := in.Clone()
	if err != nil {
		return frame{}, fmt.Errorf("failed to take input surface %d: %w", in.ID(), err)
	}
	return frame{lease: lease}, nil
}

// pullInput takes the front picture of the input buffer. The frame holds
// its own reference; the buffer entry is released right away.
func (o *Orchestrator) pullInput(ctx context.Context) (frame, error) {
	in := o.io.Input
	for {
		if o.stop.Load() {
			return frame{}, errStopped
		}
		if err := ctx.Err(); err != nil {
			return frame{}, err
		}

		e, err := in.Get()
		switch {
		case err == nil:
			if e.Surface == nil {
				_ = in.ReleaseEntry(e)
				continue
			}
			lease, err := e.Surface.Clone()
			if rerr := in.ReleaseEntry(e); rerr != nil {
				o.log.WithError(rerr).Warn("Failed to release input entry")
			}
			if err != nil {
				return frame{}, fmt.Errorf("failed to take input frame %d: %w", e.FrameOrder, err)
			}
			f := frame{lease: lease, ctrl: e.Ctrl}
			if e.Sync != nil {
				f.deps = []*dispatch.SyncPoint{e.Sync}
			}
			return f, nil

		case errors.Is(err, types.ErrMoreSurfaceNeeded):
			err := in.WaitForInsertion(o.cfg.BufferTimeout)
			if err != nil && !errors.Is(err, buffer.ErrWaitTimeout) && !errors.Is(err, types.ErrEndOfStream) {
				return frame{}, err
			}

		default:
			return frame{}, err
		}
	}
}

// postProcess converts every frame. Frame rate conversion may drop a frame
// or produce several.
func (o *Orchestrator) postProcess(ctx context.Context, in []frame) ([]frame, error) {
	var out []frame
	for i, f := range in {
		produced, err := o.runVPP(ctx, f)
		f.release()
		if err != nil {
			releaseFrames(in[i+1:])
			releaseFrames(out)
			return nil, err
		}
		out = append(out, produced...)
	}
	return out, nil
}

func (o *Orchestrator) runVPP(ctx context.Context, f frame) ([]frame, error) {
	if err := o.mapInput(f.lease); err != nil {
		return nil, err
	}

	var out []frame
	ctrl := f.ctrl
	for {
		dst, err := o.acquireSurface(ctx, o.vppPool)
		if err != nil {
			releaseFrames(out)
			return nil, err
		}

		var sp *dispatch.SyncPoint
		err = o.retry.Busy(ctx, func() error {
			var err error
			sp, err = o.vpp.RunFrameAsync(ctx, f.lease, dst, f.deps...)
			return err
		})
		switch {
		case err == nil:
			return append(out, frame{lease: dst, deps: []*dispatch.SyncPoint{sp}, ctrl: ctrl}), nil
		case errors.Is(err, types.ErrMoreSurfaceNeeded):
			out = append(out, frame{lease: dst, deps: []*dispatch.SyncPoint{sp}, ctrl: ctrl})
			ctrl = types.FrameCtrl{}
		case errors.Is(err, types.ErrMoreDataNeeded):
			dst.Release()
			return out, nil
		default:
			dst.Release()
			releaseFrames(out)
			return nil, fmt.Errorf("post-processing failed: %w", err)
		}
	}
}

// writeOut hands f to the output stages under a task. It consumes f.
func (o *Orchestrator) writeOut(ctx context.Context, f frame) error {
	t, err := o.acquireTask(ctx)
	if err != nil {
		f.release()
		return err
	}

	if o.cfg.Role == RoleDecode {
		return o.submitOutput(t, f)
	}

	if o.la != nil {
		f, err = o.analyse(ctx, f)
		if err != nil {
			o.tasks.Release(t)
			if errors.Is(err, types.ErrMoreDataNeeded) {
				return nil
			}
			return err
		}
	}

	err = o.encode(ctx, t, f)
	if errors.Is(err, types.ErrMoreDataNeeded) {
		return nil
	}
	return err
}

// analyse queues f in the lookahead and returns the picture leaving it, if
// any, with its analysis attached. A frame without a surface drains.
func (o *Orchestrator) analyse(ctx context.Context, f frame) (frame, error) {
	defer f.release()

	var (
		lease    *surface.Lease
		analysis *types.Analysis
		sp       *dispatch.SyncPoint
	)
	err := o.retry.Busy(ctx, func() error {
		var err error
		lease, analysis, sp, err = o.la.SubmitFrameAsync(ctx, f.lease, f.deps...)
		return err
	})
	if f.lease != nil && (err == nil || errors.Is(err, types.ErrMoreDataNeeded)) {
		o.laCtrl = append(o.laCtrl, f.ctrl)
	}
	if err != nil {
		return frame{}, err
	}

	var ctrl types.FrameCtrl
	if len(o.laCtrl) > 0 {
		ctrl = o.laCtrl[0]
		o.laCtrl = o.laCtrl[1:]
	}
	ctrl.Analysis = analysis
	return frame{lease: lease, deps: []*dispatch.SyncPoint{sp}, ctrl: ctrl}, nil
}

// encode submits f to the encoder and binds the result to t. t is released
// when the encoder produced nothing, including on ErrMoreDataNeeded, which is
// returned unchanged. A frame without a surface drains one held picture.
func (o *Orchestrator) encode(ctx context.Context, t *task.Task, f frame) error {
	defer f.release()

	if err := o.mapInput(f.lease); err != nil {
		o.tasks.Release(t)
		return err
	}

	bs := &types.Bitstream{Data: make([]byte, 0, bitstreamSize)}
	var sp *dispatch.SyncPoint
	err := o.retry.Busy(ctx, func() error {
		var err error
		sp, err = o.enc.EncodeFrameAsync(ctx, f.ctrl, f.lease, bs, f.deps...)
		return err
	})
	if err != nil {
		o.tasks.Release(t)
		if errors.Is(err, types.ErrMoreDataNeeded) {
			return err
		}
		return fmt.Errorf("encode failed: %w", err)
	}

	// Each task gets a fresh bitstream so a cleared task never shares one
	// with work still finishing.
	t.Value = bs
	if err := o.tasks.Submit(t, sp, f.deps...); err != nil {
		o.tasks.Release(t)
		return err
	}
	if o.afterSubmit != nil {
		o.afterSubmit()
	}
	return nil
}

// submitOutput binds a decoded frame to t for in-order delivery.
func (o *Orchestrator) submitOutput(t *task.Task, f frame) error {
	var sp *dispatch.SyncPoint
	if len(f.deps) > 0 {
		sp = f.deps[len(f.deps)-1]
	}
	if sp == nil {
		sp = dispatch.NewSyncPoint("output", 1)
		sp.Resolve(nil)
	}

	if o.resyncPending {
		// First frame after a reset: consumers restart their prediction here.
		f.ctrl.Resync = true
		meta := f.lease.Meta()
		meta.Flags |= types.FlagResync
		if err := f.lease.SetMeta(meta); err != nil {
			f.release()
			o.tasks.Release(t)
			return err
		}
		o.resyncPending = false
	}

	t.Surface = f.lease
	t.Ctrl = f.ctrl
	if err := o.tasks.Submit(t, sp, f.deps...); err != nil {
		o.tasks.Release(t)
		return err
	}
	if o.afterSubmit != nil {
		o.afterSubmit()
	}
	return nil
}

// completeOldest waits for the oldest task and emits its result.
func (o *Orchestrator) completeOldest(ctx context.Context) error {
	t, err := o.tasks.SynchronizeOldest(ctx)
	if err != nil {
		return err
	}
	return o.tasks.CompleteTask(t, func(t *task.Task) error {
		return o.emit(ctx, t)
	})
}

func (o *Orchestrator) emit(ctx context.Context, t *task.Task) error {
	if o.cfg.Role == RoleDecode {
		return o.emitFrame(ctx, t)
	}

	bs, _ := t.Value.(*types.Bitstream)
	if bs == nil || bs.Len() == 0 {
		return nil
	}
	n := bs.Len()
	if err := o.io.Sink.WriteBitstream(bs); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	o.bytesOut.Add(uint64(n))
	o.emitted.Add(1)
	return nil
}

func (o *Orchestrator) emitFrame(ctx context.Context, t *task.Task) error {
	lease := t.Surface
	if lease == nil {
		return nil
	}

	if o.io.Output != nil {
		if err := o.waitForRoom(ctx); err != nil {
			return err
		}
		meta := lease.Meta()
		if err := o.io.Output.Add(buffer.Entry{
			Surface:    lease,
			Sync:       t.SyncPoint(),
			Ctrl:       t.Ctrl,
			FrameOrder: meta.FrameOrder,
			TimeStamp:  meta.TimeStamp,
		}); err != nil {
			return err
		}
	}
	if o.keepOut {
		out, err := lease.Clone()
		if err != nil {
			return err
		}
		o.lastOut.Release()
		o.lastOut = out
	}
	if o.io.Frames != nil {
		if err := o.writeFrame(ctx, lease); err != nil {
			return err
		}
	}
	o.emitted.Add(1)
	return nil
}

// waitForRoom blocks while a consumer of the output buffer is full.
func (o *Orchestrator) waitForRoom(ctx context.Context) error {
	for {
		err := o.io.Output.WaitForRelease(o.cfg.BufferTimeout)
		if !errors.Is(err, buffer.ErrWaitTimeout) {
			return err
		}
		if o.stop.Load() {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// writeFrame hands a decoded picture to the frame sink. Pictures in device
// memory go through a host copy first. The copy is linked to the device
// surface and returns to the shadow pool when that surface is reclaimed.
func (o *Orchestrator) writeFrame(ctx context.Context, lease *surface.Lease) error {
	if o.shadowPool == nil {
		return o.io.Frames.WriteFrame(lease)
	}

	if _, err := lease.Lock(); err != nil {
		return err
	}
	defer func() { _ = lease.Unlock() }()
	if err := lease.MarkPendingOutput(); err != nil {
		return err
	}

	shadow, err := o.shadowPool.AcquireWait(ctx, surface.Descriptor{}, o.cfg.SurfaceTimeout)
	if err != nil {
		return err
	}
	if err := o.copyToHost(lease, shadow); err != nil {
		shadow.Release()
		return err
	}
	return o.io.Frames.WriteFrame(shadow)
}

func (o *Orchestrator) copyToHost(lease, shadow *surface.Lease) error {
	if err := mapRows(lease, shadow, func(row int) int { return row }); err != nil {
		return fmt.Errorf("failed to copy frame to host memory: %w", err)
	}
	if err := shadow.SetMeta(lease.Meta()); err != nil {
		return err
	}
	return lease.Pool().Link(lease.ID(), shadow)
}

// acquireTask reserves a task, completing the oldest one while all are
// outstanding.
func (o *Orchestrator) acquireTask(ctx context.Context) (*task.Task, error) {
	for {
		t, err := o.tasks.AcquireFreeTask()
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		if o.tasks.Oldest() == nil {
			return nil, fmt.Errorf("%w: no submitted task to complete", types.ErrResourceExhausted)
		}
		if err := o.completeOldest(ctx); err != nil {
			return nil, err
		}
	}
}

// acquireSurface reserves a surface of p. When the pool is exhausted it
// completes outstanding tasks first, then waits for another session or
// consumer to release one.
func (o *Orchestrator) acquireSurface(ctx context.Context, p *surface.Pool) (*surface.Lease, error) {
	for {
		lease, err := p.Acquire(surface.Descriptor{})
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, types.ErrResourceExhausted) {
			return nil, err
		}
		if o.tasks.Oldest() == nil {
			break
		}
		if err := o.completeOldest(ctx); err != nil {
			return nil, err
		}
	}
	return p.AcquireWait(ctx, surface.Descriptor{}, o.cfg.SurfaceTimeout)
}

// await waits for the operations guarding a picture the core touches
// directly. Work still running after the sync timeout is a hang.
func (o *Orchestrator) await(ctx context.Context, deps ...*dispatch.SyncPoint) error {
	for _, sp := range deps {
		if sp == nil {
			continue
		}
		status, err := sp.Wait(ctx, o.cfg.SyncTimeout)
		switch {
		case status == dispatch.StatusDone:
			continue
		case status == dispatch.StatusFailed:
			return fmt.Errorf("%s failed: %w", sp.Name(), err)
		case err != nil:
			return err
		}
		return fmt.Errorf("%w: %s did not finish within %s", types.ErrHardwareHang, sp.Name(), o.cfg.SyncTimeout)
	}
	return nil
}

// mapInput resolves the opaque handle of a surface before a stage reads it.
func (o *Orchestrator) mapInput(lease *surface.Lease) error {
	if lease == nil || !lease.Pool().Opaque() {
		return nil
	}
	h, err := lease.Handle()
	if err != nil {
		return err
	}
	id, err := lease.Pool().MapOpaque(h)
	if err != nil {
		return err
	}
	if id != lease.ID() {
		return fmt.Errorf("%w: handle %#x maps to surface %d, not %d", types.ErrUndefinedBehavior, uint64(h), id, lease.ID())
	}
	o.opaqueMaps.Add(1)
	return nil
}
