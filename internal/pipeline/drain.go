package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// Drain flushes every stage once the input ended and waits until all frames
// were emitted.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	o.setState(StateDraining)

	if o.decoder != nil {
		if err := o.drainDecoder(ctx); err != nil {
			return err
		}
	}
	if o.pendingField != nil {
		o.log.WithField("frame", o.pendingField.lease.Meta().FrameOrder).Warn("Dropping unpaired field")
		o.pendingField.release()
		o.pendingField = nil
	}
	if o.vpp != nil {
		// Post-processing holds no pictures.
		if _, err := o.vpp.RunFrameAsync(ctx, nil, nil); err != nil && !errors.Is(err, types.ErrMoreDataNeeded) {
			return err
		}
	}
	if o.la != nil {
		if err := o.drainLookahead(ctx); err != nil {
			return err
		}
	}
	if o.enc != nil {
		if err := o.drainEncoder(ctx); err != nil {
			return err
		}
	}
	return o.syncAll(ctx)
}

func (o *Orchestrator) drainDecoder(ctx context.Context) error {
	defer func() {
		o.work.Release()
		o.work = nil
	}()

	for {
		if o.stop.Load() {
			return errStopped
		}
		var (
			out *surface.Lease
			sp  *dispatch.SyncPoint
		)
		err := o.retry.Busy(ctx, func() error {
			var err error
			out, sp, err = o.decoder.DecodeFrameAsync(ctx, nil, nil)
			return err
		})
		if errors.Is(err, types.ErrMoreDataNeeded) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoder drain failed: %w", err)
		}
		if err := o.push(ctx, frame{lease: out, deps: []*dispatch.SyncPoint{sp}}); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) drainLookahead(ctx context.Context) error {
	for {
		if o.stop.Load() {
			return errStopped
		}
		t, err := o.acquireTask(ctx)
		if err != nil {
			return err
		}
		f, err := o.analyse(ctx, frame{})
		if err != nil {
			o.tasks.Release(t)
			if errors.Is(err, types.ErrMoreDataNeeded) {
				return nil
			}
			return err
		}
		if err := o.encode(ctx, t, f); err != nil && !errors.Is(err, types.ErrMoreDataNeeded) {
			return err
		}
	}
}

func (o *Orchestrator) drainEncoder(ctx context.Context) error {
	for {
		if o.stop.Load() {
			return errStopped
		}
		t, err := o.acquireTask(ctx)
		if err != nil {
			return err
		}
		err = o.encode(ctx, t, frame{})
		if errors.Is(err, types.ErrMoreDataNeeded) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// syncAll completes every outstanding task in order.
func (o *Orchestrator) syncAll(ctx context.Context) error {
	for o.tasks.Oldest() != nil {
		if o.stop.Load() {
			return errStopped
		}
		if err := o.completeOldest(ctx); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	return nil
}
