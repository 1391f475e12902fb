package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

// recover handles a hang reported by a device wait.
func (o *Orchestrator) recover(ctx context.Context, cause error) error {
	n := o.recoveries.Add(1)
	o.log.WithError(cause).WithFields(logrus.Fields{
		"attempt": n,
		"max":     o.cfg.MaxRecoveries,
	}).Warn("Hardware hang detected, recovering")

	if err := o.Reset(ctx, o.cfg); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	return nil
}

// Reset abandons every frame in flight and applies cfg: devices drop hung
// work, tasks are cleared, stage buffering is released and the frame pools
// are returned to free. Frames already handed to the output buffer stay
// valid. The next picture the session emits is a resynchronization point.
//
// cfg may change the encoder's rate control, the recovery policy and the
// timeouts. Everything that shapes stages, pools or devices must match the
// configuration the session was initialized with. Reset must not run
// concurrently with Run or SubmitFrame.
func (o *Orchestrator) Reset(ctx context.Context, cfg Config) error {
	if o.tasks == nil {
		return fmt.Errorf("%w: session %q not initialized", types.ErrInvalidState, o.cfg.Name)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.layout() != o.cfg.layout() {
		return fmt.Errorf("%w: session %q: only rate control, recovery and timeouts change on reset", types.ErrInvalidConfig, o.cfg.Name)
	}

	errs := o.resetDevices()
	cleared := o.clearTasks(ctx)
	o.resetStages()

	for _, p := range o.pools {
		if p == o.outPool {
			continue
		}
		p.Reset()
	}
	if o.enc != nil {
		o.enc.ForceResync()
	}
	if o.cfg.Role == RoleDecode {
		o.resyncPending = true
		if o.io.Output == nil {
			// No encoder downstream restarts prediction, so the stream must.
			o.decoder.SkipToKeyframe()
		}
	}
	o.apply(cfg)

	o.log.WithField("cleared", cleared).Info("Pipeline reset")
	if o.afterRecovery != nil {
		o.afterRecovery()
	}
	return errors.Join(errs...)
}

// apply switches to cfg, which passed the Reset checks.
func (o *Orchestrator) apply(cfg Config) {
	if cfg == o.cfg {
		return
	}
	if o.enc != nil && (cfg.GOP != o.cfg.GOP || cfg.Bitrate != o.cfg.Bitrate || cfg.Quality != o.cfg.Quality) {
		o.enc.Reconfigure(cfg.GOP, cfg.Bitrate, cfg.Quality)
	}
	o.tasks.SetLimits(cfg.SyncTimeout, cfg.BusyCeiling, cfg.BusySleep)
	o.retry.SetBusyLimits(cfg.BusySleep, cfg.BusyCeiling)

	// Only the settings read by the loop goroutine change.
	o.cfg.Quality, o.cfg.Bitrate, o.cfg.GOP = cfg.Quality, cfg.Bitrate, cfg.GOP
	o.cfg.SoftRecovery, o.cfg.MaxRecoveries = cfg.SoftRecovery, cfg.MaxRecoveries
	o.cfg.SyncTimeout, o.cfg.BusyCeiling, o.cfg.BusySleep = cfg.SyncTimeout, cfg.BusyCeiling, cfg.BusySleep
	o.cfg.SurfaceTimeout, o.cfg.BufferTimeout = cfg.SurfaceTimeout, cfg.BufferTimeout

	o.log.WithFields(logrus.Fields{
		"gop":     cfg.GOP,
		"bitrate": cfg.Bitrate,
		"quality": cfg.Quality,
	}).Info("Session reconfigured")
}
