// Package pipeline sequences decode, post-processing, lookahead and encode
// for one session. Every stage submits its work asynchronously; a task pool of
// AsyncDepth slots bounds the frames in flight and emits output in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/bitstream"
	"github.com/savid/hwpipe/internal/codec"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/retry"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/task"
	"github.com/savid/hwpipe/internal/types"
)

// State is the lifecycle state of an orchestrator.
type State int

const (
	// StateCreated is the state before Init.
	StateCreated State = iota
	// StateReady means stages and pools exist.
	StateReady
	// StateRunning means the driving loop is active.
	StateRunning
	// StateDraining means the input ended and the stages are being flushed.
	StateDraining
	// StateDone means every frame was emitted.
	StateDone
	// StateFailed means the loop stopped with an error.
	StateFailed
	// StateClosed means resources were released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Env holds the collaborators an orchestrator shares with other sessions.
type Env struct {
	Registry *accel.Registry
	Selector *accel.Selector
	// Scheduler is the session's scheduling context; joined sessions pass the same one.
	Scheduler *dispatch.Scheduler
	Logger    *logrus.Entry
}

// frame is one picture moving between stages. deps guard its content.
type frame struct {
	lease *surface.Lease
	deps  []*dispatch.SyncPoint
	ctrl  types.FrameCtrl
}

func (f frame) release() {
	f.lease.Release()
}

func releaseFrames(frames []frame) {
	for _, f := range frames {
		f.release()
	}
}

// Orchestrator drives one session.
type Orchestrator struct {
	cfg Config
	env Env
	io  IO
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	err      error
	cancel   context.CancelFunc
	started  time.Time
	elapsed  time.Duration
	degraded bool
	warnings []error

	stop  atomic.Bool
	guard *runGuard

	devices map[types.HardwareType]accel.Device
	decoder *codec.Decoder
	vpp     *codec.VPP
	la      *codec.Lookahead
	enc     *codec.Encoder

	decPool    *surface.Pool
	fieldPool  *surface.Pool
	vppPool    *surface.Pool
	shadowPool *surface.Pool
	hostAlloc  surface.Allocator
	hostMem    []surface.Memory
	// outPool holds the surfaces handed to the output buffer; recovery leaves it alone.
	outPool *surface.Pool
	pools   []*surface.Pool

	tasks *task.Pool
	retry *retry.Manager

	inInfo    types.FrameInfo
	fieldInfo types.FrameInfo
	outInfo   types.FrameInfo

	// Loop state, owned by the goroutine running the loop.
	bs           *types.Bitstream
	work         *surface.Lease
	pendingField *frame
	fieldFrames  uint32
	laCtrl       []types.FrameCtrl
	producing    bool
	producerOnce sync.Once
	// resyncPending marks the next decoded frame as a resynchronization point.
	resyncPending bool
	keepOut       bool
	lastOut       *surface.Lease

	emitted    atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	recoveries atomic.Uint64
	opaqueMaps atomic.Uint64

	// afterRecovery runs at the end of every hang recovery.
	afterRecovery func()
	// afterSubmit runs after every task submission.
	afterSubmit func()
}

// New creates an orchestrator. Init must be called before frames flow.
func New(cfg Config, env Env, io IO) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := io.validate(cfg.Role); err != nil {
		return nil, fmt.Errorf("%w: session %q: %w", types.ErrInvalidConfig, cfg.Name, err)
	}
	if env.Registry == nil || env.Selector == nil || env.Scheduler == nil {
		return nil, fmt.Errorf("%w: session %q needs a registry, a selector and a scheduler", types.ErrInvalidConfig, cfg.Name)
	}

	logger := env.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Orchestrator{
		cfg:     cfg,
		env:     env,
		io:      io,
		log:     logger.WithFields(logrus.Fields{"session": cfg.Name, "role": cfg.Role}),
		guard:   newRunGuard(),
		devices: make(map[types.HardwareType]accel.Device),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OutputInfo returns the geometry of the frames the session produces. It is
// known after Init.
func (o *Orchestrator) OutputInfo() types.FrameInfo {
	return o.outInfo
}

// Init reads the stream header, picks a device per stage and allocates
// pools. When a stage falls back to the software core it returns an error
// wrapping types.ErrPartialAcceleration; the orchestrator is usable anyway.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateCreated {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: Init in state %s", types.ErrInvalidState, state)
	}
	o.mu.Unlock()

	if err := o.init(ctx); err != nil {
		o.setFailed(err)
		return err
	}

	var warning error
	if len(o.warnings) > 0 {
		warning = fmt.Errorf("%w: %w", types.ErrPartialAcceleration, errors.Join(o.warnings...))
	}

	o.mu.Lock()
	o.state = StateReady
	o.degraded = warning != nil
	o.mu.Unlock()

	fields := logrus.Fields{
		"input":  o.inInfo.String(),
		"output": o.outInfo.String(),
		"depth":  o.cfg.AsyncDepth,
		"memory": o.cfg.Memory,
	}
	for hw := range o.devices {
		fields["device_"+string(hw)] = true
	}
	o.log.WithFields(fields).Info("Session initialized")

	if warning != nil {
		o.log.WithError(warning).Warn("Running in degraded mode")
		return warning
	}
	return nil
}

func (o *Orchestrator) init(ctx context.Context) error {
	var stageDev accel.Device
	if o.cfg.Role == RoleEncode {
		o.inInfo = o.cfg.Input
	} else {
		header, err := o.readHeader(ctx)
		if err != nil {
			return err
		}
		dev, err := o.device(ctx, header.Codec)
		if err != nil {
			return err
		}
		o.decoder = codec.NewDecoder(dev, o.log)
		if err := o.decoder.Init(header); err != nil {
			return err
		}
		o.inInfo = header.FrameInfo()
		stageDev = dev
	}

	var err error
	if o.fieldInfo, err = fieldGeometry(o.inInfo, o.cfg.Fields); err != nil {
		return err
	}
	o.outInfo = o.outputGeometry(o.fieldInfo)

	if o.cfg.Role != RoleDecode {
		dev, err := o.device(ctx, o.cfg.Codec)
		if err != nil {
			return err
		}
		o.enc, err = codec.NewEncoder(dev, codec.EncoderParams{
			Codec:       o.cfg.Codec,
			Info:        o.outInfo,
			GOP:         o.cfg.GOP,
			Bitrate:     o.cfg.Bitrate,
			Quality:     o.cfg.Quality,
			BufferDepth: o.cfg.EncoderBuffer,
		}, o.log)
		if err != nil {
			return err
		}
		// Post-processing and analysis run next to the encoder.
		stageDev = dev
	}

	if o.needsVPP() {
		if o.vpp, err = codec.NewVPP(stageDev, codec.VPPParams{In: o.fieldInfo, Out: o.outInfo}, o.log); err != nil {
			return err
		}
	}
	if o.cfg.LookaheadDepth > 0 {
		if o.la, err = codec.NewLookahead(stageDev, o.cfg.LookaheadDepth, o.log); err != nil {
			return err
		}
	}

	if err := o.allocPools(); err != nil {
		return err
	}

	if o.tasks, err = task.NewPool(task.Config{
		Name:        o.cfg.Name,
		AsyncDepth:  o.cfg.AsyncDepth,
		SyncTimeout: o.cfg.SyncTimeout,
		BusyCeiling: o.cfg.BusyCeiling,
		BusySleep:   o.cfg.BusySleep,
		Logger:      o.log,
	}); err != nil {
		return err
	}
	o.retry = retry.NewManager(retry.Config{
		Delay:   o.cfg.BusySleep,
		Ceiling: o.cfg.BusyCeiling,
	})

	if o.io.Output != nil {
		o.io.Output.AddProducer()
		o.producing = true
	}
	return nil
}

// readHeader fills the input bitstream until it holds a sequence header.
func (o *Orchestrator) readHeader(ctx context.Context) (bitstream.SequenceHeader, error) {
	o.bs = &types.Bitstream{}
	for {
		h, err := codec.ReadSequenceHeader(o.bs, o.log)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, types.ErrMoreDataNeeded) {
			return bitstream.SequenceHeader{}, err
		}
		if o.bs.EOS {
			return bitstream.SequenceHeader{}, fmt.Errorf("%w: stream ended before a sequence header", types.ErrEndOfStream)
		}
		if err := o.fill(ctx); err != nil {
			return bitstream.SequenceHeader{}, err
		}
	}
}

// fill appends source data to the input bitstream. The end of the source is
// recorded on the bitstream rather than returned.
func (o *Orchestrator) fill(ctx context.Context) error {
	before := o.bs.Len()
	err := o.io.Source.Fill(ctx, o.bs)
	if n := o.bs.Len() - before; n > 0 {
		o.bytesIn.Add(uint64(n))
	}
	if errors.Is(err, types.ErrEndOfStream) {
		o.bs.EOS = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// device resolves and initializes the device serving codec. Stages that
// resolve to the same hardware share one device. A software fallback is
// recorded as a warning.
func (o *Orchestrator) device(ctx context.Context, c types.CodecID) (accel.Device, error) {
	info, err := o.env.Selector.Resolve(c)
	if err != nil {
		if !types.IsWarning(err) {
			return nil, err
		}
		o.warnings = append(o.warnings, err)
	}

	if dev, ok := o.devices[info.Type]; ok {
		return dev, nil
	}

	dev, err := o.env.Registry.Create(info)
	if err != nil {
		return nil, err
	}
	if err := dev.Init(ctx, accel.Params{
		Scheduler: o.env.Scheduler,
		Session:   o.cfg.Name,
		Logger:    o.log,
	}); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("failed to initialize %s device: %w", info.Type, err)
	}

	guarded := &guardedDevice{Device: dev, guard: o.guard}
	o.devices[info.Type] = guarded
	return guarded, nil
}

func (o *Orchestrator) outputGeometry(in types.FrameInfo) types.FrameInfo {
	out := in
	if o.cfg.Width > 0 {
		out.Width, out.CropW = o.cfg.Width, 0
	}
	if o.cfg.Height > 0 {
		out.Height, out.CropH = o.cfg.Height, 0
	}
	if o.cfg.Format != "" {
		out.Format = o.cfg.Format
	}
	if o.cfg.FrameRateN > 0 {
		out.FrameRateN, out.FrameRateD = o.cfg.FrameRateN, o.cfg.FrameRateD
	}
	return out
}

func (o *Orchestrator) needsVPP() bool {
	in, out := o.fieldInfo, o.outInfo
	return o.cfg.ForceVPP ||
		in.Width != out.Width || in.Height != out.Height ||
		in.Format != out.Format ||
		in.FrameRateN*out.FrameRateD != out.FrameRateN*in.FrameRateD
}

func (o *Orchestrator) allocPools() error {
	alloc, err := surface.NewAllocator(o.cfg.Memory)
	if err != nil {
		return err
	}
	opaque := o.cfg.Memory == types.MemoryOpaque

	if o.cfg.Role != RoleEncode {
		if o.decPool, err = o.newPool("decode", o.inInfo, alloc, opaque); err != nil {
			return err
		}
		o.outPool = o.decPool
	}
	if o.cfg.Fields != FieldNone {
		if o.fieldPool, err = o.newPool("fields", o.fieldInfo, alloc, opaque); err != nil {
			return err
		}
		o.outPool = o.fieldPool
	}
	if o.vpp != nil {
		if o.vppPool, err = o.newPool("vpp", o.outInfo, alloc, opaque); err != nil {
			return err
		}
		o.outPool = o.vppPool
	}
	if o.cfg.Role != RoleDecode || o.io.Output == nil {
		o.outPool = nil
	}

	if o.cfg.Role == RoleDecode && o.io.Frames != nil && o.cfg.Memory != types.MemorySystem {
		return o.allocShadows()
	}
	return nil
}

// allocShadows registers host buffers for frames leaving device memory. Each
// one stays linked to a device surface until that surface is reclaimed, so
// there is one per device surface the output pool can grow to.
func (o *Orchestrator) allocShadows() error {
	var err error
	if o.hostAlloc, err = surface.NewAllocator(types.MemorySystem); err != nil {
		return err
	}
	o.shadowPool, err = surface.NewPool(surface.Config{
		Name:   o.cfg.Name + "/shadow",
		Info:   o.outInfo,
		Logger: o.log,
	})
	if err != nil {
		return err
	}
	o.pools = append(o.pools, o.shadowPool)

	for i := 0; i < o.cfg.surfaceCount()*2; i++ {
		mem, err := o.hostAlloc.Alloc(o.outInfo)
		if err != nil {
			return fmt.Errorf("failed to allocate host copy %d: %w", i, err)
		}
		o.hostMem = append(o.hostMem, mem)
		if _, err := o.shadowPool.RegisterExternal(o.outInfo, mem); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) newPool(name string, info types.FrameInfo, alloc surface.Allocator, opaque bool) (*surface.Pool, error) {
	count := o.cfg.surfaceCount()
	p, err := surface.NewPool(surface.Config{
		Name:      o.cfg.Name + "/" + name,
		Info:      info,
		Count:     count,
		MaxCount:  count * 2,
		Allocator: alloc,
		Opaque:    opaque,
		Logger:    o.log,
	})
	if err != nil {
		return nil, err
	}
	o.pools = append(o.pools, p)
	return p, nil
}

// Run drives the session until the input is exhausted and every frame was
// emitted, a fatal error occurs or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.state != StateReady {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: Run in state %s", types.ErrInvalidState, state)
	}
	o.cancel = cancel
	o.mu.Unlock()

	if o.stop.Load() {
		cancel()
	}
	if err := o.begin(); err != nil {
		return err
	}

	err := o.loop(ctx)
	o.finish(err)
	return err
}

func (o *Orchestrator) finish(err error) {
	if err != nil {
		// Hung work only finalizes when its device lets go of it.
		o.resetDevices()
	}
	o.release()
	o.finishOutput()

	o.mu.Lock()
	o.elapsed = time.Since(o.started)
	o.cancel = nil
	if err != nil {
		o.state = StateFailed
		o.err = err
	} else {
		o.state = StateDone
	}
	o.mu.Unlock()

	entry := o.log.WithFields(logrus.Fields{
		"emitted":    o.emitted.Load(),
		"bytes_out":  o.bytesOut.Load(),
		"recoveries": o.recoveries.Load(),
		"elapsed":    o.elapsed.Round(time.Millisecond),
	})
	switch {
	case err == nil:
		entry.Info("Session finished")
	case types.IsCancellation(err):
		entry.Info("Session stopped")
	default:
		entry.WithError(err).Error("Session failed")
	}
}

func (o *Orchestrator) setFailed(err error) {
	o.mu.Lock()
	o.state = StateFailed
	o.err = err
	o.mu.Unlock()
}

// finishOutput tells the consumers of the output buffer that this producer is done.
func (o *Orchestrator) finishOutput() {
	if !o.producing {
		return
	}
	o.producerOnce.Do(o.io.Output.ProducerDone)
}

// Stop asks the loop to end at the next loop boundary. It is safe to call
// from any goroutine.
func (o *Orchestrator) Stop() {
	o.stop.Store(true)

	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stopped reports whether Stop was called.
func (o *Orchestrator) Stopped() bool {
	return o.stop.Load()
}

// release drops every task and every picture held by a stage.
func (o *Orchestrator) release() {
	if o.tasks != nil {
		o.clearTasks(context.Background())
	}
	o.resetStages()
}

// clearTasks drops every task and gives the aborted work a bounded time to
// run its completion routines, which return the surfaces it holds.
func (o *Orchestrator) clearTasks(ctx context.Context) int {
	pending := o.tasks.SyncPoints()
	cleared := o.tasks.ClearTasks()

	timer := time.NewTimer(o.cfg.SyncTimeout)
	defer timer.Stop()
	for _, sp := range pending {
		select {
		case <-sp.Finalized():
		case <-ctx.Done():
			return cleared
		case <-timer.C:
			o.log.WithField("cleared", cleared).Warn("Aborted work did not finish in time")
			return cleared
		}
	}
	return cleared
}

func (o *Orchestrator) resetDevices() []error {
	var errs []error
	for hw, dev := range o.devices {
		if err := dev.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset %s device: %w", hw, err))
		}
	}
	return errs
}

func (o *Orchestrator) resetStages() {
	o.work.Release()
	o.work = nil
	o.lastOut.Release()
	o.lastOut = nil
	if o.pendingField != nil {
		o.pendingField.release()
		o.pendingField = nil
	}
	if o.la != nil {
		o.la.Reset()
	}
	o.laCtrl = nil
	if o.enc != nil {
		o.enc.Reset()
	}
	if o.vpp != nil {
		o.vpp.Reset()
	}
}

// Close releases every resource. It must not run concurrently with Run.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	o.state = StateClosed
	o.mu.Unlock()

	o.Stop()

	errs := o.resetDevices()
	o.release()
	o.guard.close()

	for hw, dev := range o.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s device: %w", hw, err))
		}
	}
	if o.io.Input != nil {
		o.io.Input.Detach()
	}
	o.finishOutput()

	for _, p := range o.pools {
		p.Reset()
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, mem := range o.hostMem {
		if err := o.hostAlloc.Free(mem); err != nil {
			errs = append(errs, err)
		}
	}
	o.hostMem = nil
	return errors.Join(errs...)
}

// Detail is a snapshot of the orchestrator internals.
type Detail struct {
	State     string                   `json:"state"`
	Tasks     task.Stats               `json:"tasks"`
	Pools     map[string]surface.Stats `json:"pools"`
	Decoder   *codec.DecoderStats      `json:"decoder,omitempty"`
	VPP       *codec.VPPStats          `json:"vpp,omitempty"`
	Lookahead *codec.LookaheadStats    `json:"lookahead,omitempty"`
	Encoder   *codec.EncoderStats      `json:"encoder,omitempty"`
}

// Detail returns pool, task and stage counters.
func (o *Orchestrator) Detail() Detail {
	d := Detail{
		State: o.State().String(),
		Pools: make(map[string]surface.Stats, len(o.pools)),
	}
	if o.tasks != nil {
		d.Tasks = o.tasks.Stats()
	}
	for _, p := range o.pools {
		d.Pools[p.Name()] = p.Stats()
	}
	if o.decoder != nil {
		s := o.decoder.Stats()
		d.Decoder = &s
	}
	if o.vpp != nil {
		s := o.vpp.Stats()
		d.VPP = &s
	}
	if o.la != nil {
		s := o.la.Stats()
		d.Lookahead = &s
	}
	if o.enc != nil {
		s := o.enc.Stats()
		d.Encoder = &s
	}
	return d
}

// Statistics returns the session counters.
func (o *Orchestrator) Statistics() types.SessionStats {
	o.mu.Lock()
	state, err := o.state, o.err
	started, elapsed, degraded := o.started, o.elapsed, o.degraded
	o.mu.Unlock()

	st := types.SessionStats{
		Name:           o.cfg.Name,
		Role:           string(o.cfg.Role),
		Emitted:        o.emitted.Load(),
		BytesIn:        o.bytesIn.Load(),
		BytesOut:       o.bytesOut.Load(),
		HangRecoveries: o.recoveries.Load(),
		Degraded:       degraded,
		StartedAt:      started,
		Elapsed:        elapsed,
	}
	if state == StateRunning || state == StateDraining {
		st.Elapsed = time.Since(started)
	}
	if o.retry != nil {
		st.BusyRetries = uint64(o.retry.Count())
	}
	if o.decoder != nil {
		st.Decoded = o.decoder.Stats().Decoded
	}
	if o.vpp != nil {
		st.Processed = o.vpp.Stats().Processed
	}
	if o.la != nil {
		st.Analyzed = o.la.Stats().Analyzed
	}
	if o.enc != nil {
		st.Encoded = o.enc.Stats().Encoded
	}
	if err != nil && !types.IsCancellation(err) {
		st.Err = err.Error()
	}
	return st
}
