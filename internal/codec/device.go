// Package codec is the software codec core and the virtual accelerator. Both
// implement accel.Device on top of the shared worker dispatch; they move
// synthetic picture data and keep frame identity so ordering and recovery can
// be observed end to end.
package codec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/types"
)

// Faults injects device misbehaviour. Counters are 1-based submission numbers
// among the submissions matching Op; zero disables a fault.
type Faults struct {
	// Op restricts the faults to one operation; zero matches every operation.
	Op accel.Op `yaml:"op"`
	// SubmitBusy rejects the first n submissions with ErrDeviceBusy.
	SubmitBusy int `yaml:"submit_busy"`
	// PollBusy makes every accepted submission report busy n times before running.
	PollBusy int `yaml:"poll_busy"`
	// HangAfter makes the n-th accepted submission never complete.
	HangAfter int `yaml:"hang_after"`
	// FailAfter makes the n-th accepted submission fail with ErrDeviceFailed.
	FailAfter int `yaml:"fail_after"`
}

// Profile shapes a device's timing and capabilities.
type Profile struct {
	// Unit is the duration of one latency unit.
	Unit time.Duration
	// Latency is the cost of each operation in units.
	Latency map[accel.Op]int
	Codecs  []types.CodecID
	Faults  Faults
}

// SoftwareProfile returns the profile of the software codec core.
func SoftwareProfile() Profile {
	return Profile{Codecs: allCodecs()}
}

// SimProfile returns the default virtual accelerator profile: decode costs one
// unit and encode two.
func SimProfile(unit time.Duration) Profile {
	return Profile{
		Unit: unit,
		Latency: map[accel.Op]int{
			accel.OpDecode:    1,
			accel.OpVPP:       1,
			accel.OpLookahead: 1,
			accel.OpEncode:    2,
		},
		Codecs: allCodecs(),
	}
}

func allCodecs() []types.CodecID {
	return []types.CodecID{
		types.CodecH264,
		types.CodecHEVC,
		types.CodecMPEG2,
		types.CodecJPEG,
		types.CodecAV1,
		types.CodecVP9,
	}
}

// DeviceStats counts device activity.
type DeviceStats struct {
	Submitted   uint64 `json:"submitted"`
	BusyRejects uint64 `json:"busy_rejects"`
	BusyPolls   uint64 `json:"busy_polls"`
	Hangs       uint64 `json:"hangs"`
	Failures    uint64 `json:"failures"`
	Resets      uint64 `json:"resets"`
}

type hungWork struct {
	sp       *dispatch.SyncPoint
	finalize func(error)
}

// Device executes work on the dispatch workers after a simulated latency.
type Device struct {
	info    types.HardwareInfo
	profile Profile

	mu          sync.Mutex
	sched       *dispatch.Scheduler
	log         *logrus.Entry
	matched     int
	submitBusy  int
	hangFired   bool
	failFired   bool
	hung        []hungWork
	initialized bool
	closed      bool

	submitted   atomic.Uint64
	busyRejects atomic.Uint64
	busyPolls   atomic.Uint64
	hangs       atomic.Uint64
	failures    atomic.Uint64
	resets      atomic.Uint64
}

var _ accel.Device = (*Device)(nil)

// NewDevice creates a device for the given hardware with a profile.
func NewDevice(info types.HardwareInfo, profile Profile) *Device {
	if len(info.Capabilities) == 0 {
		info.Capabilities = profile.Codecs
	}
	info.Available = true
	return &Device{
		info:       info,
		profile:    profile,
		submitBusy: profile.Faults.SubmitBusy,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Type returns the backend kind.
func (d *Device) Type() types.HardwareType {
	return d.info.Type
}

// Info returns the hardware description.
func (d *Device) Info() types.HardwareInfo {
	return d.info
}

// Init binds the device to a session's scheduler.
func (d *Device) Init(_ context.Context, p accel.Params) error {
	if p.Scheduler == nil {
		return fmt.Errorf("%w: device %s needs a scheduler", types.ErrInvalidConfig, d.info.Type)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: device %s closed", types.ErrInvalidState, d.info.Type)
	}
	d.sched = p.Scheduler
	if p.Logger != nil {
		d.log = p.Logger
	}
	d.log = d.log.WithFields(logrus.Fields{"device": d.info.Type, "session": p.Session})
	d.initialized = true
	return nil
}

// Submit queues w on the scheduler. It never waits for the work itself.
func (d *Device) Submit(ctx context.Context, w *accel.Work) (*dispatch.SyncPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil || w.Run == nil {
		return nil, fmt.Errorf("%w: empty work", types.ErrInvalidConfig)
	}

	pieces := max(w.Pieces, 1)
	faults := d.profile.Faults
	matches := faults.Op == 0 || faults.Op == w.Op

	d.mu.Lock()
	if d.closed || !d.initialized {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: device %s not initialized", types.ErrInvalidState, d.info.Type)
	}
	if matches && d.submitBusy > 0 {
		d.submitBusy--
		d.mu.Unlock()
		d.busyRejects.Add(1)
		return nil, fmt.Errorf("%w: %s queue full", types.ErrDeviceBusy, d.info.Type)
	}

	hang, fail := false, false
	if matches {
		d.matched++
		if faults.HangAfter > 0 && d.matched == faults.HangAfter && !d.hangFired {
			d.hangFired = true
			hang = true
		}
		if faults.FailAfter > 0 && d.matched == faults.FailAfter && !d.failFired {
			d.failFired = true
			fail = true
		}
	}
	sched := d.sched

	if hang {
		// The hardware accepted the work and stopped answering.
		sp := dispatch.NewSyncPoint(w.Name, pieces)
		d.hung = append(d.hung, hungWork{sp: sp, finalize: w.Finalize})
		d.mu.Unlock()

		d.submitted.Add(1)
		d.hangs.Add(1)
		d.log.WithFields(logrus.Fields{"op": w.Op, "work": w.Name}).Warn("Simulated hardware hang")
		return sp, nil
	}
	d.mu.Unlock()

	latency := d.latency(w.Op, pieces)
	var busyLeft atomic.Int32
	if matches {
		busyLeft.Store(int32(faults.PollBusy))
	}

	routine := func(threadIndex, callNumber int) (dispatch.Status, error) {
		if busyLeft.Load() > 0 && busyLeft.Add(-1) >= 0 {
			d.busyPolls.Add(1)
			return dispatch.StatusBusy, nil
		}
		if fail {
			d.failures.Add(1)
			return dispatch.StatusFailed, fmt.Errorf("%w: %s rejected %s", types.ErrDeviceFailed, d.info.Type, w.Name)
		}
		if latency > 0 {
			time.Sleep(latency)
		}
		if err := w.Run(threadIndex, callNumber); err != nil {
			return dispatch.StatusFailed, err
		}
		if callNumber < pieces-1 {
			return dispatch.StatusWorking, nil
		}
		return dispatch.StatusDone, nil
	}

	sp, err := sched.Submit(dispatch.EntryPoint{
		Name:            w.Name,
		Routine:         routine,
		Complete:        w.Finalize,
		RequiredWorkers: w.RequiredWorkers,
		Pieces:          pieces,
		Deps:            w.Deps,
	})
	if err != nil {
		return nil, err
	}
	d.submitted.Add(1)
	return sp, nil
}

// latency is the per-piece delay of an operation.
func (d *Device) latency(op accel.Op, pieces int) time.Duration {
	units := d.profile.Latency[op]
	if units <= 0 || d.profile.Unit <= 0 {
		return 0
	}
	return d.profile.Unit * time.Duration(units) / time.Duration(pieces)
}

// QueryStatus polls an operation.
func (d *Device) QueryStatus(sp *dispatch.SyncPoint) dispatch.Status {
	if sp == nil {
		return dispatch.StatusFailed
	}
	return sp.Status()
}

// Reset fails every hung operation with ErrAborted. Their finalizers run
// before the sync points resolve.
func (d *Device) Reset() error {
	d.mu.Lock()
	hung := d.hung
	d.hung = nil
	d.mu.Unlock()

	for _, h := range hung {
		err := fmt.Errorf("%w: device %s reset", types.ErrAborted, d.info.Type)
		if h.finalize != nil {
			h.finalize(err)
		}
		h.sp.Abort(err)
	}
	d.resets.Add(1)
	if len(hung) > 0 {
		d.log.WithField("abandoned", len(hung)).Info("Device reset")
	}
	return nil
}

// Close resets the device and refuses further work.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return d.Reset()
}

// Stats returns device counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		Submitted:   d.submitted.Load(),
		BusyRejects: d.busyRejects.Load(),
		BusyPolls:   d.busyPolls.Load(),
		Hangs:       d.hangs.Load(),
		Failures:    d.failures.Load(),
		Resets:      d.resets.Load(),
	}
}

// Register installs the software core and the virtual accelerator.
func Register(r *accel.Registry, sim Profile) error {
	if err := r.Register(types.HardwareCPU, func(info types.HardwareInfo) (accel.Device, error) {
		return NewDevice(info, SoftwareProfile()), nil
	}); err != nil {
		return err
	}
	return r.Register(types.HardwareSim, func(info types.HardwareInfo) (accel.Device, error) {
		return NewDevice(info, sim), nil
	})
}
