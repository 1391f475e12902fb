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
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// VPPParams describes a post-processing conversion.
type VPPParams struct {
	In  types.FrameInfo
	Out types.FrameInfo
}

// VPP converts pixel format, geometry and frame rate.
type VPP struct {
	dev    accel.Device
	params VPPParams
	log    *logrus.Entry

	// num/den is the output frames per input frame.
	num, den int64

	mu        sync.Mutex
	inFrames  int64
	outFrames int64
	repeating *surface.Lease

	processed atomic.Uint64
	dropped   atomic.Uint64
	repeated  atomic.Uint64
}

// NewVPP creates a post-processor running on dev.
func NewVPP(dev accel.Device, params VPPParams, logger *logrus.Entry) (*VPP, error) {
	if params.In.Width <= 0 || params.In.Height <= 0 || params.Out.Width <= 0 || params.Out.Height <= 0 {
		return nil, fmt.Errorf("%w: vpp %s -> %s", types.ErrInvalidConfig, params.In, params.Out)
	}
	if !params.In.Format.Valid() || !params.Out.Format.Valid() {
		return nil, fmt.Errorf("%w: vpp formats %q -> %q", types.ErrUnsupported, params.In.Format, params.Out.Format)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	v := &VPP{
		dev:    dev,
		params: params,
		log:    logger.WithField("stage", "vpp"),
		num:    1,
		den:    1,
	}
	in, out := params.In, params.Out
	if in.FrameRateN > 0 && in.FrameRateD > 0 && out.FrameRateN > 0 && out.FrameRateD > 0 {
		v.num = int64(out.FrameRateN) * int64(in.FrameRateD)
		v.den = int64(out.FrameRateD) * int64(in.FrameRateN)
	}
	return v, nil
}

// Params returns the conversion parameters.
func (v *VPP) Params() VPPParams {
	return v.params
}

// RunFrameAsync converts in into out. Frame rate conversion may answer:
//   - ErrMoreDataNeeded with no output: in was dropped, call again with the next input;
//   - a sync point plus ErrMoreSurfaceNeeded: out is valid and in must be
//     submitted again with a fresh output surface.
//
// A nil in drains the stage; VPP holds no pictures, so it reports ErrMoreDataNeeded.
// The conversion starts once every dep resolved.
func (v *VPP) RunFrameAsync(ctx context.Context, in, out *surface.Lease, deps ...*dispatch.SyncPoint) (*dispatch.SyncPoint, error) {
	if in == nil {
		return nil, types.ErrMoreDataNeeded
	}
	if out == nil {
		return nil, fmt.Errorf("%w: no output surface", types.ErrInvalidState)
	}

	v.mu.Lock()
	if v.repeating != in {
		v.inFrames++
	}
	want := v.inFrames * v.num / v.den
	if v.outFrames >= want {
		v.repeating = nil
		v.mu.Unlock()
		v.dropped.Add(1)
		return nil, types.ErrMoreDataNeeded
	}
	v.outFrames++
	outOrder := v.outFrames - 1
	more := v.outFrames < want
	if more {
		v.repeating = in
		v.repeated.Add(1)
	} else {
		v.repeating = nil
	}
	v.mu.Unlock()

	meta := in.Meta()
	if v.num != v.den {
		meta.FrameOrder = uint32(outOrder)
		if rate := v.params.Out.FrameRate(); rate > 0 {
			meta.TimeStamp = int64(float64(outOrder) * float64(time.Second) / rate)
		}
		if more {
			meta.Flags &^= types.FlagKeyframe
		}
	}
	meta.PicStruct = v.params.Out.PicStruct
	if err := out.SetMeta(meta); err != nil {
		return nil, err
	}

	if err := in.BeginOp(); err != nil {
		return nil, err
	}
	if err := out.BeginOp(); err != nil {
		_ = in.EndOp()
		return nil, err
	}

	sp, err := v.dev.Submit(ctx, &accel.Work{
		Op:     accel.OpVPP,
		Name:   fmt.Sprintf("vpp#%d", meta.FrameOrder),
		Pieces: 1,
		Deps:   deps,
		Run: func(int, int) error {
			return convert(in, out)
		},
		Finalize: func(err error) {
			_ = in.EndOp()
			_ = out.EndOp()
			if err == nil {
				v.processed.Add(1)
			}
		},
	})
	if err != nil {
		_ = in.EndOp()
		_ = out.EndOp()
		v.mu.Lock()
		// Undo the accounting so a retry sees the same input.
		v.outFrames--
		v.repeating = in
		v.mu.Unlock()
		return nil, err
	}

	if more {
		return sp, types.ErrMoreSurfaceNeeded
	}
	return sp, nil
}

// Reset drops the frame rate conversion state.
func (v *VPP) Reset() {
	v.mu.Lock()
	v.inFrames = 0
	v.outFrames = 0
	v.repeating = nil
	v.mu.Unlock()
}

// VPPStats counts post-processed pictures.
type VPPStats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Repeated  uint64 `json:"repeated"`
}

// Stats returns post-processing counters.
func (v *VPP) Stats() VPPStats {
	return VPPStats{
		Processed: v.processed.Load(),
		Dropped:   v.dropped.Load(),
		Repeated:  v.repeated.Load(),
	}
}

// convert resamples every plane of in into out with nearest-neighbour sampling.
// Samples wider than one byte keep their most significant byte.
func convert(in, out *surface.Lease) error {
	src, err := in.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = in.Unlock() }()

	dst, err := out.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = out.Unlock() }()

	inInfo, outInfo := in.Info(), out.Info()
	iw, ih := inInfo.Visible()
	ow, oh := outInfo.Visible()
	srcPlanes := inInfo.Format.Planes(iw, ih, src.Pitch, src.Height)
	dstPlanes := outInfo.Format.Planes(ow, oh, dst.Pitch, dst.Height)
	srcBpp := inInfo.Format.LumaBytesPerPixel()
	dstBpp := outInfo.Format.LumaBytesPerPixel()

	for i, dp := range dstPlanes {
		sp := srcPlanes[min(i, len(srcPlanes)-1)]
		if dp.Rows == 0 || sp.Rows == 0 {
			continue
		}
		srcSamples := sp.RowBytes / srcBpp
		dstSamples := dp.RowBytes / dstBpp
		if srcSamples == 0 || dstSamples == 0 {
			continue
		}
		for row := 0; row < dp.Rows; row++ {
			srow := row * sp.Rows / dp.Rows
			sbase := sp.Offset + srow*sp.Pitch
			dbase := dp.Offset + row*dp.Pitch
			if sbase+sp.RowBytes > len(src.Data) || dbase+dp.RowBytes > len(dst.Data) {
				return fmt.Errorf("%w: plane %d row %d outside surface memory", types.ErrUndefinedBehavior, i, row)
			}
			for x := 0; x < dstSamples; x++ {
				sx := x * srcSamples / dstSamples
				value := src.Data[sbase+sx*srcBpp+srcBpp-1]
				for b := 0; b < dstBpp; b++ {
					dst.Data[dbase+x*dstBpp+b] = value
				}
			}
		}
	}
	return nil
}
