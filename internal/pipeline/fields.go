package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// fieldGeometry returns the picture geometry after the field transform.
func fieldGeometry(in types.FrameInfo, mode FieldMode) (types.FrameInfo, error) {
	out := in
	switch mode {
	case FieldWeave:
		if !in.PicStruct.IsSingleField() {
			return out, fmt.Errorf("%w: weave needs a field stream, got %q", types.ErrUnsupported, in.PicStruct)
		}
		out.Height = in.Height * 2
		out.CropH = in.CropH * 2
		out.PicStruct = types.PicFieldTFF
		if in.PicStruct == types.PicFieldBottom {
			out.PicStruct = types.PicFieldBFF
		}
		out.FrameRateD = in.FrameRateD * 2

	case FieldSplit:
		if in.PicStruct != types.PicFieldTFF && in.PicStruct != types.PicFieldBFF {
			return out, fmt.Errorf("%w: split needs an interlaced stream, got %q", types.ErrUnsupported, in.PicStruct)
		}
		if in.Height%4 != 0 {
			return out, fmt.Errorf("%w: cannot split %d rows into fields", types.ErrUnsupported, in.Height)
		}
		out.Height = in.Height / 2
		out.CropH = in.CropH / 2
		out.PicStruct = types.PicFieldTop
		if in.PicStruct == types.PicFieldBFF {
			out.PicStruct = types.PicFieldBottom
		}
		out.FrameRateN = in.FrameRateN * 2
	}
	return out, nil
}

// transformFields applies the field mode to f and consumes it. Weave holds
// the first field of each pair and returns nothing for it.
func (o *Orchestrator) transformFields(ctx context.Context, f frame) ([]frame, error) {
	switch o.cfg.Fields {
	case FieldWeave:
		if o.pendingField == nil {
			o.pendingField = &f
			return nil, nil
		}
		first := *o.pendingField
		o.pendingField = nil

		out, err := o.weave(ctx, first, f)
		first.release()
		f.release()
		if err != nil {
			return nil, err
		}
		return []frame{out}, nil

	case FieldSplit:
		out, err := o.split(ctx, f)
		f.release()
		return out, err

	default:
		return []frame{f}, nil
	}
}

func (o *Orchestrator) weave(ctx context.Context, first, second frame) (frame, error) {
	if err := o.await(ctx, first.deps...); err != nil {
		return frame{}, err
	}
	if err := o.await(ctx, second.deps...); err != nil {
		return frame{}, err
	}

	dst, err := o.acquireSurface(ctx, o.fieldPool)
	if err != nil {
		return frame{}, err
	}

	top, bottom := first, second
	if o.fieldInfo.PicStruct == types.PicFieldBFF {
		top, bottom = second, first
	}
	if err := mapRows(top.lease, dst, interleave(0)); err != nil {
		dst.Release()
		return frame{}, err
	}
	if err := mapRows(bottom.lease, dst, interleave(1)); err != nil {
		dst.Release()
		return frame{}, err
	}

	meta := first.lease.Meta()
	meta.Flags |= second.lease.Meta().Flags & types.FlagCorrupted
	meta.FrameOrder = o.fieldFrames
	meta.PicStruct = o.fieldInfo.PicStruct
	o.fieldFrames++
	if err := dst.SetMeta(meta); err != nil {
		dst.Release()
		return frame{}, err
	}
	return frame{lease: dst, ctrl: first.ctrl}, nil
}

func (o *Orchestrator) split(ctx context.Context, f frame) ([]frame, error) {
	if err := o.await(ctx, f.deps...); err != nil {
		return nil, err
	}

	src := f.lease.Meta()
	parities := [2]int{0, 1}
	structs := [2]types.PicStruct{types.PicFieldTop, types.PicFieldBottom}
	if o.fieldInfo.PicStruct == types.PicFieldBottom {
		parities = [2]int{1, 0}
		structs = [2]types.PicStruct{types.PicFieldBottom, types.PicFieldTop}
	}
	var period int64
	if rate := o.fieldInfo.FrameRate(); rate > 0 {
		period = int64(float64(time.Second) / rate)
	}

	out := make([]frame, 0, 2)
	for i, parity := range parities {
		dst, err := o.acquireSurface(ctx, o.fieldPool)
		if err != nil {
			releaseFrames(out)
			return nil, err
		}
		if err := mapRows(f.lease, dst, func(row int) int { return row*2 + parity }); err != nil {
			dst.Release()
			releaseFrames(out)
			return nil, err
		}

		meta := src
		meta.FrameOrder = o.fieldFrames
		meta.TimeStamp = src.TimeStamp + int64(i)*period
		meta.PicStruct = structs[i]
		ctrl := f.ctrl
		if i > 0 {
			meta.Flags &^= types.FlagKeyframe
			ctrl = types.FrameCtrl{}
		}
		o.fieldFrames++
		if err := dst.SetMeta(meta); err != nil {
			dst.Release()
			releaseFrames(out)
			return nil, err
		}
		out = append(out, frame{lease: dst, ctrl: ctrl})
	}
	return out, nil
}

// interleave maps the rows of one field onto every other row of a frame.
func interleave(parity int) func(int) int {
	return func(row int) int {
		if row%2 != parity {
			return -1
		}
		return row / 2
	}
}

// mapRows copies rows of src into dst plane by plane. srcRow maps a
// destination row to a source row; rows mapped to a negative index or past
// the source are left untouched. Both surfaces must share a pixel format.
func mapRows(src, dst *surface.Lease, srcRow func(row int) int) error {
	srcInfo, dstInfo := src.Info(), dst.Info()
	if srcInfo.Format != dstInfo.Format {
		return fmt.Errorf("%w: row copy from %s to %s", types.ErrUnsupported, srcInfo.Format, dstInfo.Format)
	}

	sm, err := src.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = src.Unlock() }()

	dm, err := dst.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = dst.Unlock() }()

	sw, sh := srcInfo.Visible()
	dw, dh := dstInfo.Visible()
	srcPlanes := srcInfo.Format.Planes(sw, sh, sm.Pitch, sm.Height)
	dstPlanes := dstInfo.Format.Planes(dw, dh, dm.Pitch, dm.Height)

	for i, dp := range dstPlanes {
		sp := srcPlanes[i]
		n := min(sp.RowBytes, dp.RowBytes)
		for row := 0; row < dp.Rows; row++ {
			r := srcRow(row)
			if r < 0 || r >= sp.Rows {
				continue
			}
			s := sp.Offset + r*sp.Pitch
			d := dp.Offset + row*dp.Pitch
			if s+n > len(sm.Data) || d+n > len(dm.Data) {
				return fmt.Errorf("%w: plane %d row %d outside surface memory", types.ErrUndefinedBehavior, i, row)
			}
			copy(dm.Data[d:d+n], sm.Data[s:s+n])
		}
	}
	return nil
}
