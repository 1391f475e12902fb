package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/bitstream"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// Decoder turns picture units into surfaces.
type Decoder struct {
	dev accel.Device
	log *logrus.Entry

	mu     sync.Mutex
	header   bitstream.SequenceHeader
	ready    bool
	skipping bool

	decoded   atomic.Uint64
	skipped   atomic.Uint64
	corrupted atomic.Uint64
	pieces    atomic.Uint64
}

// NewDecoder creates a decoder running on dev.
func NewDecoder(dev accel.Device, logger *logrus.Entry) *Decoder {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{dev: dev, log: logger.WithField("stage", "decode")}
}

// DecodeHeader consumes bytes up to and including the first sequence header.
// It returns ErrMoreDataNeeded until a complete header is available.
func (d *Decoder) DecodeHeader(bs *types.Bitstream) (bitstream.SequenceHeader, error) {
	return ReadSequenceHeader(bs, d.log)
}

// ReadSequenceHeader is DecodeHeader for callers that have no decoder yet,
// such as a pipeline picking the device by the stream's codec.
func ReadSequenceHeader(bs *types.Bitstream, logger *logrus.Entry) (bitstream.SequenceHeader, error) {
	for {
		u, n, err := bitstream.NextUnit(bs.Remaining())
		switch {
		case errors.Is(err, bitstream.ErrCorruptUnit):
			bs.Consume(n)
			continue
		case err != nil:
			return bitstream.SequenceHeader{}, err
		}

		bs.Consume(n)
		if u.Type != bitstream.UnitSequenceHeader {
			if logger != nil {
				logger.WithField("unit", u.Type).Debug("Skipping unit before sequence header")
			}
			continue
		}
		return bitstream.ParseSequenceHeader(u.Payload)
	}
}

// Init prepares the decoder for a stream.
func (d *Decoder) Init(h bitstream.SequenceHeader) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if !d.dev.Info().Supports(h.Codec) {
		return fmt.Errorf("%w: %s cannot decode %s", types.ErrUnsupported, d.dev.Type(), h.Codec)
	}

	d.mu.Lock()
	d.header = h
	d.ready = true
	d.mu.Unlock()
	return nil
}

// Header returns the active sequence header.
func (d *Decoder) Header() bitstream.SequenceHeader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header
}

// SkipToKeyframe drops pictures until the next keyframe. Pictures after a
// reset reference work that never completed.
func (d *Decoder) SkipToKeyframe() {
	d.mu.Lock()
	d.skipping = true
	d.mu.Unlock()
}

// DecodeFrameAsync decodes the next picture of bs into work. The returned
// lease is a new reference to the decoded surface; work stays owned by the
// caller. ErrMoreDataNeeded means bs holds no complete picture, and work was
// not touched. A nil bs drains the decoder, which buffers nothing.
func (d *Decoder) DecodeFrameAsync(ctx context.Context, bs *types.Bitstream, work *surface.Lease) (*surface.Lease, *dispatch.SyncPoint, error) {
	d.mu.Lock()
	header, ready, skipping := d.header, d.ready, d.skipping
	d.mu.Unlock()

	if !ready {
		return nil, nil, fmt.Errorf("%w: decoder not initialized", types.ErrInvalidState)
	}
	if bs == nil {
		return nil, nil, types.ErrMoreDataNeeded
	}

	for {
		u, n, err := bitstream.NextUnit(bs.Remaining())
		switch {
		case errors.Is(err, bitstream.ErrCorruptUnit):
			bs.Consume(n)
			continue
		case errors.Is(err, types.ErrMoreDataNeeded):
			if bs.EOS && bs.Len() > 0 {
				d.log.WithField("bytes", bs.Len()).Warn("Dropping truncated unit at end of stream")
				bs.Consume(bs.Len())
			}
			return nil, nil, types.ErrMoreDataNeeded
		case err != nil:
			return nil, nil, err
		}

		switch u.Type {
		case bitstream.UnitSequenceHeader:
			bs.Consume(n)
			h, err := bitstream.ParseSequenceHeader(u.Payload)
			if err != nil {
				d.log.WithError(err).Warn("Ignoring damaged sequence header")
				continue
			}
			if h.Width > header.Width || h.Height > header.Height || h.Format != header.Format {
				return nil, nil, fmt.Errorf("%w: stream changed to %dx%d %s", types.ErrUnsupported, h.Width, h.Height, h.Format)
			}
			continue
		case bitstream.UnitEndOfStream:
			bs.Consume(n)
			return nil, nil, types.ErrMoreDataNeeded
		case bitstream.UnitPicture:
		default:
			bs.Consume(n)
			continue
		}

		if work == nil {
			return nil, nil, fmt.Errorf("%w: no working surface", types.ErrInvalidState)
		}
		info := work.Info()
		if info.Width < header.Width || info.Height < header.Height {
			return nil, nil, fmt.Errorf("%w: surface %dx%d smaller than stream %dx%d",
				types.ErrInvalidConfig, info.Width, info.Height, header.Width, header.Height)
		}

		ph, payload, err := bitstream.ParsePicture(u.Payload)
		if err != nil {
			return nil, nil, err
		}
		if skipping && !ph.Flags.Has(types.FlagKeyframe) {
			bs.Consume(n)
			d.skipped.Add(1)
			continue
		}
		// The payload aliases bs, which the caller refills while we run.
		data := append([]byte(nil), payload...)

		out, sp, err := d.submit(ctx, header, ph, data, work)
		if err != nil {
			return nil, nil, err
		}
		bs.Consume(n)
		if skipping {
			d.mu.Lock()
			d.skipping = false
			d.mu.Unlock()
			d.log.WithFields(logrus.Fields{
				"frame":   ph.FrameOrder,
				"skipped": d.skipped.Load(),
			}).Info("Decoding resumed at keyframe")
		}
		return out, sp, nil
	}
}

func (d *Decoder) submit(ctx context.Context, header bitstream.SequenceHeader, ph bitstream.PictureHeader, data []byte, work *surface.Lease) (*surface.Lease, *dispatch.SyncPoint, error) {
	flags := ph.Flags
	pieces, err := piecesFor(header.Codec, data)
	if err != nil {
		d.corrupted.Add(1)
		flags |= types.FlagCorrupted
		pieces = []Piece{{Offset: 0, Length: len(data)}}
	}

	out, err := work.Clone()
	if err != nil {
		return nil, nil, err
	}
	if err := out.SetMeta(surface.Meta{
		FrameOrder: ph.FrameOrder,
		TimeStamp:  ph.TimeStamp,
		Flags:      flags,
		PicStruct:  header.PicStruct,
	}); err != nil {
		out.Release()
		return nil, nil, err
	}
	if err := out.BeginOp(); err != nil {
		out.Release()
		return nil, nil, err
	}

	n := len(pieces)
	sp, err := d.dev.Submit(ctx, &accel.Work{
		Op:              accel.OpDecode,
		Name:            fmt.Sprintf("decode#%d", ph.FrameOrder),
		Pieces:          n,
		RequiredWorkers: n,
		Run: func(_, piece int) error {
			p := pieces[piece]
			return paintRows(out, piece, n, seedOf(ph.FrameOrder, data[p.Offset:p.Offset+p.Length]))
		},
		Finalize: func(err error) {
			_ = out.EndOp()
			if err == nil {
				d.decoded.Add(1)
				d.pieces.Add(uint64(n))
			}
		},
	})
	if err != nil {
		_ = out.EndOp()
		out.Release()
		return nil, nil, err
	}
	return out, sp, nil
}

// DecoderStats counts decoded pictures.
type DecoderStats struct {
	Decoded   uint64 `json:"decoded"`
	Corrupted uint64 `json:"corrupted"`
	Skipped   uint64 `json:"skipped"`
	Pieces    uint64 `json:"pieces"`
}

// Stats returns decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Decoded:   d.decoded.Load(),
		Corrupted: d.corrupted.Load(),
		Skipped:   d.skipped.Load(),
		Pieces:    d.pieces.Load(),
	}
}

// seedOf derives the sample value written for a picture piece.
func seedOf(order uint32, data []byte) byte {
	v := byte(order)
	for i := 0; i < len(data); i += 61 {
		v ^= data[i]
	}
	return v
}

// paintRows fills the rows of every plane that belong to one of n horizontal
// bands with value.
func paintRows(lease *surface.Lease, band, n int, value byte) error {
	m, err := lease.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = lease.Unlock() }()

	info := lease.Info()
	w, h := info.Visible()
	for _, pl := range info.Format.Planes(w, h, m.Pitch, m.Height) {
		from, to := pl.Rows*band/n, pl.Rows*(band+1)/n
		for row := from; row < to; row++ {
			start := pl.Offset + row*pl.Pitch
			if start+pl.RowBytes > len(m.Data) {
				return fmt.Errorf("%w: plane row %d outside surface memory", types.ErrUndefinedBehavior, row)
			}
			line := m.Data[start : start+pl.RowBytes]
			for i := range line {
				line[i] = value
			}
		}
	}
	return nil
}

// sampleLuma returns a checksum and the mean sample value of the first plane.
func sampleLuma(lease *surface.Lease) (uint32, uint32, error) {
	m, err := lease.Lock()
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = lease.Unlock() }()

	info := lease.Info()
	w, h := info.Visible()
	pl := info.Format.Planes(w, h, m.Pitch, m.Height)[0]

	var sum, total uint64
	var checksum uint32
	for row := 0; row < pl.Rows; row++ {
		start := pl.Offset + row*pl.Pitch
		if start+pl.RowBytes > len(m.Data) {
			break
		}
		for _, b := range m.Data[start : start+pl.RowBytes] {
			checksum = checksum*31 + uint32(b)
			sum += uint64(b)
			total++
		}
	}
	if total == 0 {
		return checksum, 0, nil
	}
	return checksum, uint32(sum / total), nil
}
