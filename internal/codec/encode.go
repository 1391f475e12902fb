package codec

import (
	"context"
	"encoding/binary"
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

// minPictureSize bounds the coded size of one picture from below.
const minPictureSize = 64

// EncoderParams configures an encoder.
type EncoderParams struct {
	Codec   types.CodecID
	Info    types.FrameInfo
	GOP     int
	Bitrate int
	Quality types.QualityPreset
	// BufferDepth is the number of pictures held before output starts.
	BufferDepth int
}

type encodeEntry struct {
	lease *surface.Lease
	ctrl  types.FrameCtrl
	deps  []*dispatch.SyncPoint
}

// Encoder turns surfaces into picture units.
type Encoder struct {
	dev    accel.Device
	params EncoderParams
	header bitstream.SequenceHeader
	size   int
	log    *logrus.Entry

	mu          sync.Mutex
	queue       []encodeEntry
	frames      int
	headerSent  bool
	forceResync bool

	encoded   atomic.Uint64
	keyframes atomic.Uint64
	resyncs   atomic.Uint64
	bytesOut  atomic.Uint64
}

// NewEncoder creates an encoder running on dev.
func NewEncoder(dev accel.Device, params EncoderParams, logger *logrus.Entry) (*Encoder, error) {
	if !params.Codec.Valid() {
		return nil, fmt.Errorf("%w: codec %q", types.ErrUnsupported, params.Codec)
	}
	if !dev.Info().Supports(params.Codec) {
		return nil, fmt.Errorf("%w: %s cannot encode %s", types.ErrUnsupported, dev.Type(), params.Codec)
	}
	if params.Info.Width <= 0 || params.Info.Height <= 0 {
		return nil, fmt.Errorf("%w: encoder resolution %dx%d", types.ErrInvalidConfig, params.Info.Width, params.Info.Height)
	}
	if params.BufferDepth < 0 {
		return nil, fmt.Errorf("%w: encoder buffer depth %d", types.ErrInvalidConfig, params.BufferDepth)
	}
	if params.GOP <= 0 {
		params.GOP = 30
	}
	if params.Bitrate <= 0 {
		params.Bitrate = NewQualityMapper().VideoBitrate(params.Quality, params.Codec)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Encoder{
		dev:    dev,
		params: params,
		header: sequenceHeader(params),
		size:   pictureSize(params),
		log:    logger.WithField("stage", "encode"),
	}, nil
}

func sequenceHeader(params EncoderParams) bitstream.SequenceHeader {
	return bitstream.SequenceHeader{
		Codec:      params.Codec,
		Width:      params.Info.Width,
		Height:     params.Info.Height,
		Format:     params.Info.Format,
		PicStruct:  params.Info.PicStruct,
		FrameRateN: params.Info.FrameRateN,
		FrameRateD: params.Info.FrameRateD,
		GOP:        params.GOP,
		Bitrate:    params.Bitrate,
	}
}

// pictureSize is the mean coded size of one picture at the target bitrate.
func pictureSize(params EncoderParams) int {
	fps := params.Info.FrameRate()
	if fps <= 0 {
		fps = 30
	}
	return max(int(float64(params.Bitrate)/8/fps), minPictureSize)
}

// Header returns the sequence header written before the first picture.
func (e *Encoder) Header() bitstream.SequenceHeader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header
}

// Reconfigure changes the GOP length and the rate control target. A zero GOP
// or bitrate falls back to the defaults. The next picture starts a new GOP
// behind a sequence header carrying the new values.
func (e *Encoder) Reconfigure(gop, bitrate int, quality types.QualityPreset) {
	if gop <= 0 {
		gop = 30
	}
	if bitrate <= 0 {
		bitrate = NewQualityMapper().VideoBitrate(quality, e.params.Codec)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.GOP = gop
	e.params.Bitrate = bitrate
	e.params.Quality = quality
	e.header = sequenceHeader(e.params)
	e.size = pictureSize(e.params)
	e.frames = 0
	e.headerSent = false
}

// ForceResync makes the next encoded picture an independently decodable
// resynchronization point preceded by a fresh sequence header.
func (e *Encoder) ForceResync() {
	e.mu.Lock()
	e.forceResync = true
	e.headerSent = false
	e.mu.Unlock()
}

// EncodeFrameAsync encodes in into bs. While fewer than BufferDepth pictures
// are held it answers ErrMoreDataNeeded and keeps a reference to in. A nil in
// drains one held picture; ErrMoreDataNeeded then means the encoder is empty.
// The unit is written to bs when the returned sync point completes. Encoding
// of in waits for deps.
func (e *Encoder) EncodeFrameAsync(ctx context.Context, ctrl types.FrameCtrl, in *surface.Lease, bs *types.Bitstream, deps ...*dispatch.SyncPoint) (*dispatch.SyncPoint, error) {
	if bs == nil {
		return nil, fmt.Errorf("%w: no output bitstream", types.ErrInvalidState)
	}

	e.mu.Lock()
	appended := false
	if in != nil {
		held, err := in.Clone()
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.queue = append(e.queue, encodeEntry{lease: held, ctrl: ctrl, deps: deps})
		appended = true
		if len(e.queue) <= e.params.BufferDepth {
			e.mu.Unlock()
			return nil, types.ErrMoreDataNeeded
		}
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil, types.ErrMoreDataNeeded
	}

	next := e.queue[0]
	meta := next.lease.Meta()

	ph := bitstream.PictureHeader{
		FrameOrder: meta.FrameOrder,
		TimeStamp:  meta.TimeStamp,
	}
	resync := next.ctrl.Resync || e.forceResync
	keyframe := e.frames%e.params.GOP == 0 || next.ctrl.ForceKeyframe || resync
	if keyframe {
		ph.Flags |= types.FlagKeyframe
	}
	if resync {
		ph.Flags |= types.FlagResync
	}
	// A resync point carries its own header so a consumer can join there.
	var header *bitstream.SequenceHeader
	if !e.headerSent || resync {
		h := e.header
		header = &h
	}
	size := e.size
	e.mu.Unlock()

	if err := next.lease.BeginOp(); err != nil {
		e.dropLast(appended)
		return nil, err
	}

	var checksum uint32
	sp, err := e.dev.Submit(ctx, &accel.Work{
		Op:     accel.OpEncode,
		Name:   fmt.Sprintf("encode#%d", meta.FrameOrder),
		Pieces: 1,
		Deps:   next.deps,
		Run: func(int, int) error {
			sum, _, err := sampleLuma(next.lease)
			if err != nil {
				return err
			}
			checksum = sum
			// Deps guarantee the analysis finished.
			ph.Flags, size = rateControl(ph.Flags, size, next.ctrl.Analysis)
			return nil
		},
		Finalize: func(err error) {
			_ = next.lease.EndOp()
			next.lease.Release()
			if err != nil {
				return
			}
			e.write(bs, header, ph, checksum, size)
		},
	})
	if err != nil {
		// A retry with the same input must find the queue unchanged.
		_ = next.lease.EndOp()
		e.dropLast(appended)
		return nil, err
	}

	e.mu.Lock()
	e.queue[0] = encodeEntry{}
	e.queue = e.queue[1:]
	e.frames++
	if header != nil {
		e.headerSent = true
	}
	if resync {
		e.forceResync = false
	}
	e.mu.Unlock()

	return sp, nil
}

// rateControl applies the lookahead result to a picture: a scene cut becomes
// a keyframe and the QP offset scales the coded size.
func rateControl(flags types.FrameFlags, size int, a *types.Analysis) (types.FrameFlags, int) {
	if a != nil {
		if a.SceneChange {
			flags |= types.FlagSceneChange | types.FlagKeyframe
		}
		size += size * a.QPDelta * -10 / 100
	}
	if flags.Has(types.FlagKeyframe) {
		size *= 2
	}
	return flags, max(size, minPictureSize)
}

func (e *Encoder) dropLast(appended bool) {
	if !appended {
		return
	}
	e.mu.Lock()
	last := e.queue[len(e.queue)-1]
	e.queue = e.queue[:len(e.queue)-1]
	e.mu.Unlock()
	last.lease.Release()
}

// write appends one picture unit to bs, preceded by header when it is set.
func (e *Encoder) write(bs *types.Bitstream, header *bitstream.SequenceHeader, ph bitstream.PictureHeader, checksum uint32, size int) {
	start := len(bs.Data)
	out := bs.Data
	if header != nil {
		var err error
		if out, err = bitstream.AppendSequenceHeader(out, *header); err != nil {
			e.log.WithError(err).Error("Failed to write sequence header")
		}
	}

	payload := make([]byte, size)
	binary.BigEndian.PutUint32(payload, checksum)
	for i := 4; i < len(payload); i++ {
		payload[i] = byte((uint32(i)*17+ph.FrameOrder)&0x7F) | 0x01
	}
	// Avoid start code emulation in the checksum bytes.
	for i := 0; i < 4; i++ {
		payload[i] |= 0x01
	}
	bs.Data = bitstream.AppendPicture(out, ph, payload)
	bs.FrameOrder = ph.FrameOrder
	bs.TimeStamp = ph.TimeStamp
	bs.Flags = ph.Flags

	e.encoded.Add(1)
	e.bytesOut.Add(uint64(len(bs.Data) - start))
	if ph.Flags.Has(types.FlagKeyframe) {
		e.keyframes.Add(1)
	}
	if ph.Flags.Has(types.FlagResync) {
		e.resyncs.Add(1)
	}
}

// Buffered returns the number of held pictures.
func (e *Encoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Reset releases every held picture. The next picture restarts the GOP.
func (e *Encoder) Reset() {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.frames = 0
	e.headerSent = false
	e.mu.Unlock()

	for _, q := range queue {
		q.lease.Release()
	}
}

// EncoderStats counts encoded pictures.
type EncoderStats struct {
	Encoded   uint64 `json:"encoded"`
	Keyframes uint64 `json:"keyframes"`
	Resyncs   uint64 `json:"resyncs"`
	BytesOut  uint64 `json:"bytes_out"`
}

// Stats returns encoder counters.
func (e *Encoder) Stats() EncoderStats {
	return EncoderStats{
		Encoded:   e.encoded.Load(),
		Keyframes: e.keyframes.Load(),
		Resyncs:   e.resyncs.Load(),
		BytesOut:  e.bytesOut.Load(),
	}
}
