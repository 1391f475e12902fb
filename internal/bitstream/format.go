// Package bitstream implements the elementary stream container used by the
// transcoder: unit framing, a prefetching reader, writers and a synthetic
// stream generator.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/savid/hwpipe/internal/types"
)

// A unit is framed as start code, type byte, big-endian payload length, payload.
const (
	startCodeLen  = 4
	unitHeaderLen = startCodeLen + 1 + 4
	// MaxUnitSize bounds a single payload.
	MaxUnitSize = 64 << 20
	// PictureHeaderLen is the fixed prefix of a picture payload.
	PictureHeaderLen = 16
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// ErrCorruptUnit is returned when bytes do not form a valid unit.
var ErrCorruptUnit = errors.New("corrupt bitstream unit")

// UnitType identifies the payload of a unit.
type UnitType byte

const (
	// UnitSequenceHeader carries stream parameters.
	UnitSequenceHeader UnitType = 0x01
	// UnitPicture carries one coded picture.
	UnitPicture UnitType = 0x02
	// UnitEndOfStream terminates a stream.
	UnitEndOfStream UnitType = 0x03
)

func (t UnitType) String() string {
	switch t {
	case UnitSequenceHeader:
		return "sequence-header"
	case UnitPicture:
		return "picture"
	case UnitEndOfStream:
		return "end-of-stream"
	default:
		return fmt.Sprintf("unit(%#x)", byte(t))
	}
}

// Unit is one parsed unit. Payload aliases the parsed buffer.
type Unit struct {
	Type    UnitType
	Payload []byte
}

// SequenceHeader describes a coded stream.
type SequenceHeader struct {
	Codec      types.CodecID     `msgpack:"codec"`
	Width      int               `msgpack:"width"`
	Height     int               `msgpack:"height"`
	Format     types.PixelFormat `msgpack:"format"`
	PicStruct  types.PicStruct   `msgpack:"pic_struct"`
	FrameRateN int               `msgpack:"fps_n"`
	FrameRateD int               `msgpack:"fps_d"`
	GOP        int               `msgpack:"gop"`
	Bitrate    int               `msgpack:"bitrate,omitempty"`
}

// FrameInfo returns the picture geometry announced by the header.
func (h SequenceHeader) FrameInfo() types.FrameInfo {
	return types.FrameInfo{
		Width:      h.Width,
		Height:     h.Height,
		Format:     h.Format,
		PicStruct:  h.PicStruct,
		FrameRateN: h.FrameRateN,
		FrameRateD: h.FrameRateD,
	}
}

// Validate checks the header fields.
func (h SequenceHeader) Validate() error {
	if !h.Codec.Valid() {
		return fmt.Errorf("%w: codec %q", types.ErrUnsupported, h.Codec)
	}
	if h.Width <= 0 || h.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrCorruptUnit, h.Width, h.Height)
	}
	if !h.Format.Valid() {
		return fmt.Errorf("%w: pixel format %q", types.ErrUnsupported, h.Format)
	}
	return nil
}

// PictureHeader is the fixed prefix of a picture payload.
type PictureHeader struct {
	FrameOrder uint32
	TimeStamp  int64
	Flags      types.FrameFlags
}

// AppendUnit frames payload and appends it to dst.
func AppendUnit(dst []byte, t UnitType, payload []byte) []byte {
	dst = append(dst, startCode...)
	dst = append(dst, byte(t))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// AppendSequenceHeader appends a sequence header unit.
func AppendSequenceHeader(dst []byte, h SequenceHeader) ([]byte, error) {
	payload, err := msgpack.Marshal(h)
	if err != nil {
		return dst, fmt.Errorf("failed to marshal sequence header: %w", err)
	}
	return AppendUnit(dst, UnitSequenceHeader, payload), nil
}

// AppendPicture appends a picture unit.
func AppendPicture(dst []byte, ph PictureHeader, data []byte) []byte {
	dst = append(dst, startCode...)
	dst = append(dst, byte(UnitPicture))
	dst = binary.BigEndian.AppendUint32(dst, uint32(PictureHeaderLen+len(data)))
	dst = binary.BigEndian.AppendUint32(dst, ph.FrameOrder)
	dst = binary.BigEndian.AppendUint64(dst, uint64(ph.TimeStamp))
	dst = binary.BigEndian.AppendUint32(dst, uint32(ph.Flags))
	return append(dst, data...)
}

// AppendEndOfStream appends an end-of-stream unit.
func AppendEndOfStream(dst []byte) []byte {
	return AppendUnit(dst, UnitEndOfStream, nil)
}

// NextUnit parses the unit at the start of buf and returns it with the number
// of bytes it occupies. An incomplete unit returns ErrMoreDataNeeded. Garbage
// before a start code returns ErrCorruptUnit with the number of bytes to skip.
func NextUnit(buf []byte) (Unit, int, error) {
	if len(buf) < startCodeLen {
		return Unit{}, 0, types.ErrMoreDataNeeded
	}
	if !bytes.HasPrefix(buf, startCode) {
		skip := bytes.Index(buf[1:], startCode)
		if skip < 0 {
			// Keep a possible partial start code at the tail
			skip = len(buf) - (startCodeLen - 1)
		} else {
			skip++
		}
		return Unit{}, skip, fmt.Errorf("%w: no start code, skipping %d bytes", ErrCorruptUnit, skip)
	}
	if len(buf) < unitHeaderLen {
		return Unit{}, 0, types.ErrMoreDataNeeded
	}

	t := UnitType(buf[startCodeLen])
	size := binary.BigEndian.Uint32(buf[startCodeLen+1:])
	if size > MaxUnitSize {
		return Unit{}, startCodeLen, fmt.Errorf("%w: %s of %d bytes", ErrCorruptUnit, t, size)
	}
	end := unitHeaderLen + int(size)
	if len(buf) < end {
		return Unit{}, 0, types.ErrMoreDataNeeded
	}
	return Unit{Type: t, Payload: buf[unitHeaderLen:end]}, end, nil
}

// ParseSequenceHeader decodes a sequence header payload.
func ParseSequenceHeader(payload []byte) (SequenceHeader, error) {
	var h SequenceHeader
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return h, fmt.Errorf("%w: sequence header: %v", ErrCorruptUnit, err)
	}
	if h.FrameRateD == 0 {
		h.FrameRateD = 1
	}
	return h, h.Validate()
}

// ParsePicture splits a picture payload into header and coded data.
func ParsePicture(payload []byte) (PictureHeader, []byte, error) {
	if len(payload) < PictureHeaderLen {
		return PictureHeader{}, nil, fmt.Errorf("%w: picture payload of %d bytes", ErrCorruptUnit, len(payload))
	}
	ph := PictureHeader{
		FrameOrder: binary.BigEndian.Uint32(payload),
		TimeStamp:  int64(binary.BigEndian.Uint64(payload[4:])),
		Flags:      types.FrameFlags(binary.BigEndian.Uint32(payload[12:])),
	}
	return ph, payload[PictureHeaderLen:], nil
}

// Scan walks every complete unit of buf and calls fn for each. It returns
// the number of bytes consumed.
func Scan(buf []byte, fn func(Unit) error) (int, error) {
	consumed := 0
	for consumed < len(buf) {
		u, n, err := NextUnit(buf[consumed:])
		if errors.Is(err, types.ErrMoreDataNeeded) {
			return consumed, nil
		}
		if err != nil {
			return consumed + n, err
		}
		consumed += n
		if err := fn(u); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}
