// Package types contains shared type definitions for the transcoding core.
package types

import "fmt"

// PixelFormat identifies the memory layout of a picture.
type PixelFormat string

const (
	// FormatNV12 is 8-bit 4:2:0 with an interleaved chroma plane.
	FormatNV12 PixelFormat = "nv12"
	// FormatI420 is 8-bit 4:2:0 with separate chroma planes.
	FormatI420 PixelFormat = "i420"
	// FormatP010 is 10-bit 4:2:0 stored in 16-bit words.
	FormatP010 PixelFormat = "p010"
	// FormatYUY2 is 8-bit packed 4:2:2.
	FormatYUY2 PixelFormat = "yuy2"
	// FormatRGB4 is 8-bit packed BGRA.
	FormatRGB4 PixelFormat = "rgb4"
)

// LumaBytesPerPixel returns the bytes one pixel occupies in the first plane.
func (f PixelFormat) LumaBytesPerPixel() int {
	switch f {
	case FormatP010, FormatYUY2:
		return 2
	case FormatRGB4:
		return 4
	default:
		return 1
	}
}

// FrameSize returns the bytes needed for a picture with the given pitch and height.
func (f PixelFormat) FrameSize(pitch, height int) int {
	switch f {
	case FormatNV12, FormatI420, FormatP010:
		return pitch * height * 3 / 2
	default:
		return pitch * height
	}
}

// Plane locates one plane of a picture inside its backing memory.
type Plane struct {
	Offset   int
	Pitch    int
	RowBytes int
	Rows     int
}

// Planes returns the plane layout of a width x height picture stored with the
// given pitch in memory allocated for allocHeight rows.
func (f PixelFormat) Planes(width, height, pitch, allocHeight int) []Plane {
	bpp := f.LumaBytesPerPixel()
	switch f {
	case FormatNV12, FormatP010:
		return []Plane{
			{Offset: 0, Pitch: pitch, RowBytes: width * bpp, Rows: height},
			{Offset: pitch * allocHeight, Pitch: pitch, RowBytes: width * bpp, Rows: height / 2},
		}
	case FormatI420:
		chroma := pitch * allocHeight
		return []Plane{
			{Offset: 0, Pitch: pitch, RowBytes: width, Rows: height},
			{Offset: chroma, Pitch: pitch / 2, RowBytes: width / 2, Rows: height / 2},
			{Offset: chroma + pitch/2*allocHeight/2, Pitch: pitch / 2, RowBytes: width / 2, Rows: height / 2},
		}
	default:
		return []Plane{{Offset: 0, Pitch: pitch, RowBytes: width * bpp, Rows: height}}
	}
}

// Valid reports whether f is a known format.
func (f PixelFormat) Valid() bool {
	switch f {
	case FormatNV12, FormatI420, FormatP010, FormatYUY2, FormatRGB4:
		return true
	default:
		return false
	}
}

// PicStruct describes how a picture is scanned.
type PicStruct string

const (
	// PicProgressive is a full progressive frame.
	PicProgressive PicStruct = "progressive"
	// PicFieldTFF is an interlaced frame, top field first.
	PicFieldTFF PicStruct = "tff"
	// PicFieldBFF is an interlaced frame, bottom field first.
	PicFieldBFF PicStruct = "bff"
	// PicFieldTop is a single top field.
	PicFieldTop PicStruct = "field_top"
	// PicFieldBottom is a single bottom field.
	PicFieldBottom PicStruct = "field_bottom"
)

// IsSingleField reports whether the picture holds only one field.
func (p PicStruct) IsSingleField() bool {
	return p == PicFieldTop || p == PicFieldBottom
}

// IsInterlaced reports whether the picture carries field data.
func (p PicStruct) IsInterlaced() bool {
	return p != PicProgressive && p != ""
}

// CodecID identifies a compressed format.
type CodecID string

const (
	// CodecH264 is AVC.
	CodecH264 CodecID = "h264"
	// CodecHEVC is H.265.
	CodecHEVC CodecID = "hevc"
	// CodecMPEG2 is MPEG-2 video.
	CodecMPEG2 CodecID = "mpeg2"
	// CodecJPEG is motion JPEG; pictures may carry several independently decodable scans.
	CodecJPEG CodecID = "jpeg"
	// CodecAV1 is AV1.
	CodecAV1 CodecID = "av1"
	// CodecVP9 is VP9.
	CodecVP9 CodecID = "vp9"
)

// Valid reports whether c is a known codec.
func (c CodecID) Valid() bool {
	switch c {
	case CodecH264, CodecHEVC, CodecMPEG2, CodecJPEG, CodecAV1, CodecVP9:
		return true
	default:
		return false
	}
}

// MemoryPattern selects where surfaces live.
type MemoryPattern string

const (
	// MemorySystem places surfaces in host memory.
	MemorySystem MemoryPattern = "system"
	// MemoryVideo places surfaces in device memory.
	MemoryVideo MemoryPattern = "video"
	// MemoryOpaque lets the core pick the backing memory and hands out opaque handles.
	MemoryOpaque MemoryPattern = "opaque"
)

// Valid reports whether m is a known pattern.
func (m MemoryPattern) Valid() bool {
	return m == MemorySystem || m == MemoryVideo || m == MemoryOpaque
}

// FrameInfo describes picture geometry and layout.
type FrameInfo struct {
	Width      int
	Height     int
	CropW      int
	CropH      int
	Format     PixelFormat
	PicStruct  PicStruct
	FrameRateN int
	FrameRateD int
}

// Visible returns the crop size, falling back to the full size.
func (i FrameInfo) Visible() (int, int) {
	w, h := i.CropW, i.CropH
	if w == 0 {
		w = i.Width
	}
	if h == 0 {
		h = i.Height
	}
	return w, h
}

// FrameRate returns frames per second, or 0 when unknown.
func (i FrameInfo) FrameRate() float64 {
	if i.FrameRateD == 0 {
		return 0
	}
	return float64(i.FrameRateN) / float64(i.FrameRateD)
}

func (i FrameInfo) String() string {
	return fmt.Sprintf("%dx%d %s %s", i.Width, i.Height, i.Format, i.PicStruct)
}

// FrameFlags annotates a picture.
type FrameFlags uint32

const (
	// FlagKeyframe marks an independently decodable picture.
	FlagKeyframe FrameFlags = 1 << iota
	// FlagResync marks a picture forced independent after hang recovery.
	FlagResync
	// FlagCorrupted marks a picture decoded from damaged data.
	FlagCorrupted
	// FlagSceneChange marks a picture the lookahead classified as a scene cut.
	FlagSceneChange
)

// Has reports whether all bits of f2 are set.
func (f FrameFlags) Has(f2 FrameFlags) bool {
	return f&f2 == f2
}

// Analysis is lookahead metadata consumed by encoder rate control.
type Analysis struct {
	FrameOrder  uint32
	Complexity  uint32
	SceneChange bool
	QPDelta     int
}

// FrameCtrl carries per-frame encoder control.
type FrameCtrl struct {
	ForceKeyframe bool
	Resync        bool
	Analysis      *Analysis
}
