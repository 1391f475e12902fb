package bitstream

import "github.com/savid/hwpipe/internal/types"

// Profile defines a synthetic test stream.
type Profile struct {
	Name      string
	Codec     types.CodecID
	Width     int
	Height    int
	Framerate int
	Format    types.PixelFormat
	PicStruct types.PicStruct
	Frames    int
	GOP       int
	// PictureSize is the coded size of one picture in bytes.
	PictureSize int
	// Scans and RestartMarkers shape multi-scan JPEG pictures.
	Scans          int
	RestartMarkers int
}

// Header returns the sequence header the generator writes for p.
func (p Profile) Header() SequenceHeader {
	return SequenceHeader{
		Codec:      p.Codec,
		Width:      p.Width,
		Height:     p.Height,
		Format:     p.Format,
		PicStruct:  p.PicStruct,
		FrameRateN: p.Framerate,
		FrameRateD: 1,
		GOP:        p.GOP,
	}
}

// Profiles contains predefined test stream profiles.
//
//nolint:gochecknoglobals // Test profiles are immutable configuration data
var Profiles = []Profile{
	{
		Name:        "1080p30 h264",
		Codec:       types.CodecH264,
		Width:       1920,
		Height:      1080,
		Framerate:   30,
		Format:      types.FormatNV12,
		PicStruct:   types.PicProgressive,
		Frames:      300,
		GOP:         30,
		PictureSize: 24 << 10,
	},
	{
		Name:        "720p60 hevc",
		Codec:       types.CodecHEVC,
		Width:       1280,
		Height:      720,
		Framerate:   60,
		Format:      types.FormatNV12,
		PicStruct:   types.PicProgressive,
		Frames:      600,
		GOP:         60,
		PictureSize: 12 << 10,
	},
	{
		Name:        "4K30 hevc 10bit",
		Codec:       types.CodecHEVC,
		Width:       3840,
		Height:      2160,
		Framerate:   30,
		Format:      types.FormatP010,
		PicStruct:   types.PicProgressive,
		Frames:      120,
		GOP:         30,
		PictureSize: 96 << 10,
	},
	{
		Name:        "576i25 mpeg2",
		Codec:       types.CodecMPEG2,
		Width:       720,
		Height:      576,
		Framerate:   25,
		Format:      types.FormatNV12,
		PicStruct:   types.PicFieldTFF,
		Frames:      250,
		GOP:         12,
		PictureSize: 16 << 10,
	},
	{
		Name:        "1080i fields mpeg2",
		Codec:       types.CodecMPEG2,
		Width:       1920,
		Height:      540,
		Framerate:   50,
		Format:      types.FormatNV12,
		PicStruct:   types.PicFieldTop,
		Frames:      200,
		GOP:         24,
		PictureSize: 12 << 10,
	},
	{
		Name:           "480p mjpeg multiscan",
		Codec:          types.CodecJPEG,
		Width:          640,
		Height:         480,
		Framerate:      30,
		Format:         types.FormatNV12,
		PicStruct:      types.PicProgressive,
		Frames:         90,
		GOP:            1,
		PictureSize:    32 << 10,
		Scans:          3,
		RestartMarkers: 4,
	},
	{
		Name:        "qcif h264",
		Codec:       types.CodecH264,
		Width:       176,
		Height:      144,
		Framerate:   30,
		Format:      types.FormatNV12,
		PicStruct:   types.PicProgressive,
		Frames:      60,
		GOP:         15,
		PictureSize: 1 << 10,
	},
}

// GetProfile returns a test profile by name.
func GetProfile(name string) (Profile, bool) {
	for _, profile := range Profiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return Profile{}, false
}

// GetProfileByIndex returns a test profile by index.
func GetProfileByIndex(index int) (Profile, bool) {
	if index < 0 || index >= len(Profiles) {
		return Profile{}, false
	}
	return Profiles[index], true
}
