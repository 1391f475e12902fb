package codec

import "github.com/savid/hwpipe/internal/types"

// Common bitrate constants in bits per second.
const (
	bitrate1500k = 1_500_000
	bitrate2M    = 2_000_000
	bitrate3M    = 3_000_000
	bitrate4M    = 4_000_000
	bitrate6M    = 6_000_000
	bitrate8M    = 8_000_000
	bitrate10M   = 10_000_000
	bitrate20M   = 20_000_000
	bitrate40M   = 40_000_000
)

// QualityMapper maps quality presets to bitrate values for different codecs.
type QualityMapper struct{}

// NewQualityMapper creates a new quality preset mapper instance.
func NewQualityMapper() *QualityMapper {
	return &QualityMapper{}
}

// VideoBitrate returns the target bitrate for the given preset and codec.
func (q *QualityMapper) VideoBitrate(preset types.QualityPreset, codec types.CodecID) int {
	switch preset {
	case types.QualityLow:
		switch codec {
		case types.CodecH264, types.CodecHEVC:
			return bitrate2M
		case types.CodecMPEG2:
			return bitrate4M
		case types.CodecVP9, types.CodecAV1:
			return bitrate1500k
		case types.CodecJPEG:
			return bitrate10M
		default:
			return bitrate2M
		}

	case types.QualityMedium:
		switch codec {
		case types.CodecH264, types.CodecHEVC:
			return bitrate4M
		case types.CodecMPEG2:
			return bitrate6M
		case types.CodecVP9, types.CodecAV1:
			return bitrate3M
		case types.CodecJPEG:
			return bitrate20M
		default:
			return bitrate4M
		}

	case types.QualityHigh:
		switch codec {
		case types.CodecH264, types.CodecHEVC:
			return bitrate8M
		case types.CodecMPEG2:
			return bitrate10M
		case types.CodecVP9, types.CodecAV1:
			return bitrate6M
		case types.CodecJPEG:
			return bitrate40M
		default:
			return bitrate8M
		}

	default:
		// For custom or unknown presets, return medium defaults
		return q.VideoBitrate(types.QualityMedium, codec)
	}
}
