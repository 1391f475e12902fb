package types

// HardwareType represents the type of acceleration backend.
type HardwareType string

const (
	// HardwareAuto automatically selects the best available backend.
	HardwareAuto HardwareType = "auto"
	// HardwareCPU uses the software codec core on the CPU.
	HardwareCPU HardwareType = "cpu"
	// HardwareSim uses the virtual accelerator with configurable latency and fault injection.
	HardwareSim HardwareType = "sim"
	// HardwareNVIDIA uses NVIDIA GPU acceleration (NVENC/NVDEC).
	HardwareNVIDIA HardwareType = "nvidia"
	// HardwareIntel uses Intel Quick Sync Video.
	HardwareIntel HardwareType = "intel"
	// HardwareAMD uses AMD VCE/VCN acceleration.
	HardwareAMD HardwareType = "amd"
)

// Valid reports whether h is a known backend kind.
func (h HardwareType) Valid() bool {
	switch h {
	case HardwareAuto, HardwareCPU, HardwareSim, HardwareNVIDIA, HardwareIntel, HardwareAMD:
		return true
	default:
		return false
	}
}

// QualityPreset defines the quality level for encoding.
type QualityPreset string

const (
	// QualityLow uses lower bitrates for smaller output.
	QualityLow QualityPreset = "low"
	// QualityMedium uses balanced bitrates.
	QualityMedium QualityPreset = "medium"
	// QualityHigh uses higher bitrates for best quality.
	QualityHigh QualityPreset = "high"
)

// HardwareInfo contains information about a detected acceleration device.
type HardwareInfo struct {
	Type         HardwareType
	DevicePath   string
	DeviceName   string
	Capabilities []CodecID
	Available    bool
}

// Supports reports whether the device lists codec among its capabilities.
func (h HardwareInfo) Supports(codec CodecID) bool {
	for _, c := range h.Capabilities {
		if c == codec {
			return true
		}
	}
	return false
}
