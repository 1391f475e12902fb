package accel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

// Selector chooses the best available backend for a codec.
type Selector struct {
	detector  *Detector
	registry  *Registry
	preferred types.HardwareType
	logger    *logrus.Entry

	mu        sync.RWMutex
	available []types.HardwareInfo
}

// NewSelector creates a new hardware selector instance.
func NewSelector(detector *Detector, registry *Registry, preferred types.HardwareType, logger *logrus.Entry) *Selector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if preferred == "" {
		preferred = types.HardwareAuto
	}
	return &Selector{
		detector:  detector,
		registry:  registry,
		preferred: preferred,
		logger:    logger.WithField("component", "selector"),
	}
}

// Initialize detects available hardware and prepares the selector.
func (s *Selector) Initialize() error {
	if !s.preferred.Valid() {
		return fmt.Errorf("%w: unknown hardware %q", types.ErrInvalidConfig, s.preferred)
	}

	devices := s.detector.Detect()
	if len(devices) == 0 {
		return fmt.Errorf("%w: no acceleration available", types.ErrUnsupported)
	}

	s.mu.Lock()
	s.available = devices
	s.mu.Unlock()

	for _, d := range devices {
		s.logger.WithFields(logrus.Fields{
			"type":         d.Type,
			"capabilities": d.Capabilities,
			"backend":      s.registry.Has(d.Type),
		}).Info("Available hardware")
	}
	return nil
}

// Available returns the detected devices.
func (s *Selector) Available() []types.HardwareInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.HardwareInfo(nil), s.available...)
}

// Resolve picks the device for codec. When the preferred or best detected
// hardware cannot serve it, the software core is returned together with
// ErrPartialAcceleration; callers treat that as a warning.
func (s *Selector) Resolve(codec types.CodecID) (types.HardwareInfo, error) {
	s.mu.RLock()
	devices := s.available
	s.mu.RUnlock()

	if len(devices) == 0 {
		return types.HardwareInfo{}, fmt.Errorf("%w: selector not initialized", types.ErrInvalidState)
	}

	usable := func(d types.HardwareInfo) bool {
		return d.Available && d.Supports(codec) && s.registry.Has(d.Type)
	}

	degraded := false

	// Handle specific hardware preference
	if s.preferred != types.HardwareAuto {
		for _, d := range devices {
			if d.Type == s.preferred && usable(d) {
				return d, nil
			}
		}
		s.logger.WithFields(logrus.Fields{
			"preferred": s.preferred,
			"codec":     codec,
		}).Warn("Preferred hardware not usable, using auto selection")
		degraded = s.preferred != types.HardwareCPU
	}

	// Priority order: NVIDIA > Intel > AMD > Sim > CPU
	priority := []types.HardwareType{
		types.HardwareNVIDIA,
		types.HardwareIntel,
		types.HardwareAMD,
	}
	if s.preferred == types.HardwareSim {
		priority = append(priority, types.HardwareSim)
	}
	priority = append(priority, types.HardwareCPU)

	for _, hwType := range priority {
		for _, d := range devices {
			if d.Type != hwType {
				continue
			}
			if usable(d) {
				if degraded {
					return d, fmt.Errorf("%w: %s falls back to %s", types.ErrPartialAcceleration, codec, d.Type)
				}
				return d, nil
			}
			if d.Type != types.HardwareCPU && d.Available && d.Supports(codec) {
				// Detected but no backend here
				degraded = true
			}
		}
	}

	return types.HardwareInfo{}, fmt.Errorf("%w: no backend for codec %s", types.ErrUnsupported, codec)
}
