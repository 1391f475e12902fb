package accel

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

// CommandRunner runs a probe command and returns its combined output.
type CommandRunner func(name string, args ...string) ([]byte, error)

// GlobFunc lists device nodes matching a pattern.
type GlobFunc func(pattern string) ([]string, error)

func execRunner(name string, args ...string) ([]byte, error) {
	// #nosec G204 - probe binaries are fixed and args are constants or device nodes from a glob
	return exec.Command(name, args...).CombinedOutput()
}

var allCodecs = []types.CodecID{
	types.CodecH264,
	types.CodecHEVC,
	types.CodecMPEG2,
	types.CodecJPEG,
	types.CodecAV1,
	types.CodecVP9,
}

// Detector identifies available acceleration devices.
type Detector struct {
	logger *logrus.Entry
	run    CommandRunner
	glob   GlobFunc

	encodersOnce sync.Once
	encoders     string
}

// NewDetector creates a detector that probes the host.
func NewDetector(logger *logrus.Entry) *Detector {
	return NewDetectorWith(logger, execRunner, filepath.Glob)
}

// NewDetectorWith creates a detector with injected probes.
func NewDetectorWith(logger *logrus.Entry, run CommandRunner, glob GlobFunc) *Detector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Detector{
		logger: logger.WithField("component", "detector"),
		run:    run,
		glob:   glob,
	}
}

// Detect scans the system for acceleration hardware. The software codec core
// and the simulator are always available.
func (d *Detector) Detect() []types.HardwareInfo {
	devices := []types.HardwareInfo{
		{
			Type:         types.HardwareCPU,
			DeviceName:   "software codec core",
			Capabilities: allCodecs,
			Available:    true,
		},
		{
			Type:         types.HardwareSim,
			DeviceName:   "virtual accelerator",
			Capabilities: allCodecs,
			Available:    true,
		},
	}

	if nvidia, err := d.CheckNVIDIA(); err == nil {
		devices = append(devices, *nvidia)
	} else {
		d.logger.WithError(err).Debug("NVIDIA probe failed")
	}

	if intel, err := d.CheckVAAPI(types.HardwareIntel, "Intel", "i965", "iHD"); err == nil {
		devices = append(devices, *intel)
	} else {
		d.logger.WithError(err).Debug("Intel probe failed")
	}

	if amd, err := d.CheckVAAPI(types.HardwareAMD, "AMD", "radeonsi"); err == nil {
		devices = append(devices, *amd)
	} else {
		d.logger.WithError(err).Debug("AMD probe failed")
	}

	return devices
}

// CheckNVIDIA detects an NVIDIA GPU using nvidia-smi.
func (d *Detector) CheckNVIDIA() (*types.HardwareInfo, error) {
	output, err := d.run("nvidia-smi", "--query-gpu=name,uuid", "--format=csv,noheader")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi not available: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("no NVIDIA GPUs found")
	}

	// Use the first available GPU
	parts := strings.Split(lines[0], ", ")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unexpected nvidia-smi output format")
	}

	d.logger.WithField("gpu", parts[0]).Info("Detected NVIDIA GPU")

	var capabilities []types.CodecID
	if d.HasEncoder("h264_nvenc") {
		capabilities = append(capabilities, types.CodecH264)
	}
	if d.HasEncoder("hevc_nvenc") {
		capabilities = append(capabilities, types.CodecHEVC)
	}
	if d.HasEncoder("av1_nvenc") {
		capabilities = append(capabilities, types.CodecAV1)
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("NVIDIA GPU found but NVENC not available")
	}

	return &types.HardwareInfo{
		Type:         types.HardwareNVIDIA,
		DevicePath:   parts[1], // GPU UUID
		DeviceName:   parts[0],
		Capabilities: capabilities,
		Available:    true,
	}, nil
}

// CheckVAAPI detects a VA-API GPU whose driver output contains one of vendors.
func (d *Detector) CheckVAAPI(hwType types.HardwareType, vendors ...string) (*types.HardwareInfo, error) {
	renderNodes, err := d.glob("/dev/dri/renderD*")
	if err != nil || len(renderNodes) == 0 {
		return nil, fmt.Errorf("no render nodes found")
	}

	for _, node := range renderNodes {
		output, err := d.run("vainfo", "--display", "drm", "--device", node)
		if err != nil {
			continue
		}

		outputStr := string(output)
		if !containsAny(outputStr, vendors...) {
			continue
		}
		d.logger.WithFields(logrus.Fields{"type": hwType, "node": node}).Info("Detected VA-API GPU")

		var capabilities []types.CodecID
		if containsAny(outputStr, "H264", "AVC") {
			capabilities = append(capabilities, types.CodecH264)
		}
		if containsAny(outputStr, "H265", "HEVC") {
			capabilities = append(capabilities, types.CodecHEVC)
		}
		if containsAny(outputStr, "MPEG2") {
			capabilities = append(capabilities, types.CodecMPEG2)
		}
		if containsAny(outputStr, "JPEG") {
			capabilities = append(capabilities, types.CodecJPEG)
		}
		if containsAny(outputStr, "VP9") {
			capabilities = append(capabilities, types.CodecVP9)
		}
		if containsAny(outputStr, "AV1") {
			capabilities = append(capabilities, types.CodecAV1)
		}

		if len(capabilities) > 0 {
			return &types.HardwareInfo{
				Type:         hwType,
				DevicePath:   node,
				Capabilities: capabilities,
				Available:    true,
			}, nil
		}
	}

	return nil, fmt.Errorf("no %s GPU with video acceleration found", hwType)
}

// HasEncoder reports whether ffmpeg lists a hardware encoder.
func (d *Detector) HasEncoder(name string) bool {
	d.encodersOnce.Do(func() {
		output, err := d.run("ffmpeg", "-hide_banner", "-encoders")
		if err != nil {
			d.logger.WithError(err).Debug("ffmpeg encoder listing failed")
			return
		}
		d.encoders = string(output)
	})
	return strings.Contains(d.encoders, name)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
