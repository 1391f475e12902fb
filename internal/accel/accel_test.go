package accel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/types"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type stubDevice struct {
	info types.HardwareInfo
}

func (d *stubDevice) Type() types.HardwareType           { return d.info.Type }
func (d *stubDevice) Info() types.HardwareInfo           { return d.info }
func (d *stubDevice) Init(context.Context, Params) error { return nil }
func (d *stubDevice) QueryStatus(*dispatch.SyncPoint) dispatch.Status {
	return dispatch.StatusDone
}
func (d *stubDevice) Reset() error { return nil }
func (d *stubDevice) Close() error { return nil }
func (d *stubDevice) Submit(context.Context, *Work) (*dispatch.SyncPoint, error) {
	return nil, types.ErrUnsupported
}

func stubFactory(info types.HardwareInfo) (Device, error) {
	return &stubDevice{info: info}, nil
}

// fakeHost answers probe commands from canned output.
type fakeHost struct {
	outputs map[string]string
	nodes   []string
	calls   map[string]int
}

func (h *fakeHost) run(name string, args ...string) ([]byte, error) {
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[name]++

	key := name
	if name == "vainfo" {
		key = name + " " + args[len(args)-1]
	}
	out, ok := h.outputs[key]
	if !ok {
		return nil, errors.New("executable file not found")
	}
	return []byte(out), nil
}

func (h *fakeHost) glob(string) ([]string, error) {
	return h.nodes, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(types.HardwareAuto, stubFactory); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for auto, got %v", err)
	}
	if err := r.Register("quantum", stubFactory); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown type, got %v", err)
	}
	if err := r.Register(types.HardwareSim, stubFactory); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(types.HardwareSim, stubFactory); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for duplicate, got %v", err)
	}
	if err := r.Register(types.HardwareCPU, stubFactory); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dev, err := r.Create(types.HardwareInfo{Type: types.HardwareSim})
	if err != nil || dev.Type() != types.HardwareSim {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Create(types.HardwareInfo{Type: types.HardwareNVIDIA}); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	got := r.Types()
	if len(got) != 2 || got[0] != types.HardwareCPU || got[1] != types.HardwareSim {
		t.Errorf("unexpected registered types %v", got)
	}
}

func TestDetectorWithoutHardware(t *testing.T) {
	host := &fakeHost{}
	d := NewDetectorWith(testLogger(), host.run, host.glob)

	devices := d.Detect()
	if len(devices) != 2 {
		t.Fatalf("expected cpu and sim only, got %d devices", len(devices))
	}
	if devices[0].Type != types.HardwareCPU || devices[1].Type != types.HardwareSim {
		t.Errorf("unexpected devices %v, %v", devices[0].Type, devices[1].Type)
	}
	if !devices[0].Supports(types.CodecJPEG) {
		t.Error("expected the software core to support jpeg")
	}
}

func TestDetectorFindsGPUs(t *testing.T) {
	host := &fakeHost{
		outputs: map[string]string{
			"nvidia-smi": "NVIDIA GeForce RTX 3060, GPU-1234\n",
			"ffmpeg":     " V....D h264_nvenc  NVIDIA NVENC H.264 encoder\n V....D hevc_nvenc  NVIDIA NVENC hevc encoder\n",
			"vainfo /dev/dri/renderD128": "vainfo: Driver version: Intel iHD driver\n" +
				"      VAProfileH264Main               : VAEntrypointEncSlice\n" +
				"      VAProfileJPEGBaseline           : VAEntrypointVLD\n",
			"vainfo /dev/dri/renderD129": "vainfo: Driver version: Mesa Gallium driver for AMD Radeon (radeonsi)\n" +
				"      VAProfileHEVCMain               : VAEntrypointVLD\n",
		},
		nodes: []string{"/dev/dri/renderD128", "/dev/dri/renderD129"},
	}
	d := NewDetectorWith(testLogger(), host.run, host.glob)

	byType := make(map[types.HardwareType]types.HardwareInfo)
	for _, dev := range d.Detect() {
		byType[dev.Type] = dev
	}

	nv, ok := byType[types.HardwareNVIDIA]
	if !ok {
		t.Fatal("expected an NVIDIA device")
	}
	if nv.DevicePath != "GPU-1234" || !nv.Supports(types.CodecHEVC) || nv.Supports(types.CodecAV1) {
		t.Errorf("unexpected NVIDIA info %+v", nv)
	}

	intel, ok := byType[types.HardwareIntel]
	if !ok || intel.DevicePath != "/dev/dri/renderD128" {
		t.Fatalf("unexpected Intel info %+v", intel)
	}
	if !intel.Supports(types.CodecH264) || !intel.Supports(types.CodecJPEG) || intel.Supports(types.CodecHEVC) {
		t.Errorf("unexpected Intel capabilities %v", intel.Capabilities)
	}

	amd, ok := byType[types.HardwareAMD]
	if !ok || amd.DevicePath != "/dev/dri/renderD129" || !amd.Supports(types.CodecHEVC) {
		t.Errorf("unexpected AMD info %+v", amd)
	}

	if host.calls["ffmpeg"] != 1 {
		t.Errorf("expected the encoder listing once, got %d", host.calls["ffmpeg"])
	}
}

func newTestSelector(t *testing.T, host *fakeHost, preferred types.HardwareType, backends ...types.HardwareType) *Selector {
	t.Helper()
	r := NewRegistry()
	for _, b := range backends {
		if err := r.Register(b, stubFactory); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	s := NewSelector(NewDetectorWith(testLogger(), host.run, host.glob), r, preferred, testLogger())
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return s
}

func TestSelectorResolve(t *testing.T) {
	nvidiaHost := func() *fakeHost {
		return &fakeHost{outputs: map[string]string{
			"nvidia-smi": "Tesla T4, GPU-1\n",
			"ffmpeg":     "h264_nvenc hevc_nvenc",
		}}
	}

	tests := []struct {
		name      string
		host      *fakeHost
		preferred types.HardwareType
		backends  []types.HardwareType
		codec     types.CodecID
		want      types.HardwareType
		wantErr   error
	}{
		{
			name:     "auto without gpus picks cpu",
			host:     &fakeHost{},
			backends: []types.HardwareType{types.HardwareCPU, types.HardwareSim},
			codec:    types.CodecH264,
			want:     types.HardwareCPU,
		},
		{
			name:      "sim preference honoured",
			host:      &fakeHost{},
			preferred: types.HardwareSim,
			backends:  []types.HardwareType{types.HardwareCPU, types.HardwareSim},
			codec:     types.CodecJPEG,
			want:      types.HardwareSim,
		},
		{
			name:     "gpu with backend wins",
			host:     nvidiaHost(),
			backends: []types.HardwareType{types.HardwareCPU, types.HardwareNVIDIA},
			codec:    types.CodecHEVC,
			want:     types.HardwareNVIDIA,
		},
		{
			name:     "gpu without backend degrades",
			host:     nvidiaHost(),
			backends: []types.HardwareType{types.HardwareCPU},
			codec:    types.CodecH264,
			want:     types.HardwareCPU,
			wantErr:  types.ErrPartialAcceleration,
		},
		{
			name:     "gpu lacking codec uses cpu silently",
			host:     nvidiaHost(),
			backends: []types.HardwareType{types.HardwareCPU, types.HardwareNVIDIA},
			codec:    types.CodecMPEG2,
			want:     types.HardwareCPU,
		},
		{
			name:      "missing preferred degrades",
			host:      &fakeHost{},
			preferred: types.HardwareIntel,
			backends:  []types.HardwareType{types.HardwareCPU},
			codec:     types.CodecH264,
			want:      types.HardwareCPU,
			wantErr:   types.ErrPartialAcceleration,
		},
		{
			name:     "no backend at all",
			host:     &fakeHost{},
			backends: []types.HardwareType{types.HardwareSim},
			codec:    types.CodecH264,
			wantErr:  types.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preferred := tt.preferred
			if preferred == "" {
				preferred = types.HardwareAuto
			}
			s := newTestSelector(t, tt.host, preferred, tt.backends...)

			got, err := s.Resolve(tt.codec)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if got.Type != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got.Type)
			}
		})
	}
}

func TestSelectorRejectsUnknownPreference(t *testing.T) {
	s := NewSelector(NewDetectorWith(testLogger(), (&fakeHost{}).run, (&fakeHost{}).glob), NewRegistry(), "quantum", testLogger())
	err := s.Initialize()
	if !errors.Is(err, types.ErrInvalidConfig) || !strings.Contains(err.Error(), "quantum") {
		t.Errorf("expected ErrInvalidConfig naming the type, got %v", err)
	}

	fresh := NewSelector(NewDetector(testLogger()), NewRegistry(), types.HardwareAuto, testLogger())
	if _, err := fresh.Resolve(types.CodecH264); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before Initialize, got %v", err)
	}
}
