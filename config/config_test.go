package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/types"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("hwpipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args)
}

func TestParseFlags(t *testing.T) {
	cfg, err := parse(t, "-hw", "sim", "-codec", "hevc", "-fps", "60", "-lookahead", "4", "-soft-recovery=false", "-frames", "12")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Hardware != "sim" || len(cfg.Sessions) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	p := cfg.Sessions[0].Pipeline()
	if p.Codec != types.CodecHEVC || p.FrameRateN != 60 || p.FrameRateD != 1 || p.LookaheadDepth != 4 {
		t.Fatalf("unexpected pipeline config %+v", p)
	}
	if p.SoftRecovery {
		t.Fatal("soft recovery should be off")
	}

	profile, err := cfg.Sessions[0].StreamProfile()
	if err != nil {
		t.Fatalf("StreamProfile failed: %v", err)
	}
	if profile.Frames != 12 || profile.Name == "qcif h264" {
		t.Fatalf("frame override not applied: %+v", profile)
	}
}

func TestParseInputReplacesProfile(t *testing.T) {
	cfg, err := parse(t, "-input", "in.hwes")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Sessions[0].Profile != "" || cfg.Sessions[0].Input != "in.hwes" {
		t.Fatalf("unexpected session %+v", cfg.Sessions[0])
	}
}

func TestLoadJobFile(t *testing.T) {
	job := `
hardware: sim
workers: 6
sim:
  faults:
    op: encode
    hang_after: 10
sessions:
  - name: camera
    role: decode
    profile: 576i25 mpeg2
    frames: 50
  - name: preview
    role: encode
    from: [camera]
    output: preview.hwes
    codec: h264
    width: 352
    height: 288
    fields: ""
    soft_recovery: false
    sync_timeout: 250ms
  - name: archive
    role: encode
    from: [camera]
    output: archive.hwes
    codec: hevc
    lookahead: 8
`
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(job), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := parse(t, "-job", path, "-sim-unit", "2ms")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Hardware != "sim" || cfg.Workers != 6 || cfg.BufferCapacity != 8 {
		t.Fatalf("unexpected job settings %+v", cfg)
	}
	if cfg.Sim.Unit != 2*time.Millisecond || cfg.Sim.Faults.Op != accel.OpEncode || cfg.Sim.Faults.HangAfter != 10 {
		t.Fatalf("unexpected simulator settings %+v", cfg.Sim)
	}
	if len(cfg.Sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(cfg.Sessions))
	}

	preview := cfg.Sessions[1].Pipeline()
	if preview.Role != pipeline.RoleEncode || preview.Width != 352 || preview.SoftRecovery || preview.SyncTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected preview config %+v", preview)
	}
	if got := cfg.Sessions[1].From; len(got) != 1 || got[0] != "camera" {
		t.Fatalf("unexpected sources %v", got)
	}
	archive := cfg.Sessions[2].Pipeline()
	if archive.LookaheadDepth != 8 || !archive.SoftRecovery {
		t.Fatalf("unexpected archive config %+v", archive)
	}
}

func TestLoadRejectsBadFaultOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte("sim:\n  faults:\n    op: render\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown operation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			LogLevel:       "info",
			ReportInterval: time.Second,
			Hardware:       "auto",
			Sessions:       []SessionConfig{DefaultSessionConfig()},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "trace" }, want: ErrInvalidLogLevel},
		{name: "port", mutate: func(c *Config) { c.Port = 70000 }, want: ErrInvalidPort},
		{name: "interval", mutate: func(c *Config) { c.ReportInterval = 0 }, want: ErrReportIntervalPositive},
		{name: "hardware", mutate: func(c *Config) { c.Hardware = "tpu" }, want: ErrInvalidHardware},
		{name: "no sessions", mutate: func(c *Config) { c.Sessions = nil }, want: ErrNoSessions},
		{name: "no name", mutate: func(c *Config) { c.Sessions[0].Name = "" }, want: ErrSessionNameRequired},
		{name: "role", mutate: func(c *Config) { c.Sessions[0].Role = "mux" }, want: ErrInvalidRole},
		{name: "no input", mutate: func(c *Config) { c.Sessions[0].Profile = "" }, want: ErrInputRequired},
		{name: "two inputs", mutate: func(c *Config) { c.Sessions[0].Input = "in.hwes" }, want: ErrConflictingInput},
		{name: "profile", mutate: func(c *Config) { c.Sessions[0].Profile = "8k" }, want: ErrUnknownProfile},
		{name: "no output", mutate: func(c *Config) { c.Sessions[0].Output = "" }, want: ErrOutputRequired},
		{name: "quality", mutate: func(c *Config) { c.Sessions[0].Quality = "ultra" }, want: ErrInvalidQuality},
		{
			name: "decode needs no output",
			mutate: func(c *Config) {
				c.Sessions[0].Role = string(pipeline.RoleDecode)
				c.Sessions[0].Output = ""
			},
		},
		{
			name: "encode needs no input",
			mutate: func(c *Config) {
				c.Sessions[0].Role = string(pipeline.RoleEncode)
				c.Sessions[0].Profile = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultSessionPipeline(t *testing.T) {
	s := DefaultSessionConfig()
	p := s.Pipeline()
	want := pipeline.DefaultConfig()
	want.Name = "main"
	if p != want {
		t.Fatalf("got %+v, want %+v", p, want)
	}
}
