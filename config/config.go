// Package config provides configuration management for the hwpipe transcoder.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/savid/hwpipe/internal/bitstream"
	"github.com/savid/hwpipe/internal/codec"
	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/types"
)

var (
	// ErrNoSessions is returned when neither flags nor a job file describe a session.
	ErrNoSessions = errors.New("at least one session is required")
	// ErrSessionNameRequired is returned when a job file session has no name.
	ErrSessionNameRequired = errors.New("session name is required")
	// ErrInputRequired is returned when a decoding session has neither an input file nor a profile.
	ErrInputRequired = errors.New("input file or synthetic profile is required")
	// ErrConflictingInput is returned when a session names both an input file and a profile.
	ErrConflictingInput = errors.New("input file and synthetic profile are mutually exclusive")
	// ErrOutputRequired is returned when a session has nowhere to write.
	ErrOutputRequired = errors.New("output path is required")
	// ErrUnknownProfile is returned when a synthetic profile does not exist.
	ErrUnknownProfile = errors.New("unknown synthetic profile")
	// ErrInvalidRole is returned for an unknown session role.
	ErrInvalidRole = errors.New("invalid session role")
	// ErrInvalidHardware is returned for an unknown acceleration backend.
	ErrInvalidHardware = errors.New("invalid hardware type")
	// ErrInvalidQuality is returned for an unknown quality preset.
	ErrInvalidQuality = errors.New("invalid quality preset")
	// ErrInvalidPort is returned when port number is invalid.
	ErrInvalidPort = errors.New("invalid port number")
	// ErrReportIntervalPositive is returned when report interval is not positive.
	ErrReportIntervalPositive = errors.New("report interval must be positive")
	// ErrInvalidLogLevel is returned when log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Config holds the application configuration.
type Config struct {
	JobFile        string
	LogLevel       string
	Port           int
	ReportInterval time.Duration

	Hardware       string
	Workers        int
	BufferCapacity int
	Sim            SimConfig

	Sessions []SessionConfig
}

// SimConfig shapes the virtual accelerator.
type SimConfig struct {
	Unit   time.Duration `yaml:"unit"`
	Faults codec.Faults  `yaml:"faults"`
}

// JobFile is the YAML description of a multi-session job.
type JobFile struct {
	Hardware       string          `yaml:"hardware"`
	Workers        int             `yaml:"workers"`
	BufferCapacity int             `yaml:"buffer_capacity"`
	Sim            *SimConfig      `yaml:"sim,omitempty"`
	Sessions       []SessionConfig `yaml:"sessions"`
}

// SessionConfig describes one session. Zero values keep the defaults of the
// pipeline and the geometry of the decoded stream.
type SessionConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`

	Input     string `yaml:"input"`
	Profile   string `yaml:"profile"`
	Frames    int    `yaml:"frames"`
	Output    string `yaml:"output"`
	RawOutput string `yaml:"raw_output"`

	From []string `yaml:"from"`
	Join string   `yaml:"join"`

	Codec      string `yaml:"codec"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Format     string `yaml:"format"`
	FrameRateN int    `yaml:"fps_n"`
	FrameRateD int    `yaml:"fps_d"`
	Fields     string `yaml:"fields"`
	ForceVPP   bool   `yaml:"force_vpp"`

	Quality       string `yaml:"quality"`
	Bitrate       int    `yaml:"bitrate"`
	GOP           int    `yaml:"gop"`
	Lookahead     int    `yaml:"lookahead"`
	EncoderBuffer int    `yaml:"encoder_buffer"`

	AsyncDepth    int           `yaml:"async_depth"`
	Memory        string        `yaml:"memory"`
	SoftRecovery  *bool         `yaml:"soft_recovery"`
	MaxRecoveries int           `yaml:"max_recoveries"`
	SyncTimeout   time.Duration `yaml:"sync_timeout"`
}

// DefaultSessionConfig returns a transcode of the default synthetic stream.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Name:       "main",
		Role:       string(pipeline.RoleTranscode),
		Profile:    "qcif h264",
		Output:     "out.hwes",
		Codec:      string(types.CodecH264),
		Quality:    string(types.QualityMedium),
		AsyncDepth: 4,
		Memory:     string(types.MemorySystem),
	}
}

// New creates a new configuration instance by parsing command-line flags.
func New() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse reads flags from args into a configuration. A job file replaces the
// session described by the flags.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	s := DefaultSessionConfig()
	var (
		fps          int
		softRecovery bool
	)

	fs.StringVar(&cfg.JobFile, "job", "", "YAML job file describing several sessions")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.Port, "port", 0, "Port for the stats endpoint (0 disables it)")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", 5*time.Second, "Interval between progress reports")
	fs.StringVar(&cfg.Hardware, "hw", string(types.HardwareAuto), "Acceleration backend (auto, sim, cpu, nvidia, intel, amd)")
	fs.IntVar(&cfg.Workers, "workers", 0, "Worker goroutines shared by all sessions (0 uses one per CPU)")
	fs.IntVar(&cfg.BufferCapacity, "buffer-capacity", 8, "Frames queued between joined sessions")
	fs.DurationVar(&cfg.Sim.Unit, "sim-unit", time.Millisecond, "Latency unit of the virtual accelerator")

	fs.StringVar(&s.Input, "input", "", "Elementary stream to transcode")
	fs.StringVar(&s.Profile, "profile", s.Profile, "Synthetic stream profile used without -input")
	fs.IntVar(&s.Frames, "frames", 0, "Frames of the synthetic stream (0 keeps the profile length)")
	fs.StringVar(&s.Output, "output", s.Output, "Output elementary stream")
	fs.StringVar(&s.Codec, "codec", s.Codec, "Output codec")
	fs.IntVar(&s.Width, "width", 0, "Output width (0 keeps the input)")
	fs.IntVar(&s.Height, "height", 0, "Output height (0 keeps the input)")
	fs.IntVar(&fps, "fps", 0, "Output frame rate (0 keeps the input)")
	fs.StringVar(&s.Fields, "fields", "", "Field transform (weave, split)")
	fs.StringVar(&s.Quality, "quality", s.Quality, "Quality preset (low, medium, high)")
	fs.IntVar(&s.Bitrate, "bitrate", 0, "Target bitrate in kbps (0 derives it from the quality preset)")
	fs.IntVar(&s.GOP, "gop", 0, "Keyframe interval")
	fs.IntVar(&s.Lookahead, "lookahead", 0, "Look-ahead depth")
	fs.IntVar(&s.AsyncDepth, "async-depth", s.AsyncDepth, "Frames in flight")
	fs.StringVar(&s.Memory, "memory", s.Memory, "Surface memory (system, video, opaque)")
	fs.BoolVar(&softRecovery, "soft-recovery", true, "Recover from hardware hangs")
	fs.IntVar(&s.MaxRecoveries, "max-recoveries", 0, "Hang recoveries before the session fails")
	fs.DurationVar(&s.SyncTimeout, "sync-timeout", 0, "Wait before an operation counts as hung")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fps > 0 {
		s.FrameRateN, s.FrameRateD = fps, 1
	}
	s.SoftRecovery = &softRecovery
	if s.Input != "" {
		s.Profile = ""
	}
	cfg.Sessions = []SessionConfig{s}

	if cfg.JobFile != "" {
		job, err := Load(cfg.JobFile)
		if err != nil {
			return nil, err
		}
		cfg.apply(job)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads and parses a YAML job file.
func Load(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var job JobFile
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return &job, nil
}

// apply replaces the flag session with the sessions of job. Settings the job
// leaves out keep their flag values.
func (c *Config) apply(job *JobFile) {
	if job.Hardware != "" {
		c.Hardware = job.Hardware
	}
	if job.Workers > 0 {
		c.Workers = job.Workers
	}
	if job.BufferCapacity > 0 {
		c.BufferCapacity = job.BufferCapacity
	}
	if job.Sim != nil {
		unit := c.Sim.Unit
		c.Sim = *job.Sim
		if c.Sim.Unit == 0 {
			c.Sim.Unit = unit
		}
	}
	c.Sessions = job.Sessions
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: %s (must be debug, info, warn, or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.ReportInterval <= 0 {
		return ErrReportIntervalPositive
	}

	if !types.HardwareType(c.Hardware).Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidHardware, c.Hardware)
	}

	if len(c.Sessions) == 0 {
		return ErrNoSessions
	}
	for i := range c.Sessions {
		if err := c.Sessions[i].Validate(); err != nil {
			return fmt.Errorf("session %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks one session.
func (s *SessionConfig) Validate() error {
	if s.Name == "" {
		return ErrSessionNameRequired
	}

	role := pipeline.Role(s.Role)
	if s.Role == "" {
		role = pipeline.RoleTranscode
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, s.Role)
	}

	if role != pipeline.RoleEncode {
		if s.Input == "" && s.Profile == "" {
			return fmt.Errorf("%w: session %q", ErrInputRequired, s.Name)
		}
		if s.Input != "" && s.Profile != "" {
			return fmt.Errorf("%w: session %q", ErrConflictingInput, s.Name)
		}
		if _, ok := bitstream.GetProfile(s.Profile); s.Profile != "" && !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProfile, s.Profile)
		}
	}
	if role != pipeline.RoleDecode && s.Output == "" {
		return fmt.Errorf("%w: session %q", ErrOutputRequired, s.Name)
	}

	switch types.QualityPreset(s.Quality) {
	case "", types.QualityLow, types.QualityMedium, types.QualityHigh:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidQuality, s.Quality)
	}

	return nil
}

// Pipeline converts the session into an orchestrator configuration.
func (s *SessionConfig) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Name = s.Name
	if s.Role != "" {
		cfg.Role = pipeline.Role(s.Role)
	}
	if s.Codec != "" {
		cfg.Codec = types.CodecID(s.Codec)
	}
	cfg.Width = s.Width
	cfg.Height = s.Height
	cfg.Format = types.PixelFormat(s.Format)
	cfg.FrameRateN = s.FrameRateN
	cfg.FrameRateD = s.FrameRateD
	cfg.Fields = pipeline.FieldMode(s.Fields)
	cfg.ForceVPP = s.ForceVPP

	if s.Quality != "" {
		cfg.Quality = types.QualityPreset(s.Quality)
	}
	cfg.Bitrate = s.Bitrate
	if s.GOP > 0 {
		cfg.GOP = s.GOP
	}
	cfg.LookaheadDepth = s.Lookahead
	cfg.EncoderBuffer = s.EncoderBuffer

	if s.AsyncDepth > 0 {
		cfg.AsyncDepth = s.AsyncDepth
	}
	if s.Memory != "" {
		cfg.Memory = types.MemoryPattern(s.Memory)
	}
	if s.SoftRecovery != nil {
		cfg.SoftRecovery = *s.SoftRecovery
	}
	if s.MaxRecoveries > 0 {
		cfg.MaxRecoveries = s.MaxRecoveries
	}
	if s.SyncTimeout > 0 {
		cfg.SyncTimeout = s.SyncTimeout
	}
	return cfg
}

// StreamProfile returns the synthetic stream of the session with its frame
// count override applied.
func (s *SessionConfig) StreamProfile() (bitstream.Profile, error) {
	p, ok := bitstream.GetProfile(s.Profile)
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnknownProfile, s.Profile)
	}
	if s.Frames > 0 && s.Frames != p.Frames {
		// Generated streams are cached by name.
		p.Name = fmt.Sprintf("%s x%d", p.Name, s.Frames)
		p.Frames = s.Frames
	}
	return p, nil
}
