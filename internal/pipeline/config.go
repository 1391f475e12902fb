package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/savid/hwpipe/internal/types"
)

// Role selects what a session reads and what it produces.
type Role string

const (
	// RoleTranscode reads a coded stream and writes a coded stream.
	RoleTranscode Role = "transcode"
	// RoleDecode reads a coded stream and hands raw frames to a buffer or a frame sink.
	RoleDecode Role = "decode"
	// RoleEncode reads raw frames from a buffer and writes a coded stream.
	RoleEncode Role = "encode"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTranscode || r == RoleDecode || r == RoleEncode
}

// FieldMode selects the picture structure transform.
type FieldMode string

const (
	// FieldNone passes pictures through.
	FieldNone FieldMode = ""
	// FieldWeave interleaves a top and a bottom field into one frame.
	FieldWeave FieldMode = "weave"
	// FieldSplit splits an interlaced frame into its two fields.
	FieldSplit FieldMode = "split"
)

// Valid reports whether m is a known mode.
func (m FieldMode) Valid() bool {
	return m == FieldNone || m == FieldWeave || m == FieldSplit
}

// Configuration errors.
var (
	// ErrNoSource is returned when a decoding role has no bitstream source.
	ErrNoSource = errors.New("bitstream source is required")
	// ErrNoSink is returned when an encoding role has no bitstream sink.
	ErrNoSink = errors.New("bitstream sink is required")
	// ErrNoInput is returned when an encode session has no input buffer.
	ErrNoInput = errors.New("input buffer is required")
	// ErrNoOutput is returned when a decode session has neither an output buffer nor a frame sink.
	ErrNoOutput = errors.New("output buffer or frame sink is required")
)

// Config holds the settings of one orchestrator.
type Config struct {
	Name string
	Role Role

	// Input describes the frames an encode session receives from its input buffer.
	Input types.FrameInfo

	// Output geometry; zero values keep the value of the decoded stream.
	Width      int
	Height     int
	Format     types.PixelFormat
	FrameRateN int
	FrameRateD int
	Fields     FieldMode
	// ForceVPP runs post-processing even when input and output match.
	ForceVPP bool

	Codec          types.CodecID
	Quality        types.QualityPreset
	Bitrate        int
	GOP            int
	LookaheadDepth int
	EncoderBuffer  int

	AsyncDepth int
	Memory     types.MemoryPattern
	// SurfaceExtra adds surfaces to every pool beyond what the stage depths need.
	SurfaceExtra int

	SoftRecovery  bool
	MaxRecoveries int

	SyncTimeout    time.Duration
	BusyCeiling    time.Duration
	BusySleep      time.Duration
	SurfaceTimeout time.Duration
	BufferTimeout  time.Duration
}

// DefaultConfig returns a transcode configuration with conservative limits.
func DefaultConfig() Config {
	return Config{
		Role:           RoleTranscode,
		Codec:          types.CodecH264,
		Quality:        types.QualityMedium,
		GOP:            30,
		AsyncDepth:     4,
		Memory:         types.MemorySystem,
		SoftRecovery:   true,
		MaxRecoveries:  3,
		SyncTimeout:    2 * time.Second,
		BusyCeiling:    2 * time.Second,
		BusySleep:      time.Millisecond,
		SurfaceTimeout: 5 * time.Second,
		BufferTimeout:  100 * time.Millisecond,
	}
}

// withDefaults fills zero limits from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.Memory == "" {
		c.Memory = d.Memory
	}
	if c.Quality == "" {
		c.Quality = d.Quality
	}
	if c.GOP == 0 {
		c.GOP = d.GOP
	}
	if c.AsyncDepth == 0 {
		c.AsyncDepth = d.AsyncDepth
	}
	if c.MaxRecoveries == 0 {
		c.MaxRecoveries = d.MaxRecoveries
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	if c.BusyCeiling == 0 {
		c.BusyCeiling = d.BusyCeiling
	}
	if c.BusySleep == 0 {
		c.BusySleep = d.BusySleep
	}
	if c.SurfaceTimeout == 0 {
		c.SurfaceTimeout = d.SurfaceTimeout
	}
	if c.BufferTimeout == 0 {
		c.BufferTimeout = d.BufferTimeout
	}
	return c
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: role %q", types.ErrInvalidConfig, c.Role)
	}
	if c.Role != RoleDecode && !c.Codec.Valid() {
		return fmt.Errorf("%w: output codec %q", types.ErrUnsupported, c.Codec)
	}
	if c.Role == RoleEncode {
		if c.Input.Width <= 0 || c.Input.Height <= 0 || !c.Input.Format.Valid() {
			return fmt.Errorf("%w: encode input %s", types.ErrInvalidConfig, c.Input)
		}
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("%w: output resolution %dx%d", types.ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Format != "" && !c.Format.Valid() {
		return fmt.Errorf("%w: output format %q", types.ErrUnsupported, c.Format)
	}
	if (c.FrameRateN == 0) != (c.FrameRateD == 0) || c.FrameRateN < 0 || c.FrameRateD < 0 {
		return fmt.Errorf("%w: output frame rate %d/%d", types.ErrInvalidConfig, c.FrameRateN, c.FrameRateD)
	}
	if !c.Fields.Valid() {
		return fmt.Errorf("%w: field mode %q", types.ErrInvalidConfig, c.Fields)
	}
	if c.AsyncDepth < 1 {
		return fmt.Errorf("%w: async depth %d", types.ErrInvalidConfig, c.AsyncDepth)
	}
	if c.LookaheadDepth < 0 || c.EncoderBuffer < 0 || c.SurfaceExtra < 0 {
		return fmt.Errorf("%w: negative stage depth", types.ErrInvalidConfig)
	}
	if c.Role == RoleDecode && c.LookaheadDepth > 0 {
		return fmt.Errorf("%w: lookahead needs an encoder", types.ErrInvalidConfig)
	}
	if !c.Memory.Valid() {
		return fmt.Errorf("%w: memory pattern %q", types.ErrInvalidConfig, c.Memory)
	}
	if c.MaxRecoveries < 0 {
		return fmt.Errorf("%w: max recoveries %d", types.ErrInvalidConfig, c.MaxRecoveries)
	}
	return nil
}

// layout clears every setting Reset may change. Two configurations with the
// same layout share stages, pools and devices.
func (c Config) layout() Config {
	c.Quality, c.Bitrate, c.GOP = "", 0, 0
	c.SoftRecovery, c.MaxRecoveries = false, 0
	c.SyncTimeout, c.BusyCeiling, c.BusySleep = 0, 0, 0
	c.SurfaceTimeout, c.BufferTimeout = 0, 0
	return c
}

// surfaceCount is the pool size that lets every stage hold its share of
// pictures while asyncDepth frames are in flight.
func (c Config) surfaceCount() int {
	return c.AsyncDepth + c.LookaheadDepth + c.EncoderBuffer + 4 + c.SurfaceExtra
}
