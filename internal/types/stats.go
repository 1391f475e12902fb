package types

import "time"

// SessionStats tracks the progress of one pipeline session.
type SessionStats struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Role           string        `json:"role"`
	Decoded        uint64        `json:"decoded"`
	Processed      uint64        `json:"processed"`
	Analyzed       uint64        `json:"analyzed"`
	Encoded        uint64        `json:"encoded"`
	Emitted        uint64        `json:"emitted"`
	BytesIn        uint64        `json:"bytes_in"`
	BytesOut       uint64        `json:"bytes_out"`
	BusyRetries    uint64        `json:"busy_retries"`
	HangRecoveries uint64        `json:"hang_recoveries"`
	Degraded       bool          `json:"degraded"`
	StartedAt      time.Time     `json:"started_at"`
	Elapsed        time.Duration `json:"elapsed"`
	Err            string        `json:"error,omitempty"`
}

// FPS returns emitted frames per second over the elapsed time.
func (s SessionStats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Emitted) / s.Elapsed.Seconds()
}

// BufferStats tracks a cross-stage buffer.
type BufferStats struct {
	Queued    int    `json:"queued"`
	Added     uint64 `json:"added"`
	Released  uint64 `json:"released"`
	Cancelled bool   `json:"cancelled"`
}

// Report aggregates statistics across sessions.
type Report struct {
	ID        string         `json:"id"`
	Sessions  []SessionStats `json:"sessions"`
	Frames    uint64         `json:"frames"`
	BytesOut  uint64         `json:"bytes_out"`
	Elapsed   time.Duration  `json:"elapsed"`
	Failed    int            `json:"failed"`
	Degraded  int            `json:"degraded"`
	Generated time.Time      `json:"generated"`
}

// FPS returns combined throughput.
func (r Report) FPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Frames) / r.Elapsed.Seconds()
}
