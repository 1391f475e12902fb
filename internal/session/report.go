package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/types"
)

// Report aggregates the statistics of every session. Frames and bytes are
// counted on the sessions that write the job's outputs.
func (m *Manager) Report() types.Report {
	m.mu.Lock()
	started, elapsed, running := m.started, m.elapsed, m.running
	m.mu.Unlock()
	if running {
		elapsed = time.Since(started)
	}

	r := types.Report{
		ID:        m.id,
		Sessions:  make([]types.SessionStats, 0, len(m.sessions)),
		Elapsed:   elapsed,
		Generated: time.Now(),
	}
	for _, s := range m.sessions {
		st := types.SessionStats{ID: s.ID, Name: s.Name, Role: string(s.cfg.Role)}
		if s.orch != nil {
			st = s.orch.Statistics()
			st.ID = s.ID
		}
		if err := s.Err(); err != nil && st.Err == "" && !types.IsCancellation(err) {
			st.Err = err.Error()
		}

		if len(s.readers) == 0 {
			r.Frames += st.Emitted
			r.BytesOut += st.BytesOut
		}
		if st.Err != "" {
			r.Failed++
		}
		if st.Degraded {
			r.Degraded++
		}
		r.Sessions = append(r.Sessions, st)
	}
	return r
}

// Details returns the pool, task and stage counters of every initialized session.
func (m *Manager) Details() map[string]pipeline.Detail {
	out := make(map[string]pipeline.Detail, len(m.sessions))
	for _, s := range m.sessions {
		if s.orch != nil {
			out[s.Name] = s.orch.Detail()
		}
	}
	return out
}

// ReportSource produces job reports.
type ReportSource interface {
	Report() types.Report
}

// Reporter logs job progress periodically in the background.
type Reporter struct {
	source   ReportSource
	interval time.Duration
	logger   *logrus.Entry

	lastFrames uint64
}

// NewReporter creates a progress reporter.
func NewReporter(source ReportSource, interval time.Duration, logger *logrus.Entry) *Reporter {
	return &Reporter{
		source:   source,
		interval: interval,
		logger:   logger.WithField("component", "reporter"),
	}
}

// Start logs a report every interval until the context is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Reporter shutting down")
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	report := r.source.Report()

	for _, st := range report.Sessions {
		entry := r.logger.WithFields(logrus.Fields{
			"session":  st.Name,
			"role":     st.Role,
			"frames":   st.Emitted,
			"fps":      fmt.Sprintf("%.1f", st.FPS()),
			"busy":     st.BusyRetries,
			"recovery": st.HangRecoveries,
		})
		if st.Err != "" {
			entry.WithField("error", st.Err).Warn("Session progress")
			continue
		}
		entry.Debug("Session progress")
	}

	if report.Frames == r.lastFrames && report.Elapsed > 0 {
		r.logger.WithField("frames", report.Frames).Warn("No frames emitted since the last report")
	}
	r.lastFrames = report.Frames

	r.logger.WithFields(logrus.Fields{
		"frames":   report.Frames,
		"fps":      fmt.Sprintf("%.1f", report.FPS()),
		"failed":   report.Failed,
		"degraded": report.Degraded,
	}).Info("Job progress")
}
