// Package session runs several pipeline orchestrators as one job. Sessions
// connected through cross-stage buffers are joined into a shared scheduling
// context, and a fatal error in one session stops its peers.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/buffer"
	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/types"
)

var (
	// ErrDuplicateSession is returned when two sessions share a name.
	ErrDuplicateSession = errors.New("duplicate session name")
	// ErrUnknownSource is returned when a session reads from a session that does not exist.
	ErrUnknownSource = errors.New("unknown source session")
	// ErrInvalidTopology is returned when sessions cannot be connected as configured.
	ErrInvalidTopology = errors.New("invalid session topology")
	// ErrNoSessions is returned when a manager is built without sessions.
	ErrNoSessions = errors.New("no sessions configured")
)

// Spec describes one session of a job.
type Spec struct {
	Config pipeline.Config
	Source pipeline.BitstreamSource
	Sink   pipeline.BitstreamSink
	Frames pipeline.FrameSink
	// From names the decode sessions this session encodes frames from. One
	// name shares that session's frames with its other readers; several
	// names merge their frames into one buffer.
	From []string
	// Join places the session into a named scheduling context. Sessions
	// connected through From are always joined.
	Join string
}

// Config configures a manager.
type Config struct {
	// Workers is the total number of worker goroutines shared out between
	// scheduling contexts.
	Workers int
	// BufferCapacity bounds every cross-stage buffer.
	BufferCapacity int
	BusyBackoff    time.Duration
}

// DefaultConfig returns one worker per CPU and room for eight frames between sessions.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		BufferCapacity: 8,
		BusyBackoff:    time.Millisecond,
	}
}

// Session is one orchestrator managed by a Manager.
type Session struct {
	ID   string
	Name string

	spec  Spec
	cfg   pipeline.Config
	group *SchedulingContext
	orch  *pipeline.Orchestrator

	// output is the buffer the session produces into, input the one it reads.
	output  *buffer.SurfaceBuffer
	input   *buffer.SurfaceBuffer
	sources []*Session
	readers []*Session

	mu  sync.Mutex
	err error
}

// Role returns the role of the session.
func (s *Session) Role() pipeline.Role {
	return s.cfg.Role
}

// Orchestrator returns the orchestrator once the manager was initialized.
func (s *Session) Orchestrator() *pipeline.Orchestrator {
	return s.orch
}

// Err returns the error the session ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Manager owns the sessions of one job.
type Manager struct {
	cfg      Config
	registry *accel.Registry
	selector *accel.Selector
	log      *logrus.Entry
	id       string

	sessions []*Session
	byName   map[string]*Session
	contexts []*SchedulingContext
	buffers  []*buffer.SurfaceBuffer

	mu      sync.Mutex
	ready   bool
	running bool
	closed  bool
	started time.Time
	elapsed time.Duration

	stopped atomic.Bool
	failed  atomic.Bool
}

// NewManager builds the topology of specs. Orchestrators are created by Init.
func NewManager(cfg Config, registry *accel.Registry, selector *accel.Selector, specs []Spec, logger *logrus.Entry) (*Manager, error) {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = d.BufferCapacity
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = d.BusyBackoff
	}
	if registry == nil || selector == nil {
		return nil, fmt.Errorf("%w: manager needs a registry and a selector", types.ErrInvalidConfig)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		cfg:      cfg,
		registry: registry,
		selector: selector,
		log:      logger.WithField("component", "session-manager"),
		id:       uuid.NewString(),
		byName:   make(map[string]*Session),
	}
	if err := m.build(specs); err != nil {
		return nil, err
	}
	return m, nil
}

// ID identifies the job in reports.
func (m *Manager) ID() string {
	return m.id
}

// Sessions returns the sessions in configuration order.
func (m *Manager) Sessions() []*Session {
	return append([]*Session(nil), m.sessions...)
}

// Session returns the session called name.
func (m *Manager) Session(name string) (*Session, bool) {
	s, ok := m.byName[name]
	return s, ok
}

// Contexts returns the scheduling contexts.
func (m *Manager) Contexts() []*SchedulingContext {
	return append([]*SchedulingContext(nil), m.contexts...)
}

// Init creates and initializes every orchestrator, producers before the
// sessions reading from them. Partial acceleration is reported as a joined
// warning after every session initialized.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.ready || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager already initialized", types.ErrInvalidState)
	}
	m.mu.Unlock()

	for _, c := range m.contexts {
		c.start(m.cfg.BusyBackoff, m.log)
	}

	var warnings []error
	for _, s := range m.initOrder() {
		if err := m.initSession(ctx, s); err != nil {
			if types.IsWarning(err) {
				warnings = append(warnings, fmt.Errorf("session %q: %w", s.Name, err))
				continue
			}
			return fmt.Errorf("session %q: %w", s.Name, err)
		}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"job":      m.id,
		"sessions": len(m.sessions),
		"contexts": len(m.contexts),
	}).Info("Sessions initialized")

	return errors.Join(warnings...)
}

// initOrder lists producers before their readers.
func (m *Manager) initOrder() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.cfg.Role != pipeline.RoleEncode {
			out = append(out, s)
		}
	}
	for _, s := range m.sessions {
		if s.cfg.Role == pipeline.RoleEncode {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) initSession(ctx context.Context, s *Session) error {
	if s.cfg.Role == pipeline.RoleEncode {
		info, err := sourceInfo(s)
		if err != nil {
			return err
		}
		s.cfg.Input = info
	}

	env := pipeline.Env{
		Registry:  m.registry,
		Selector:  m.selector,
		Scheduler: s.group.Scheduler(),
		Logger:    m.log.WithField("session_id", s.ID),
	}
	o, err := pipeline.New(s.cfg, env, pipeline.IO{
		Source: s.spec.Source,
		Sink:   s.spec.Sink,
		Frames: s.spec.Frames,
		Input:  s.input,
		Output: s.output,
	})
	if err != nil {
		return err
	}
	s.orch = o
	return o.Init(ctx)
}

// sourceInfo returns the frame geometry every source of s produces.
func sourceInfo(s *Session) (types.FrameInfo, error) {
	var info types.FrameInfo
	for i, src := range s.sources {
		if src.orch == nil {
			return info, fmt.Errorf("%w: source %q is not initialized", types.ErrInvalidState, src.Name)
		}
		got := src.orch.OutputInfo()
		if i == 0 {
			info = got
			continue
		}
		if got.Width != info.Width || got.Height != info.Height || got.Format != info.Format {
			return info, fmt.Errorf("%w: source %q produces %s, %q produces %s",
				ErrInvalidTopology, src.Name, got, s.sources[0].Name, info)
		}
	}
	return info, nil
}

// Run drives every session on its own goroutine until all of them ended.
// The first fatal session error is returned after its peers stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if !m.ready || m.running || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager cannot run", types.ErrInvalidState)
	}
	m.running = true
	m.started = time.Now()
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range m.sessions {
		g.Go(func() error {
			err := s.orch.Run(ctx)
			s.setErr(err)
			switch {
			case err == nil:
				return nil
			case types.IsCancellation(err):
				m.log.WithField("session", s.Name).Debug("Session stopped")
				return nil
			default:
				m.fail(s, err)
				return fmt.Errorf("session %q: %w", s.Name, err)
			}
		})
	}
	err := g.Wait()

	m.mu.Lock()
	m.running = false
	m.elapsed = time.Since(m.started)
	m.mu.Unlock()

	if err == nil && (m.stopped.Load() || ctx.Err() != nil) {
		err = fmt.Errorf("%w: sessions stopped", types.ErrAborted)
	}

	report := m.Report()
	m.log.WithFields(logrus.Fields{
		"job":     m.id,
		"frames":  report.Frames,
		"fps":     fmt.Sprintf("%.1f", report.FPS()),
		"failed":  report.Failed,
		"elapsed": report.Elapsed.Round(time.Millisecond),
	}).Info("Job finished")
	return err
}

// fail reacts to a fatal session error: sessions reading from the failed one
// drain what is queued and end, every other session is stopped.
func (m *Manager) fail(failed *Session, err error) {
	if !m.failed.CompareAndSwap(false, true) {
		m.log.WithError(err).WithField("session", failed.Name).Error("Session failed")
		return
	}
	m.log.WithError(err).WithField("session", failed.Name).Error("Session failed, stopping peers")

	downstream := make(map[*Session]bool)
	var walk func(s *Session)
	walk = func(s *Session) {
		for _, r := range s.readers {
			if !downstream[r] {
				downstream[r] = true
				walk(r)
			}
		}
	}
	walk(failed)

	for _, b := range m.buffers {
		b.SetNoMoreFrames()
	}
	for _, s := range m.sessions {
		if s == failed || downstream[s] || s.orch == nil {
			continue
		}
		s.orch.Stop()
	}
}

// Stop asks every session to stop. Run returns once they did.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	for _, b := range m.buffers {
		b.SetNoMoreFrames()
	}
	for _, s := range m.sessions {
		if s.orch != nil {
			s.orch.Stop()
		}
	}
}

// Close closes readers before the producers whose surfaces they hold, then
// the scheduling contexts.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()

	var errs []error
	closeRole := func(encoders bool) {
		for _, s := range m.sessions {
			if s.orch == nil || (s.cfg.Role == pipeline.RoleEncode) != encoders {
				continue
			}
			if err := s.orch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close session %q: %w", s.Name, err))
			}
		}
	}

	closeRole(true)
	for _, b := range m.buffers {
		b.CancelBuffering()
		b.ReleaseAll()
	}
	closeRole(false)

	for _, c := range m.contexts {
		c.close()
	}
	m.log.WithField("job", m.id).Debug("Sessions closed")
	return errors.Join(errs...)
}
