package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/buffer"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/pipeline"
)

// SchedulingContext is the scheduling domain shared by joined sessions. A
// sync point of one member is resolved by the same workers that run the
// work of its peers.
type SchedulingContext struct {
	name    string
	members []string
	workers int
	sched   *dispatch.Scheduler
}

// Name returns the context name.
func (c *SchedulingContext) Name() string {
	return c.name
}

// Members returns the names of the joined sessions.
func (c *SchedulingContext) Members() []string {
	return append([]string(nil), c.members...)
}

// Workers returns the number of worker goroutines assigned to the context.
func (c *SchedulingContext) Workers() int {
	return c.workers
}

// Scheduler returns the shared scheduler; nil before the manager initialized.
func (c *SchedulingContext) Scheduler() *dispatch.Scheduler {
	return c.sched
}

func (c *SchedulingContext) start(backoff time.Duration, logger *logrus.Entry) {
	if c.sched != nil {
		return
	}
	c.sched = dispatch.NewScheduler(dispatch.Config{
		Workers:     c.workers,
		BusyBackoff: backoff,
		Logger:      logger.WithField("context", c.name),
	})
}

func (c *SchedulingContext) close() {
	if c.sched != nil {
		c.sched.Close()
	}
}

// build validates specs and wires sessions, buffers and scheduling contexts.
func (m *Manager) build(specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSessions
	}

	for _, spec := range specs {
		name := spec.Config.Name
		if name == "" {
			return fmt.Errorf("%w: session without a name", ErrInvalidTopology)
		}
		if _, ok := m.byName[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateSession, name)
		}
		s := &Session{
			ID:   uuid.NewString(),
			Name: name,
			spec: spec,
			cfg:  spec.Config,
		}
		if s.cfg.Role == "" {
			s.cfg.Role = pipeline.RoleTranscode
		}
		m.sessions = append(m.sessions, s)
		m.byName[name] = s
	}

	for _, s := range m.sessions {
		if err := m.link(s); err != nil {
			return err
		}
	}
	for _, s := range m.sessions {
		if s.cfg.Role == pipeline.RoleDecode && len(s.readers) > 0 {
			// Queued entries keep their surfaces referenced.
			s.cfg.SurfaceExtra += m.cfg.BufferCapacity
		}
	}

	m.group()
	return nil
}

// link connects s to the sessions named in its From list.
func (m *Manager) link(s *Session) error {
	from := s.spec.From
	if len(from) == 0 {
		if s.cfg.Role == pipeline.RoleEncode {
			return fmt.Errorf("%w: encode session %q reads from no session", ErrInvalidTopology, s.Name)
		}
		return nil
	}
	if s.cfg.Role != pipeline.RoleEncode {
		return fmt.Errorf("%w: only encode sessions read from other sessions, %q is %s", ErrInvalidTopology, s.Name, s.cfg.Role)
	}

	for i, name := range from {
		src, ok := m.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q reads from %q", ErrUnknownSource, s.Name, name)
		}
		if src.cfg.Role != pipeline.RoleDecode {
			return fmt.Errorf("%w: %q reads from %s session %q", ErrInvalidTopology, s.Name, src.cfg.Role, name)
		}
		if slices.Contains(from[:i], name) {
			return fmt.Errorf("%w: %q names %q twice", ErrInvalidTopology, s.Name, name)
		}
		s.sources = append(s.sources, src)
	}

	if len(s.sources) == 1 {
		// Fan-out: every reader of one producer gets its own buffer in the chain.
		src := s.sources[0]
		switch {
		case src.output == nil:
			src.output = m.newBuffer(src.Name)
			s.input = src.output
		case len(src.readers) == 1 && len(src.readers[0].sources) > 1:
			return fmt.Errorf("%w: %q already merges into %q", ErrInvalidTopology, src.Name, src.readers[0].Name)
		default:
			s.input = src.output.AddConsumer(s.Name)
		}
		src.readers = append(src.readers, s)
		return nil
	}

	// Fan-in: the producers share one buffer read by s alone.
	merged := m.newBuffer(s.Name)
	for _, src := range s.sources {
		if src.output != nil {
			return fmt.Errorf("%w: %q cannot merge into %q and feed other sessions", ErrInvalidTopology, src.Name, s.Name)
		}
		src.output = merged
		src.readers = append(src.readers, s)
	}
	s.input = merged
	return nil
}

func (m *Manager) newBuffer(name string) *buffer.SurfaceBuffer {
	b := buffer.New(name, m.cfg.BufferCapacity, m.log)
	m.buffers = append(m.buffers, b)
	return b
}

// group joins connected sessions and sessions sharing a Join name into
// scheduling contexts and shares the workers out between them.
func (m *Manager) group() {
	parent := make(map[*Session]*Session, len(m.sessions))
	var find func(s *Session) *Session
	find = func(s *Session) *Session {
		p, ok := parent[s]
		if !ok || p == s {
			return s
		}
		root := find(p)
		parent[s] = root
		return root
	}
	union := func(a, b *Session) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	joins := make(map[string]*Session)
	for _, s := range m.sessions {
		for _, src := range s.sources {
			union(src, s)
		}
		if s.spec.Join == "" {
			continue
		}
		if first, ok := joins[s.spec.Join]; ok {
			union(first, s)
		} else {
			joins[s.spec.Join] = s
		}
	}

	byRoot := make(map[*Session]*SchedulingContext)
	for _, s := range m.sessions {
		root := find(s)
		c, ok := byRoot[root]
		if !ok {
			name := root.spec.Join
			if name == "" {
				name = root.Name
			}
			c = &SchedulingContext{name: name}
			byRoot[root] = c
			m.contexts = append(m.contexts, c)
		}
		c.members = append(c.members, s.Name)
		s.group = c
	}

	sizes := make([]int, len(m.contexts))
	for i, c := range m.contexts {
		sizes[i] = len(c.members)
	}
	for i, n := range distributeWorkers(m.cfg.Workers, sizes) {
		m.contexts[i].workers = n
	}
}

// distributeWorkers shares total workers between contexts in proportion to
// their session counts. Every context gets at least one worker.
func distributeWorkers(total int, sizes []int) []int {
	out := make([]int, len(sizes))
	sessions := 0
	for _, n := range sizes {
		sessions += n
	}
	if sessions == 0 {
		return out
	}

	assigned := 0
	for i, n := range sizes {
		out[i] = max(total*n/sessions, 1)
		assigned += out[i]
	}
	// Hand out the rounding remainder to the largest contexts first.
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return sizes[b] - sizes[a] })
	for i := 0; assigned < total; i = (i + 1) % len(order) {
		out[order[i]]++
		assigned++
	}
	return out
}
