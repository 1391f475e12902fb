package codec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// sceneChangeRatio is the complexity jump, in percent, classified as a scene cut.
const sceneChangeRatio = 40

type lookaheadEntry struct {
	lease    *surface.Lease
	analysis *types.Analysis
	sync     *dispatch.SyncPoint
}

// Lookahead analyses pictures ahead of the encoder and releases each one Depth
// pictures later together with its analysis.
type Lookahead struct {
	dev   accel.Device
	depth int
	log   *logrus.Entry

	mu    sync.Mutex
	queue []lookaheadEntry
	last  *lookaheadEntry

	analyzed atomic.Uint64
	cuts     atomic.Uint64
}

// NewLookahead creates an analysis stage holding depth pictures.
func NewLookahead(dev accel.Device, depth int, logger *logrus.Entry) (*Lookahead, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: lookahead depth %d", types.ErrInvalidConfig, depth)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Lookahead{
		dev:   dev,
		depth: depth,
		log:   logger.WithField("stage", "lookahead"),
	}, nil
}

// Depth returns the number of pictures the stage buffers.
func (l *Lookahead) Depth() int {
	return l.depth
}

// SubmitFrameAsync queues in for analysis. Until the queue is deeper than the
// configured depth it answers ErrMoreDataNeeded; afterwards it returns the
// oldest queued picture, its analysis and the sync point that guards the
// analysis. A nil in drains the queue. Analysis of in waits for deps.
func (l *Lookahead) SubmitFrameAsync(ctx context.Context, in *surface.Lease, deps ...*dispatch.SyncPoint) (*surface.Lease, *types.Analysis, *dispatch.SyncPoint, error) {
	if in != nil {
		if err := l.analyse(ctx, in, deps); err != nil {
			return nil, nil, nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 || (in != nil && len(l.queue) <= l.depth) {
		return nil, nil, nil, types.ErrMoreDataNeeded
	}
	e := l.queue[0]
	l.queue[0] = lookaheadEntry{}
	l.queue = l.queue[1:]
	return e.lease, e.analysis, e.sync, nil
}

func (l *Lookahead) analyse(ctx context.Context, in *surface.Lease, deps []*dispatch.SyncPoint) error {
	held, err := in.Clone()
	if err != nil {
		return err
	}
	if err := held.BeginOp(); err != nil {
		held.Release()
		return err
	}

	meta := held.Meta()
	analysis := &types.Analysis{FrameOrder: meta.FrameOrder}

	l.mu.Lock()
	prev := l.last
	l.mu.Unlock()

	var prevAnalysis *types.Analysis
	if prev != nil {
		deps = append(deps[:len(deps):len(deps)], prev.sync)
		prevAnalysis = prev.analysis
	}

	sp, err := l.dev.Submit(ctx, &accel.Work{
		Op:     accel.OpLookahead,
		Name:   fmt.Sprintf("lookahead#%d", meta.FrameOrder),
		Pieces: 1,
		Deps:   deps,
		Run: func(int, int) error {
			_, mean, err := sampleLuma(held)
			if err != nil {
				return err
			}
			analysis.Complexity = mean*4 + 1
			if prevAnalysis != nil {
				// Deps guarantee the previous analysis finished.
				a, b := int64(analysis.Complexity), int64(prevAnalysis.Complexity)
				diff := a - b
				if diff < 0 {
					diff = -diff
				}
				analysis.SceneChange = diff*100 > b*sceneChangeRatio
			}
			switch {
			case analysis.SceneChange:
				analysis.QPDelta = -2
			case analysis.Complexity > 800:
				analysis.QPDelta = 1
			}
			return nil
		},
		Finalize: func(err error) {
			_ = held.EndOp()
			if err == nil {
				l.analyzed.Add(1)
				if analysis.SceneChange {
					l.cuts.Add(1)
				}
			}
		},
	})
	if err != nil {
		_ = held.EndOp()
		held.Release()
		return err
	}

	e := lookaheadEntry{lease: held, analysis: analysis, sync: sp}
	l.mu.Lock()
	l.queue = append(l.queue, e)
	l.last = &e
	l.mu.Unlock()
	return nil
}

// Buffered returns the number of queued pictures.
func (l *Lookahead) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Reset releases every queued picture.
func (l *Lookahead) Reset() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.last = nil
	l.mu.Unlock()

	for _, e := range queue {
		e.lease.Release()
	}
}

// LookaheadStats counts analysed pictures.
type LookaheadStats struct {
	Analyzed     uint64 `json:"analyzed"`
	SceneChanges uint64 `json:"scene_changes"`
}

// Stats returns lookahead counters.
func (l *Lookahead) Stats() LookaheadStats {
	return LookaheadStats{
		Analyzed:     l.analyzed.Load(),
		SceneChanges: l.cuts.Load(),
	}
}
