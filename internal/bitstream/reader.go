package bitstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/retry"
	"github.com/savid/hwpipe/internal/types"
)

// ReaderConfig configures a prefetching reader.
type ReaderConfig struct {
	BufferSize int
	ChunkSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// ReaderStats describes reader progress.
type ReaderStats struct {
	Ring      RingStats `json:"ring"`
	BytesIn   uint64    `json:"bytes_in"`
	Underruns int64     `json:"underruns"`
	Retries   int64     `json:"retries"`
}

// Reader prefetches an elementary stream from src into a ring and hands it
// to the decoder on demand.
type Reader struct {
	src    io.Reader
	ring   *Ring
	chunk  int
	retry  *retry.Manager
	logger *logrus.Entry

	active    atomic.Bool
	bytesIn   atomic.Uint64
	underruns atomic.Int64

	mu      sync.Mutex
	readErr error
	stop    func() bool
	done    chan struct{}
}

// NewReader creates a reader over src. Start begins prefetching.
func NewReader(src io.Reader, cfg ReaderConfig, logger *logrus.Entry) *Reader {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 << 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Reader{
		src:   src,
		ring:  NewRing(cfg.BufferSize),
		chunk: cfg.ChunkSize,
		retry: retry.NewManager(retry.Config{
			Delay:      cfg.RetryDelay,
			Backoff:    1.5, // exponential backoff factor
			MaxRetries: cfg.MaxRetries,
		}),
		logger: logger.WithField("component", "reader"),
		done:   make(chan struct{}),
	}
}

// Start begins buffering data from the source. Cancelling ctx closes the ring.
func (r *Reader) Start(ctx context.Context) {
	r.active.Store(true)
	r.mu.Lock()
	r.stop = context.AfterFunc(ctx, r.ring.Close)
	r.mu.Unlock()

	go r.prefetchLoop()
}

// prefetchLoop continuously reads from the source and fills the ring.
func (r *Reader) prefetchLoop() {
	defer func() {
		r.active.Store(false)
		r.ring.Close()
		close(r.done)
	}()

	buf := make([]byte, r.chunk)

	for {
		n, err := r.retry.Read(r.src, buf)
		if n > 0 {
			if _, werr := r.ring.Write(buf[:n]); werr != nil {
				if !errors.Is(werr, ErrRingClosed) {
					r.setErr(werr)
				}
				return
			}
			r.bytesIn.Add(uint64(n))
		}

		if errors.Is(err, io.EOF) {
			r.logger.WithField("bytes", r.bytesIn.Load()).Debug("Source stream ended")
			return
		}
		if err != nil {
			r.logger.WithError(err).Error("Read error after retries")
			r.setErr(err)
			return
		}
	}
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	r.readErr = err
	r.mu.Unlock()
}

// Fill appends the next prefetched bytes to bs, blocking until some are
// available. At the end of the source it sets bs.EOS and returns ErrEndOfStream.
func (r *Reader) Fill(ctx context.Context, bs *types.Bitstream) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.ring.Available() == 0 && r.active.Load() {
		r.underruns.Add(1)
	}

	buf := make([]byte, r.chunk)
	n, err := r.ring.Read(buf)
	if n > 0 {
		bs.Append(buf[:n])
		return nil
	}
	if errors.Is(err, io.EOF) {
		r.mu.Lock()
		readErr := r.readErr
		r.mu.Unlock()
		if readErr != nil {
			return readErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bs.EOS = true
		return types.ErrEndOfStream
	}
	return err
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Ring:      r.ring.Stats(),
		BytesIn:   r.bytesIn.Load(),
		Underruns: r.underruns.Load(),
		Retries:   r.retry.Count(),
	}
}

// Close stops prefetching and closes the source when it is closable.
func (r *Reader) Close() error {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}

	r.ring.Close()

	var err error
	if c, ok := r.src.(io.Closer); ok {
		err = c.Close()
	}
	if stop != nil {
		<-r.done
	}
	return err
}
