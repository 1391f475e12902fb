package bitstream

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

// Writer writes encoded output to an io.Writer.
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	written uint64
	units   uint64
}

// NewWriter wraps w. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	wr := &Writer{w: bufio.NewWriterSize(w, 256<<10)}
	if c, ok := w.(io.Closer); ok {
		wr.closer = c
	}
	return wr
}

// WriteBitstream writes and consumes the unread bytes of bs.
func (w *Writer) WriteBitstream(bs *types.Bitstream) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.w.Write(bs.Remaining())
	bs.Consume(n)
	w.written += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write bitstream: %w", err)
	}
	w.units++
	return nil
}

// Written returns bytes written so far.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

// Close flushes and closes the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// FrameWriter writes the visible area of decoded surfaces as raw planar frames.
type FrameWriter struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	frames  uint64
	written uint64
}

// NewFrameWriter wraps w. If w is an io.Closer, Close closes it.
func NewFrameWriter(w io.Writer) *FrameWriter {
	fw := &FrameWriter{w: bufio.NewWriterSize(w, 1<<20)}
	if c, ok := w.(io.Closer); ok {
		fw.closer = c
	}
	return fw
}

// WriteFrame maps the surface, writes each plane row by row and unmaps it.
func (f *FrameWriter) WriteFrame(lease *surface.Lease) error {
	info := lease.Info()
	width, height := info.Visible()

	m, err := lease.Lock()
	if err != nil {
		return fmt.Errorf("failed to lock surface %d for output: %w", lease.ID(), err)
	}
	defer func() { _ = lease.Unlock() }()

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range info.Format.Planes(width, height, m.Pitch, m.Height) {
		for row := 0; row < p.Rows; row++ {
			start := p.Offset + row*p.Pitch
			end := start + p.RowBytes
			if end > len(m.Data) {
				return fmt.Errorf("%w: surface %d smaller than its %s layout", types.ErrInvalidState, lease.ID(), info)
			}
			n, err := f.w.Write(m.Data[start:end])
			f.written += uint64(n)
			if err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}
	}
	f.frames++
	return nil
}

// Frames returns the number of frames written.
func (f *FrameWriter) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// Written returns bytes written so far.
func (f *FrameWriter) Written() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Close flushes and closes the underlying writer.
func (f *FrameWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.w.Flush()
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
		f.closer = nil
	}
	return err
}
