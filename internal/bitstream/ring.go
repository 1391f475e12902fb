package bitstream

import (
	"errors"
	"io"
	"sync"
)

// ErrRingClosed is returned when operations are attempted on a closed ring.
var ErrRingClosed = errors.New("ring is closed")

// RingStats describes ring occupancy.
type RingStats struct {
	Buffered int     `json:"buffered"`
	Written  int64   `json:"written"`
	Consumed int64   `json:"consumed"`
	Level    float64 `json:"level"`
}

// Ring is a thread-safe circular byte buffer between a prefetching producer
// and the decoder.
type Ring struct {
	data         []byte
	size         int
	writePos     int
	readPos      int
	bytesWritten int64
	bytesRead    int64
	mu           sync.Mutex
	cond         *sync.Cond
	closed       bool
}

// NewRing creates a ring holding up to size-1 bytes.
func NewRing(size int) *Ring {
	if size < 2 {
		size = 2
	}
	r := &Ring{
		data: make([]byte, size),
		size: size,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Write copies p into the ring, blocking while it is full.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRingClosed
	}

	written := 0
	for written < len(p) {
		for r.free() == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			return written, ErrRingClosed
		}

		toWrite := len(p) - written
		if free := r.free(); toWrite > free {
			toWrite = free
		}

		// Copy in chunks to handle wrap-around
		for toWrite > 0 {
			contiguous := r.size - r.writePos
			if contiguous > toWrite {
				contiguous = toWrite
			}
			copy(r.data[r.writePos:r.writePos+contiguous], p[written:written+contiguous])

			r.writePos = (r.writePos + contiguous) % r.size
			written += contiguous
			toWrite -= contiguous
			r.bytesWritten += int64(contiguous)
		}

		r.cond.Broadcast()
	}

	return written, nil
}

// Read copies buffered bytes into p, blocking while the ring is empty. It
// returns io.EOF once the ring is closed and drained.
func (r *Ring) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.available() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.available() == 0 && r.closed {
		return 0, io.EOF
	}

	toRead := len(p)
	if available := r.available(); toRead > available {
		toRead = available
	}

	read := 0
	for toRead > 0 {
		contiguous := r.size - r.readPos
		if contiguous > toRead {
			contiguous = toRead
		}
		copy(p[read:read+contiguous], r.data[r.readPos:r.readPos+contiguous])

		r.readPos = (r.readPos + contiguous) % r.size
		read += contiguous
		toRead -= contiguous
		r.bytesRead += int64(contiguous)
	}

	// Writers may have room now
	r.cond.Broadcast()

	return read, nil
}

// Available returns the number of buffered bytes.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available()
}

func (r *Ring) available() int {
	if r.writePos >= r.readPos {
		return r.writePos - r.readPos
	}
	return r.size - r.readPos + r.writePos
}

// One byte stays unused to tell a full ring from an empty one.
func (r *Ring) free() int {
	return r.size - r.available() - 1
}

// Stats returns current ring statistics.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.available()
	return RingStats{
		Buffered: available,
		Written:  r.bytesWritten,
		Consumed: r.bytesRead,
		Level:    float64(available) / float64(r.size-1),
	}
}

// Close closes the ring and wakes up any waiting readers and writers.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
