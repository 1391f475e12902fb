package buffer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newFramePool(t *testing.T, name string, count int) *surface.Pool {
	t.Helper()

	alloc, err := surface.NewAllocator(types.MemoryVideo)
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	pool, err := surface.NewPool(surface.Config{
		Name:      name,
		Info:      types.FrameInfo{Width: 32, Height: 32, Format: types.FormatNV12, PicStruct: types.PicProgressive},
		Count:     count,
		Allocator: alloc,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// produce acquires a surface, queues it and drops the producer's own reference.
func produce(t *testing.T, b *SurfaceBuffer, pool *surface.Pool, order uint32) {
	t.Helper()

	lease, err := pool.Acquire(surface.Descriptor{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := b.Add(Entry{Surface: lease, FrameOrder: order}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	lease.Release()
}

func TestFIFOGetRelease(t *testing.T) {
	const n = 8
	pool := newFramePool(t, "frames", n)
	b := New("decode->encode", 0, testLogger())

	for i := 0; i < n; i++ {
		produce(t, b, pool, uint32(i))
	}
	if b.Len() != n {
		t.Fatalf("expected %d queued entries, got %d", n, b.Len())
	}
	if st := pool.Stats(); st.Free != 0 {
		t.Errorf("queued surfaces must stay referenced, got %+v", st)
	}

	for i := 0; i < n; i++ {
		e, err := b.Get()
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if e.FrameOrder != uint32(i) {
			t.Errorf("expected frame %d, got %d", i, e.FrameOrder)
		}

		// Peek does not remove
		again, _ := b.Get()
		if again.FrameOrder != e.FrameOrder {
			t.Errorf("expected Get to peek, got frame %d then %d", e.FrameOrder, again.FrameOrder)
		}

		if err := b.ReleaseEntry(e); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	if b.Len() != 0 {
		t.Errorf("expected empty buffer, got %d", b.Len())
	}
	if _, err := b.Get(); !errors.Is(err, types.ErrMoreSurfaceNeeded) {
		t.Errorf("expected ErrMoreSurfaceNeeded on empty buffer, got %v", err)
	}
	if st := pool.Stats(); st.Free != n {
		t.Errorf("expected every surface free, got %+v", st)
	}
}

func TestAddRejectsLockedSurface(t *testing.T) {
	pool := newFramePool(t, "frames", 1)
	b := New("locked", 0, testLogger())

	lease, _ := pool.Acquire(surface.Descriptor{})
	if _, err := lease.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := b.Add(Entry{Surface: lease}); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for a locked surface, got %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", b.Len())
	}
}

func TestFanOutDeliversEveryEntryToEveryConsumer(t *testing.T) {
	pool := newFramePool(t, "frames", 3)
	head := New("decode->encode0", 0, testLogger())
	second := head.AddConsumer("decode->encode1")
	third := head.AddConsumer("decode->encode2")

	for i := 0; i < 3; i++ {
		produce(t, head, pool, uint32(i))
	}

	consumers := []*SurfaceBuffer{head, second, third}
	for ci, c := range consumers {
		for i := 0; i < 3; i++ {
			e, err := c.Get()
			if err != nil {
				t.Fatalf("consumer %d: Get failed: %v", ci, err)
			}
			if e.FrameOrder != uint32(i) {
				t.Errorf("consumer %d: expected frame %d, got %d", ci, i, e.FrameOrder)
			}
			if err := c.ReleaseEntry(e); err != nil {
				t.Fatalf("consumer %d: ReleaseEntry failed: %v", ci, err)
			}
		}

		// Surfaces stay held until the last consumer released them
		free := pool.Stats().Free
		if ci < len(consumers)-1 && free != 0 {
			t.Errorf("after consumer %d expected no free surfaces, got %d", ci, free)
		}
	}

	if st := pool.Stats(); st.Free != 3 || st.Refs != 0 {
		t.Errorf("expected every surface free after all consumers, got %+v", st)
	}
}

func TestFanInPreservesPerProducerOrder(t *testing.T) {
	const perProducer = 20
	pools := []*surface.Pool{newFramePool(t, "a", perProducer), newFramePool(t, "b", perProducer)}
	b := New("mux", 0, testLogger())

	var wg sync.WaitGroup
	for p, pool := range pools {
		b.AddProducer()
		wg.Add(1)
		go func(p int, pool *surface.Pool) {
			defer wg.Done()
			defer b.ProducerDone()
			for i := 0; i < perProducer; i++ {
				lease, err := pool.Acquire(surface.Descriptor{})
				if err != nil {
					t.Errorf("producer %d: Acquire failed: %v", p, err)
					return
				}
				if err := b.Add(Entry{Surface: lease, FrameOrder: uint32(p*1000 + i)}); err != nil {
					t.Errorf("producer %d: Add failed: %v", p, err)
				}
				lease.Release()
			}
		}(p, pool)
	}

	last := map[uint32]int{0: -1, 1: -1}
	received := 0
	for {
		err := b.WaitForInsertion(time.Second)
		if errors.Is(err, types.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("WaitForInsertion failed: %v", err)
		}

		e, err := b.Get()
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		producer, seq := e.FrameOrder/1000, int(e.FrameOrder%1000)
		if seq != last[producer]+1 {
			t.Errorf("producer %d: expected frame %d, got %d", producer, last[producer]+1, seq)
		}
		last[producer] = seq
		received++
		if err := b.ReleaseEntry(e); err != nil {
			t.Fatalf("ReleaseEntry failed: %v", err)
		}
	}
	wg.Wait()

	if received != 2*perProducer {
		t.Errorf("expected %d entries, got %d", 2*perProducer, received)
	}
	if _, err := b.Get(); !errors.Is(err, types.ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream after all producers finished, got %v", err)
	}
}

func TestCancelBufferingKeepsQueuedEntries(t *testing.T) {
	pool := newFramePool(t, "frames", 2)
	b := New("cancel", 0, testLogger())

	produce(t, b, pool, 0)
	b.CancelBuffering()
	produce(t, b, pool, 1)

	if b.Len() != 1 {
		t.Errorf("expected the pre-cancel entry only, got %d", b.Len())
	}
	if !b.Stats().Cancelled {
		t.Error("expected stats to report cancellation")
	}

	if n := b.ReleaseAll(); n != 1 {
		t.Errorf("expected 1 released entry, got %d", n)
	}
	if st := pool.Stats(); st.Free != 2 {
		t.Errorf("expected every surface free, got %+v", st)
	}
}

func TestWaitForInsertion(t *testing.T) {
	pool := newFramePool(t, "frames", 1)
	b := New("wait", 0, testLogger())

	if err := b.WaitForInsertion(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("expected ErrWaitTimeout, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease, _ := pool.Acquire(surface.Descriptor{})
		_ = b.Add(Entry{Surface: lease})
		lease.Release()
	}()
	if err := b.WaitForInsertion(time.Second); err != nil {
		t.Errorf("expected insertion, got %v", err)
	}
	b.ReleaseAll()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.SetNoMoreFrames()
	}()
	if err := b.WaitForInsertion(time.Second); !errors.Is(err, types.ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestWaitForReleaseOnFullChain(t *testing.T) {
	pool := newFramePool(t, "frames", 2)
	head := New("bounded0", 1, testLogger())
	other := head.AddConsumer("bounded1")

	produce(t, head, pool, 0)
	if head.Len() != 1 || other.Len() != 1 {
		t.Fatalf("expected both consumers at capacity, got %d and %d", head.Len(), other.Len())
	}
	if err := head.WaitForRelease(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("expected ErrWaitTimeout, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		e, _ := head.Get()
		_ = head.ReleaseEntry(e)
		time.Sleep(10 * time.Millisecond)
		e, _ = other.Get()
		_ = other.ReleaseEntry(e)
	}()
	if err := head.WaitForRelease(time.Second); err != nil {
		t.Errorf("expected room after releases, got %v", err)
	}
	if head.Len() != 0 || other.Len() != 0 {
		t.Errorf("expected room in every consumer, got %d and %d", head.Len(), other.Len())
	}
}

func TestReleaseUnknownSurface(t *testing.T) {
	b := New("empty", 0, testLogger())

	if err := b.ReleaseEntry(Entry{FrameOrder: 3}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseEntryMatchesPool(t *testing.T) {
	first := newFramePool(t, "decode0", 1)
	second := newFramePool(t, "decode1", 1)
	b := New("fan-in", 0, testLogger())

	// Both pools hand out surface 0.
	produce(t, b, first, 0)
	lease, err := second.Acquire(surface.Descriptor{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.ID() != 0 {
		t.Fatalf("expected surface 0, got %d", lease.ID())
	}
	if err := b.Add(Entry{Surface: lease, FrameOrder: 0}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := b.ReleaseEntry(Entry{Surface: lease}); err != nil {
		t.Fatalf("ReleaseEntry failed: %v", err)
	}
	lease.Release()

	if st := first.Stats(); st.Free != 0 {
		t.Errorf("releasing the second pool's entry must keep the first queued, got %+v", st)
	}
	if st := second.Stats(); st.Free != 1 {
		t.Errorf("expected the second pool's surface free, got %+v", st)
	}
	front, err := b.Get()
	if err != nil || front.Surface.Pool() != first || b.Len() != 1 {
		t.Errorf("expected only the first producer's entry left, got %d entries (%v)", b.Len(), err)
	}
}
