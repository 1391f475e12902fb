package task

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/dispatch"
	"github.com/savid/hwpipe/internal/surface"
	"github.com/savid/hwpipe/internal/types"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestPool(t *testing.T, depth int) *Pool {
	t.Helper()

	pool, err := NewPool(Config{
		Name:        "test",
		AsyncDepth:  depth,
		SyncTimeout: 50 * time.Millisecond,
		BusyCeiling: 30 * time.Millisecond,
		BusySleep:   time.Millisecond,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func TestAcquireNotFoundExactlyAtDepth(t *testing.T) {
	const depth = 4
	pool := newTestPool(t, depth)

	var held []*Task
	for i := 0; i < depth; i++ {
		if pool.Outstanding() != i {
			t.Fatalf("expected %d outstanding, got %d", i, pool.Outstanding())
		}
		task, err := pool.AcquireFreeTask()
		if err != nil {
			t.Fatalf("AcquireFreeTask %d failed with %d outstanding: %v", i, i, err)
		}
		held = append(held, task)
	}

	if _, err := pool.AcquireFreeTask(); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound with %d outstanding, got %v", depth, err)
	}

	pool.Release(held[1])
	if pool.Outstanding() != depth-1 {
		t.Errorf("expected %d outstanding after release, got %d", depth-1, pool.Outstanding())
	}
	task, err := pool.AcquireFreeTask()
	if err != nil {
		t.Fatalf("AcquireFreeTask after release failed: %v", err)
	}
	if task.Index() != held[1].Index() {
		t.Errorf("expected the released slot %d to be reused, got %d", held[1].Index(), task.Index())
	}
	if st := pool.Stats(); st.Created != depth {
		t.Errorf("expected %d tasks created, got %d", depth, st.Created)
	}
}

func TestReleaseWakesExactlyOneWaiter(t *testing.T) {
	pool := newTestPool(t, 2)

	a, _ := pool.AcquireFreeTask()
	b, _ := pool.AcquireFreeTask()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.AcquireFreeTaskWait(ctx); err == nil {
				acquired.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if n := acquired.Load(); n != 0 {
		t.Fatalf("expected no waiter to proceed, got %d", n)
	}

	pool.Release(a)
	time.Sleep(30 * time.Millisecond)
	if n := acquired.Load(); n != 1 {
		t.Errorf("expected exactly one waiter woken, got %d", n)
	}

	pool.Release(b)
	time.Sleep(30 * time.Millisecond)
	if n := acquired.Load(); n != 2 {
		t.Errorf("expected two waiters woken, got %d", n)
	}

	cancel()
	wg.Wait()
}

func TestSynchronizeOldestFollowsAcquisitionOrder(t *testing.T) {
	pool := newTestPool(t, 3)

	var tasks []*Task
	var points []*dispatch.SyncPoint
	for i := 0; i < 3; i++ {
		task, err := pool.AcquireFreeTask()
		if err != nil {
			t.Fatalf("AcquireFreeTask failed: %v", err)
		}
		task.FrameOrder = uint32(i)
		sp := dispatch.NewSyncPoint("frame", 1)
		if err := pool.Submit(task, sp); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tasks = append(tasks, task)
		points = append(points, sp)
	}

	// Later frames finish first
	points[2].Resolve(nil)
	points[1].Resolve(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		points[0].Resolve(nil)
	}()

	for want := 0; want < 3; want++ {
		task, err := pool.SynchronizeOldest(context.Background())
		if err != nil {
			t.Fatalf("SynchronizeOldest failed: %v", err)
		}
		if task.FrameOrder != uint32(want) {
			t.Errorf("expected frame %d, got %d", want, task.FrameOrder)
		}
		if err := pool.CompleteTask(task, nil); err != nil {
			t.Fatalf("CompleteTask failed: %v", err)
		}
	}

	if _, err := pool.SynchronizeOldest(context.Background()); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound with nothing submitted, got %v", err)
	}
}

func TestCompleteTaskRunsFinalizeOnce(t *testing.T) {
	pool := newTestPool(t, 1)

	task, _ := pool.AcquireFreeTask()
	sp := dispatch.NewSyncPoint("frame", 1)
	_ = pool.Submit(task, sp)
	sp.Resolve(nil)

	if _, err := pool.SynchronizeOldest(context.Background()); err != nil {
		t.Fatalf("SynchronizeOldest failed: %v", err)
	}

	calls := 0
	if err := pool.CompleteTask(task, func(tk *Task) error {
		calls++
		if tk.State() != StateCompleting {
			t.Errorf("expected completing state during finalize, got %s", tk.State())
		}
		return nil
	}); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if err := pool.CompleteTask(task, func(*Task) error { calls++; return nil }); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState completing a free task, got %v", err)
	}
	if calls != 1 {
		t.Errorf("finalize ran %d times", calls)
	}
	if task.State() != StateFree || task.SyncPoint() != nil {
		t.Errorf("expected a clean free task, got %s", task.State())
	}
}

func TestSynchronizeBusyCeiling(t *testing.T) {
	pool := newTestPool(t, 1)
	sched := dispatch.NewScheduler(dispatch.Config{Workers: 1, BusyBackoff: time.Millisecond, Logger: testLogger()})
	defer sched.Close()

	sp, err := sched.Submit(dispatch.EntryPoint{
		Name:    "stuck",
		Routine: func(int, int) (dispatch.Status, error) { return dispatch.StatusBusy, nil },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	task, _ := pool.AcquireFreeTask()
	_ = pool.Submit(task, sp)

	if _, err := pool.SynchronizeOldest(context.Background()); !errors.Is(err, types.ErrDeviceFailed) {
		t.Errorf("expected ErrDeviceFailed, got %v", err)
	}
}

func TestSynchronizeHang(t *testing.T) {
	pool := newTestPool(t, 1)

	task, _ := pool.AcquireFreeTask()
	_ = pool.Submit(task, dispatch.NewSyncPoint("never", 1))

	if _, err := pool.SynchronizeOldest(context.Background()); !errors.Is(err, types.ErrHardwareHang) {
		t.Errorf("expected ErrHardwareHang, got %v", err)
	}
}

func TestSetLimitsAppliesToNextSynchronize(t *testing.T) {
	pool := newTestPool(t, 2)
	pool.SetLimits(5*time.Millisecond, 0, 0)

	hung, _ := pool.AcquireFreeTask()
	_ = pool.Submit(hung, dispatch.NewSyncPoint("never", 1))
	done := dispatch.NewSyncPoint("done", 1)
	finished, _ := pool.AcquireFreeTask()
	_ = pool.Submit(finished, done)
	done.Resolve(nil)

	if st := pool.Stats(); st.InFlight != 2 || st.Outstanding != 2 {
		t.Errorf("expected 2 tasks in flight, got %+v", st)
	}

	start := time.Now()
	err := pool.Synchronize(context.Background(), hung)
	if !errors.Is(err, types.ErrHardwareHang) {
		t.Fatalf("expected ErrHardwareHang, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("expected the shorter timeout to apply, waited %s", elapsed)
	}

	if err := pool.Synchronize(context.Background(), finished); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	// Done tasks wait for completion but no longer count as in flight
	if st := pool.Stats(); st.InFlight != 1 || st.Outstanding != 2 {
		t.Errorf("expected 1 task in flight, got %+v", st)
	}
}

func TestClearTasksReleasesEverything(t *testing.T) {
	pool := newTestPool(t, 3)

	alloc, _ := surface.NewAllocator(types.MemorySystem)
	frames, err := surface.NewPool(surface.Config{
		Name:      "frames",
		Info:      types.FrameInfo{Width: 32, Height: 32, Format: types.FormatNV12, PicStruct: types.PicProgressive},
		Count:     3,
		Allocator: alloc,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("surface.NewPool failed: %v", err)
	}
	defer frames.Close()

	var points []*dispatch.SyncPoint
	for i := 0; i < 3; i++ {
		task, _ := pool.AcquireFreeTask()
		lease, err := frames.Acquire(surface.Descriptor{})
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		task.Surface = lease
		if i < 2 {
			sp := dispatch.NewSyncPoint("frame", 1)
			_ = pool.Submit(task, sp)
			points = append(points, sp)
		}
	}

	if n := pool.ClearTasks(); n != 3 {
		t.Errorf("expected 3 cleared tasks, got %d", n)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected no outstanding tasks, got %d", pool.Outstanding())
	}
	if st := frames.Stats(); st.Free != 3 {
		t.Errorf("expected every surface free after clear, got %+v", st)
	}
	for _, sp := range points {
		if !errors.Is(sp.Err(), types.ErrAborted) {
			t.Errorf("expected aborted sync point, got %v", sp.Err())
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := pool.AcquireFreeTask(); err != nil {
			t.Errorf("AcquireFreeTask after clear failed: %v", err)
		}
	}
}

func TestClearTasksFinalizesScheduledWork(t *testing.T) {
	pool := newTestPool(t, 2)
	sched := dispatch.NewScheduler(dispatch.Config{Workers: 1, Logger: testLogger()})
	defer sched.Close()

	alloc, _ := surface.NewAllocator(types.MemorySystem)
	frames, err := surface.NewPool(surface.Config{
		Name:      "frames",
		Info:      types.FrameInfo{Width: 32, Height: 32, Format: types.FormatNV12, PicStruct: types.PicProgressive},
		Count:     1,
		Allocator: alloc,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("surface.NewPool failed: %v", err)
	}
	defer frames.Close()

	lease, err := frames.Acquire(surface.Descriptor{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	never := dispatch.NewSyncPoint("decode", 1)
	var outstanding atomic.Int32
	outstanding.Store(-1)
	sp, err := sched.Submit(dispatch.EntryPoint{
		Name:    "encode",
		Deps:    []*dispatch.SyncPoint{never},
		Routine: func(int, int) (dispatch.Status, error) { return dispatch.StatusDone, nil },
		Complete: func(err error) {
			// Completion may look at the pool it was cleared from.
			outstanding.Store(int32(pool.Outstanding()))
			lease.Release()
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	task, _ := pool.AcquireFreeTask()
	if err := pool.Submit(task, sp); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if n := pool.ClearTasks(); n != 1 {
		t.Fatalf("expected 1 cleared task, got %d", n)
	}
	select {
	case <-sp.Finalized():
	case <-time.After(time.Second):
		t.Fatal("cleared work never completed")
	}
	if !errors.Is(sp.Err(), types.ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", sp.Err())
	}
	if n := outstanding.Load(); n != 0 {
		t.Errorf("expected completion to see an empty pool, got %d", n)
	}
	if st := frames.Stats(); st.InUse() != 0 {
		t.Errorf("expected the frame released by completion, got %+v", st)
	}
}

func TestSubmitRequiresReservedTask(t *testing.T) {
	pool := newTestPool(t, 1)

	task, _ := pool.AcquireFreeTask()
	sp := dispatch.NewSyncPoint("frame", 1)
	if err := pool.Submit(task, sp); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := pool.Submit(task, sp); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState submitting twice, got %v", err)
	}
}
