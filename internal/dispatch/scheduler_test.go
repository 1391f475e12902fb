package dispatch

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/internal/types"
)

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewScheduler(Config{
		Workers:     workers,
		BusyBackoff: time.Millisecond,
		Logger:      logrus.NewEntry(logger),
	})
	t.Cleanup(s.Close)
	return s
}

func TestMultiPieceEntryPoint(t *testing.T) {
	s := newTestScheduler(t, 3)

	for round := 0; round < 50; round++ {
		var (
			mu        sync.Mutex
			calls     []int
			doneCalls []int
			completes atomic.Int32
		)

		sp, err := s.Submit(EntryPoint{
			Name:            "scan",
			Pieces:          3,
			RequiredWorkers: 3,
			Routine: func(_, callNumber int) (Status, error) {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, callNumber)
				if callNumber < 2 {
					return StatusWorking, nil
				}
				doneCalls = append(doneCalls, callNumber)
				return StatusDone, nil
			},
			Complete: func(err error) {
				if err != nil {
					t.Errorf("unexpected completion error: %v", err)
				}
				completes.Add(1)
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		status, err := sp.Wait(context.Background(), time.Second)
		if err != nil || status != StatusDone {
			t.Fatalf("round %d: expected done, got %s, %v", round, status, err)
		}

		mu.Lock()
		sort.Ints(calls)
		if len(calls) != 3 || calls[0] != 0 || calls[1] != 1 || calls[2] != 2 {
			t.Errorf("round %d: expected call numbers 0,1,2, got %v", round, calls)
		}
		if len(doneCalls) != 1 || doneCalls[0] != 2 {
			t.Errorf("round %d: expected only call 2 to report done, got %v", round, doneCalls)
		}
		mu.Unlock()

		if n := completes.Load(); n != 1 {
			t.Errorf("round %d: completion ran %d times", round, n)
		}
		if done, total := sp.Progress(); done != 3 || total != 3 {
			t.Errorf("round %d: expected progress 3/3, got %d/%d", round, done, total)
		}
	}
}

func TestBusyRetriesCompleteOnce(t *testing.T) {
	for _, k := range []int{0, 1, 5, 20} {
		s := newTestScheduler(t, 2)

		var attempts, completes atomic.Int32
		sp, err := s.Submit(EntryPoint{
			Name: "busy",
			Routine: func(_, callNumber int) (Status, error) {
				if callNumber != 0 {
					t.Errorf("expected call number 0 on every retry, got %d", callNumber)
				}
				if int(attempts.Add(1)) <= k {
					return StatusBusy, nil
				}
				return StatusDone, nil
			},
			Complete: func(error) { completes.Add(1) },
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		if status, err := sp.Wait(context.Background(), 2*time.Second); status != StatusDone || err != nil {
			t.Fatalf("k=%d: expected done, got %s, %v", k, status, err)
		}
		if got := attempts.Load(); int(got) != k+1 {
			t.Errorf("k=%d: expected %d attempts, got %d", k, k+1, got)
		}
		if got := completes.Load(); got != 1 {
			t.Errorf("k=%d: completion ran %d times", k, got)
		}
		if got := s.Stats().BusyRequeues; int(got) != k {
			t.Errorf("k=%d: expected %d requeues, got %d", k, k, got)
		}
	}
}

func TestDependenciesGateDispatch(t *testing.T) {
	s := newTestScheduler(t, 4)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	first, err := s.Submit(EntryPoint{
		Name: "decode",
		Routine: func(int, int) (Status, error) {
			time.Sleep(20 * time.Millisecond)
			record("decode")
			return StatusDone, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	second, err := s.Submit(EntryPoint{
		Name: "encode",
		Deps: []*SyncPoint{first},
		Routine: func(int, int) (Status, error) {
			record("encode")
			return StatusDone, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if status, err := second.Wait(context.Background(), time.Second); status != StatusDone || err != nil {
		t.Fatalf("expected done, got %s, %v", status, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "decode" || order[1] != "encode" {
		t.Errorf("expected decode before encode, got %v", order)
	}
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	s := newTestScheduler(t, 2)
	boom := errors.New("boom")

	first, _ := s.Submit(EntryPoint{
		Name:    "decode",
		Routine: func(int, int) (Status, error) { return StatusFailed, boom },
	})

	var ran atomic.Bool
	var completeErr error
	second, err := s.Submit(EntryPoint{
		Name: "encode",
		Deps: []*SyncPoint{first},
		Routine: func(int, int) (Status, error) {
			ran.Store(true)
			return StatusDone, nil
		},
		Complete: func(err error) { completeErr = err },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	status, err := second.Wait(context.Background(), time.Second)
	if status != StatusFailed || !errors.Is(err, boom) {
		t.Errorf("expected failure wrapping boom, got %s, %v", status, err)
	}
	if !errors.Is(completeErr, boom) {
		t.Errorf("expected completion to see the failure, got %v", completeErr)
	}
	if ran.Load() {
		t.Error("dependent routine must not run")
	}
}

func TestAbortCompletesAfterRunningPiece(t *testing.T) {
	s := newTestScheduler(t, 1)

	release := make(chan struct{})
	var completes atomic.Int32
	var completeErr atomic.Value
	sp, err := s.Submit(EntryPoint{
		Name: "hang",
		Routine: func(int, int) (Status, error) {
			<-release
			return StatusDone, nil
		},
		Complete: func(err error) {
			completes.Add(1)
			completeErr.Store(err)
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if status, err := sp.Wait(context.Background(), 10*time.Millisecond); status != StatusWorking || err != nil {
		t.Errorf("expected working on timeout, got %s, %v", status, err)
	}

	if !sp.Abort(types.ErrAborted) {
		t.Fatal("expected abort to resolve the sync point")
	}
	status, err := sp.Wait(context.Background(), time.Second)
	if status != StatusFailed || !errors.Is(err, types.ErrAborted) {
		t.Errorf("expected aborted failure, got %s, %v", status, err)
	}

	select {
	case <-sp.Finalized():
		t.Fatal("completion must wait for the running piece")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	select {
	case <-sp.Finalized():
	case <-time.After(time.Second):
		t.Fatal("aborted entry point never completed")
	}
	if n := completes.Load(); n != 1 {
		t.Errorf("completion ran %d times", n)
	}
	if err, _ := completeErr.Load().(error); !errors.Is(err, types.ErrAborted) {
		t.Errorf("expected completion with ErrAborted, got %v", err)
	}
	if active := s.Stats().Active; active != 0 {
		t.Errorf("expected no active entry points, got %d", active)
	}
}

func TestAbortCompletesQueuedEntryPoint(t *testing.T) {
	s := newTestScheduler(t, 1)

	never := NewSyncPoint("never", 1)
	var ran atomic.Bool
	var completes atomic.Int32
	sp, err := s.Submit(EntryPoint{
		Name: "waiting",
		Deps: []*SyncPoint{never},
		Routine: func(int, int) (Status, error) {
			ran.Store(true)
			return StatusDone, nil
		},
		Complete: func(err error) {
			if !errors.Is(err, types.ErrAborted) {
				t.Errorf("expected ErrAborted, got %v", err)
			}
			completes.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	sp.Abort(types.ErrAborted)
	// Completion runs in the aborting goroutine when nothing is running
	select {
	case <-sp.Finalized():
	default:
		t.Fatal("expected the queued entry point to be finalized by the abort")
	}
	if n := completes.Load(); n != 1 {
		t.Errorf("completion ran %d times", n)
	}

	never.Resolve(nil)
	time.Sleep(10 * time.Millisecond)
	if ran.Load() {
		t.Error("aborted routine must not run")
	}
	if n := completes.Load(); n != 1 {
		t.Errorf("completion ran %d times after the dependency resolved", n)
	}
}

func TestFinalizedFollowsCompletion(t *testing.T) {
	s := newTestScheduler(t, 1)

	var completed atomic.Bool
	sp, err := s.Submit(EntryPoint{
		Name:     "frame",
		Routine:  func(int, int) (Status, error) { return StatusDone, nil },
		Complete: func(error) { completed.Store(true) },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-sp.Finalized():
	case <-time.After(time.Second):
		t.Fatal("sync point never finalized")
	}
	if !completed.Load() {
		t.Error("finalized before the completion routine ran")
	}

	manual := NewSyncPoint("manual", 1)
	manual.Resolve(nil)
	select {
	case <-manual.Finalized():
	default:
		t.Error("a resolved standalone sync point must be finalized")
	}
}

func TestCloseAbortsPending(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewScheduler(Config{Workers: 1, Logger: logrus.NewEntry(logger)})

	never := NewSyncPoint("never", 1)
	sp, err := s.Submit(EntryPoint{
		Name:    "waiting",
		Deps:    []*SyncPoint{never},
		Routine: func(int, int) (Status, error) { return StatusDone, nil },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s.Close()

	if _, err := sp.Wait(context.Background(), time.Second); !errors.Is(err, types.ErrAborted) {
		t.Errorf("expected ErrAborted after close, got %v", err)
	}
	if _, err := s.Submit(EntryPoint{Name: "late", Routine: func(int, int) (Status, error) { return StatusDone, nil }}); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState submitting to a closed scheduler, got %v", err)
	}
}

func TestSubmitWithoutRoutine(t *testing.T) {
	s := newTestScheduler(t, 1)

	if _, err := s.Submit(EntryPoint{Name: "empty"}); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
