package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestTimer_ShutdownBeforeStart verifies that Shutdown() on a timer that was
// never started does not panic and is a safe no-op.
func TestTimer_ShutdownBeforeStart(t *testing.T) {
	timer := New(Config{Delay: time.Minute}, testLogger())
	timer.Shutdown()
}

// TestTimer_StartWithoutTask verifies that starting without a task is a no-op.
func TestTimer_StartWithoutTask(t *testing.T) {
	timer := New(Config{Delay: time.Minute}, testLogger())
	timer.StartScheduler(context.Background())
	if timer.IsSchedulerStarted() {
		t.Error("IsSchedulerStarted() = true without a task")
	}
}

func TestTimer_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	timer := New(Config{Delay: 10 * time.Millisecond, FixedDelay: true}, testLogger())
	timer.ScheduleTask(func(context.Context) { runs.Add(1) })
	timer.StartScheduler(context.Background())
	defer timer.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

// TestTimer_StartTwice verifies that StartScheduler() is idempotent and
// does not spawn a second loop.
func TestTimer_StartTwice(t *testing.T) {
	var active, maxActive atomic.Int32
	timer := New(Config{Delay: time.Millisecond}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	})

	timer.StartScheduler(context.Background())
	timer.StartScheduler(context.Background())
	time.Sleep(50 * time.Millisecond)
	timer.Shutdown()

	if maxActive.Load() > 1 {
		t.Errorf("observed %d concurrent runs, want at most 1", maxActive.Load())
	}
}

// TestTimer_FixedRateNeverOverlaps runs a task slower than the rate and
// checks runs stay serialized.
func TestTimer_FixedRateNeverOverlaps(t *testing.T) {
	var active, overlaps, runs atomic.Int32
	timer := New(Config{Delay: time.Millisecond, FixedDelay: false}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
	})
	timer.StartScheduler(context.Background())

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 5 })
	timer.Shutdown()

	if overlaps.Load() != 0 {
		t.Errorf("overlapping runs = %d, want 0", overlaps.Load())
	}
}

// TestTimer_UnscheduleFromTask verifies a task can cancel its own schedule
// without deadlocking and that no further runs happen.
func TestTimer_UnscheduleFromTask(t *testing.T) {
	var runs atomic.Int32
	timer := New(Config{Delay: time.Millisecond}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		if runs.Add(1) == 3 {
			timer.UnscheduleTask()
		}
	})
	timer.StartScheduler(context.Background())

	waitFor(t, 2*time.Second, func() bool { return !timer.IsSchedulerStarted() })
	time.Sleep(20 * time.Millisecond)
	timer.Shutdown()

	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestTimer_PanicDoesNotStopLoop(t *testing.T) {
	var runs atomic.Int32
	timer := New(Config{Delay: time.Millisecond}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		if runs.Add(1) == 1 {
			panic("first run fails")
		}
	})
	timer.StartScheduler(context.Background())
	defer timer.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestTimer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := New(Config{Delay: time.Minute}, testLogger())
	timer.ScheduleTask(func(context.Context) {})
	timer.StartScheduler(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		timer.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown() did not return after context cancellation")
	}
}

func TestTimer_InitialDelay(t *testing.T) {
	var first atomic.Int64
	start := time.Now()
	timer := New(Config{InitialDelay: 30 * time.Millisecond, Delay: time.Minute}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		first.CompareAndSwap(0, int64(time.Since(start)))
	})
	timer.StartScheduler(context.Background())
	defer timer.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return first.Load() != 0 })
	if got := time.Duration(first.Load()); got < 30*time.Millisecond {
		t.Errorf("first run after %v, want >= 30ms", got)
	}
}

// TestTimer_RestartDoesNotOverlap unschedules and immediately restarts while
// a slow run is in progress.
func TestTimer_RestartDoesNotOverlap(t *testing.T) {
	var active, overlaps atomic.Int32
	var once sync.Once
	started := make(chan struct{})

	timer := New(Config{Delay: time.Millisecond}, testLogger())
	timer.ScheduleTask(func(context.Context) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
	})

	timer.StartScheduler(context.Background())
	<-started
	timer.UnscheduleTask()
	timer.StartScheduler(context.Background())
	time.Sleep(60 * time.Millisecond)
	timer.Shutdown()

	if overlaps.Load() != 0 {
		t.Errorf("overlapping runs = %d, want 0", overlaps.Load())
	}
}

// TestTimer_GapBetweenRuns measures the time between run starts for a task
// that takes longer than Delay.
func TestTimer_GapBetweenRuns(t *testing.T) {
	const (
		work  = 30 * time.Millisecond
		delay = 20 * time.Millisecond
	)

	tests := []struct {
		name       string
		fixedDelay bool
		minGap     time.Duration // smallest gap allowed
		maxMinGap  time.Duration // the smallest observed gap must be below this
	}{
		{"fixed delay waits after the run", true, work + delay - 2*time.Millisecond, time.Second},
		{"fixed rate starts from the previous start", false, work - 2*time.Millisecond, work + delay - 5*time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var starts []time.Time

			timer := New(Config{Delay: delay, FixedDelay: tt.fixedDelay}, testLogger())
			timer.ScheduleTask(func(context.Context) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				time.Sleep(work)
			})
			timer.StartScheduler(context.Background())

			waitFor(t, 3*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(starts) >= 5
			})
			timer.Shutdown()

			mu.Lock()
			defer mu.Unlock()

			smallest := time.Duration(1<<63 - 1)
			for i := 1; i < len(starts); i++ {
				gap := starts[i].Sub(starts[i-1])
				if gap < tt.minGap {
					t.Errorf("gap %d = %v, want >= %v", i, gap, tt.minGap)
				}
				if gap < smallest {
					smallest = gap
				}
			}
			if smallest >= tt.maxMinGap {
				t.Errorf("smallest gap = %v, want < %v", smallest, tt.maxMinGap)
			}
		})
	}
}
