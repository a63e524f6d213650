package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the cadence of a [Timer].
type Config struct {
	// InitialDelay is the wait before the first run. Zero runs immediately.
	InitialDelay time.Duration

	// Delay is the time between runs. It must be positive.
	Delay time.Duration

	// FixedDelay measures Delay from the end of the previous run. When false,
	// Delay is measured from the start of the previous run (fixed rate).
	FixedDelay bool
}

// Timer runs one task on a single goroutine at a fixed delay or fixed rate.
//
// Because every run happens on the same goroutine, two runs never overlap.
// In fixed-rate mode a run that takes longer than Delay is followed
// immediately by the next run; ticks missed during the overrun are dropped
// rather than replayed back to back.
//
// All methods are safe for concurrent use. UnscheduleTask may be called from
// inside the task.
type Timer struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	task    func(ctx context.Context)
	running bool
	stop    chan struct{}
	done    chan struct{} // closed when the latest loop exits
	wg      sync.WaitGroup
}

// New creates a [Timer]. A nil logger uses [slog.Default].
func New(cfg Config, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{cfg: cfg, logger: logger}
}

// ScheduleTask sets the task to run. It takes effect on the next
// [Timer.StartScheduler].
func (t *Timer) ScheduleTask(task func(ctx context.Context)) {
	t.mu.Lock()
	t.task = task
	t.mu.Unlock()
}

// StartScheduler begins running the scheduled task in a background goroutine.
//
// StartScheduler is non-blocking and idempotent while the timer is running.
// It is a no-op if no task is scheduled. If ctx is nil, context.Background()
// is used. Cancelling ctx ends the loop like [Timer.UnscheduleTask].
func (t *Timer) StartScheduler(ctx context.Context) {
	t.mu.Lock()
	if t.running || t.task == nil {
		t.mu.Unlock()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.running = true
	t.stop = make(chan struct{})
	stop := t.stop // capture under lock to avoid race
	task := t.task
	prev := t.done
	done := make(chan struct{})
	t.done = done
	t.wg.Add(1)
	t.mu.Unlock()

	go t.loop(ctx, stop, prev, done, task)
}

func (t *Timer) loop(ctx context.Context, stop <-chan struct{}, prev <-chan struct{}, done chan struct{}, task func(context.Context)) {
	defer t.wg.Done()
	defer close(done)

	// a restarted timer must not overlap a run of the previous loop
	if prev != nil {
		<-prev
	}

	defer func() {
		t.mu.Lock()
		if t.stop == stop {
			t.running = false
		}
		t.mu.Unlock()
	}()

	timer := time.NewTimer(t.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		// stop wins over a ready timer
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		t.runSafe(ctx, task)

		next := t.cfg.Delay
		if !t.cfg.FixedDelay {
			next -= time.Since(start)
			if next < 0 {
				next = 0
			}
		}
		timer.Reset(next)
	}
}

// runSafe calls the task with panic recovery so a failing run cannot end the loop.
func (t *Timer) runSafe(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("scheduled task panic",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(ctx)
}

// UnscheduleTask cancels future runs. A run in progress is allowed to
// finish. It does not block and is safe to call from inside the task.
func (t *Timer) UnscheduleTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
}

// IsSchedulerStarted reports whether the loop is running.
func (t *Timer) IsSchedulerStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Shutdown cancels future runs and waits for a run in progress to finish.
// It must not be called from inside the task. Safe to call multiple times.
func (t *Timer) Shutdown() {
	t.UnscheduleTask()
	t.wg.Wait()
}
