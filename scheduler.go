package intake

import (
	"context"
	"log/slog"

	"github.com/jpalmerr/intake/internal/scheduler"
)

// Scheduler drives a consumer's poll cycle.
//
// Implementations must never run the task concurrently with itself and must
// allow UnscheduleTask to be called from inside the task. Shutdown waits for
// an in-flight run and is never called from inside the task.
type Scheduler interface {
	ScheduleTask(task func(ctx context.Context))
	UnscheduleTask()
	StartScheduler(ctx context.Context)
	IsSchedulerStarted() bool
	Shutdown()
}

// newDefaultScheduler returns the timer used when no [WithScheduler] option
// is given.
func newDefaultScheduler(cfg *consumerConfig, logger *slog.Logger) Scheduler {
	return scheduler.New(scheduler.Config{
		InitialDelay: cfg.initialDelay,
		Delay:        cfg.delay,
		FixedDelay:   cfg.useFixedDelay,
	}, logger)
}
