// Package scheduler provides the timer that drives polling consumers.
//
// This package is internal to intake. Consumers use a [Timer] by default;
// callers that need a different cadence supply their own implementation of
// intake.Scheduler.
package scheduler
