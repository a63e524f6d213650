package intake

// ServiceStatus is the lifecycle state of a [Consumer].
//
// The resting states are Created, Building, Initialized, Started, Suspended,
// Stopped, Shutdown and Failed. Starting, Suspending, Stopping and
// ShuttingDown are held only while a transition runs; a lifecycle call made
// during its own transition is a no-op.
type ServiceStatus int32

const (
	StatusCreated ServiceStatus = iota
	StatusBuilding
	StatusInitialized
	StatusStarting
	StatusStarted
	StatusSuspending
	StatusSuspended
	StatusStopping
	StatusStopped
	StatusShuttingDown
	StatusShutdown
	StatusFailed
)

var statusNames = [...]string{
	StatusCreated:      "created",
	StatusBuilding:     "building",
	StatusInitialized:  "initialized",
	StatusStarting:     "starting",
	StatusStarted:      "started",
	StatusSuspending:   "suspending",
	StatusSuspended:    "suspended",
	StatusStopping:     "stopping",
	StatusStopped:      "stopped",
	StatusShuttingDown: "shutting_down",
	StatusShutdown:     "shutdown",
	StatusFailed:       "failed",
}

// String returns the lower-case name of the status.
func (s ServiceStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// IsRunAllowed reports whether a consumer in this status may poll.
func (s ServiceStatus) IsRunAllowed() bool {
	return s == StatusStarted
}

// isStopping reports whether the consumer is stopping, shutting down or
// already past either.
func (s ServiceStatus) isStopping() bool {
	return s >= StatusStopping && s <= StatusShutdown
}

// isInitialized reports whether Init has completed at least once.
func (s ServiceStatus) isInitialized() bool {
	return s >= StatusInitialized && s != StatusFailed
}
