package store

import "time"

// HealthRecord is the stored health of one consumer.
//
// HealthRecord is the JSON shape served by the health API and the SSE
// stream. It is decoupled from the intake package's Health type so the wire
// format can evolve independently.
type HealthRecord struct {
	// Name is the consumer's endpoint name.
	Name string `json:"name"`

	// URI is the endpoint URI.
	URI string `json:"uri"`

	// State is the derived health state ("up", "down" or "unknown").
	State string `json:"state"`

	// Status is the lifecycle status (e.g. "started", "suspended").
	Status string `json:"status"`

	// Ready reports whether the consumer completed a poll cycle or was forced ready.
	Ready bool `json:"ready"`

	// Failed reports whether the consumer's lifecycle failed.
	Failed bool `json:"failed"`

	// Labels contains key-value metadata for grouping and filtering.
	Labels map[string]string `json:"labels"`

	PollCount    int64 `json:"poll_count"`
	SuccessCount int64 `json:"success_count"`
	ErrorCount   int64 `json:"error_count"`
	IdleCount    int64 `json:"idle_count"`
	BackoffCount int64 `json:"backoff_count"`

	// LastError contains the message of the last poll failure.
	// nil when the last poll cycle succeeded.
	LastError *string `json:"last_error"`

	// LastErrorDetails holds structured details of the last failure.
	LastErrorDetails map[string]any `json:"last_error_details,omitempty"`

	// Exchanges holds exchange factory counters.
	Exchanges ExchangeStats `json:"exchanges"`

	// CheckedAt is when the record was produced.
	CheckedAt time.Time `json:"checked_at"`
}

// ExchangeStats mirrors the exchange factory counters.
type ExchangeStats struct {
	Pooled    bool  `json:"pooled"`
	Created   int64 `json:"created"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Discarded int64 `json:"discarded"`
}

// Store defines the interface for storing and subscribing to health updates.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows updates to be pushed to connected clients (e.g. via
// Server-Sent Events).
type Store interface {
	// Update stores a record and notifies all subscribers.
	// Records are keyed by Name, so subsequent updates replace previous values.
	Update(record HealthRecord)

	// Get returns the record stored under name.
	Get(name string) (HealthRecord, bool)

	// GetAll returns all stored records ordered by name.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []HealthRecord

	// Subscribe returns a channel that receives updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan HealthRecord

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan HealthRecord)
}
