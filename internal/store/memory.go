package store

import (
	"slices"
	"strings"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Subscribers receive updates via buffered channels. Updates are sent
// non-blocking; if a subscriber's buffer is full, the update is dropped for
// that subscriber so a slow client cannot stall a poll goroutine.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]HealthRecord
	subscribers map[chan HealthRecord]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]HealthRecord),
		subscribers: make(map[chan HealthRecord]struct{}),
	}
}

// Update stores a [HealthRecord] and notifies all subscribers.
func (m *MemoryStore) Update(record HealthRecord) {
	m.mu.Lock()
	m.records[record.Name] = record
	m.mu.Unlock()

	m.notifySubscribers(record)
}

// Get returns the record stored under name.
func (m *MemoryStore) Get(name string) (HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	return r, ok
}

// GetAll returns a snapshot of all records ordered by name.
func (m *MemoryStore) GetAll() []HealthRecord {
	m.mu.RLock()
	records := make([]HealthRecord, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(records, func(a, b HealthRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
	return records
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan HealthRecord {
	ch := make(chan HealthRecord, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan HealthRecord) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the record to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(record HealthRecord) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- record:
		default:
			// subscriber is slow, drop the update
		}
	}
}
