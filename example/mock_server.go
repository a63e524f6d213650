package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// mockFeed tracks the job sequence and the next outage toggle.
type mockFeed struct {
	mu           sync.Mutex
	seq          int
	down         bool
	nextChangeAt time.Time
}

// StartMockJobServer runs a mock job feed on addr.
//
// GET /jobs returns one job about half the time and 204 No Content
// otherwise. Every 20-60 seconds the feed toggles into or out of an outage
// in which it answers 503.
// Call this in a goroutine before starting intake.
func StartMockJobServer(addr string) {
	feed := &mockFeed{
		nextChangeAt: time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		// simulate small latency variance
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		feed.mu.Lock()
		if time.Now().After(feed.nextChangeAt) {
			feed.down = !feed.down
			feed.nextChangeAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)
			slog.Info("feed state change", "down", feed.down)
		}
		down := feed.down
		var job map[string]any
		if !down && rand.Intn(2) == 0 {
			feed.seq++
			job = map[string]any{"id": feed.seq, "kind": "resize-image", "queued_at": time.Now().UTC()}
		}
		feed.mu.Unlock()

		switch {
		case down:
			w.WriteHeader(http.StatusServiceUnavailable)
		case job == nil:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(job); err != nil {
				slog.Error("failed to write response", "error", err)
			}
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
