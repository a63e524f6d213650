// Standalone mock job feed for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/intake run -c example/config.yaml
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

func main() {
	fmt.Println("Mock job feed starting on :9999")
	fmt.Println("Queues under /queues/{name} answer: job → 204 idle → 503 outage")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	var (
		queues = make(map[string]*mockQueue)
		mu     sync.Mutex
	)

	http.HandleFunc("/queues/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/queues/")
		if name == "" {
			http.NotFound(w, r)
			return
		}

		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		mu.Lock()
		q, exists := queues[name]
		if !exists {
			q = &mockQueue{nextChangeAt: time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)}
			queues[name] = q
		}

		if time.Now().After(q.nextChangeAt) {
			q.down = !q.down
			q.nextChangeAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)
			slog.Info("queue state change", "queue", name, "down", q.down)
		}
		down := q.down
		seq := 0
		if !down && rand.Intn(2) == 0 {
			q.seq++
			seq = q.seq
		}
		mu.Unlock()

		switch {
		case down:
			w.WriteHeader(http.StatusServiceUnavailable)
		case seq == 0:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"queue": name,
				"seq":   seq,
			})
		}
	})

	if err := http.ListenAndServe(":9999", nil); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type mockQueue struct {
	seq          int
	down         bool
	nextChangeAt time.Time
}
