package store

import (
	"sync"
	"testing"
	"time"
)

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() = nil")
	}
	if len(store.GetAll()) != 0 {
		t.Errorf("GetAll() = %v items, want 0", len(store.GetAll()))
	}
}

func TestMemoryStore_UpdateAndGet(t *testing.T) {
	store := NewMemoryStore()

	store.Update(HealthRecord{
		Name:      "orders",
		URI:       "redis://localhost:6379/orders",
		State:     "up",
		Status:    "started",
		Ready:     true,
		Labels:    map[string]string{"env": "prod"},
		PollCount: 12,
		CheckedAt: time.Now(),
	})

	got, ok := store.Get("orders")
	if !ok {
		t.Fatal("Get(orders) not found")
	}
	if got.State != "up" {
		t.Errorf("Get().State = %v, want %v", got.State, "up")
	}
	if got.PollCount != 12 {
		t.Errorf("Get().PollCount = %v, want %v", got.PollCount, 12)
	}

	if _, ok := store.Get("missing"); ok {
		t.Error("Get(missing) found a record")
	}
}

// TestMemoryStore_UpdateOverwrites verifies records are keyed by name and the
// latest update wins.
func TestMemoryStore_UpdateOverwrites(t *testing.T) {
	store := NewMemoryStore()

	store.Update(HealthRecord{Name: "orders", State: "unknown", PollCount: 0})
	store.Update(HealthRecord{Name: "orders", State: "up", PollCount: 1})
	store.Update(HealthRecord{Name: "orders", State: "down", PollCount: 2})

	all := store.GetAll()
	if len(all) != 1 {
		t.Fatalf("GetAll() = %v items, want 1", len(all))
	}
	if all[0].State != "down" {
		t.Errorf("GetAll()[0].State = %v, want %v", all[0].State, "down")
	}
	if all[0].PollCount != 2 {
		t.Errorf("GetAll()[0].PollCount = %v, want %v", all[0].PollCount, 2)
	}
}

func TestMemoryStore_GetAllSortedByName(t *testing.T) {
	store := NewMemoryStore()

	store.Update(HealthRecord{Name: "payments"})
	store.Update(HealthRecord{Name: "audit"})
	store.Update(HealthRecord{Name: "orders"})

	all := store.GetAll()
	want := []string{"audit", "orders", "payments"}
	if len(all) != len(want) {
		t.Fatalf("GetAll() = %v items, want %v", len(all), len(want))
	}
	for i, name := range want {
		if all[i].Name != name {
			t.Errorf("GetAll()[%d].Name = %v, want %v", i, all[i].Name, name)
		}
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore()

	ch := store.Subscribe()
	if ch == nil {
		t.Fatal("Subscribe() = nil")
	}

	go store.Update(HealthRecord{Name: "orders", State: "up"})

	select {
	case record := <-ch:
		if record.Name != "orders" {
			t.Errorf("received Name = %v, want %v", record.Name, "orders")
		}
	case <-time.After(time.Second):
		t.Error("Subscribe() channel did not receive update")
	}
}

func TestMemoryStore_MultipleSubscribers(t *testing.T) {
	store := NewMemoryStore()

	subs := []<-chan HealthRecord{store.Subscribe(), store.Subscribe(), store.Subscribe()}

	go store.Update(HealthRecord{Name: "orders"})

	for i, ch := range subs {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive update", i)
		}
	}
}

func TestMemoryStore_Unsubscribe(t *testing.T) {
	store := NewMemoryStore()

	ch := store.Subscribe()
	store.Unsubscribe(ch)
	store.Unsubscribe(ch) // second call is a no-op

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Unsubscribe() channel should be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Unsubscribe() channel should be closed immediately")
	}
}

// TestMemoryStore_SlowSubscriberDoesNotBlock fills one subscriber's buffer
// and checks updates keep flowing.
func TestMemoryStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	store := NewMemoryStore()

	_ = store.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*subscriberBuffer; i++ {
			store.Update(HealthRecord{Name: "orders", PollCount: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Update() blocked on slow subscriber")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Update(HealthRecord{Name: "orders", PollCount: int64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = store.GetAll()
				_, _ = store.Get("orders")
			}
		}()
		go func() {
			defer wg.Done()
			ch := store.Subscribe()
			time.Sleep(10 * time.Millisecond)
			store.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}
