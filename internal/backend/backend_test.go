package backend

import (
	"sync"
	"testing"
	"time"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  any
		want string
	}{
		{"string", "abc", "abc"},
		{"float integral", float64(5), "5"},
		{"float matching int", 5.0, "5"},
		{"float fractional", 5.5, "5.5"},
		{"int", 42, "42"},
		{"int64", int64(42), "42"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyString(tt.key); got != tt.want {
				t.Errorf("KeyString(%v) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestKeyStringFloatIntEquivalence(t *testing.T) {
	// JSON delivers 5 as float64(5); a caller may pass int 5. Both must
	// address the same row.
	if KeyString(float64(5)) != KeyString(5) {
		t.Error("float64(5) and int 5 map to different keys")
	}
}

func TestRowIsDeleted(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want bool
	}{
		{"no marker", Row{"id": 1.0}, false},
		{"null marker", Row{"id": 1.0, "deleted_at": nil}, false},
		{"empty marker", Row{"id": 1.0, "deleted_at": ""}, false},
		{"set marker", Row{"id": 1.0, "deleted_at": "2026-08-01T00:00:00Z"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.row.IsDeleted(); got != tt.want {
				t.Errorf("IsDeleted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateCoalesces(t *testing.T) {
	var g Gate

	run, _ := g.Begin()
	if !run {
		t.Fatal("first Begin() should run")
	}

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, done := g.Begin()
			if run {
				t.Error("concurrent Begin() should not run while in flight")
				g.Finish(false)
				return
			}
			<-done
			results[i] = g.Ready()
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	g.Finish(true)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("waiter %d did not observe readiness", i)
		}
	}
}

func TestGateRetriesAfterFailure(t *testing.T) {
	var g Gate

	run, _ := g.Begin()
	if !run {
		t.Fatal("first Begin() should run")
	}
	g.Finish(false)

	if g.Ready() {
		t.Error("gate ready after failed attempt")
	}

	run, _ = g.Begin()
	if !run {
		t.Error("Begin() after failure should allow a retry")
	}
	g.Finish(true)

	if !g.Wait(time.Second) {
		t.Error("gate not ready after successful retry")
	}
}

func TestGateWaitTimeout(t *testing.T) {
	var g Gate

	run, _ := g.Begin()
	if !run {
		t.Fatal("first Begin() should run")
	}

	start := time.Now()
	if g.Wait(20 * time.Millisecond) {
		t.Error("Wait() reported ready while initialization is in flight")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait() did not respect its timeout")
	}
	g.Finish(true)
}

func TestOpQueueSerializesPerStore(t *testing.T) {
	q := NewOpQueue()

	var order []int
	var mu sync.Mutex
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	unlock := q.Lock("tasks")
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := q.Lock("tasks")
		record(2)
		u()
	}()

	// A different store must not wait on the tasks lock.
	u := q.Lock("labels")
	record(1)
	u()

	record(0)
	unlock()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[2] != 2 {
		t.Errorf("order = %v, want same-store op last", order)
	}
}
