package backend

import (
	"sync"
	"time"
)

// Gate coalesces concurrent initialization attempts onto a single in-flight
// pass. The first caller runs the work; everyone else waits on the same
// completion. A failed attempt re-opens the gate so the next caller retries.
type Gate struct {
	mu    sync.Mutex
	done  chan struct{}
	state gateState
}

type gateState int

const (
	gateIdle gateState = iota
	gateRunning
	gateReady
)

// Begin reports whether the caller should run the initialization. When false,
// the returned channel closes once the in-flight (or already finished)
// attempt completes.
func (g *Gate) Begin() (run bool, done <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case gateReady, gateRunning:
		return false, g.done
	default:
		g.done = make(chan struct{})
		g.state = gateRunning
		return true, g.done
	}
}

// Finish records the outcome of the attempt started by Begin.
func (g *Gate) Finish(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != gateRunning {
		return
	}
	if ok {
		g.state = gateReady
	} else {
		g.state = gateIdle
	}
	close(g.done)
}

// Reset forces the gate back to idle, e.g. before a destructive recreation.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateReady {
		g.state = gateIdle
	}
}

// Ready reports whether a successful attempt has completed.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateReady
}

// Wait blocks until the current attempt finishes or the timeout elapses.
// Returns readiness; callers that see false proceed treating the backend as
// unavailable rather than hanging.
func (g *Gate) Wait(timeout time.Duration) bool {
	g.mu.Lock()
	done := g.done
	state := g.state
	g.mu.Unlock()

	if state == gateReady {
		return true
	}
	if done == nil {
		return false
	}

	select {
	case <-done:
		return g.Ready()
	case <-time.After(timeout):
		return false
	}
}
