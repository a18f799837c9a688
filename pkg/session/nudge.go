package session

import (
	"fmt"
	"sync"
	"time"
)

// nudgeMessage is the escalating reminder for a given nudge count.
func nudgeMessage(appLabel string, nudgeCount int) string {
	switch {
	case nudgeCount <= 1:
		return fmt.Sprintf("Your time is up. Ready to put down %s?", appLabel)
	case nudgeCount <= 3:
		return fmt.Sprintf("You've been on %s for a while past your limit.", appLabel)
	case nudgeCount <= 5:
		return fmt.Sprintf("Still on %s... this is starting to cost karma.", appLabel)
	default:
		return "Karma is dropping fast. Maybe time for a break?"
	}
}

// Nudger fires a handler once per overrun interval. The handler is invoked
// with the machine lock-equivalent held: Stop blocks on an in-flight
// interval and afterwards no handler can run, so a stopped session is never
// penalized by a straggler.
type Nudger struct {
	interval time.Duration

	mu         sync.Mutex
	generation int
	active     bool
	count      int
}

// NewNudger creates a nudger firing every interval.
func NewNudger(interval time.Duration) *Nudger {
	return &Nudger{interval: interval}
}

// Count returns how many intervals have fired for the current run.
func (n *Nudger) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// Start begins the interval loop, replacing any previous run. handler
// receives the 1-based interval count and the total overrun so far.
func (n *Nudger) Start(handler func(count int, overrunMs int64)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.generation++
	n.active = true
	n.count = 0

	go n.run(n.generation, handler)
}

func (n *Nudger) run(gen int, handler func(count int, overrunMs int64)) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	overrunMs := int64(0)
	for range ticker.C {
		n.mu.Lock()
		if gen != n.generation || !n.active {
			n.mu.Unlock()
			return
		}

		overrunMs += n.interval.Milliseconds()
		n.count++
		count := n.count

		handler(count, overrunMs)
		n.mu.Unlock()
	}
}

// Stop halts the loop. When Stop returns, no handler invocation is in
// flight and none will follow.
func (n *Nudger) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.generation++
	n.active = false
	n.count = 0
}
