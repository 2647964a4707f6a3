package buildmanager

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Escalator holds at most one pending abort-escalation timer per build id.
// A timer fires its callback at most once, and never after Cancel.
type Escalator struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	timers map[string]*escalation
}

type escalation struct {
	timer clockwork.Timer
}

// NewEscalator creates an escalator driven by clock.
func NewEscalator(clock clockwork.Clock) *Escalator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Escalator{clock: clock, timers: make(map[string]*escalation)}
}

// Arm schedules fire after d, replacing any timer pending for id.
func (e *Escalator) Arm(id string, d time.Duration, fire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.timers[id]; ok {
		old.timer.Stop()
	}
	entry := &escalation{}
	entry.timer = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if e.timers[id] != entry {
			e.mu.Unlock()
			return
		}
		delete(e.timers, id)
		e.mu.Unlock()
		fire()
	})
	e.timers[id] = entry
}

// Cancel stops the timer for id. It reports whether one was pending.
func (e *Escalator) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(e.timers, id)
	return true
}

// Pending reports whether a timer is armed for id.
func (e *Escalator) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok
}
