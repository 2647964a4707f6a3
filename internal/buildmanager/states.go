package buildmanager

import (
	"fmt"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// State names a step of the build lifecycle.
type State string

const (
	StateInit    State = "INIT"
	StateUnpack  State = "UNPACK"
	StateMount   State = "MOUNT"
	StateSources State = "SOURCES"
	StateUpdate  State = "UPDATE"
	StateUmount  State = "UMOUNT"
	StateCleanup State = "CLEANUP"
)

type stateFunc func(code int) error

// stateTable binds every state to the helper it starts, the handler for
// that helper's exit and, where the state reaps, the handler run once
// reaping finishes. States advance in table order only.
type stateTable struct {
	order   []State
	start   map[State]func() error
	iterate map[State]stateFunc
	reap    map[State]stateFunc
}

func newStateTable(order ...State) stateTable {
	return stateTable{
		order:   order,
		start:   make(map[State]func() error),
		iterate: make(map[State]stateFunc),
		reap:    make(map[State]stateFunc),
	}
}

// validate checks that every state is unique and has both a start action
// and an exit handler, and that reap handlers refer to known states.
func (t stateTable) validate() error {
	seen := make(map[State]bool, len(t.order))
	for _, s := range t.order {
		if s == "" {
			return errors.InternalError("state table contains an empty state").Build()
		}
		if seen[s] {
			return errors.InternalError(fmt.Sprintf("state %s appears twice", s)).Build()
		}
		seen[s] = true
		if t.start[s] == nil || t.iterate[s] == nil {
			return errors.InternalError(fmt.Sprintf("state %s has no handler", s)).Build()
		}
	}
	for s := range t.reap {
		if !seen[s] {
			return errors.InternalError(fmt.Sprintf("reap handler for unknown state %s", s)).Build()
		}
	}
	return nil
}

func (t stateTable) index(s State) int {
	for i, candidate := range t.order {
		if candidate == s {
			return i
		}
	}
	return -1
}
