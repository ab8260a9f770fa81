// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"strings"

	"grimm.is/netemu/internal/errors"
)

// State is a session lifecycle state.
type State int

const (
	StateDefinition State = iota
	StateConfiguration
	StateInstantiation
	StateRuntime
	StateDataCollect
	StateShutdown
)

var stateNames = [...]string{
	StateDefinition:    "definition",
	StateConfiguration: "configuration",
	StateInstantiation: "instantiation",
	StateRuntime:       "runtime",
	StateDataCollect:   "datacollect",
	StateShutdown:      "shutdown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState accepts the lower-case state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, errors.Errorf(errors.KindInvalidParameter, "unknown session state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// checkTransition validates from -> to. The machine only moves forward one
// step at a time; SHUTDOWN is reachable from anywhere and DEFINITION only
// from SHUTDOWN.
func checkTransition(from, to State) error {
	switch {
	case to == StateShutdown:
		return nil
	case from == StateShutdown && to == StateDefinition:
		return nil
	case from != StateShutdown && to == from+1:
		return nil
	}
	err := errors.Errorf(errors.KindInvalidTransition, "cannot move from %s to %s", from, to)
	return errors.Attr(errors.Attr(err, "from", from.String()), "to", to.String())
}

// allowsEdit reports whether nodes and links may be added or removed.
func (s State) allowsEdit() bool {
	return s == StateDefinition || s == StateConfiguration || s == StateRuntime
}
