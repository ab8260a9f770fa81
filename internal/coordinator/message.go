// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package coordinator spreads sessions over cooperating daemons. The
// declaring daemon owns the session's lifecycle: it mirrors the definition
// to every daemon owning one of its nodes, allocates tunnels for links that
// cross daemons and broadcasts transitions in sequence order.
package coordinator

import (
	"encoding/json"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/session"
)

// MessageType names a peer message.
type MessageType string

const (
	TypeTransition   MessageType = "transition"
	TypePlacement    MessageType = "placement"
	TypeTunnel       MessageType = "tunnel"
	TypeReachability MessageType = "reachability"
	TypeResync       MessageType = "resync"
	TypeSessionSync  MessageType = "session_sync"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Envelope is one request on the wire.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Session string          `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers exactly one Envelope.
type Reply struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Kind    errors.Kind     `json:"kind,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Err rebuilds the remote error, preserving its kind.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	kind := r.Kind
	if kind == errors.KindUnknown {
		kind = errors.KindInternal
	}
	return errors.New(kind, r.Error)
}

// PlacementPayload moves a node to another daemon.
type PlacementPayload struct {
	Node  int    `json:"node"`
	Owner string `json:"owner"`
}

// ReachabilityPayload reports nodes a daemon could or could not build.
type ReachabilityPayload struct {
	Nodes []int                `json:"nodes"`
	State session.Reachability `json:"state"`
}

// HeartbeatPayload reports how many sessions the sender holds.
type HeartbeatPayload struct {
	Sessions int `json:"sessions"`
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode payload")
	}
	return b, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, errors.KindInvalidParameter, "decode payload")
	}
	return nil
}
