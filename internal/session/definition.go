// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/link"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/services"
)

// Key identifies a session across daemons: the declaring daemon and the id
// it allocated.
type Key struct {
	Origin string `json:"origin"`
	ID     uint32 `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Origin, k.ID)
}

// ParseKey parses the String form.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Key{}, errors.Errorf(errors.KindInvalidParameter, "invalid session key %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Key{}, errors.Errorf(errors.KindInvalidParameter, "invalid session key %q", s)
	}
	return Key{Origin: s[:i], ID: uint32(id)}, nil
}

// Reachability of a node as seen by this daemon.
type Reachability string

const (
	Pending     Reachability = "pending"
	Reachable   Reachability = "reachable"
	Unreachable Reachability = "unreachable"
)

// TunnelParams are allocated by the declaring daemon for every link whose
// endpoints live on different daemons.
type TunnelParams struct {
	Link   int               `json:"link"`
	Kind   kernel.TunnelKind `json:"kind"`
	Key    uint32            `json:"key"`
	AOwner string            `json:"a_owner"`
	BOwner string            `json:"b_owner"`
	AAddr  netip.Addr        `json:"a_addr"`
	BAddr  netip.Addr        `json:"b_addr"`
	// Impair is the daemon that applies the link profile.
	Impair string `json:"impair"`
}

// NodeSpec declares a node.
type NodeSpec struct {
	// ID 0 picks the next free id.
	ID       int             `json:"id,omitempty"`
	Name     string          `json:"name"`
	Kind     node.Kind       `json:"kind,omitempty"`
	Owner    string          `json:"owner,omitempty"`
	Position node.Position   `json:"position"`
	Services []services.Spec `json:"services,omitempty"`
}

// EndpointSpec selects or creates the interface a link terminates on.
type EndpointSpec struct {
	Node int `json:"node"`
	// Interface 0 allocates a new interface.
	Interface int            `json:"interface,omitempty"`
	Addrs     []netip.Prefix `json:"addrs,omitempty"`
	MAC       string         `json:"mac,omitempty"`
}

// LinkSpec declares a link.
type LinkSpec struct {
	// ID 0 picks the next free id.
	ID      int          `json:"id,omitempty"`
	A       EndpointSpec `json:"a"`
	B       EndpointSpec `json:"b"`
	Profile qos.Profile  `json:"profile"`
}

// MediumDef is the declared state of one shared medium.
type MediumDef struct {
	Node  int             `json:"node"`
	Table medium.Snapshot `json:"table"`
}

// Definition is the complete declarative content of a session. It is what
// peers mirror and what a resync carries.
type Definition struct {
	Key     Key            `json:"key"`
	Name    string         `json:"name"`
	Nodes   []NodeSpec     `json:"nodes"`
	Links   []LinkSpec     `json:"links"`
	Media   []MediumDef    `json:"media,omitempty"`
	Tunnels []TunnelParams `json:"tunnels,omitempty"`
}

// Snapshot is a definition plus the lifecycle position it was taken at.
type Snapshot struct {
	Definition Definition `json:"definition"`
	State      State      `json:"state"`
	Seq        uint64     `json:"seq"`
}

// endpointOf returns the link endpoint recorded for spec once its interface
// exists.
func endpointOf(spec EndpointSpec) link.Endpoint {
	return link.Endpoint{Node: spec.Node, Interface: spec.Interface}
}
