// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"net/netip"

	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/netutil"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/services"
)

// Status is a point-in-time view of a session for display and the status
// endpoint.
type Status struct {
	ID       uint32         `json:"id"`
	Key      string         `json:"key"`
	Name     string         `json:"name"`
	State    State          `json:"state"`
	Seq      uint64         `json:"seq"`
	Mirrored bool           `json:"mirrored"`
	Nodes    []NodeStatus   `json:"nodes"`
	Links    []LinkStatus   `json:"links"`
	Media    []MediumStatus `json:"media,omitempty"`
}

type NodeStatus struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	Kind         node.Kind         `json:"kind"`
	Owner        string            `json:"owner"`
	Position     node.Position     `json:"position"`
	Booted       bool              `json:"booted"`
	Namespace    string            `json:"namespace,omitempty"`
	Reachability Reachability      `json:"reachability"`
	Interfaces   []InterfaceStatus `json:"interfaces,omitempty"`
	Services     []services.Status `json:"services,omitempty"`
}

type InterfaceStatus struct {
	ID       int            `json:"id"`
	Name     string         `json:"name"`
	HostName string         `json:"host_name"`
	MAC      string         `json:"mac,omitempty"`
	Addrs    []netip.Prefix `json:"addrs,omitempty"`
	Link     int            `json:"link"`
}

type LinkStatus struct {
	ID      int                `json:"id"`
	A       string             `json:"a"`
	B       string             `json:"b"`
	Profile qos.Profile        `json:"profile"`
	Created bool               `json:"created"`
	Shaped  []string           `json:"shaped,omitempty"`
	Tunnel  *kernel.TunnelSpec `json:"tunnel,omitempty"`
}

type MediumStatus struct {
	Node     int   `json:"node"`
	Members  []int `json:"members"`
	Pairs    int   `json:"pairs"`
	Attached bool  `json:"attached"`
}

// Status never waits for host operations.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		ID:       s.ID,
		Key:      s.key.String(),
		Name:     s.name,
		State:    s.state,
		Seq:      s.seq,
		Mirrored: s.Mirrored(),
	}
	reach := make(map[int]Reachability, len(s.nodes))
	for id, n := range s.nodes {
		reach[id] = s.reachabilityLocked(id, n)
	}
	svc := make(map[int][]services.Status, len(s.svcStatus))
	for id, v := range s.svcStatus {
		svc[id] = v
	}
	s.mu.RUnlock()

	for _, n := range s.Nodes() {
		ns := NodeStatus{
			ID:           n.ID,
			Name:         n.Name(),
			Kind:         n.Kind(),
			Owner:        n.Owner(),
			Position:     n.Position(),
			Booted:       n.Booted(),
			Namespace:    n.Namespace(),
			Reachability: reach[n.ID],
			Services:     svc[n.ID],
		}
		for _, iface := range n.Interfaces() {
			ns.Interfaces = append(ns.Interfaces, InterfaceStatus{
				ID:       iface.ID,
				Name:     iface.Name,
				HostName: iface.HostName,
				MAC:      netutil.FormatMAC(iface.MAC),
				Addrs:    iface.Addrs,
				Link:     iface.LinkID,
			})
		}
		st.Nodes = append(st.Nodes, ns)
	}

	for _, l := range s.Links() {
		ls := LinkStatus{
			ID:      l.ID,
			A:       l.A.String(),
			B:       l.B.String(),
			Profile: l.Profile(),
			Created: l.Created(),
			Shaped:  l.Shaped(),
		}
		if spec, ok := l.Tunnel(); ok {
			ls.Tunnel = &spec
		}
		st.Links = append(st.Links, ls)
	}

	for _, md := range s.Definition().Media {
		ms := MediumStatus{Node: md.Node, Pairs: len(md.Table.Pairs)}
		for _, m := range md.Table.Members {
			ms.Members = append(ms.Members, int(m))
		}
		if t, err := s.Medium(md.Node); err == nil {
			ms.Attached = t.Attached()
		}
		st.Media = append(st.Media, ms)
	}
	return st
}
