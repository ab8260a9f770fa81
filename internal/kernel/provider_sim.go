// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"os/exec"
	"sort"
	"sync"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/qos"
)

// Op names a host operation recorded by SimKernel.
type Op string

const (
	OpCreateNamespace Op = "create_namespace"
	OpDeleteNamespace Op = "delete_namespace"
	OpCreateBridge    Op = "create_bridge"
	OpCreateVeth      Op = "create_veth"
	OpCreateTunnel    Op = "create_tunnel"
	OpDeleteLink      Op = "delete_link"
	OpApplyQdisc      Op = "apply_qdisc"
	OpDeleteQdisc     Op = "delete_qdisc"
)

// SimLink is an interface known to SimKernel.
type SimLink struct {
	Namespace string
	Name      string
	Kind      string
	Master    string
	// Peer is the key of the other veth end.
	Peer   string
	Tunnel *TunnelSpec
}

// SimKernel is a stateful in-memory host. It tracks namespaces, interfaces
// and qdiscs with kernel-like semantics (deleting a namespace destroys its
// veth ends and their peers) and records every call for assertions.
type SimKernel struct {
	mu sync.Mutex

	namespaces map[string]struct{}
	links      map[string]*SimLink
	qdiscs     map[string]qos.Profile
	calls      map[Op]int

	// Fail, when set, is consulted before each operation; a non-nil result
	// is returned to the caller and the operation has no effect.
	Fail func(op Op, target string) error
}

// NewSimKernel creates an empty simulated host.
func NewSimKernel() *SimKernel {
	return &SimKernel{
		namespaces: make(map[string]struct{}),
		links:      make(map[string]*SimLink),
		qdiscs:     make(map[string]qos.Profile),
		calls:      make(map[Op]int),
	}
}

func key(ns, name string) string {
	return ns + "/" + name
}

func (s *SimKernel) enter(op Op, target string) error {
	s.calls[op]++
	if s.Fail != nil {
		return s.Fail(op, target)
	}
	return nil
}

func (s *SimKernel) CreateNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateNamespace, name); err != nil {
		return err
	}
	if _, ok := s.namespaces[name]; ok {
		return errors.Errorf(errors.KindConflict, "namespace %s exists", name)
	}
	s.namespaces[name] = struct{}{}
	return nil
}

func (s *SimKernel) DeleteNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteNamespace, name); err != nil {
		return err
	}
	if _, ok := s.namespaces[name]; !ok {
		return nil
	}
	for k, l := range s.links {
		if l.Namespace == name {
			s.removeLocked(k)
		}
	}
	delete(s.namespaces, name)
	return nil
}

func (s *SimKernel) CreateBridge(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateBridge, name); err != nil {
		return err
	}
	k := key("", name)
	if _, ok := s.links[k]; ok {
		return errors.Errorf(errors.KindConflict, "interface %s exists", name)
	}
	s.links[k] = &SimLink{Name: name, Kind: "bridge"}
	return nil
}

func (s *SimKernel) CreateVeth(spec VethSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateVeth, spec.HostName); err != nil {
		return err
	}
	a, err := s.placeLocked(spec.HostName, spec.A, "veth")
	if err != nil {
		return err
	}
	b, err := s.placeLocked(spec.PeerHostName, spec.B, "veth")
	if err != nil {
		return err
	}
	ka, kb := key(a.Namespace, a.Name), key(b.Namespace, b.Name)
	if _, ok := s.links[ka]; ok {
		return errors.Errorf(errors.KindConflict, "interface %s exists", ka)
	}
	if _, ok := s.links[kb]; ok {
		return errors.Errorf(errors.KindConflict, "interface %s exists", kb)
	}
	a.Peer, b.Peer = kb, ka
	s.links[ka], s.links[kb] = a, b
	return nil
}

func (s *SimKernel) CreateTunnel(spec TunnelSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateTunnel, spec.HostName); err != nil {
		return err
	}
	if !spec.Kind.Valid() {
		return errors.Errorf(errors.KindInvalidParameter, "unsupported tunnel kind %q", spec.Kind)
	}
	l, err := s.placeLocked(spec.HostName, spec.Endpoint, string(spec.Kind))
	if err != nil {
		return err
	}
	k := key(l.Namespace, l.Name)
	if _, ok := s.links[k]; ok {
		return errors.Errorf(errors.KindConflict, "interface %s exists", k)
	}
	t := spec
	l.Tunnel = &t
	s.links[k] = l
	return nil
}

func (s *SimKernel) placeLocked(hostName string, ep Endpoint, kind string) (*SimLink, error) {
	l := &SimLink{Namespace: ep.Namespace, Name: ep.FinalName(hostName), Kind: kind}
	if ep.Namespace != "" {
		if _, ok := s.namespaces[ep.Namespace]; !ok {
			return nil, errors.Errorf(errors.KindNotFound, "namespace %s not found", ep.Namespace)
		}
	}
	if ep.Bridge != "" {
		br, ok := s.links[key("", ep.Bridge)]
		if !ok || br.Kind != "bridge" {
			return nil, errors.Errorf(errors.KindNotFound, "bridge %s not found", ep.Bridge)
		}
		l.Master = ep.Bridge
	}
	return l, nil
}

func (s *SimKernel) DeleteLink(ns, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteLink, key(ns, name)); err != nil {
		return err
	}
	s.removeLocked(key(ns, name))
	return nil
}

func (s *SimKernel) removeLocked(k string) {
	l, ok := s.links[k]
	if !ok {
		return
	}
	delete(s.links, k)
	delete(s.qdiscs, k)
	if l.Peer != "" {
		delete(s.links, l.Peer)
		delete(s.qdiscs, l.Peer)
	}
	if l.Kind == "bridge" {
		for _, other := range s.links {
			if other.Master == l.Name {
				other.Master = ""
			}
		}
	}
}

func (s *SimKernel) ApplyQdisc(ns, ifname string, p qos.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ns, ifname)
	if err := s.enter(OpApplyQdisc, k); err != nil {
		return err
	}
	if _, ok := s.links[k]; !ok {
		return errors.Errorf(errors.KindNotFound, "interface %s not found", k)
	}
	if p.IsZero() {
		delete(s.qdiscs, k)
		return nil
	}
	s.qdiscs[k] = p
	return nil
}

func (s *SimKernel) DeleteQdisc(ns, ifname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ns, ifname)
	if err := s.enter(OpDeleteQdisc, k); err != nil {
		return err
	}
	delete(s.qdiscs, k)
	return nil
}

// Command runs argv directly on the host; namespaces are not simulated for
// process execution.
func (s *SimKernel) Command(ns string, argv ...string) *exec.Cmd {
	return exec.Command(argv[0], argv[1:]...)
}

// Namespaces lists live namespaces, sorted.
func (s *SimKernel) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.namespaces))
	for n := range s.namespaces {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Links returns a copy of every live interface.
func (s *SimKernel) Links() []SimLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Namespace, out[i].Name) < key(out[j].Namespace, out[j].Name)
	})
	return out
}

// Link looks up one interface.
func (s *SimKernel) Link(ns, name string) (SimLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[key(ns, name)]
	if !ok {
		return SimLink{}, false
	}
	return *l, true
}

// Qdiscs returns the active rules keyed by "ns/ifname".
func (s *SimKernel) Qdiscs() map[string]qos.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]qos.Profile, len(s.qdiscs))
	for k, v := range s.qdiscs {
		out[k] = v
	}
	return out
}

// Qdisc returns the rule active on one interface.
func (s *SimKernel) Qdisc(ns, ifname string) (qos.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.qdiscs[key(ns, ifname)]
	return p, ok
}

// Calls returns how many times op was invoked, including failed attempts.
func (s *SimKernel) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Tunnels returns the live tunnel devices.
func (s *SimKernel) Tunnels() []TunnelSpec {
	var out []TunnelSpec
	for _, l := range s.Links() {
		if l.Tunnel != nil {
			out = append(out, *l.Tunnel)
		}
	}
	return out
}
