// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"
	"net"
	"net/netip"
	"sort"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/link"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/netutil"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/workqueue"
)

// editLocked checks that the declared topology may change and, at RUNTIME,
// registers the host operation that will materialize the change.
func (s *Session) editLocked(ctx context.Context) (context.Context, func(), bool, error) {
	if !s.state.allowsEdit() || s.busy || s.closing {
		err := errors.Errorf(errors.KindInvalidTransition, "topology cannot change in %s", s.state)
		return nil, nil, false, s.withAttrs(err)
	}
	if s.state != StateRuntime {
		return ctx, func() {}, false, nil
	}
	opCtx, done := s.opLocked(ctx)
	return opCtx, done, true, nil
}

// syncPeers hands a RUNTIME edit to the peers.
func (s *Session) syncPeers(ctx context.Context) {
	dist := s.distributor()
	if dist == nil {
		return
	}
	if err := dist.Sync(ctx, s); err != nil {
		s.logger.Warn("peers not fully synchronized", "error", err)
	}
}

// AddNode declares a node. At RUNTIME a locally owned node is booted and its
// services started before AddNode returns.
func (s *Session) AddNode(ctx context.Context, spec NodeSpec) (*node.Node, error) {
	if err := (node.Config{Name: spec.Name, Kind: spec.Kind}).Validate(); err != nil {
		return nil, s.withAttrs(err)
	}

	s.mu.Lock()
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer done()

	for _, n := range s.nodes {
		if n.Name() == spec.Name {
			s.mu.Unlock()
			return nil, s.withAttrs(errors.Errorf(errors.KindConflict, "node %q already exists", spec.Name))
		}
	}
	id := spec.ID
	if id == 0 {
		for _, n := range s.nodes {
			id = max(id, n.ID)
		}
		id++
	}
	if _, exists := s.nodes[id]; exists || id < 0 {
		s.mu.Unlock()
		return nil, s.withAttrs(errors.Errorf(errors.KindConflict, "node id %d is taken", id))
	}
	owner := spec.Owner
	if owner == "" {
		owner = s.key.Origin
	}
	n := node.New(id, node.Config{
		Name:        spec.Name,
		Kind:        spec.Kind,
		Session:     s.ID,
		Position:    spec.Position,
		Owner:       owner,
		SessionDir:  s.dir,
		Kernel:      s.cfg.Kernel,
		Allocator:   s.cfg.Allocator,
		Logger:      s.cfg.Logger,
		Metrics:     s.cfg.Metrics,
		BootBackoff: s.cfg.Backoff,
	})
	s.nodes[id] = n
	if len(spec.Services) > 0 {
		s.svcs[id] = spec.Services
	}
	s.mu.Unlock()

	if runtime && s.owns(n) {
		if err := s.cfg.Queue.Do(opCtx, workqueue.NodeKey(id), n.Boot); err != nil {
			s.forgetNode(n)
			return nil, s.withAttrs(err)
		}
		if _, err := s.startServices(opCtx, n); err != nil {
			s.logger.Warn("services failed to start", "node", n.Name(), "error", err)
		}
	}
	if runtime {
		s.syncPeers(opCtx)
	}
	return n, nil
}

// Node returns a declared node.
func (s *Session) Node(id int) (*node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeLocked(id)
}

func (s *Session) nodeLocked(id int) (*node.Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		err := errors.Errorf(errors.KindNotFound, "node %d not found", id)
		return nil, s.withAttrs(errors.Attr(err, "node", id))
	}
	return n, nil
}

// NodeByName finds a node by name.
func (s *Session) NodeByName(name string) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// Nodes lists the declared nodes ordered by id.
func (s *Session) Nodes() []*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveNode removes a node together with its links and medium
// memberships. At RUNTIME they are torn down first.
func (s *Session) RemoveNode(ctx context.Context, id int) error {
	s.mu.Lock()
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	defer done()
	n, err := s.nodeLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var links []*link.Link
	for _, l := range s.links {
		if l.A.Node == id || l.B.Node == id {
			links = append(links, l)
		}
	}
	table := s.media[id]
	s.mu.Unlock()

	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })
	for _, l := range links {
		if err := s.removeLink(opCtx, l, runtime); err != nil {
			return err
		}
	}
	if table != nil {
		if err := table.Close(opCtx); err != nil {
			s.logger.Warn("medium teardown failed", "node", n.Name(), "error", err)
		}
	}

	if runtime && n.Booted() {
		if _, err := s.stopServices(opCtx, n); err != nil {
			s.logger.Debug("service shutdown commands failed", "node", n.Name(), "error", err)
		}
		n.CancelCommands()
		if err := s.cfg.Queue.Do(context.WithoutCancel(opCtx), workqueue.NodeKey(id), n.Destroy); err != nil {
			return s.withAttrs(errors.Attr(err, "node", n.Name()))
		}
	}
	s.forgetNode(n)
	if runtime {
		s.syncPeers(opCtx)
	}
	return nil
}

func (s *Session) forgetNode(n *node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, n.ID)
	delete(s.media, n.ID)
	delete(s.svcs, n.ID)
	delete(s.svcStatus, n.ID)
	delete(s.nodeReach, n.ID)
}

// macFor derives a stable, locally administered MAC for an interface. The
// medium classifies traffic by source MAC, so it must be known before the
// interface exists.
func (s *Session) macFor(nodeID, ifaceID int) net.HardwareAddr {
	return netutil.VirtualMAC(s.key.ID, nodeID, ifaceID)
}

func (s *Session) attachLocked(n *node.Node, ep EndpointSpec, linkID int) (node.Interface, error) {
	mac, err := netutil.ParseMAC(ep.MAC)
	if err != nil {
		return node.Interface{}, err
	}
	id := ep.Interface
	if id == 0 {
		for _, iface := range n.Interfaces() {
			id = max(id, iface.ID)
		}
		id++
	}
	if mac == nil && !n.Kind().IsBridge() {
		mac = s.macFor(n.ID, id)
	}
	iface, err := n.AttachInterface(node.InterfaceSpec{ID: id, Addrs: ep.Addrs, MAC: mac, LinkID: linkID})
	if err != nil {
		return node.Interface{}, err
	}
	return *iface, nil
}

// AddLink declares a link, creating an interface on each endpoint node. The
// profile is validated before anything else happens. At RUNTIME the link is
// created on the host before AddLink returns.
func (s *Session) AddLink(ctx context.Context, spec LinkSpec) (*link.Link, error) {
	if err := spec.Profile.Validate(); err != nil {
		return nil, s.withAttrs(err)
	}
	if spec.A.Node == spec.B.Node {
		return nil, s.withAttrs(errors.Errorf(errors.KindInvalidParameter, "both link ends on node %d", spec.A.Node))
	}

	s.mu.Lock()
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer done()

	na, okA := s.nodes[spec.A.Node]
	nb, okB := s.nodes[spec.B.Node]
	if !okA || !okB {
		s.mu.Unlock()
		err := errors.Errorf(errors.KindUnresolvedReference, "link references missing node (%d, %d)", spec.A.Node, spec.B.Node)
		return nil, s.withAttrs(err)
	}
	id := spec.ID
	if id == 0 {
		for lid := range s.links {
			id = max(id, lid)
		}
		id++
	}
	if _, exists := s.links[id]; exists || id < 0 {
		s.mu.Unlock()
		return nil, s.withAttrs(errors.Errorf(errors.KindConflict, "link id %d is taken", id))
	}
	ia, err := s.attachLocked(na, spec.A, id)
	if err != nil {
		s.mu.Unlock()
		return nil, s.withAttrs(errors.Attr(err, "node", na.Name()))
	}
	ib, err := s.attachLocked(nb, spec.B, id)
	if err != nil {
		na.DetachInterface(ia.ID)
		s.mu.Unlock()
		return nil, s.withAttrs(errors.Attr(err, "node", nb.Name()))
	}
	l := link.New(id, link.Endpoint{Node: na.ID, Interface: ia.ID}, link.Endpoint{Node: nb.ID, Interface: ib.ID}, spec.Profile, link.Config{
		Session: s.ID,
		Kernel:  s.cfg.Kernel,
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
		Backoff: s.cfg.Backoff,
	})
	s.links[id] = l
	s.mu.Unlock()

	if !runtime {
		return l, nil
	}
	// peers learn the link, and a cross-daemon link its tunnel, first
	s.syncPeers(opCtx)
	err = s.cfg.Queue.Do(opCtx, workqueue.LinkKey(id), func(ctx context.Context) error {
		return s.createLink(ctx, l)
	})
	if err != nil {
		s.forgetLink(l)
		return nil, s.withAttrs(err)
	}
	return l, nil
}

// Link returns a declared link.
func (s *Session) Link(id int) (*link.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linkLocked(id)
}

func (s *Session) linkLocked(id int) (*link.Link, error) {
	l, ok := s.links[id]
	if !ok {
		err := errors.Errorf(errors.KindNotFound, "link %d not found", id)
		return nil, s.withAttrs(errors.Attr(err, "link", id))
	}
	return l, nil
}

// Links lists the declared links ordered by id.
func (s *Session) Links() []*link.Link {
	return s.sortedLinks()
}

// wireFor decides how this daemon realizes l. ok is false when neither end
// is local.
func (s *Session) wireFor(l *link.Link) (w link.Wire, ok bool, err error) {
	s.mu.RLock()
	na, nb := s.nodes[l.A.Node], s.nodes[l.B.Node]
	tp, hasTunnel := s.tunnels[l.ID]
	s.mu.RUnlock()
	if na == nil || nb == nil {
		return w, false, errors.Errorf(errors.KindUnresolvedReference, "link %d references a removed node", l.ID)
	}

	ownA, ownB := s.owns(na), s.owns(nb)
	switch {
	case ownA && ownB:
		epA, hostA, err := na.Endpoint(l.A.Interface)
		if err != nil {
			return w, false, err
		}
		epB, hostB, err := nb.Endpoint(l.B.Interface)
		if err != nil {
			return w, false, err
		}
		return link.VethWire(link.Side{HostName: hostA, Endpoint: epA}, link.Side{HostName: hostB, Endpoint: epB}), true, nil

	case ownA || ownB:
		if !hasTunnel {
			return w, false, errors.Errorf(errors.KindUnresolvedReference, "link %d spans daemons but has no tunnel", l.ID)
		}
		n, iface, local, remote := na, l.A.Interface, tp.AAddr, tp.BAddr
		if ownB {
			n, iface, local, remote = nb, l.B.Interface, tp.BAddr, tp.AAddr
		}
		ep, host, err := n.Endpoint(iface)
		if err != nil {
			return w, false, err
		}
		spec := kernel.TunnelSpec{HostName: host, Kind: tp.Kind, Key: tp.Key, Local: local, Remote: remote, Endpoint: ep}
		return link.TunnelWire(spec, tp.Impair == s.cfg.Daemon), true, nil
	}
	return w, false, nil
}

func (s *Session) createLink(ctx context.Context, l *link.Link) error {
	w, ok, err := s.wireFor(l)
	if err != nil {
		return errors.Attr(err, "link", l.ID)
	}
	if !ok {
		return nil
	}
	return l.Create(ctx, w)
}

// RemoveLink removes a link and the interfaces it created. A link between a
// medium node and a member also ends the membership.
func (s *Session) RemoveLink(ctx context.Context, id int) error {
	s.mu.Lock()
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	defer done()
	l, err := s.linkLocked(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.removeLink(opCtx, l, runtime); err != nil {
		return err
	}
	if runtime {
		s.syncPeers(opCtx)
	}
	return nil
}

// removeLink tears down an admitted link removal: the medium membership it
// carries, then the host interfaces at RUNTIME.
func (s *Session) removeLink(ctx context.Context, l *link.Link, runtime bool) error {
	s.mu.RLock()
	var table *medium.Table
	var member int
	for _, pair := range [][2]int{{l.A.Node, l.B.Node}, {l.B.Node, l.A.Node}} {
		if t, ok := s.media[pair[0]]; ok {
			table, member = t, pair[1]
		}
	}
	s.mu.RUnlock()
	if table != nil && containsMember(table, member) {
		if err := table.Remove(ctx, medium.Endpoint(member)); err != nil {
			return s.withAttrs(errors.Attr(err, "link", l.ID))
		}
	}

	if runtime {
		if err := s.cfg.Queue.Do(context.WithoutCancel(ctx), workqueue.LinkKey(l.ID), l.Destroy); err != nil {
			return s.withAttrs(errors.Attr(err, "link", l.ID))
		}
	}
	s.forgetLink(l)
	return nil
}

func containsMember(t *medium.Table, member int) bool {
	for _, m := range t.Members() {
		if int(m) == member {
			return true
		}
	}
	return false
}

func (s *Session) forgetLink(l *link.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, l.ID)
	if n, ok := s.nodes[l.A.Node]; ok {
		n.DetachInterface(l.A.Interface)
	}
	if n, ok := s.nodes[l.B.Node]; ok {
		n.DetachInterface(l.B.Interface)
	}
	if tp, ok := s.tunnels[l.ID]; ok {
		if !s.Mirrored() {
			s.cfg.Allocator.ReleaseKey(tp.Key)
		}
		delete(s.tunnels, l.ID)
	}
}

// UpdateLink replaces a link's profile. Before INSTANTIATION only the
// declaration changes; at RUNTIME the host rule is replaced wholesale.
func (s *Session) UpdateLink(ctx context.Context, id int, p qos.Profile) error {
	if err := p.Validate(); err != nil {
		return s.withAttrs(err)
	}

	s.mu.Lock()
	l, err := s.linkLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	defer done()
	s.mu.Unlock()

	if !runtime {
		return l.Update(ctx, p)
	}
	err = s.cfg.Queue.Do(opCtx, workqueue.LinkKey(id), func(ctx context.Context) error {
		return l.Update(ctx, p)
	})
	if err != nil {
		return s.withAttrs(errors.Attr(err, "link", id))
	}
	s.syncPeers(opCtx)
	return nil
}

// Execute runs a command on a locally owned node. Only RUNTIME allows it.
// Commands on one node run in submission order; interactive (PTY) commands
// are not queued.
func (s *Session) Execute(ctx context.Context, nodeID int, req node.Request) (node.Result, error) {
	s.mu.Lock()
	if s.state != StateRuntime || s.closing {
		s.mu.Unlock()
		err := errors.Errorf(errors.KindInvalidTransition, "commands run only in runtime, session is %s", s.state)
		return node.Result{}, s.withAttrs(err)
	}
	n, err := s.nodeLocked(nodeID)
	if err != nil {
		s.mu.Unlock()
		return node.Result{}, err
	}
	if !s.owns(n) {
		s.mu.Unlock()
		err := errors.Errorf(errors.KindInvalidParameter, "node %s runs on daemon %s", n.Name(), n.Owner())
		return node.Result{}, s.withAttrs(errors.Attr(err, "node", n.Name()))
	}
	opCtx, done := s.opLocked(ctx)
	defer done()
	s.mu.Unlock()

	if req.Stream == node.StreamPTY {
		return n.Execute(opCtx, req)
	}
	var res node.Result
	err = s.cfg.Queue.Serial(opCtx, workqueue.NodeKey(nodeID), func(ctx context.Context) error {
		var err error
		res, err = n.Execute(ctx, req)
		return err
	})
	return res, err
}

// AddMedium creates the shared medium backed by a medium-kind node. Adding
// it twice returns the existing medium.
func (s *Session) AddMedium(ctx context.Context, nodeID int) (*medium.Table, error) {
	s.mu.Lock()
	n, err := s.nodeLocked(nodeID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if n.Kind() != node.KindMedium {
		s.mu.Unlock()
		return nil, s.withAttrs(errors.Errorf(errors.KindInvalidParameter, "node %s is not a medium node", n.Name()))
	}
	if t, ok := s.media[nodeID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	opCtx, done, runtime, err := s.editLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer done()
	t := medium.New(medium.WithLogger(s.logger.With("medium", n.Name())), medium.WithMetrics(s.cfg.Metrics))
	s.media[nodeID] = t
	s.mu.Unlock()

	if runtime && s.owns(n) {
		if err := s.realizeMedium(opCtx, nodeID); err != nil {
			s.mu.Lock()
			delete(s.media, nodeID)
			s.mu.Unlock()
			return nil, s.withAttrs(err)
		}
	}
	return t, nil
}

// Medium returns the shared medium of a medium node.
func (s *Session) Medium(nodeID int) (*medium.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.media[nodeID]
	if !ok {
		err := errors.Errorf(errors.KindNotFound, "node %d has no medium", nodeID)
		return nil, s.withAttrs(errors.Attr(err, "node", nodeID))
	}
	return t, nil
}

// JoinMedium links member to the medium node and makes it a member.
func (s *Session) JoinMedium(ctx context.Context, mediumNode, member int, addrs []netip.Prefix) (*link.Link, error) {
	t, err := s.AddMedium(ctx, mediumNode)
	if err != nil {
		return nil, err
	}
	l, err := s.AddLink(ctx, LinkSpec{
		A: EndpointSpec{Node: member, Addrs: addrs},
		B: EndpointSpec{Node: mediumNode},
	})
	if err != nil {
		return nil, err
	}
	if err := t.Add(ctx, medium.Endpoint(member)); err != nil {
		if rerr := s.RemoveLink(ctx, l.ID); rerr != nil {
			s.logger.Warn("removing medium link failed", "link", l.ID, "error", rerr)
		}
		return nil, s.withAttrs(err)
	}
	return l, nil
}

// mediumLinkLocked finds the link joining member to the medium node and
// returns the medium-side and member-side interfaces.
func (s *Session) mediumLinkLocked(mediumNode, member int) (port, iface node.Interface, ok bool) {
	mn, mok := s.nodes[mediumNode]
	on, ook := s.nodes[member]
	if !mok || !ook {
		return port, iface, false
	}
	for _, l := range s.links {
		var mine, other link.Endpoint
		switch {
		case l.A.Node == mediumNode && l.B.Node == member:
			mine, other = l.A, l.B
		case l.B.Node == mediumNode && l.A.Node == member:
			mine, other = l.B, l.A
		default:
			continue
		}
		p, pok := mn.Interface(mine.Interface)
		i, iok := on.Interface(other.Interface)
		if pok && iok {
			return p, i, true
		}
	}
	return port, iface, false
}

func (s *Session) mediumPorts(mediumNode int) medium.PortFunc {
	return func(e medium.Endpoint) (medium.Port, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		port, iface, ok := s.mediumLinkLocked(mediumNode, int(e))
		if !ok {
			return medium.Port{}, errors.Errorf(errors.KindUnresolvedReference, "node %d is not linked to medium node %d", e, mediumNode)
		}
		return medium.Port{Name: port.HostName, MAC: iface.MAC}, nil
	}
}

func (s *Session) realizeMedium(ctx context.Context, nodeID int) error {
	if s.cfg.Realizer == nil {
		return nil
	}
	t, err := s.Medium(nodeID)
	if err != nil || t.Attached() {
		return err
	}
	r := s.cfg.Realizer(s, nodeID, s.mediumPorts(nodeID))
	if r == nil {
		return nil
	}
	return t.Attach(ctx, r)
}
