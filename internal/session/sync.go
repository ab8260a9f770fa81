// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"
	"slices"
	"sort"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/link"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/netutil"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/services"
)

// Definition captures the declared topology.
func (s *Session) Definition() Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def := Definition{Key: s.key, Name: s.name}
	ids := make([]int, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		n := s.nodes[id]
		def.Nodes = append(def.Nodes, NodeSpec{
			ID:       id,
			Name:     n.Name(),
			Kind:     n.Kind(),
			Owner:    n.Owner(),
			Position: n.Position(),
			Services: s.svcs[id],
		})
		if t, ok := s.media[id]; ok {
			def.Media = append(def.Media, MediumDef{Node: id, Table: t.Snapshot()})
		}
	}

	ids = ids[:0]
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		l := s.links[id]
		def.Links = append(def.Links, LinkSpec{
			ID:      id,
			A:       s.endpointSpecLocked(l.A),
			B:       s.endpointSpecLocked(l.B),
			Profile: l.Profile(),
		})
		if tp, ok := s.tunnels[id]; ok {
			def.Tunnels = append(def.Tunnels, tp)
		}
	}
	return def
}

func (s *Session) endpointSpecLocked(ep link.Endpoint) EndpointSpec {
	spec := EndpointSpec{Node: ep.Node, Interface: ep.Interface}
	if n, ok := s.nodes[ep.Node]; ok {
		if iface, ok := n.Interface(ep.Interface); ok {
			spec.Addrs = iface.Addrs
			spec.MAC = netutil.FormatMAC(iface.MAC)
		}
	}
	return spec
}

// Snapshot is the definition together with the state and sequence number.
func (s *Session) Snapshot() Snapshot {
	def := s.Definition()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Definition: def, State: s.state, Seq: s.seq}
}

func sameEndpoint(l *link.Link, spec LinkSpec) bool {
	return l.A == endpointOf(spec.A) && l.B == endpointOf(spec.B)
}

// Reconcile makes the declared topology equal to def. Entities are matched
// by id; changed ones are replaced, unchanged ones are kept running.
func (s *Session) Reconcile(ctx context.Context, def Definition) error {
	want := make(map[int]NodeSpec, len(def.Nodes))
	for _, ns := range def.Nodes {
		want[ns.ID] = ns
	}
	wantLinks := make(map[int]LinkSpec, len(def.Links))
	for _, ls := range def.Links {
		wantLinks[ls.ID] = ls
	}

	for _, l := range s.Links() {
		ls, ok := wantLinks[l.ID]
		if ok && sameEndpoint(l, ls) {
			continue
		}
		if err := s.RemoveLink(ctx, l.ID); err != nil {
			return err
		}
	}
	for _, n := range s.Nodes() {
		ns, ok := want[n.ID]
		if ok && ns.Kind == n.Kind() && ns.Owner == n.Owner() && ns.Name == n.Name() {
			continue
		}
		if err := s.RemoveNode(ctx, n.ID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, tp := range def.Tunnels {
		s.tunnels[tp.Link] = tp
	}
	s.mu.Unlock()

	for _, ns := range def.Nodes {
		n, err := s.Node(ns.ID)
		if err != nil {
			if _, err := s.AddNode(ctx, ns); err != nil {
				return err
			}
			continue
		}
		n.SetPosition(ns.Position)
		s.mu.Lock()
		s.svcs[ns.ID] = ns.Services
		s.mu.Unlock()
	}

	for _, ls := range def.Links {
		l, err := s.Link(ls.ID)
		if err != nil {
			if _, err := s.AddLink(ctx, ls); err != nil {
				return err
			}
			continue
		}
		if l.Profile() != ls.Profile {
			if err := s.UpdateLink(ctx, ls.ID, ls.Profile); err != nil {
				return err
			}
		}
	}

	wantMedia := make(map[int]bool, len(def.Media))
	for _, md := range def.Media {
		wantMedia[md.Node] = true
		t, err := s.AddMedium(ctx, md.Node)
		if err != nil {
			return err
		}
		if err := t.Restore(ctx, md.Table); err != nil {
			return s.withAttrs(errors.Attr(err, "node", md.Node))
		}
	}
	s.mu.Lock()
	var stale []*medium.Table
	for id, t := range s.media {
		if !wantMedia[id] {
			stale = append(stale, t)
			delete(s.media, id)
		}
	}
	s.mu.Unlock()
	for _, t := range stale {
		if err := t.Close(ctx); err != nil {
			s.logger.Warn("medium teardown failed", "error", err)
		}
	}
	return nil
}

// ApplyTransition follows a transition committed by the declaring daemon.
// Events must arrive in sequence: a repeated event is acknowledged without
// effect, a gap fails with KindOutOfOrder so the caller can resync.
func (s *Session) ApplyTransition(ctx context.Context, ev Event) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	last := s.Seq()
	if ev.Seq <= last {
		return nil
	}
	if ev.Seq != last+1 {
		err := errors.Errorf(errors.KindOutOfOrder, "transition %d arrived after %d", ev.Seq, last)
		err = errors.Attr(errors.Attr(err, "expected", last+1), "got", ev.Seq)
		return s.withAttrs(err)
	}
	if err := s.transition(ctx, ev.To); err != nil {
		return err
	}
	s.setSeq(ev.Seq)
	return nil
}

func (s *Session) setSeq(seq uint64) {
	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
}

// Resync brings the session to the state and topology of snap, walking the
// state machine as needed. A session ahead of snap is shut down and rebuilt.
func (s *Session) Resync(ctx context.Context, snap Snapshot) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if snap.Definition.Key != s.key {
		return s.withAttrs(errors.Errorf(errors.KindInvalidParameter, "snapshot of session %s", snap.Definition.Key))
	}
	target := snap.State
	if target == StateShutdown {
		if err := s.transition(ctx, StateShutdown); err != nil {
			return err
		}
		s.setSeq(snap.Seq)
		s.cfg.Metrics.Resync()
		return nil
	}

	cur := s.State()
	if cur > target && cur != StateShutdown {
		if err := s.transition(ctx, StateShutdown); err != nil {
			s.logger.Warn("teardown before resync incomplete", "error", err)
		}
		cur = StateShutdown
	}
	if cur == StateShutdown {
		if err := s.transition(ctx, StateDefinition); err != nil {
			return err
		}
		cur = StateDefinition
	}

	reconciled := false
	for {
		if !reconciled && cur.allowsEdit() {
			if err := s.Reconcile(ctx, snap.Definition); err != nil {
				return err
			}
			reconciled = true
		}
		if cur == target {
			break
		}
		if err := s.transition(ctx, cur+1); err != nil {
			return err
		}
		cur++
	}
	s.setSeq(snap.Seq)
	s.cfg.Metrics.Resync()
	s.logger.Info("session resynchronized", "state", target.String(), "seq", snap.Seq)
	return nil
}

// Place moves a node to another daemon. Placement is fixed once the
// session is instantiated.
func (s *Session) Place(id int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodeLocked(id)
	if err != nil {
		return err
	}
	if s.state != StateDefinition && s.state != StateConfiguration {
		return s.withAttrs(errors.Errorf(errors.KindInvalidTransition, "nodes cannot move in %s", s.state))
	}
	if owner == "" {
		owner = s.key.Origin
	}
	if owner == n.Owner() {
		return nil
	}

	cfg := n.Config()
	cfg.Owner = owner
	moved := node.New(id, cfg)
	for _, iface := range n.Interfaces() {
		n.DetachInterface(iface.ID)
		spec := node.InterfaceSpec{ID: iface.ID, Addrs: iface.Addrs, MAC: iface.MAC, LinkID: iface.LinkID}
		if _, err := moved.AttachInterface(spec); err != nil {
			return s.withAttrs(err)
		}
	}
	s.nodes[id] = moved
	for lid := range s.tunnels {
		if l := s.links[lid]; l != nil && (l.A.Node == id || l.B.Node == id) {
			s.releaseTunnelLocked(lid)
		}
	}
	return nil
}

func (s *Session) releaseTunnelLocked(linkID int) {
	tp, ok := s.tunnels[linkID]
	if !ok {
		return
	}
	if !s.Mirrored() {
		s.cfg.Allocator.ReleaseKey(tp.Key)
	}
	delete(s.tunnels, linkID)
}

// Peers lists the other daemons owning nodes of the session.
func (s *Session) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, n := range s.nodes {
		if o := n.Owner(); o != s.cfg.Daemon && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	if s.Mirrored() && !slices.Contains(out, s.key.Origin) {
		out = append(out, s.key.Origin)
	}
	sort.Strings(out)
	return out
}

// NodesOf lists the ids of the nodes owned by daemon.
func (s *Session) NodesOf(daemon string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for id, n := range s.nodes {
		if n.Owner() == daemon {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// PendingTunnels lists the cross-daemon links without tunnel parameters.
// Owners and the impairing side are filled in.
func (s *Session) PendingTunnels() []TunnelParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TunnelParams
	for id, l := range s.links {
		if _, ok := s.tunnels[id]; ok {
			continue
		}
		na, nb := s.nodes[l.A.Node], s.nodes[l.B.Node]
		if na == nil || nb == nil || na.Owner() == nb.Owner() {
			continue
		}
		out = append(out, TunnelParams{Link: id, AOwner: na.Owner(), BOwner: nb.Owner(), Impair: na.Owner()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}

// SetTunnel records the tunnel of a cross-daemon link.
func (s *Session) SetTunnel(tp TunnelParams) error {
	if !tp.Kind.Valid() {
		return s.withAttrs(errors.Errorf(errors.KindInvalidParameter, "unknown tunnel kind %q", tp.Kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.linkLocked(tp.Link); err != nil {
		return err
	}
	if old, ok := s.tunnels[tp.Link]; ok && old.Key != tp.Key {
		s.releaseTunnelLocked(tp.Link)
	}
	s.tunnels[tp.Link] = tp
	return nil
}

// Tunnel returns the tunnel of a link.
func (s *Session) Tunnel(linkID int) (TunnelParams, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.tunnels[linkID]
	return tp, ok
}

// Tunnels lists the tunnels ordered by link id.
func (s *Session) Tunnels() []TunnelParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TunnelParams, 0, len(s.tunnels))
	for _, tp := range s.tunnels {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}

// MarkPeer records the reachability of every node owned by peer.
func (s *Session) MarkPeer(peer string, r Reachability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerReach[peer] = r
	for id, n := range s.nodes {
		if n.Owner() == peer {
			delete(s.nodeReach, id)
		}
	}
}

// MarkNodes overrides the reachability of individual nodes, as reported by
// their owner.
func (s *Session) MarkNodes(ids []int, r Reachability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.nodes[id]; ok {
			s.nodeReach[id] = r
		}
	}
}

// Unbooted lists the local nodes that have no isolation context.
func (s *Session) Unbooted() []int {
	var out []int
	for _, n := range s.localNodes() {
		if !n.Booted() {
			out = append(out, n.ID)
		}
	}
	return out
}

// Reachability reports every node's reachability. Local nodes are always
// reachable; remote ones are pending until their owner has been heard from.
func (s *Session) Reachability() map[int]Reachability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]Reachability, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = s.reachabilityLocked(id, n)
	}
	return out
}

func (s *Session) reachabilityLocked(id int, n *node.Node) Reachability {
	if r, ok := s.nodeReach[id]; ok {
		return r
	}
	if s.owns(n) {
		return Reachable
	}
	if r, ok := s.peerReach[n.Owner()]; ok {
		return r
	}
	return Pending
}

// UnreachableCount counts the nodes currently marked unreachable.
func (s *Session) UnreachableCount() int {
	count := 0
	for _, r := range s.Reachability() {
		if r == Unreachable {
			count++
		}
	}
	return count
}

func (s *Session) resetReachability() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.peerReach)
	clear(s.nodeReach)
}

// ServiceSpecs returns the services declared on a node.
func (s *Session) ServiceSpecs(id int) []services.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svcs[id]
}
