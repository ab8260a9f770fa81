// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/session"
)

type daemon struct {
	name   string
	kernel *kernel.SimKernel
	mgr    *session.Manager
	coord  *Coordinator
}

var underlays = map[string]netip.Addr{
	"a": netip.MustParseAddr("192.0.2.1"),
	"b": netip.MustParseAddr("192.0.2.2"),
}

func newDaemon(t *testing.T, net *MemoryNetwork, name string, threshold int) *daemon {
	t.Helper()
	k := kernel.NewSimKernel()
	mgr, err := session.NewManager(session.Config{
		Daemon:    name,
		Dir:       t.TempDir(),
		Kernel:    k,
		Allocator: kernel.NewAllocator(),
		Logger:    logging.Discard(),
		Backoff:   time.Millisecond,
	})
	require.NoError(t, err)

	var peers []Peer
	for other, addr := range underlays {
		if other != name {
			peers = append(peers, Peer{Name: other, Address: other, Underlay: addr})
		}
	}
	alloc := kernel.NewAllocator()
	alloc.SetKeySpace(name)
	coord, err := New(Config{
		Daemon:            name,
		Underlay:          underlays[name],
		Peers:             peers,
		Transport:         net.Transport(name),
		Manager:           mgr,
		Allocator:         alloc,
		HeartbeatInterval: time.Hour,
		FailureThreshold:  threshold,
		Logger:            logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start())
	t.Cleanup(func() {
		mgr.Shutdown(context.Background())
		coord.Stop()
	})
	return &daemon{name: name, kernel: k, mgr: mgr, coord: coord}
}

func pair(t *testing.T, threshold int) (*MemoryNetwork, *daemon, *daemon) {
	net := NewMemoryNetwork()
	return net, newDaemon(t, net, "a", threshold), newDaemon(t, net, "b", threshold)
}

func mirrorOf(t *testing.T, d *daemon, s *session.Session) *session.Session {
	t.Helper()
	m, ok := d.mgr.Lookup(s.Key())
	require.True(t, ok, "%s has no mirror of %s", d.name, s.Key())
	return m
}

func TestCoordinator_CrossDaemonLink(t *testing.T) {
	_, a, b := pair(t, 3)
	ctx := context.Background()

	s := a.mgr.Create("split")
	n0, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	p := qos.Profile{Delay: 40_000, Loss: 2}
	_, err = s.AddLink(ctx, session.LinkSpec{A: session.EndpointSpec{Node: n0.ID}, B: session.EndpointSpec{Node: n1.ID}, Profile: p})
	require.NoError(t, err)

	for _, st := range []session.State{session.StateConfiguration, session.StateInstantiation, session.StateRuntime} {
		require.NoError(t, s.SetState(ctx, st))
	}

	m := mirrorOf(t, b, s)
	assert.Equal(t, session.StateRuntime, m.State())
	assert.Equal(t, s.Seq(), m.Seq())

	// exactly one tunnel per side, sharing one key
	require.Len(t, a.kernel.Tunnels(), 1)
	require.Len(t, b.kernel.Tunnels(), 1)
	ta, tb := a.kernel.Tunnels()[0], b.kernel.Tunnels()[0]
	assert.Equal(t, ta.Key, tb.Key)
	assert.Equal(t, underlays["b"], ta.Remote)
	assert.Equal(t, underlays["a"], tb.Remote)

	// and exactly one impaired side
	assert.Len(t, a.kernel.Qdiscs(), 1)
	for _, q := range a.kernel.Qdiscs() {
		assert.Equal(t, p, q)
	}
	assert.Empty(t, b.kernel.Qdiscs())

	assert.Len(t, a.kernel.Namespaces(), 1)
	assert.Len(t, b.kernel.Namespaces(), 1)
	assert.Equal(t, session.Reachable, s.Reachability()[n1.ID])

	// shutdown reaches the mirror too
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, session.StateShutdown, m.State())
	assert.Empty(t, b.kernel.Namespaces())
	assert.Empty(t, b.kernel.Tunnels())
}

func TestCoordinator_GapTriggersResync(t *testing.T) {
	net, a, b := pair(t, 3)
	ctx := context.Background()

	s := a.mgr.Create("gap")
	_, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, session.StateConfiguration))
	m := mirrorOf(t, b, s)
	assert.Equal(t, uint64(1), m.Seq())

	// b misses INSTANTIATION; the origin keeps going
	net.SetDown("b", true)
	require.NoError(t, s.SetState(ctx, session.StateInstantiation))
	assert.Equal(t, session.Unreachable, s.Reachability()[n1.ID])
	assert.Equal(t, session.StateConfiguration, m.State())

	// RUNTIME arrives with a gap; b resyncs from the origin
	net.SetDown("b", false)
	require.NoError(t, s.SetState(ctx, session.StateRuntime))
	assert.Equal(t, session.StateRuntime, m.State())
	assert.Equal(t, s.Seq(), m.Seq())
	assert.Len(t, b.kernel.Namespaces(), 1)
	assert.Equal(t, session.Reachable, s.Reachability()[n1.ID])
}

func TestCoordinator_RuntimeEditsReachPeers(t *testing.T) {
	_, a, b := pair(t, 3)
	ctx := context.Background()

	s := a.mgr.Create("live")
	_, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	for _, st := range []session.State{session.StateConfiguration, session.StateInstantiation, session.StateRuntime} {
		require.NoError(t, s.SetState(ctx, st))
	}
	_, ok := b.mgr.Lookup(s.Key())
	assert.False(t, ok, "b owns nothing yet")

	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	m := mirrorOf(t, b, s)
	assert.Equal(t, session.StateRuntime, m.State())
	assert.Len(t, b.kernel.Namespaces(), 1)

	require.NoError(t, s.RemoveNode(ctx, n1.ID))
	assert.Empty(t, b.kernel.Namespaces())
}

func TestCoordinator_Placement(t *testing.T) {
	_, a, b := pair(t, 3)
	ctx := context.Background()

	s := a.mgr.Create("place")
	_, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1"})
	require.NoError(t, err)

	require.NoError(t, a.coord.Place(ctx, s, n1.ID, "b"))
	m := mirrorOf(t, b, s)
	got, err := m.Node(n1.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Owner())
}

func TestCoordinator_ReachabilityReport(t *testing.T) {
	_, a, b := pair(t, 3)
	ctx := context.Background()

	s := a.mgr.Create("report")
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, session.StateConfiguration))
	m := mirrorOf(t, b, s)

	require.NoError(t, b.coord.ReportReachability(ctx, m, []int{n1.ID}, session.Unreachable))
	assert.Equal(t, session.Unreachable, s.Reachability()[n1.ID])
	assert.Equal(t, 1, a.mgr.UnreachableCount())
}

func TestCoordinator_MirrorReportsNodesItCannotBuild(t *testing.T) {
	_, a, b := pair(t, 3)
	ctx := context.Background()
	b.kernel.Fail = func(op kernel.Op, _ string) error {
		if op == kernel.OpCreateNamespace {
			return errors.New(errors.KindInternal, "EPERM")
		}
		return nil
	}

	s := a.mgr.Create("report-boot")
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, session.StateConfiguration))
	m := mirrorOf(t, b, s)

	require.NoError(t, s.SetState(ctx, session.StateInstantiation))
	assert.Equal(t, []int{n1.ID}, m.Unbooted())
	assert.Equal(t, session.Unreachable, s.Reachability()[n1.ID])
	assert.Equal(t, 1, a.mgr.UnreachableCount())
}

func TestCoordinator_HeartbeatMarksPeerDown(t *testing.T) {
	net, a, _ := pair(t, 2)
	ctx := context.Background()

	s := a.mgr.Create("hb")
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)

	net.SetDown("b", true)
	a.coord.Heartbeat(ctx)
	assert.True(t, a.coord.Peers()[0].Alive, "one miss is tolerated")
	a.coord.Heartbeat(ctx)
	st := a.coord.Peers()[0]
	assert.False(t, st.Alive)
	assert.Equal(t, 2, st.Missed)
	assert.Equal(t, session.Unreachable, s.Reachability()[n1.ID])

	net.SetDown("b", false)
	a.coord.Heartbeat(ctx)
	assert.True(t, a.coord.Peers()[0].Alive)
	require.Eventually(t, func() bool {
		return s.Reachability()[n1.ID] == session.Reachable
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinator_MissingUnderlay(t *testing.T) {
	net := NewMemoryNetwork()
	a := newDaemon(t, net, "a", 3)
	a.coord.cfg.Underlay = netip.Addr{}
	ctx := context.Background()

	s := a.mgr.Create("nounderlay")
	n0, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1", Owner: "b"})
	require.NoError(t, err)
	_, err = s.AddLink(ctx, session.LinkSpec{A: session.EndpointSpec{Node: n0.ID}, B: session.EndpointSpec{Node: n1.ID}})
	require.NoError(t, err)

	err = a.coord.Sync(ctx, s)
	assert.True(t, errors.HasKind(err, errors.KindInvalidParameter))
	assert.True(t, errors.HasKind(err, errors.KindPeerUnreachable), "b never started")
	assert.Empty(t, s.Tunnels())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Daemon: "a"})
	assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
}

func TestUnderlayOf(t *testing.T) {
	a, err := UnderlayOf("10.1.0.5:7946", "")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.0.5"), a)

	a, err = UnderlayOf("peer.example:7946", "10.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.9.9.9"), a)

	_, err = UnderlayOf("peer.example:7946", "")
	assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
}
