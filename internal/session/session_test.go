// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/services"
)

func newTestManager(t *testing.T, daemon string, k kernel.Kernel) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Daemon:    daemon,
		Dir:       t.TempDir(),
		Kernel:    k,
		Allocator: kernel.NewAllocator(),
		Logger:    logging.Discard(),
		Backoff:   time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func addNode(t *testing.T, s *Session, name string, kind node.Kind) *node.Node {
	t.Helper()
	n, err := s.AddNode(context.Background(), NodeSpec{Name: name, Kind: kind})
	require.NoError(t, err)
	return n
}

func advance(t *testing.T, s *Session, states ...State) {
	t.Helper()
	for _, st := range states {
		require.NoError(t, s.SetState(context.Background(), st), "moving to %s", st)
	}
}

func toRuntime(t *testing.T, s *Session) {
	t.Helper()
	advance(t, s, StateConfiguration, StateInstantiation, StateRuntime)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDefinition, StateConfiguration, true},
		{StateConfiguration, StateInstantiation, true},
		{StateInstantiation, StateRuntime, true},
		{StateRuntime, StateDataCollect, true},
		{StateDataCollect, StateShutdown, true},
		{StateDefinition, StateShutdown, true},
		{StateRuntime, StateShutdown, true},
		{StateShutdown, StateShutdown, true},
		{StateShutdown, StateDefinition, true},
		{StateDefinition, StateRuntime, false},
		{StateRuntime, StateConfiguration, false},
		{StateRuntime, StateDefinition, false},
		{StateShutdown, StateConfiguration, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := checkTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
			assert.Equal(t, tt.from.String(), errors.GetAttributes(err)["from"])
		})
	}
}

func TestState_Text(t *testing.T) {
	b, err := StateDataCollect.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "datacollect", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("RUNTIME")))
	assert.Equal(t, StateRuntime, s)
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("lab-a/42")
	require.NoError(t, err)
	assert.Equal(t, Key{Origin: "lab-a", ID: 42}, k)
	assert.Equal(t, "lab-a/42", k.String())

	for _, bad := range []string{"", "/4", "a/b", "nokey"} {
		_, err := ParseKey(bad)
		assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err), bad)
	}
}

func TestSession_LifecycleLeavesNothingBehind(t *testing.T) {
	k := kernel.NewSimKernel()
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()

	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	p := qos.Profile{Delay: 20_000, Loss: 1}
	_, err := s.AddLink(ctx, LinkSpec{
		A:       EndpointSpec{Node: n1.ID, Addrs: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}},
		B:       EndpointSpec{Node: n2.ID, Addrs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/24")}},
		Profile: p,
	})
	require.NoError(t, err)
	assert.Empty(t, k.Namespaces(), "nothing is built before instantiation")

	toRuntime(t, s)
	assert.Equal(t, StateRuntime, s.State())
	assert.Equal(t, uint64(3), s.Seq())
	assert.Len(t, k.Namespaces(), 2)
	assert.Len(t, k.Qdiscs(), 2)
	for _, q := range k.Qdiscs() {
		assert.Equal(t, p, q)
	}

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StateShutdown, s.State())
	assert.Equal(t, uint64(4), s.Seq())
	assert.Empty(t, k.Namespaces())
	assert.Empty(t, k.Links())
	assert.Empty(t, k.Qdiscs())

	// idempotent
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, uint64(4), s.Seq())

	// the declaration survives and can be rebuilt
	advance(t, s, StateDefinition)
	toRuntime(t, s)
	assert.Len(t, k.Namespaces(), 2)
}

func TestSession_RejectsUnreachableState(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")

	err := s.SetState(context.Background(), StateRuntime)
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
	assert.Equal(t, StateDefinition, s.State())
	assert.Equal(t, uint64(0), s.Seq())
}

func TestSession_ValidationBeforeBuild(t *testing.T) {
	k := kernel.NewSimKernel()
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()

	r := addNode(t, s, "r1", node.KindMedium)
	n1 := addNode(t, s, "n1", node.KindDefault)
	table, err := s.AddMedium(ctx, r.ID)
	require.NoError(t, err)
	// a member without a link to the medium node
	require.NoError(t, table.Add(ctx, medium.Endpoint(n1.ID)))

	advance(t, s, StateConfiguration)
	err = s.SetState(ctx, StateInstantiation)
	assert.Equal(t, errors.KindUnresolvedReference, errors.GetKind(err))
	assert.Equal(t, StateConfiguration, s.State())
	assert.Empty(t, k.Namespaces())
}

func TestSession_AddLinkValidation(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)

	_, err := s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: 99}})
	assert.Equal(t, errors.KindUnresolvedReference, errors.GetKind(err))

	_, err = s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n1.ID}})
	assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))

	n2 := addNode(t, s, "n2", node.KindDefault)
	_, err = s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n2.ID}, Profile: qos.Profile{Loss: 120}})
	assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
	assert.Empty(t, n1.Interfaces(), "rejected links leave no interfaces")

	_, err = s.AddNode(ctx, NodeSpec{Name: "n1"})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
}

func TestSession_BuildFailureLeavesPartialTopology(t *testing.T) {
	k := kernel.NewSimKernel()
	k.Fail = func(op kernel.Op, _ string) error {
		if op == kernel.OpCreateVeth {
			return errors.New(errors.KindInvalidParameter, "veth refused")
		}
		return nil
	}
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	_, err := s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n2.ID}})
	require.NoError(t, err)

	advance(t, s, StateConfiguration)
	err = s.SetState(ctx, StateInstantiation)
	require.Error(t, err)
	assert.Equal(t, StateConfiguration, s.State())
	assert.Len(t, k.Namespaces(), 2, "booted nodes stay until shutdown")

	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, k.Namespaces())
}

func TestSession_ExecuteOnlyAtRuntime(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)

	_, err := s.Execute(ctx, n1.ID, node.Request{Command: "echo hi", Stream: node.StreamPipe})
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))

	toRuntime(t, s)
	res, err := s.Execute(ctx, n1.ID, node.Request{Command: "echo hi", Stream: node.StreamPipe})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(res.Stdout))

	_, err = s.Execute(ctx, 42, node.Request{Command: "true"})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestSession_ExecuteKeepsOrderPerNode(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	n1 := addNode(t, s, "n1", node.KindDefault)
	toRuntime(t, s)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Execute(ctx, n1.ID, node.Request{Argv: []string{"sh", "-c", "echo $0 >> order.txt", string(rune('a' + i))}})
			assert.NoError(t, err)
		}()
		// submission order is the order Serial is entered
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	b, err := os.ReadFile(filepath.Join(n1.Dir(), "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\ne\n", string(b))
}

func TestSession_ShutdownAbortsBuild(t *testing.T) {
	k := kernel.NewSimKernel()
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()
	n1, err := s.AddNode(ctx, NodeSpec{Name: "n1", Services: []services.Spec{{
		Name:    "slow",
		Startup: []string{"touch started; sleep 30"},
	}}})
	require.NoError(t, err)
	advance(t, s, StateConfiguration)

	built := make(chan error, 1)
	go func() { built <- s.SetState(ctx, StateInstantiation) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(n1.Dir(), "started"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)

	err = <-built
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
	assert.Equal(t, StateShutdown, s.State())
	assert.Empty(t, k.Namespaces())
}

func TestSession_StatusDuringBlockedBoot(t *testing.T) {
	k := kernel.NewSimKernel()
	failed := make(chan struct{})
	failures := 1
	k.Fail = func(op kernel.Op, _ string) error {
		if op == kernel.OpCreateNamespace && failures > 0 {
			failures--
			close(failed)
			return errors.New(errors.KindResourceExhausted, "ENOSPC")
		}
		return nil
	}
	m, err := NewManager(Config{
		Daemon:    "d1",
		Dir:       t.TempDir(),
		Kernel:    k,
		Allocator: kernel.NewAllocator(),
		Logger:    logging.Discard(),
		Backoff:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	s := m.Create("lab")
	ctx := context.Background()
	r := addNode(t, s, "r1", node.KindMedium)
	n1 := addNode(t, s, "n1", node.KindDefault)
	_, err = s.JoinMedium(ctx, r.ID, n1.ID, nil)
	require.NoError(t, err)
	advance(t, s, StateConfiguration)

	built := make(chan error, 1)
	go func() { built <- s.SetState(ctx, StateInstantiation) }()
	<-failed

	got := make(chan Status, 1)
	go func() { got <- s.Status() }()
	select {
	case st := <-got:
		assert.Equal(t, StateConfiguration, st.State)
		require.Len(t, st.Nodes, 2)
		require.Len(t, st.Media, 1)
		assert.Equal(t, []int{n1.ID}, st.Media[0].Members)
	case <-time.After(5 * time.Second):
		t.Fatal("status waited on the node boot")
	}

	require.NoError(t, s.Shutdown(ctx))
	assert.Error(t, <-built)
}

func TestSession_RuntimeEditsMaterializeImmediately(t *testing.T) {
	k := kernel.NewSimKernel()
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)
	toRuntime(t, s)

	n2 := addNode(t, s, "n2", node.KindDefault)
	assert.True(t, n2.Booted())

	l, err := s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n2.ID}})
	require.NoError(t, err)
	assert.True(t, l.Created())
	assert.Empty(t, k.Qdiscs())

	p := qos.Profile{Bandwidth: 1_000_000}
	require.NoError(t, s.UpdateLink(ctx, l.ID, p))
	assert.Len(t, k.Qdiscs(), 2)

	require.NoError(t, s.RemoveNode(ctx, n2.ID))
	_, err = s.Link(l.ID)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	assert.Empty(t, n1.Interfaces())
	assert.Len(t, k.Namespaces(), 1)
	assert.Empty(t, k.Qdiscs())
}

func TestSession_NoEditsOutsideEditableStates(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)
	toRuntime(t, s)
	advance(t, s, StateDataCollect)

	_, err := s.AddNode(ctx, NodeSpec{Name: "n2"})
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
	err = s.RemoveNode(ctx, n1.ID)
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
}

func TestSession_RejectedRemovalKeepsMedium(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("wlan")
	ctx := context.Background()
	r := addNode(t, s, "r1", node.KindMedium)
	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	l1, err := s.JoinMedium(ctx, r.ID, n1.ID, nil)
	require.NoError(t, err)
	_, err = s.JoinMedium(ctx, r.ID, n2.ID, nil)
	require.NoError(t, err)
	table, err := s.Medium(r.ID)
	require.NoError(t, err)
	require.NoError(t, table.Link(ctx, medium.Endpoint(n1.ID), medium.Endpoint(n2.ID)))

	toRuntime(t, s)
	advance(t, s, StateDataCollect)
	before := s.Definition()
	snap := table.Snapshot()

	err = s.RemoveLink(ctx, l1.ID)
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
	err = s.RemoveNode(ctx, n2.ID)
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))
	err = s.RemoveNode(ctx, r.ID)
	assert.Equal(t, errors.KindInvalidTransition, errors.GetKind(err))

	assert.Equal(t, before, s.Definition())
	assert.Equal(t, snap, table.Snapshot())
	assert.True(t, table.Linked(medium.Endpoint(n1.ID), medium.Endpoint(n2.ID)))
}

func TestSession_UpdateLinkBeforeBuild(t *testing.T) {
	k := kernel.NewSimKernel()
	m := newTestManager(t, "d1", k)
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	l, err := s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n2.ID}})
	require.NoError(t, err)

	p := qos.Profile{Delay: 5_000}
	require.NoError(t, s.UpdateLink(ctx, l.ID, p))
	assert.Equal(t, p, l.Profile())
	assert.Equal(t, 0, k.Calls(kernel.OpApplyQdisc))

	toRuntime(t, s)
	assert.Len(t, k.Qdiscs(), 2)
}

type recordingRealizer struct {
	mu     sync.Mutex
	ports  medium.PortFunc
	snaps  []medium.Snapshot
	closed int
}

func (r *recordingRealizer) Apply(_ context.Context, snap medium.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range snap.Members {
		if _, err := r.ports(e); err != nil {
			return err
		}
	}
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingRealizer) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingRealizer) last() medium.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestSession_MediumRealizedAtInstantiation(t *testing.T) {
	k := kernel.NewSimKernel()
	rec := &recordingRealizer{}
	m, err := NewManager(Config{
		Daemon:    "d1",
		Dir:       t.TempDir(),
		Kernel:    k,
		Allocator: kernel.NewAllocator(),
		Logger:    logging.Discard(),
		Realizer: func(_ *Session, _ int, ports medium.PortFunc) medium.Realizer {
			rec.ports = ports
			return rec
		},
	})
	require.NoError(t, err)
	s := m.Create("wlan")
	ctx := context.Background()

	r := addNode(t, s, "r1", node.KindMedium)
	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	_, err = s.JoinMedium(ctx, r.ID, n1.ID, nil)
	require.NoError(t, err)
	_, err = s.JoinMedium(ctx, r.ID, n2.ID, nil)
	require.NoError(t, err)
	table, err := s.Medium(r.ID)
	require.NoError(t, err)
	require.NoError(t, table.Link(ctx, medium.Endpoint(n1.ID), medium.Endpoint(n2.ID)))
	assert.Nil(t, rec.snaps, "nothing realized before instantiation")

	toRuntime(t, s)
	require.NotEmpty(t, rec.snaps)
	assert.Len(t, rec.last().Pairs, 1)

	port, err := rec.ports(medium.Endpoint(n1.ID))
	require.NoError(t, err)
	iface := n1.Interfaces()[0]
	assert.Equal(t, iface.MAC, port.MAC)
	assert.Equal(t, "02:4e:01:00:02:01", port.MAC.String())
	_, err = rec.ports(medium.Endpoint(99))
	assert.Equal(t, errors.KindUnresolvedReference, errors.GetKind(err))

	p := qos.Profile{Delay: 1_000}
	require.NoError(t, table.Set(ctx, medium.Endpoint(n1.ID), medium.Endpoint(n2.ID), p))
	assert.Equal(t, p, rec.last().Pairs[0].Rules[0].Profile)

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 1, rec.closed)
	assert.False(t, table.Attached())
	got, err := table.Get(medium.Endpoint(n1.ID), medium.Endpoint(n2.ID))
	require.NoError(t, err)
	assert.Equal(t, p, got, "rules survive shutdown")
}

func TestSession_ServicesStartAndStop(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	ctx := context.Background()
	n1, err := s.AddNode(ctx, NodeSpec{Name: "n1", Services: []services.Spec{
		{
			Name:     "web",
			Files:    []services.File{{Path: "index.html", Content: []byte("ok")}},
			Startup:  []string{"cp index.html served.html"},
			Validate: []string{"test -f served.html"},
			Shutdown: []string{"rm served.html"},
		},
		{Name: "broken", Startup: []string{"exit 2"}},
	}})
	require.NoError(t, err)

	toRuntime(t, s)
	status := s.ServiceStatus(n1.ID)
	require.Len(t, status, 2)
	assert.True(t, status[0].Running)
	assert.False(t, status[1].Running)
	assert.NotEmpty(t, status[1].Error)
	assert.FileExists(t, filepath.Join(n1.Dir(), "served.html"))

	results, err := s.ValidateServices(ctx, n1.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())

	dir := n1.Dir()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoFileExists(t, filepath.Join(dir, "served.html"))
	assert.Empty(t, s.ServiceStatus(n1.ID))
}

func TestSession_Definition(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	s := m.Create("lab")
	ctx := context.Background()
	n1 := addNode(t, s, "n1", node.KindDefault)
	n2 := addNode(t, s, "n2", node.KindDefault)
	_, err := s.AddLink(ctx, LinkSpec{A: EndpointSpec{Node: n1.ID}, B: EndpointSpec{Node: n2.ID}, Profile: qos.Profile{Delay: 7}})
	require.NoError(t, err)

	def := s.Definition()
	assert.Equal(t, Key{Origin: "d1", ID: s.ID}, def.Key)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "d1", def.Nodes[0].Owner)
	require.Len(t, def.Links, 1)
	assert.Equal(t, 1, def.Links[0].A.Interface)
	assert.NotEmpty(t, def.Links[0].A.MAC)

	copied, err := m.FromDefinition(ctx, def)
	require.NoError(t, err)
	got := copied.Definition()
	got.Key = def.Key
	assert.Equal(t, def, got)
}

func TestManager_Registry(t *testing.T) {
	m := newTestManager(t, "d1", kernel.NewSimKernel())
	a := m.Create("a")
	b := m.Create("b")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, []*Session{a, b}, m.List())

	got, ok := m.Lookup(b.Key())
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, m.Delete(context.Background(), a.ID))
	_, err := m.Get(a.ID)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	assert.NoDirExists(t, a.Dir())

	_, err = NewManager(Config{Kernel: kernel.NewSimKernel()})
	assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
}
