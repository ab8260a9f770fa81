// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package link

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
)

type fixture struct {
	k    *kernel.SimKernel
	wire Wire
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	k := kernel.NewSimKernel()
	require.NoError(t, k.CreateNamespace("ns1"))
	require.NoError(t, k.CreateNamespace("ns2"))
	return &fixture{
		k: k,
		wire: VethWire(
			Side{HostName: "nv1", Endpoint: kernel.Endpoint{Namespace: "ns1", Name: "eth0"}},
			Side{HostName: "nv2", Endpoint: kernel.Endpoint{Namespace: "ns2", Name: "eth0"}},
		),
	}
}

func (f *fixture) link(p qos.Profile) *Link {
	return New(1, Endpoint{1, 1}, Endpoint{2, 1}, p, Config{
		Kernel:  f.k,
		Logger:  logging.Discard(),
		Backoff: time.Millisecond,
	})
}

func TestLink_CreateAppliesBothEgressSides(t *testing.T) {
	f := newFixture(t)
	p := qos.Profile{Bandwidth: 1_000_000, Delay: 50_000}
	l := f.link(p)

	require.NoError(t, l.Create(context.Background(), f.wire))
	assert.True(t, l.Created())
	assert.Equal(t, map[string]qos.Profile{"ns1/eth0": p, "ns2/eth0": p}, f.k.Qdiscs())
	assert.ElementsMatch(t, []string{"ns1/eth0", "ns2/eth0"}, l.Shaped())

	// create is idempotent
	require.NoError(t, l.Create(context.Background(), f.wire))
	assert.Equal(t, 1, f.k.Calls(kernel.OpCreateVeth))
}

func TestLink_ZeroProfileRoundTrip(t *testing.T) {
	f := newFixture(t)
	l := f.link(qos.Profile{})

	require.NoError(t, l.Create(context.Background(), f.wire))
	assert.Empty(t, f.k.Qdiscs())
	assert.Zero(t, f.k.Calls(kernel.OpApplyQdisc))
	assert.True(t, l.Profile().IsZero())

	require.NoError(t, l.Update(context.Background(), qos.Profile{}))
	assert.Empty(t, f.k.Qdiscs())
	assert.Equal(t, qos.Profile{}, l.Profile())
}

func TestLink_InvalidProfileNeverReachesHost(t *testing.T) {
	for _, p := range []qos.Profile{{Loss: 101}, {Loss: -0.5}, {Duplicate: 100.01}, {Duplicate: -2}} {
		f := newFixture(t)
		f.k.Fail = func(op kernel.Op, target string) error {
			if op == kernel.OpApplyQdisc {
				t.Fatalf("host impairment call made for invalid profile %+v", p)
			}
			return nil
		}
		l := f.link(p)

		err := l.Create(context.Background(), f.wire)
		assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
		assert.Zero(t, f.k.Calls(kernel.OpCreateVeth), "wire not created for invalid profile")

		ok := f.link(qos.Profile{})
		require.NoError(t, ok.Create(context.Background(), f.wire))
		err = ok.Update(context.Background(), p)
		assert.Equal(t, errors.KindInvalidParameter, errors.GetKind(err))
		assert.Zero(t, f.k.Calls(kernel.OpApplyQdisc))
	}
}

func TestLink_RejectedImpairmentRollsBack(t *testing.T) {
	f := newFixture(t)
	f.k.Fail = func(op kernel.Op, target string) error {
		if op == kernel.OpApplyQdisc && target == "ns2/eth0" {
			return errors.New(errors.KindInternal, "RTNETLINK answers: Invalid argument")
		}
		return nil
	}
	l := f.link(qos.Profile{Delay: 10})

	err := l.Create(context.Background(), f.wire)
	require.Error(t, err)
	assert.Equal(t, errors.KindImpairmentRejected, errors.GetKind(err))
	assert.False(t, l.Created())
	assert.Empty(t, f.k.Links(), "partially created wire removed")
	assert.Empty(t, f.k.Qdiscs())
}

func TestLink_CreateRetriesExhaustionOnce(t *testing.T) {
	f := newFixture(t)
	fails := 1
	f.k.Fail = func(op kernel.Op, target string) error {
		if op == kernel.OpCreateVeth && fails > 0 {
			fails--
			return errors.New(errors.KindResourceExhausted, "ENOBUFS")
		}
		return nil
	}
	l := f.link(qos.Profile{})
	require.NoError(t, l.Create(context.Background(), f.wire))
	assert.Equal(t, 2, f.k.Calls(kernel.OpCreateVeth))
}

func TestLink_ReadersDoNotWaitOnCreateBackoff(t *testing.T) {
	f := newFixture(t)
	failed := make(chan struct{})
	fails := 1
	f.k.Fail = func(op kernel.Op, target string) error {
		if op == kernel.OpCreateVeth && fails > 0 {
			fails--
			close(failed)
			return errors.New(errors.KindResourceExhausted, "ENOBUFS")
		}
		return nil
	}
	p := qos.Profile{Delay: 1_000}
	l := f.link(p)
	l.cfg.Backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	created := make(chan error, 1)
	go func() { created <- l.Create(ctx, f.wire) }()
	<-failed

	read := make(chan struct{})
	go func() {
		defer close(read)
		assert.Equal(t, p, l.Profile())
		assert.False(t, l.Created())
		assert.Empty(t, l.Shaped())
	}()
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("readers blocked behind the create backoff")
	}

	cancel()
	assert.Error(t, <-created)
	assert.False(t, l.Created())
}

func TestLink_UpdateReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	l := f.link(qos.Profile{Bandwidth: 1_000_000, Delay: 50_000, Loss: 1})
	require.NoError(t, l.Create(context.Background(), f.wire))

	next := qos.Profile{Delay: 20_000}
	require.NoError(t, l.Update(context.Background(), next))
	assert.Equal(t, next, l.Profile())
	got, ok := f.k.Qdisc("ns1", "eth0")
	require.True(t, ok)
	assert.Equal(t, next, got, "no field of the old profile survives")

	// clearing the profile removes the rules
	require.NoError(t, l.Update(context.Background(), qos.Profile{}))
	assert.Empty(t, f.k.Qdiscs())
}

func TestLink_UpdateFailureRestoresPrevious(t *testing.T) {
	f := newFixture(t)
	old := qos.Profile{Delay: 1000}
	l := f.link(old)
	require.NoError(t, l.Create(context.Background(), f.wire))

	f.k.Fail = func(op kernel.Op, target string) error {
		if op == kernel.OpApplyQdisc && target == "ns2/eth0" {
			return errors.New(errors.KindInternal, "refused")
		}
		return nil
	}
	err := l.Update(context.Background(), qos.Profile{Delay: 5})
	assert.Equal(t, errors.KindImpairmentRejected, errors.GetKind(err))
	assert.Equal(t, old, l.Profile())
	got, _ := f.k.Qdisc("ns1", "eth0")
	assert.Equal(t, old, got)
}

func TestLink_UpdateBeforeCreateStoresProfile(t *testing.T) {
	f := newFixture(t)
	l := f.link(qos.Profile{})
	require.NoError(t, l.Update(context.Background(), qos.Profile{Jitter: 5}))
	assert.Zero(t, f.k.Calls(kernel.OpApplyQdisc))

	require.NoError(t, l.Create(context.Background(), f.wire))
	got, ok := f.k.Qdisc("ns2", "eth0")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Jitter)
}

func TestLink_DestroyIdempotent(t *testing.T) {
	f := newFixture(t)
	l := f.link(qos.Profile{Loss: 5})

	require.NoError(t, l.Destroy(context.Background()), "never created")
	require.NoError(t, l.Create(context.Background(), f.wire))
	require.NoError(t, l.Destroy(context.Background()))
	assert.Empty(t, f.k.Links())
	assert.Empty(t, f.k.Qdiscs())
	require.NoError(t, l.Destroy(context.Background()))
	assert.Equal(t, 1, f.k.Calls(kernel.OpDeleteLink))
}

func TestLink_TunnelImpairsOneSide(t *testing.T) {
	k := kernel.NewSimKernel()
	require.NoError(t, k.CreateNamespace("ns1"))
	p := qos.Profile{Delay: 10_000}
	spec := kernel.TunnelSpec{
		HostName: "gt1",
		Kind:     kernel.TunnelGRETap,
		Key:      9,
		Local:    netip.MustParseAddr("192.0.2.1"),
		Remote:   netip.MustParseAddr("192.0.2.2"),
		Endpoint: kernel.Endpoint{Namespace: "ns1", Name: "eth1"},
	}

	impairing := New(1, Endpoint{1, 1}, Endpoint{2, 1}, p, Config{Kernel: k, Logger: logging.Discard()})
	require.NoError(t, impairing.Create(context.Background(), TunnelWire(spec, true)))
	got, ok := k.Qdisc("ns1", "eth1")
	require.True(t, ok)
	assert.Equal(t, p, got)
	ts, ok := impairing.Tunnel()
	require.True(t, ok)
	assert.Equal(t, uint32(9), ts.Key)

	k2 := kernel.NewSimKernel()
	require.NoError(t, k2.CreateNamespace("ns1"))
	passive := New(1, Endpoint{1, 1}, Endpoint{2, 1}, p, Config{Kernel: k2, Logger: logging.Discard()})
	require.NoError(t, passive.Create(context.Background(), TunnelWire(spec, false)))
	assert.Empty(t, k2.Qdiscs())
	assert.Len(t, k2.Tunnels(), 1)

	require.NoError(t, impairing.Destroy(context.Background()))
	assert.Empty(t, k.Tunnels())
}
