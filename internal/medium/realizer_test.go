// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package medium

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/qos"
)

type call struct {
	stdin string
	argv  string
}

type recordRunner struct {
	mu    sync.Mutex
	calls []call
	fail  func(argv string) error
}

func (r *recordRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	argv := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call{stdin: stdin, argv: argv})
	if r.fail != nil {
		if err := r.fail(argv); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *recordRunner) with(prefix string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if strings.HasPrefix(c.argv, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordRunner) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func testPorts(e Endpoint) (Port, error) {
	if e > 50 {
		return Port{}, fmt.Errorf("no port for %d", e)
	}
	return Port{
		Name: fmt.Sprintf("nv%d", e),
		MAC:  net.HardwareAddr{0x02, 0x4e, 0, 0, 0, byte(e)},
	}, nil
}

func newRealized(t *testing.T, members ...Endpoint) (*Table, *recordRunner) {
	t.Helper()
	run := &recordRunner{}
	tb := newTable(t, members...)
	r := NewScriptRealizer("netemu_m1", testPorts, run, logging.Discard())
	require.NoError(t, tb.Attach(context.Background(), r))
	return tb, run
}

func TestScriptRealizer_IsolatesUnlinkedMembers(t *testing.T) {
	_, run := newRealized(t, 1, 2)

	nft := run.with("nft -f -")
	require.Len(t, nft, 1)
	script := nft[0].stdin
	assert.Contains(t, script, "add table bridge netemu_m1\ndelete table bridge netemu_m1\nadd table bridge netemu_m1\n")
	assert.Contains(t, script, "add chain bridge netemu_m1 forward { type filter hook forward priority 0; policy accept; }")
	assert.Contains(t, script, `iifname { "nv1", "nv2" } counter drop comment "isolate"`)
	assert.NotContains(t, script, "accept comment")
	assert.Empty(t, run.with("tc -batch"))
}

func TestScriptRealizer_LinkAcceptsBothDirections(t *testing.T) {
	tb, run := newRealized(t, 1, 2, 3)
	run.reset()

	require.NoError(t, tb.Link(context.Background(), 2, 1))
	script := run.with("nft -f -")[0].stdin
	assert.Contains(t, script, `add rule bridge netemu_m1 forward iifname "nv1" oifname "nv2" counter accept comment "flow-1-2"`)
	assert.Contains(t, script, `add rule bridge netemu_m1 forward iifname "nv2" oifname "nv1" counter accept comment "flow-2-1"`)
	assert.NotContains(t, script, `"nv3" counter accept`)

	// accepts precede the isolation drop
	assert.Less(t, strings.Index(script, "flow-1-2"), strings.Index(script, "isolate"))
}

func TestScriptRealizer_ShapesDestinationPort(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))
	run.reset()

	require.NoError(t, tb.Set(ctx, 1, 2, qos.Profile{Delay: 20_000, Loss: 10, Burst: 4}))

	del := run.with("tc qdisc del")
	require.Len(t, del, 1)
	assert.Equal(t, "tc qdisc del dev nv2 root", del[0].argv)

	batch := run.with("tc -batch -")
	require.Len(t, batch, 1)
	want := strings.Join([]string{
		"qdisc add dev nv2 root handle 1: htb default 1",
		"class add dev nv2 parent 1: classid 1:1 htb rate 10gbit",
		"class add dev nv2 parent 1: classid 1:10 htb rate 10gbit",
		"qdisc add dev nv2 parent 1:10 handle 10: netem limit 1000 delay 20000us loss 10% 75%",
		"filter add dev nv2 parent 1: protocol all prio 3 u32 match ether src 02:4e:00:00:00:01 flowid 1:10",
	}, "\n") + "\n"
	assert.Equal(t, want, batch[0].stdin)

	// an unchanged port is not touched again
	run.reset()
	require.NoError(t, tb.Link(ctx, 1, 2))
	assert.Empty(t, run.with("tc"))
	assert.Equal(t, []string{"nv2"}, tb.realizer.(*ScriptRealizer).shapedPorts())
}

func TestScriptRealizer_MulticastFilterPriorities(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))

	group := netip.MustParseAddr("239.1.2.3")
	src := netip.MustParseAddr("10.0.0.1")
	require.NoError(t, tb.SetMulticast(ctx, 1, 2, group, netip.Addr{}, qos.Profile{Delay: 1}))
	require.NoError(t, tb.SetMulticast(ctx, 1, 2, group, src, qos.Profile{Delay: 2}))

	batches := run.with("tc -batch -")
	last := batches[len(batches)-1].stdin
	assert.Contains(t, last, "protocol ip prio 2 u32 match ether src 02:4e:00:00:00:01 match ip dst 239.1.2.3/32 flowid 1:10")
	assert.Contains(t, last, "protocol ip prio 1 u32 match ether src 02:4e:00:00:00:01 match ip dst 239.1.2.3/32 match ip src 10.0.0.1/32 flowid 1:11")
}

func TestScriptRealizer_ZeroScopedRuleOverridesPairRule(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))
	require.NoError(t, tb.Set(ctx, 1, 2, qos.Profile{Loss: 50}))

	group := netip.MustParseAddr("239.1.2.3")
	require.NoError(t, tb.SetMulticast(ctx, 1, 2, group, netip.Addr{}, qos.Profile{}))
	p, err := tb.Resolve(1, 2, group, netip.Addr{})
	require.NoError(t, err)
	require.True(t, p.IsZero())

	batches := run.with("tc -batch -")
	last := batches[len(batches)-1].stdin
	// the group bypasses the impaired class through the default class
	assert.Contains(t, last, "protocol ip prio 2 u32 match ether src 02:4e:00:00:00:01 match ip dst 239.1.2.3/32 flowid 1:1\n")
	assert.Contains(t, last, "protocol all prio 3 u32 match ether src 02:4e:00:00:00:01 flowid 1:10\n")
	assert.Equal(t, 1, strings.Count(last, "netem"))
}

func TestScriptRealizer_ZeroScopedRuleAloneLeavesPortUnshaped(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))
	run.reset()

	require.NoError(t, tb.SetMulticast(ctx, 1, 2, netip.MustParseAddr("239.1.2.3"), netip.Addr{}, qos.Profile{}))
	assert.Empty(t, run.with("tc -batch"))
	assert.Empty(t, tb.realizer.(*ScriptRealizer).shapedPorts())
}

func TestScriptRealizer_UnsetRemovesTree(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))
	require.NoError(t, tb.Set(ctx, 2, 1, qos.Profile{Bandwidth: 1_000_000}))
	run.reset()

	require.NoError(t, tb.Unset(ctx, 2, 1))
	assert.Len(t, run.with("tc qdisc del dev nv1 root"), 1)
	assert.Empty(t, run.with("tc -batch"))
	assert.Empty(t, tb.realizer.(*ScriptRealizer).shapedPorts())
}

func TestScriptRealizer_RejectedRuleRollsBack(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))

	run.fail = func(argv string) error {
		if argv == "tc -batch -" {
			return fmt.Errorf("RTNETLINK answers: Invalid argument")
		}
		return nil
	}
	err := tb.Set(ctx, 1, 2, qos.Profile{Delay: 5})
	assert.True(t, errors.HasKind(err, errors.KindImpairmentRejected))

	p, err := tb.Get(1, 2)
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}

func TestScriptRealizer_UnresolvablePort(t *testing.T) {
	tb, _ := newRealized(t, 1)
	err := tb.Add(context.Background(), 99)
	assert.True(t, errors.HasKind(err, errors.KindUnresolvedReference))
	assert.Equal(t, []Endpoint{1}, tb.Members())
}

func TestScriptRealizer_CloseRemovesShaping(t *testing.T) {
	ctx := context.Background()
	tb, run := newRealized(t, 1, 2)
	require.NoError(t, tb.Link(ctx, 1, 2))
	require.NoError(t, tb.Set(ctx, 1, 2, qos.Profile{Delay: 5}))
	r := tb.realizer.(*ScriptRealizer)
	run.reset()

	// table removal goes through netlink on linux and may fail unprivileged
	_ = r.Close(ctx)
	assert.Len(t, run.with("tc qdisc del dev nv2 root"), 1)
	assert.Empty(t, r.shapedPorts())
}

func TestParseFlowComment(t *testing.T) {
	f, ok := parseFlowComment(append([]byte{0x00, 0x0a}, []byte("flow-3-12\x00")...))
	require.True(t, ok)
	assert.Equal(t, Flow{From: 3, To: 12}, f)

	_, ok = parseFlowComment([]byte("isolate"))
	assert.False(t, ok)
}
