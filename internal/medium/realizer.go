// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package medium

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
)

// Port is the bridge port through which a member is attached.
type Port struct {
	Name string
	MAC  net.HardwareAddr
}

// PortFunc resolves a member to its bridge port.
type PortFunc func(e Endpoint) (Port, error)

// Runner executes host tools. stdin may be empty.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %w\nOutput: %s", name, strings.Join(args, " "), err, out)
	}
	return out, nil
}

// Flow is one direction of a pair.
type Flow struct {
	From Endpoint `json:"from"`
	To   Endpoint `json:"to"`
}

// Counter holds the packets and bytes admitted for a flow.
type Counter struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// ScriptRealizer keeps reachability in an nftables bridge table, replaced
// atomically on every change, and shapes each pair on the egress of the
// destination's bridge port with an HTB tree of netem leaves classified by
// source MAC.
type ScriptRealizer struct {
	table  string
	ports  PortFunc
	run    Runner
	logger *logging.Logger

	mu sync.Mutex
	// tc is the batch last applied per port.
	tc map[string]string
}

// NewScriptRealizer creates a realizer owning the nftables table named table.
func NewScriptRealizer(table string, ports PortFunc, run Runner, logger *logging.Logger) *ScriptRealizer {
	if run == nil {
		run = ExecRunner{}
	}
	if logger == nil {
		logger = logging.WithComponent("medium")
	}
	return &ScriptRealizer{
		table:  table,
		ports:  ports,
		run:    run,
		logger: logger.With("table", table),
		tc:     make(map[string]string),
	}
}

// Apply converges the host to snap.
func (r *ScriptRealizer) Apply(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make(map[Endpoint]Port, len(snap.Members))
	for _, m := range snap.Members {
		p, err := r.ports(m)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnresolvedReference, "bridge port of member %d", m)
		}
		ports[m] = p
	}

	script := r.nftScript(snap, ports)
	if _, err := r.run.Run(ctx, script, "nft", "-f", "-"); err != nil {
		return errors.Wrap(err, errors.KindImpairmentRejected, "apply medium reachability")
	}

	batches := r.tcBatches(snap, ports)
	names := make(map[string]struct{}, len(batches)+len(r.tc))
	for n := range batches {
		names[n] = struct{}{}
	}
	for n := range r.tc {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, dev := range sorted {
		batch := batches[dev]
		if batch == r.tc[dev] {
			continue
		}
		// a missing root qdisc is fine here
		r.run.Run(ctx, "", "tc", "qdisc", "del", "dev", dev, "root")
		delete(r.tc, dev)
		if batch == "" {
			continue
		}
		if _, err := r.run.Run(ctx, batch, "tc", "-batch", "-"); err != nil {
			return errors.Wrapf(err, errors.KindImpairmentRejected, "shape medium port %s", dev)
		}
		r.tc[dev] = batch
	}
	return nil
}

// Close removes the nftables table and every shaping tree.
func (r *ScriptRealizer) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if err := deleteTable(ctx, r.run, r.table); err != nil {
		errs = append(errs, err)
	}
	for dev := range r.tc {
		if _, err := r.run.Run(ctx, "", "tc", "qdisc", "del", "dev", dev, "root"); err != nil {
			r.logger.Debug("shaping tree already gone", "dev", dev, "error", err)
		}
		delete(r.tc, dev)
	}
	return errors.Join(errs...)
}

// Counters reads the per-flow accept counters from the nftables table.
func (r *ScriptRealizer) Counters() (map[Flow]Counter, error) {
	return readCounters(r.table)
}

func flowComment(f Flow) string {
	return fmt.Sprintf("flow-%d-%d", f.From, f.To)
}

// parseFlowComment extracts the flow from rule user data, which carries the
// comment in a TLV envelope.
func parseFlowComment(userData []byte) (Flow, bool) {
	s := string(userData)
	i := strings.Index(s, "flow-")
	if i < 0 {
		return Flow{}, false
	}
	var f Flow
	if _, err := fmt.Sscanf(s[i:], "flow-%d-%d", &f.From, &f.To); err != nil {
		return Flow{}, false
	}
	return f, true
}

func (r *ScriptRealizer) nftScript(snap Snapshot, ports map[Endpoint]Port) string {
	sb := newScriptBuilder("bridge", r.table)
	sb.AddTable()
	sb.AddChain("forward", "filter", "forward", 0, "accept")

	for _, ps := range snap.Pairs {
		lo, hi := ports[ps.Pair.Lo], ports[ps.Pair.Hi]
		sb.AddRule("forward", fmt.Sprintf("iifname %s oifname %s counter accept", quote(lo.Name), quote(hi.Name)),
			flowComment(Flow{From: ps.Pair.Lo, To: ps.Pair.Hi}))
		sb.AddRule("forward", fmt.Sprintf("iifname %s oifname %s counter accept", quote(hi.Name), quote(lo.Name)),
			flowComment(Flow{From: ps.Pair.Hi, To: ps.Pair.Lo}))
	}
	if len(snap.Members) > 0 {
		names := make([]string, 0, len(snap.Members))
		for _, m := range snap.Members {
			names = append(names, quote(ports[m].Name))
		}
		// members only reach the members they are linked with
		sb.AddRule("forward", fmt.Sprintf("iifname { %s } counter drop", strings.Join(names, ", ")), "isolate")
	}
	return sb.String()
}

// Filter priorities: more specific multicast scopes are matched first.
const (
	prioExact    = 1
	prioGroupAny = 2
	prioUnscoped = 3
)

// classRate is the HTB rate of every class. HTB only classifies here; the
// bandwidth limit of a rule is enforced by its netem leaf.
const classRate = "10gbit"

// unshapedClass is the default class, without a netem leaf.
const unshapedClass = 1

func (r *ScriptRealizer) tcBatches(snap Snapshot, ports map[Endpoint]Port) map[string]string {
	byDev := make(map[string][]Rule)
	for _, ps := range snap.Pairs {
		for _, rule := range ps.Rules {
			// a zero scoped rule still overrides the pair's unscoped rule
			if rule.Profile.IsZero() && rule.Scope == nil {
				continue
			}
			dev := ports[rule.To].Name
			byDev[dev] = append(byDev[dev], rule)
		}
	}

	out := make(map[string]string, len(byDev))
	for dev, rules := range byDev {
		var b strings.Builder
		fmt.Fprintf(&b, "qdisc add dev %s root handle 1: htb default %x\n", dev, unshapedClass)
		fmt.Fprintf(&b, "class add dev %s parent 1: classid 1:%x htb rate %s\n", dev, unshapedClass, classRate)
		shaped := 0
		for _, rule := range rules {
			src := ports[rule.From]
			if len(src.MAC) == 0 {
				r.logger.Warn("member has no MAC, flow left unshaped", "from", rule.From, "to", rule.To)
				continue
			}
			flow := unshapedClass
			if !rule.Profile.IsZero() {
				flow = 0x10 + shaped
				shaped++
				fmt.Fprintf(&b, "class add dev %s parent 1: classid 1:%x htb rate %s\n", dev, flow, classRate)
				fmt.Fprintf(&b, "qdisc add dev %s parent 1:%x handle %x: netem %s\n", dev, flow, flow,
					strings.Join(rule.Profile.NetemArgs(), " "))
			}
			proto, prio, match := filterMatch(rule, src.MAC)
			fmt.Fprintf(&b, "filter add dev %s parent 1: protocol %s prio %d u32 %s flowid 1:%x\n",
				dev, proto, prio, match, flow)
		}
		// without a netem leaf everything already takes the default path
		if shaped > 0 {
			out[dev] = b.String()
		}
	}
	return out
}

func filterMatch(rule Rule, mac net.HardwareAddr) (proto string, prio int, match string) {
	m := []string{"match", "ether", "src", mac.String()}
	if rule.Scope == nil {
		return "all", prioUnscoped, strings.Join(m, " ")
	}
	family, bits := "ip", 32
	proto = "ip"
	if rule.Scope.Group.Is6() {
		family, bits, proto = "ip6", 128, "ipv6"
	}
	m = append(m, "match", family, "dst", fmt.Sprintf("%s/%d", rule.Scope.Group, bits))
	prio = prioGroupAny
	if rule.Scope.Source.IsValid() {
		m = append(m, "match", family, "src", fmt.Sprintf("%s/%d", rule.Scope.Source, bits))
		prio = prioExact
	}
	return proto, prio, strings.Join(m, " ")
}

// scriptBuilder accumulates an nft script that replaces one table
// atomically: the table is added (so the delete cannot fail), deleted and
// rebuilt in a single transaction.
type scriptBuilder struct {
	family string
	table  string
	lines  []string
}

func newScriptBuilder(family, table string) *scriptBuilder {
	return &scriptBuilder{family: family, table: table}
}

func (sb *scriptBuilder) AddTable() {
	sb.lines = append(sb.lines,
		fmt.Sprintf("add table %s %s", sb.family, sb.table),
		fmt.Sprintf("delete table %s %s", sb.family, sb.table),
		fmt.Sprintf("add table %s %s", sb.family, sb.table),
	)
}

func (sb *scriptBuilder) AddChain(name, typeName, hook string, priority int, policy string) {
	sb.lines = append(sb.lines, fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; policy %s; }",
		sb.family, sb.table, name, typeName, hook, priority, policy))
}

func (sb *scriptBuilder) AddRule(chain, rule, comment string) {
	if comment != "" {
		rule += fmt.Sprintf(" comment %q", comment)
	}
	sb.lines = append(sb.lines, fmt.Sprintf("add rule %s %s %s %s", sb.family, sb.table, chain, rule))
}

func (sb *scriptBuilder) String() string {
	return strings.Join(sb.lines, "\n") + "\n"
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}

// shapedPorts lists the ports with a shaping tree, for tests and status.
func (r *ScriptRealizer) shapedPorts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tc))
	for dev := range r.tc {
		out = append(out, dev)
	}
	sort.Strings(out)
	return out
}

