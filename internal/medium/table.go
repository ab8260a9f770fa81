// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package medium models a broadcast medium as a full mesh of independently
// configurable pairs. Reachability and impairment are set per pair and per
// direction, optionally restricted to a multicast scope.
package medium

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/qos"
)

// Endpoint identifies a member of the medium (a node id).
type Endpoint int

// Pair is an unordered endpoint pair in canonical form (Lo < Hi).
type Pair struct {
	Lo Endpoint `json:"lo"`
	Hi Endpoint `json:"hi"`
}

// PairOf canonicalizes (a, b).
func PairOf(a, b Endpoint) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Lo: a, Hi: b}
}

func (p Pair) String() string {
	return fmt.Sprintf("%d-%d", p.Lo, p.Hi)
}

// dir returns the direction index of from->to within p.
func (p Pair) dir(from Endpoint) int {
	if from == p.Lo {
		return 0
	}
	return 1
}

// Scope restricts a rule to multicast flows. An invalid Source means any
// source.
type Scope struct {
	Group  netip.Addr `json:"group"`
	Source netip.Addr `json:"source,omitempty"`
}

func (s Scope) String() string {
	if !s.Source.IsValid() {
		return fmt.Sprintf("(*, %s)", s.Group)
	}
	return fmt.Sprintf("(%s, %s)", s.Source, s.Group)
}

// Rule is one directional rule as handed to a Realizer.
type Rule struct {
	From    Endpoint    `json:"from"`
	To      Endpoint    `json:"to"`
	Scope   *Scope      `json:"scope,omitempty"`
	Profile qos.Profile `json:"profile"`
}

// PairState is the full rule set of a linked pair.
type PairState struct {
	Pair  Pair   `json:"pair"`
	Rules []Rule `json:"rules,omitempty"`
}

// Snapshot is the complete medium state.
type Snapshot struct {
	Members []Endpoint  `json:"members"`
	Pairs   []PairState `json:"pairs"`
}

// Realizer mirrors the table onto the host. Apply receives the complete
// state after every mutation and must converge the host to it.
type Realizer interface {
	Apply(ctx context.Context, snap Snapshot) error
	Close(ctx context.Context) error
}

type entry struct {
	profile [2]*qos.Profile
	scoped  [2]map[Scope]qos.Profile
}

func (e *entry) clone() *entry {
	c := &entry{}
	for d := 0; d < 2; d++ {
		if e.profile[d] != nil {
			p := *e.profile[d]
			c.profile[d] = &p
		}
		if e.scoped[d] != nil {
			c.scoped[d] = make(map[Scope]qos.Profile, len(e.scoped[d]))
			for k, v := range e.scoped[d] {
				c.scoped[d][k] = v
			}
		}
	}
	return c
}

// Table is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	members  map[Endpoint]struct{}
	pairs    map[Pair]*entry
	realizer Realizer
	logger   *logging.Logger
	metrics  *metrics.Metrics

	// committed and attached are published under mu after every change and
	// read without it, so readers never wait on the realizer.
	committed atomic.Pointer[Snapshot]
	attached  atomic.Bool
}

// Option configures a Table.
type Option func(*Table)

// WithRealizer mirrors every mutation onto the host.
func WithRealizer(r Realizer) Option {
	return func(t *Table) { t.realizer = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithMetrics records linked pair counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// New creates an empty medium.
func New(opts ...Option) *Table {
	t := &Table{
		members: make(map[Endpoint]struct{}),
		pairs:   make(map[Pair]*entry),
		logger:  logging.WithComponent("medium"),
	}
	for _, o := range opts {
		o(t)
	}
	t.publishLocked()
	return t
}

// Attach starts mirroring the table onto the host through r and converges
// the host to the current state, which isolates every member not yet linked.
func (t *Table) Attach(ctx context.Context, r Realizer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.publishLocked()
	if err := r.Apply(ctx, t.snapshotLocked()); err != nil {
		if cerr := r.Close(ctx); cerr != nil {
			t.logger.Warn("realizer cleanup failed", "error", cerr)
		}
		return err
	}
	t.realizer = r
	return nil
}

// Detach removes the host state but keeps the declared rules, so the medium
// can be realized again later.
func (t *Table) Detach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.publishLocked()
	if t.realizer == nil {
		return nil
	}
	err := t.realizer.Close(ctx)
	t.realizer = nil
	return err
}

// Attached reports whether a realizer mirrors the table.
func (t *Table) Attached() bool {
	return t.attached.Load()
}

// Close removes the host state and forgets every member and pair.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.publishLocked()
	t.metrics.MediumPairs(-len(t.pairs))
	t.pairs = make(map[Pair]*entry)
	t.members = make(map[Endpoint]struct{})
	if t.realizer == nil {
		return nil
	}
	err := t.realizer.Close(ctx)
	t.realizer = nil
	return err
}

// mutate runs fn under the write lock and mirrors the result to the host.
// If the realizer fails the previous state is restored.
func (t *Table) mutate(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.publishLocked()

	prevMembers := make(map[Endpoint]struct{}, len(t.members))
	for k := range t.members {
		prevMembers[k] = struct{}{}
	}
	prevPairs := make(map[Pair]*entry, len(t.pairs))
	for k, v := range t.pairs {
		prevPairs[k] = v.clone()
	}

	if err := fn(); err != nil {
		t.members, t.pairs = prevMembers, prevPairs
		return err
	}
	delta := len(t.pairs) - len(prevPairs)
	if t.realizer != nil {
		if err := t.realizer.Apply(ctx, t.snapshotLocked()); err != nil {
			t.members, t.pairs = prevMembers, prevPairs
			if rerr := t.realizer.Apply(ctx, t.snapshotLocked()); rerr != nil {
				t.logger.Error("restoring medium state failed", "error", rerr)
			}
			if errors.GetKind(err) == errors.KindUnknown {
				err = errors.Wrap(err, errors.KindImpairmentRejected, "realize medium")
			}
			return err
		}
	}
	t.metrics.MediumPairs(delta)
	return nil
}

func (t *Table) member(e Endpoint) error {
	if _, ok := t.members[e]; !ok {
		return errors.Errorf(errors.KindUnresolvedReference, "endpoint %d is not a member of the medium", e)
	}
	return nil
}

func (t *Table) pairOf(e1, e2 Endpoint) (Pair, error) {
	if e1 == e2 {
		return Pair{}, errors.Errorf(errors.KindInvalidParameter, "pair of identical endpoints %d", e1)
	}
	if err := t.member(e1); err != nil {
		return Pair{}, err
	}
	if err := t.member(e2); err != nil {
		return Pair{}, err
	}
	return PairOf(e1, e2), nil
}

func (t *Table) linked(e1, e2 Endpoint) (Pair, *entry, error) {
	p, err := t.pairOf(e1, e2)
	if err != nil {
		return Pair{}, nil, err
	}
	en, ok := t.pairs[p]
	if !ok {
		return Pair{}, nil, errors.Errorf(errors.KindUnresolvedReference, "pair %s is not linked", p)
	}
	return p, en, nil
}

// Add makes e a member. A new member reaches nobody until linked.
func (t *Table) Add(ctx context.Context, e Endpoint) error {
	return t.mutate(ctx, func() error {
		if _, ok := t.members[e]; ok {
			return errors.Errorf(errors.KindConflict, "endpoint %d is already a member", e)
		}
		t.members[e] = struct{}{}
		return nil
	})
}

// Remove drops e and every pair referencing it.
func (t *Table) Remove(ctx context.Context, e Endpoint) error {
	return t.mutate(ctx, func() error {
		if err := t.member(e); err != nil {
			return err
		}
		delete(t.members, e)
		for p := range t.pairs {
			if p.Lo == e || p.Hi == e {
				delete(t.pairs, p)
			}
		}
		return nil
	})
}

// Link makes the pair reachable in both directions. Linking a linked pair is
// a no-op.
func (t *Table) Link(ctx context.Context, e1, e2 Endpoint) error {
	return t.mutate(ctx, func() error {
		p, err := t.pairOf(e1, e2)
		if err != nil {
			return err
		}
		if _, ok := t.pairs[p]; !ok {
			t.pairs[p] = &entry{}
		}
		return nil
	})
}

// Unlink removes reachability and every profile, scoped or not.
func (t *Table) Unlink(ctx context.Context, e1, e2 Endpoint) error {
	return t.mutate(ctx, func() error {
		p, err := t.pairOf(e1, e2)
		if err != nil {
			return err
		}
		delete(t.pairs, p)
		return nil
	})
}

// Set sets the unscoped profile for traffic from e1 to e2.
func (t *Table) Set(ctx context.Context, e1, e2 Endpoint, prof qos.Profile) error {
	if err := prof.Validate(); err != nil {
		return err
	}
	return t.mutate(ctx, func() error {
		p, en, err := t.linked(e1, e2)
		if err != nil {
			return err
		}
		en.profile[p.dir(e1)] = &prof
		return nil
	})
}

// SetSymmetric sets the same unscoped profile in both directions.
func (t *Table) SetSymmetric(ctx context.Context, e1, e2 Endpoint, prof qos.Profile) error {
	if err := prof.Validate(); err != nil {
		return err
	}
	return t.mutate(ctx, func() error {
		_, en, err := t.linked(e1, e2)
		if err != nil {
			return err
		}
		a, b := prof, prof
		en.profile[0], en.profile[1] = &a, &b
		return nil
	})
}

// Unset clears the unscoped profile from e1 to e2. Reachability and scoped
// rules are kept.
func (t *Table) Unset(ctx context.Context, e1, e2 Endpoint) error {
	return t.mutate(ctx, func() error {
		p, en, err := t.linked(e1, e2)
		if err != nil {
			return err
		}
		en.profile[p.dir(e1)] = nil
		return nil
	})
}

// Get returns the unscoped profile from e1 to e2. A linked pair without a
// profile yields the zero (unconstrained) profile.
func (t *Table) Get(e1, e2 Endpoint) (qos.Profile, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, en, err := t.linked(e1, e2)
	if err != nil {
		return qos.Profile{}, err
	}
	if prof := en.profile[p.dir(e1)]; prof != nil {
		return *prof, nil
	}
	return qos.Profile{}, nil
}

func validScope(group, source netip.Addr) (Scope, error) {
	if !group.IsValid() || !group.IsMulticast() {
		return Scope{}, errors.Errorf(errors.KindInvalidParameter, "%s is not a multicast group", group)
	}
	if source.IsValid() && source.Is4() != group.Is4() {
		return Scope{}, errors.Errorf(errors.KindInvalidParameter, "source %s and group %s differ in family", source, group)
	}
	return Scope{Group: group, Source: source}, nil
}

// SetMulticast sets a profile for multicast flows from e1 to e2 matching
// (group, source). An invalid source matches any source.
func (t *Table) SetMulticast(ctx context.Context, e1, e2 Endpoint, group, source netip.Addr, prof qos.Profile) error {
	if err := prof.Validate(); err != nil {
		return err
	}
	sc, err := validScope(group, source)
	if err != nil {
		return err
	}
	return t.mutate(ctx, func() error {
		p, en, err := t.linked(e1, e2)
		if err != nil {
			return err
		}
		d := p.dir(e1)
		if en.scoped[d] == nil {
			en.scoped[d] = make(map[Scope]qos.Profile)
		}
		en.scoped[d][sc] = prof
		return nil
	})
}

// UnsetMulticast removes one scoped rule from e1 to e2.
func (t *Table) UnsetMulticast(ctx context.Context, e1, e2 Endpoint, group, source netip.Addr) error {
	return t.mutate(ctx, func() error {
		p, en, err := t.linked(e1, e2)
		if err != nil {
			return err
		}
		delete(en.scoped[p.dir(e1)], Scope{Group: group, Source: source})
		return nil
	})
}

// Resolve returns the profile applying to a flow from e1 to e2. For a
// multicast group the most specific rule wins: the exact (group, source)
// rule, then (group, any source), then the unscoped rule.
func (t *Table) Resolve(e1, e2 Endpoint, group, source netip.Addr) (qos.Profile, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, en, err := t.linked(e1, e2)
	if err != nil {
		return qos.Profile{}, err
	}
	d := p.dir(e1)
	if group.IsValid() {
		if source.IsValid() {
			if prof, ok := en.scoped[d][Scope{Group: group, Source: source}]; ok {
				return prof, nil
			}
		}
		if prof, ok := en.scoped[d][Scope{Group: group}]; ok {
			return prof, nil
		}
	}
	if prof := en.profile[d]; prof != nil {
		return *prof, nil
	}
	return qos.Profile{}, nil
}

// Linked reports whether the pair is reachable.
func (t *Table) Linked(e1, e2 Endpoint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pairs[PairOf(e1, e2)]
	return ok
}

// Members lists the members in ascending order.
func (t *Table) Members() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.membersLocked()
}

func (t *Table) membersLocked() []Endpoint {
	out := make([]Endpoint, 0, len(t.members))
	for e := range t.members {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns the last committed state. A change still being realized
// is not visible until it completes.
func (t *Table) Snapshot() Snapshot {
	return t.committed.Load().clone()
}

func (t *Table) publishLocked() {
	snap := t.snapshotLocked()
	t.committed.Store(&snap)
	t.attached.Store(t.realizer != nil)
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Members: append([]Endpoint(nil), s.Members...)}
	if s.Members != nil && out.Members == nil {
		out.Members = []Endpoint{}
	}
	if s.Pairs != nil {
		out.Pairs = make([]PairState, len(s.Pairs))
	}
	for i, ps := range s.Pairs {
		cp := PairState{Pair: ps.Pair}
		if ps.Rules != nil {
			cp.Rules = make([]Rule, len(ps.Rules))
		}
		for j, r := range ps.Rules {
			if r.Scope != nil {
				sc := *r.Scope
				r.Scope = &sc
			}
			cp.Rules[j] = r
		}
		out.Pairs[i] = cp
	}
	return out
}

func (t *Table) snapshotLocked() Snapshot {
	snap := Snapshot{Members: t.membersLocked(), Pairs: make([]PairState, 0, len(t.pairs))}
	for p, en := range t.pairs {
		ps := PairState{Pair: p}
		for d, from := range [2]Endpoint{p.Lo, p.Hi} {
			to := p.Hi
			if d == 1 {
				to = p.Lo
			}
			if en.profile[d] != nil {
				ps.Rules = append(ps.Rules, Rule{From: from, To: to, Profile: *en.profile[d]})
			}
			scopes := make([]Scope, 0, len(en.scoped[d]))
			for sc := range en.scoped[d] {
				scopes = append(scopes, sc)
			}
			sort.Slice(scopes, func(i, j int) bool { return scopeLess(scopes[i], scopes[j]) })
			for _, sc := range scopes {
				sc := sc
				ps.Rules = append(ps.Rules, Rule{From: from, To: to, Scope: &sc, Profile: en.scoped[d][sc]})
			}
		}
		snap.Pairs = append(snap.Pairs, ps)
	}
	sort.Slice(snap.Pairs, func(i, j int) bool {
		a, b := snap.Pairs[i].Pair, snap.Pairs[j].Pair
		if a.Lo != b.Lo {
			return a.Lo < b.Lo
		}
		return a.Hi < b.Hi
	})
	return snap
}

func scopeLess(a, b Scope) bool {
	if c := a.Group.Compare(b.Group); c != 0 {
		return c < 0
	}
	return a.Source.Compare(b.Source) < 0
}

// Restore replaces the table contents with snap, for example when a peer
// resyncs a session.
func (t *Table) Restore(ctx context.Context, snap Snapshot) error {
	return t.mutate(ctx, func() error {
		t.members = make(map[Endpoint]struct{}, len(snap.Members))
		for _, m := range snap.Members {
			t.members[m] = struct{}{}
		}
		t.pairs = make(map[Pair]*entry, len(snap.Pairs))
		for _, ps := range snap.Pairs {
			p, err := t.pairOf(ps.Pair.Lo, ps.Pair.Hi)
			if err != nil {
				return err
			}
			if _, dup := t.pairs[p]; dup {
				return errors.Errorf(errors.KindConflict, "pair %s appears twice", p)
			}
			en := &entry{}
			for _, r := range ps.Rules {
				if PairOf(r.From, r.To) != p || r.From == r.To {
					return errors.Errorf(errors.KindInvalidParameter, "rule %d->%d does not belong to pair %s", r.From, r.To, p)
				}
				if err := r.Profile.Validate(); err != nil {
					return err
				}
				d := p.dir(r.From)
				prof := r.Profile
				if r.Scope == nil {
					en.profile[d] = &prof
					continue
				}
				if en.scoped[d] == nil {
					en.scoped[d] = make(map[Scope]qos.Profile)
				}
				en.scoped[d][*r.Scope] = prof
			}
			t.pairs[p] = en
		}
		return nil
	})
}
