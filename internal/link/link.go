// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package link realizes point-to-point emulated wires and keeps their
// traffic-control rules consistent with the configured impairment profile.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/netemu/internal/clock"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/qos"
)

// Endpoint references an interface by identifiers, never by pointer.
type Endpoint struct {
	Node      int `json:"node"`
	Interface int `json:"interface"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d:%d", e.Node, e.Interface)
}

// Side is one locally realized end of a wire.
type Side struct {
	HostName string
	Endpoint kernel.Endpoint
}

func (s Side) target() target {
	return target{ns: s.Endpoint.Namespace, name: s.Endpoint.FinalName(s.HostName)}
}

// Wire describes how a link is realized on this host.
type Wire struct {
	veth   *kernel.VethSpec
	tunnel *kernel.TunnelSpec
	impair bool
}

// VethWire joins two local endpoints with a veth pair. The profile is applied
// on the egress of both ends.
func VethWire(a, b Side) Wire {
	return Wire{veth: &kernel.VethSpec{
		HostName:     a.HostName,
		PeerHostName: b.HostName,
		A:            a.Endpoint,
		B:            b.Endpoint,
	}, impair: true}
}

// TunnelWire realizes the local half of a cross-daemon link. Only the side
// flagged with impair applies the profile so traffic is shaped once.
func TunnelWire(spec kernel.TunnelSpec, impair bool) Wire {
	return Wire{tunnel: &spec, impair: impair}
}

type target struct {
	ns   string
	name string
}

func (t target) String() string {
	if t.ns == "" {
		return t.name
	}
	return t.ns + "/" + t.name
}

// DefaultBackoff is the wait before retrying a wire the host could not
// allocate.
const DefaultBackoff = 250 * time.Millisecond

// Config carries the collaborators of a link.
type Config struct {
	Session uint32
	Kernel  kernel.Kernel
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Backoff time.Duration
}

// Link is a wire between two endpoints plus its impairment profile.
type Link struct {
	ID int
	A  Endpoint
	B  Endpoint

	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	profile qos.Profile
	created bool
	// handle is the host object whose deletion removes the wire.
	handle  target
	targets []target
	tunnel  *kernel.TunnelSpec

	// view is republished after every host operation; readers use it so
	// they never wait on one in progress.
	viewMu sync.RWMutex
	view   view
}

type view struct {
	profile qos.Profile
	created bool
	shaped  []string
	tunnel  *kernel.TunnelSpec
}

func (l *Link) publishLocked() {
	v := view{profile: l.profile, created: l.created}
	if !l.profile.IsZero() {
		v.shaped = make([]string, 0, len(l.targets))
		for _, t := range l.targets {
			v.shaped = append(v.shaped, t.String())
		}
	}
	if l.tunnel != nil {
		spec := *l.tunnel
		v.tunnel = &spec
	}
	l.viewMu.Lock()
	l.view = v
	l.viewMu.Unlock()
}

func (l *Link) current() view {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.view
}

// New declares a link. Nothing is created on the host until Create.
func New(id int, a, b Endpoint, profile qos.Profile, cfg Config) *Link {
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("link")
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	l := &Link{
		ID:      id,
		A:       a,
		B:       b,
		cfg:     cfg,
		logger:  cfg.Logger.With("session", cfg.Session, "link", id),
		profile: profile,
	}
	l.view = view{profile: profile}
	return l
}

// Profile returns the active (or declared) profile.
func (l *Link) Profile() qos.Profile {
	return l.current().profile
}

// Created reports whether the wire exists on the host.
func (l *Link) Created() bool {
	return l.current().created
}

// Tunnel returns the tunnel realizing the local half, if any.
func (l *Link) Tunnel() (kernel.TunnelSpec, bool) {
	v := l.current()
	if v.tunnel == nil {
		return kernel.TunnelSpec{}, false
	}
	return *v.tunnel, true
}

// Shaped returns the interfaces carrying the profile, as "ns/ifname".
func (l *Link) Shaped() []string {
	v := l.current()
	if v.shaped == nil {
		return nil
	}
	return append([]string(nil), v.shaped...)
}

// Create materializes the wire and applies the profile. If the profile
// cannot be applied the wire is removed again and the call fails with
// KindImpairmentRejected; the link never exists with an unapplied profile.
func (l *Link) Create(ctx context.Context, w Wire) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.publishLocked()
	if l.created {
		return nil
	}
	if err := l.profile.Validate(); err != nil {
		return errors.Attr(err, "link", l.ID)
	}
	if w.veth == nil && w.tunnel == nil {
		return errors.New(errors.KindInvalidParameter, "empty wire")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := l.createWire(w)
	if errors.GetKind(err) == errors.KindResourceExhausted {
		l.logger.Warn("wire unavailable, retrying", "backoff", l.cfg.Backoff, "error", err)
		if serr := clock.Sleep(ctx, l.cfg.Backoff); serr != nil {
			return errors.Join(err, serr)
		}
		err = l.createWire(w)
	}
	if err != nil {
		return errors.Attr(err, "link", l.ID)
	}

	if err := l.applyLocked(l.profile); err != nil {
		if derr := l.cfg.Kernel.DeleteLink(l.handle.ns, l.handle.name); derr != nil {
			l.logger.Error("rollback of rejected link failed", "error", derr)
			err = errors.Join(err, derr)
		}
		l.reset()
		return errors.Attr(err, "link", l.ID)
	}

	l.created = true
	l.cfg.Metrics.LinkMaterialized(1)
	l.logger.Info("link created", "a", l.A, "b", l.B, "profile", l.profile.String())
	return nil
}

func (l *Link) createWire(w Wire) error {
	l.targets = l.targets[:0]
	if w.veth != nil {
		if err := l.cfg.Kernel.CreateVeth(*w.veth); err != nil {
			return err
		}
		a := Side{HostName: w.veth.HostName, Endpoint: w.veth.A}.target()
		b := Side{HostName: w.veth.PeerHostName, Endpoint: w.veth.B}.target()
		l.handle = a
		l.targets = append(l.targets, a, b)
		return nil
	}
	if err := l.cfg.Kernel.CreateTunnel(*w.tunnel); err != nil {
		return err
	}
	t := Side{HostName: w.tunnel.HostName, Endpoint: w.tunnel.Endpoint}.target()
	l.handle = t
	spec := *w.tunnel
	l.tunnel = &spec
	if w.impair {
		l.targets = append(l.targets, t)
	}
	return nil
}

func (l *Link) reset() {
	l.handle = target{}
	l.targets = nil
	l.tunnel = nil
}

// applyLocked installs p on every shaped interface. A zero profile installs
// nothing on a fresh wire.
func (l *Link) applyLocked(p qos.Profile) error {
	if p.IsZero() && !l.created {
		return nil
	}
	for _, t := range l.targets {
		if err := l.cfg.Kernel.ApplyQdisc(t.ns, t.name, p); err != nil {
			l.cfg.Metrics.ObserveImpairment(metrics.OutcomeRejected)
			return errors.Wrapf(err, errors.KindImpairmentRejected, "apply %q on %s", p.String(), t)
		}
		l.cfg.Metrics.ObserveImpairment(metrics.OutcomeOK)
	}
	return nil
}

// Update replaces the profile wholesale. On a link that is only declared the
// new profile is stored for Create.
func (l *Link) Update(ctx context.Context, p qos.Profile) error {
	if err := p.Validate(); err != nil {
		return errors.Attr(err, "link", l.ID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.publishLocked()
	if !l.created {
		l.profile = p
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.applyLocked(p); err != nil {
		// put the previous rule back so the host matches l.profile
		if rerr := l.applyLocked(l.profile); rerr != nil {
			l.logger.Error("restoring previous impairment failed", "error", rerr)
			err = errors.Join(err, rerr)
		}
		return errors.Attr(err, "link", l.ID)
	}
	l.profile = p
	l.logger.Info("link updated", "profile", p.String())
	return nil
}

// Destroy removes the rules and the wire. Destroying a link that was never
// created, or was already destroyed, is a no-op.
func (l *Link) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.publishLocked()
	if !l.created {
		return nil
	}
	var errs []error
	if !l.profile.IsZero() {
		for _, t := range l.targets {
			if err := l.cfg.Kernel.DeleteQdisc(t.ns, t.name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := l.cfg.Kernel.DeleteLink(l.handle.ns, l.handle.name); err != nil {
		errs = append(errs, err)
		return errors.Attr(errors.Join(errs...), "link", l.ID)
	}
	if len(errs) > 0 {
		// the wire is gone and took its rules with it
		l.logger.Warn("rule removal failed before wire deletion", "error", errors.Join(errs...))
	}
	l.created = false
	l.reset()
	l.cfg.Metrics.LinkMaterialized(-1)
	l.logger.Info("link destroyed")
	return nil
}
