// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/netemu/internal/errors"
)

var nodeKinds = map[string]bool{"": true, "default": true, "physical": true, "control": true, "medium": true}

// Validate checks the daemon config.
func (c *Config) Validate() error {
	var errs []error
	if c.SchemaVersion != "" && c.SchemaVersion != CurrentSchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema_version %q", c.SchemaVersion))
	}
	if d := c.Daemon; d != nil {
		if d.Workers < 0 {
			errs = append(errs, fmt.Errorf("daemon.workers must not be negative"))
		}
		if d.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("daemon.failure_threshold must not be negative"))
		}
		if d.HeartbeatInterval != "" {
			if v, err := time.ParseDuration(d.HeartbeatInterval); err != nil || v <= 0 {
				errs = append(errs, fmt.Errorf("daemon.heartbeat_interval %q is not a positive duration", d.HeartbeatInterval))
			}
		}
		switch d.TunnelKind {
		case "", "gretap", "vxlan":
		default:
			errs = append(errs, fmt.Errorf("daemon.tunnel_kind %q must be gretap or vxlan", d.TunnelKind))
		}
		if (d.TLSCert == "") != (d.TLSKey == "") {
			errs = append(errs, fmt.Errorf("daemon.tls_cert and daemon.tls_key must be set together"))
		}
		if d.TLSMutual && d.TLSCA == "" {
			errs = append(errs, fmt.Errorf("daemon.tls_mutual requires daemon.tls_ca"))
		}
		if d.Address != "" {
			if _, err := netip.ParseAddr(d.Address); err != nil {
				errs = append(errs, fmt.Errorf("daemon.address: %w", err))
			}
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Peers {
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate peer %q", p.Name))
		}
		seen[p.Name] = true
		if c.Daemon != nil && p.Name == c.Daemon.Name {
			errs = append(errs, fmt.Errorf("peer %q has this daemon's name", p.Name))
		}
		if p.Underlay != "" {
			if _, err := netip.ParseAddr(p.Underlay); err != nil {
				errs = append(errs, fmt.Errorf("peer %q underlay: %w", p.Name, err))
			}
		}
	}
	if len(c.Peers) > 0 && (c.Daemon == nil || c.Daemon.SecretKey == "") {
		errs = append(errs, fmt.Errorf("daemon.secret_key is required when peers are configured"))
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), errors.KindInvalidParameter, "invalid config")
	}
	return nil
}

// Validate checks names and references of every session.
func (t *Topology) Validate() error {
	var errs []error
	sessions := make(map[string]bool)
	for _, s := range t.Sessions {
		if sessions[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate session %q", s.Name))
		}
		sessions[s.Name] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), errors.KindInvalidParameter, "invalid topology")
	}
	return nil
}

// Validate checks one session definition.
func (s *SessionDef) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("session %s: "+format, append([]any{s.Name}, args...)...))
	}

	kinds := make(map[string]string, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Name == "" {
			add("node without name")
			continue
		}
		if _, dup := kinds[n.Name]; dup {
			add("duplicate node %q", n.Name)
		}
		if !nodeKinds[n.Kind] {
			add("node %s: unknown kind %q", n.Name, n.Kind)
		}
		if len(n.Position) > 3 {
			add("node %s: position has more than 3 coordinates", n.Name)
		}
		kinds[n.Name] = n.Kind
		for _, svc := range n.Services {
			for _, f := range svc.Files {
				if _, err := f.FileMode(); err != nil {
					add("node %s service %s: %v", n.Name, svc.Name, err)
				}
			}
			if svc.Timeout != "" {
				if _, err := time.ParseDuration(svc.Timeout); err != nil {
					add("node %s service %s: invalid timeout %q", n.Name, svc.Name, svc.Timeout)
				}
			}
		}
	}

	for i, l := range s.Links {
		for _, end := range []string{l.A, l.B} {
			if _, ok := kinds[end]; !ok {
				add("link %d: unknown node %q", i, end)
			}
		}
		if l.A == l.B {
			add("link %d: both ends on node %q", i, l.A)
		}
		if _, _, err := l.Prefixes(); err != nil {
			add("link %d: %v", i, err)
		}
		if _, err := l.Profile(); err != nil {
			add("link %d: %v", i, err)
		}
	}

	for _, m := range s.Media {
		kind, ok := kinds[m.Node]
		if !ok || kind != "medium" {
			add("medium %s: no medium node of that name", m.Node)
			continue
		}
		members := make(map[string]bool, len(m.Members))
		for _, name := range m.Members {
			if _, ok := kinds[name]; !ok {
				add("medium %s: unknown member %q", m.Node, name)
			}
			members[name] = true
		}
		for _, p := range m.Pairs {
			if !members[p.A] || !members[p.B] {
				add("medium %s: pair %s-%s references a non-member", m.Node, p.A, p.B)
			}
			if p.A == p.B {
				add("medium %s: pair of identical endpoints %q", m.Node, p.A)
			}
			if _, err := p.Profile(); err != nil {
				add("medium %s: pair %s-%s: %v", m.Node, p.A, p.B, err)
			}
			if _, _, err := p.Scope(); err != nil {
				add("medium %s: %v", m.Node, err)
			}
		}
	}
	return errors.Join(errs...)
}
