// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/netip"
	"os"
	"strconv"
	"time"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/qos"
)

// Topology is a file of session definitions.
type Topology struct {
	SchemaVersion string       `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	Sessions      []SessionDef `hcl:"session,block" json:"session,omitempty" yaml:"session,omitempty"`
}

// SessionDef declares one emulated network.
type SessionDef struct {
	Name  string      `hcl:"name,label" json:"name" yaml:"name"`
	Nodes []NodeDef   `hcl:"node,block" json:"node,omitempty" yaml:"node,omitempty"`
	Links []LinkDef   `hcl:"link,block" json:"link,omitempty" yaml:"link,omitempty"`
	Media []MediumDef `hcl:"medium,block" json:"medium,omitempty" yaml:"medium,omitempty"`
}

// NodeDef declares a node.
type NodeDef struct {
	Name string `hcl:"name,label" json:"name" yaml:"name"`
	// @enum: default, physical, control, medium
	Kind string `hcl:"kind,optional" json:"kind,omitempty" yaml:"kind,omitempty"`
	// Owner is the daemon that materializes the node; empty = local.
	Owner    string       `hcl:"owner,optional" json:"owner,omitempty" yaml:"owner,omitempty"`
	Position []float64    `hcl:"position,optional" json:"position,omitempty" yaml:"position,omitempty"`
	Services []ServiceDef `hcl:"service,block" json:"service,omitempty" yaml:"service,omitempty"`
}

// ServiceDef is a rendered service.
type ServiceDef struct {
	Name     string    `hcl:"name,label" json:"name" yaml:"name"`
	Files    []FileDef `hcl:"file,block" json:"file,omitempty" yaml:"file,omitempty"`
	Startup  []string  `hcl:"startup,optional" json:"startup,omitempty" yaml:"startup,omitempty"`
	Validate []string  `hcl:"validate,optional" json:"validate,omitempty" yaml:"validate,omitempty"`
	Shutdown []string  `hcl:"shutdown,optional" json:"shutdown,omitempty" yaml:"shutdown,omitempty"`
	Timeout  string    `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// FileDef is a file placed in the node directory.
type FileDef struct {
	Path    string `hcl:"path,label" json:"path" yaml:"path"`
	Content string `hcl:"content" json:"content" yaml:"content"`
	// Mode in octal, e.g. "0755".
	// @default: "0644"
	Mode string `hcl:"mode,optional" json:"mode,omitempty" yaml:"mode,omitempty"`
}

// FileMode parses Mode.
func (f FileDef) FileMode() (os.FileMode, error) {
	if f.Mode == "" {
		return 0o644, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0, errors.Errorf(errors.KindInvalidParameter, "file %s: invalid mode %q", f.Path, f.Mode)
	}
	return os.FileMode(m), nil
}

// LinkDef is a point-to-point link between two node names.
type LinkDef struct {
	A      string   `hcl:"a" json:"a" yaml:"a"`
	B      string   `hcl:"b" json:"b" yaml:"b"`
	AAddrs []string `hcl:"a_addrs,optional" json:"a_addrs,omitempty" yaml:"a_addrs,omitempty"`
	BAddrs []string `hcl:"b_addrs,optional" json:"b_addrs,omitempty" yaml:"b_addrs,omitempty"`

	Bandwidth int64   `hcl:"bandwidth,optional" json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Delay     string  `hcl:"delay,optional" json:"delay,omitempty" yaml:"delay,omitempty"`
	Jitter    string  `hcl:"jitter,optional" json:"jitter,omitempty" yaml:"jitter,omitempty"`
	Loss      float64 `hcl:"loss,optional" json:"loss,omitempty" yaml:"loss,omitempty"`
	Duplicate float64 `hcl:"duplicate,optional" json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	Burst     int64   `hcl:"burst,optional" json:"burst,omitempty" yaml:"burst,omitempty"`
	QueueLen  int64   `hcl:"queue_len,optional" json:"queue_len,omitempty" yaml:"queue_len,omitempty"`
}

// Profile converts the impairment fields.
func (l LinkDef) Profile() (qos.Profile, error) {
	return impairment{l.Bandwidth, l.Delay, l.Jitter, l.Loss, l.Duplicate, l.Burst, l.QueueLen}.profile()
}

// Prefixes parses the addresses of one side.
func (l LinkDef) Prefixes() (a, b []netip.Prefix, err error) {
	if a, err = parsePrefixes(l.AAddrs); err != nil {
		return nil, nil, err
	}
	if b, err = parsePrefixes(l.BAddrs); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// MediumDef configures the shared medium of a medium-kind node.
type MediumDef struct {
	// Node is the medium node's name.
	Node    string    `hcl:"node,label" json:"node" yaml:"node"`
	Members []string  `hcl:"members" json:"members" yaml:"members"`
	Pairs   []PairDef `hcl:"pair,block" json:"pair,omitempty" yaml:"pair,omitempty"`
}

// PairDef links two members and optionally impairs a->b. With Symmetric the
// profile applies both ways; with Group it applies only to that multicast
// scope.
type PairDef struct {
	A         string `hcl:"a" json:"a" yaml:"a"`
	B         string `hcl:"b" json:"b" yaml:"b"`
	Symmetric bool   `hcl:"symmetric,optional" json:"symmetric,omitempty" yaml:"symmetric,omitempty"`
	Group     string `hcl:"group,optional" json:"group,omitempty" yaml:"group,omitempty"`
	Source    string `hcl:"source,optional" json:"source,omitempty" yaml:"source,omitempty"`

	Bandwidth int64   `hcl:"bandwidth,optional" json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Delay     string  `hcl:"delay,optional" json:"delay,omitempty" yaml:"delay,omitempty"`
	Jitter    string  `hcl:"jitter,optional" json:"jitter,omitempty" yaml:"jitter,omitempty"`
	Loss      float64 `hcl:"loss,optional" json:"loss,omitempty" yaml:"loss,omitempty"`
	Duplicate float64 `hcl:"duplicate,optional" json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	Burst     int64   `hcl:"burst,optional" json:"burst,omitempty" yaml:"burst,omitempty"`
	QueueLen  int64   `hcl:"queue_len,optional" json:"queue_len,omitempty" yaml:"queue_len,omitempty"`
}

// Profile converts the impairment fields.
func (p PairDef) Profile() (qos.Profile, error) {
	return impairment{p.Bandwidth, p.Delay, p.Jitter, p.Loss, p.Duplicate, p.Burst, p.QueueLen}.profile()
}

// Scope parses the multicast scope. Both results are invalid for an
// unscoped pair.
func (p PairDef) Scope() (group, source netip.Addr, err error) {
	if p.Group == "" {
		if p.Source != "" {
			return group, source, errors.Errorf(errors.KindInvalidParameter, "pair %s-%s: source without group", p.A, p.B)
		}
		return group, source, nil
	}
	if group, err = netip.ParseAddr(p.Group); err != nil {
		return group, source, errors.Wrapf(err, errors.KindInvalidParameter, "pair %s-%s: group", p.A, p.B)
	}
	if p.Source != "" {
		if source, err = netip.ParseAddr(p.Source); err != nil {
			return group, source, errors.Wrapf(err, errors.KindInvalidParameter, "pair %s-%s: source", p.A, p.B)
		}
	}
	return group, source, nil
}

type impairment struct {
	bandwidth     int64
	delay, jitter string
	loss, dup     float64
	burst, queue  int64
}

func (i impairment) profile() (qos.Profile, error) {
	delay, err := micros("delay", i.delay)
	if err != nil {
		return qos.Profile{}, err
	}
	jitter, err := micros("jitter", i.jitter)
	if err != nil {
		return qos.Profile{}, err
	}
	p := qos.Profile{
		Bandwidth: i.bandwidth,
		Delay:     delay,
		Jitter:    jitter,
		Loss:      i.loss,
		Duplicate: i.dup,
		Burst:     i.burst,
		QueueLen:  i.queue,
	}
	return p, p.Validate()
}

func micros(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindInvalidParameter, "invalid %s %q", field, s)
	}
	return d.Microseconds(), nil
}

// Duration renders microseconds in the topology file notation.
func Duration(us int64) string {
	if us == 0 {
		return ""
	}
	return (time.Duration(us) * time.Microsecond).String()
}

func parsePrefixes(ss []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInvalidParameter, "invalid address %q", s)
		}
		out = append(out, p)
	}
	return out, nil
}
