// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"grimm.is/netemu/internal/config"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/qos"
	"grimm.is/netemu/internal/services"
)

// LoadTopology declares every session of a topology file. Sessions already
// declared are kept if a later one fails.
func (m *Manager) LoadTopology(ctx context.Context, topo *config.Topology) ([]*Session, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	var out []*Session
	for _, def := range topo.Sessions {
		s, err := m.Load(ctx, def)
		if err != nil {
			return out, errors.Attr(err, "topology", def.Name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Load declares one session from its topology definition.
func (m *Manager) Load(ctx context.Context, def config.SessionDef) (*Session, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s := m.Create(def.Name)
	if err := s.load(ctx, def); err != nil {
		if derr := m.Delete(ctx, s.ID); derr != nil {
			m.logger.Warn("discarding partial session failed", "session", s.ID, "error", derr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) load(ctx context.Context, def config.SessionDef) error {
	ids := make(map[string]int, len(def.Nodes))
	for _, nd := range def.Nodes {
		specs, err := serviceSpecs(nd.Services)
		if err != nil {
			return errors.Attr(err, "node", nd.Name)
		}
		kind := node.Kind(nd.Kind)
		if kind == "" {
			kind = node.KindDefault
		}
		n, err := s.AddNode(ctx, NodeSpec{
			Name:     nd.Name,
			Kind:     kind,
			Owner:    nd.Owner,
			Position: position(nd.Position),
			Services: specs,
		})
		if err != nil {
			return err
		}
		ids[nd.Name] = n.ID
	}

	for _, ld := range def.Links {
		prof, err := ld.Profile()
		if err != nil {
			return err
		}
		aAddrs, bAddrs, err := ld.Prefixes()
		if err != nil {
			return err
		}
		_, err = s.AddLink(ctx, LinkSpec{
			A:       EndpointSpec{Node: ids[ld.A], Addrs: aAddrs},
			B:       EndpointSpec{Node: ids[ld.B], Addrs: bAddrs},
			Profile: prof,
		})
		if err != nil {
			return errors.Attr(err, "link", ld.A+"-"+ld.B)
		}
	}

	for _, md := range def.Media {
		mid := ids[md.Node]
		t, err := s.AddMedium(ctx, mid)
		if err != nil {
			return err
		}
		for _, name := range md.Members {
			member := ids[name]
			s.mu.RLock()
			_, _, linked := s.mediumLinkLocked(mid, member)
			s.mu.RUnlock()
			if linked {
				err = t.Add(ctx, medium.Endpoint(member))
			} else {
				_, err = s.JoinMedium(ctx, mid, member, nil)
			}
			if err != nil {
				return errors.Attr(err, "node", name)
			}
		}
		for _, pd := range md.Pairs {
			if err := applyPair(ctx, t, ids[pd.A], ids[pd.B], pd); err != nil {
				return errors.Attr(err, "medium", md.Node)
			}
		}
	}
	return nil
}

func applyPair(ctx context.Context, t *medium.Table, a, b int, pd config.PairDef) error {
	e1, e2 := medium.Endpoint(a), medium.Endpoint(b)
	if err := t.Link(ctx, e1, e2); err != nil {
		return err
	}
	prof, err := pd.Profile()
	if err != nil {
		return err
	}
	group, source, err := pd.Scope()
	if err != nil {
		return err
	}
	switch {
	case group.IsValid():
		if err := t.SetMulticast(ctx, e1, e2, group, source, prof); err != nil {
			return err
		}
		if pd.Symmetric {
			return t.SetMulticast(ctx, e2, e1, group, source, prof)
		}
		return nil
	case prof.IsZero():
		return nil
	case pd.Symmetric:
		return t.SetSymmetric(ctx, e1, e2, prof)
	default:
		return t.Set(ctx, e1, e2, prof)
	}
}

func position(v []float64) node.Position {
	var p node.Position
	for i, f := range v {
		switch i {
		case 0:
			p.X = f
		case 1:
			p.Y = f
		case 2:
			p.Z = f
		}
	}
	return p
}

func serviceSpecs(defs []config.ServiceDef) ([]services.Spec, error) {
	out := make([]services.Spec, 0, len(defs))
	for _, d := range defs {
		spec := services.Spec{
			Name:     d.Name,
			Startup:  d.Startup,
			Validate: d.Validate,
			Shutdown: d.Shutdown,
		}
		if d.Timeout != "" {
			t, err := time.ParseDuration(d.Timeout)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindInvalidParameter, "service %s: invalid timeout %q", d.Name, d.Timeout)
			}
			spec.Timeout = t
		}
		for _, f := range d.Files {
			mode, err := f.FileMode()
			if err != nil {
				return nil, err
			}
			spec.Files = append(spec.Files, services.File{Path: f.Path, Content: []byte(f.Content), Mode: mode})
		}
		out = append(out, spec)
	}
	return out, nil
}

// Export renders the session in topology file form.
func (s *Session) Export() config.SessionDef {
	def := s.Definition()
	names := make(map[int]string, len(def.Nodes))
	out := config.SessionDef{Name: def.Name}
	for _, ns := range def.Nodes {
		names[ns.ID] = ns.Name
		nd := config.NodeDef{Name: ns.Name, Position: exportPosition(ns.Position)}
		if ns.Kind != node.KindDefault {
			nd.Kind = string(ns.Kind)
		}
		if ns.Owner != def.Key.Origin {
			nd.Owner = ns.Owner
		}
		for _, spec := range ns.Services {
			nd.Services = append(nd.Services, exportService(spec))
		}
		out.Nodes = append(out.Nodes, nd)
	}

	for _, ls := range def.Links {
		ld := config.LinkDef{
			A:      names[ls.A.Node],
			B:      names[ls.B.Node],
			AAddrs: prefixStrings(ls.A.Addrs),
			BAddrs: prefixStrings(ls.B.Addrs),
		}
		p := ls.Profile
		ld.Bandwidth, ld.Delay, ld.Jitter = p.Bandwidth, config.Duration(p.Delay), config.Duration(p.Jitter)
		ld.Loss, ld.Duplicate, ld.Burst, ld.QueueLen = p.Loss, p.Duplicate, p.Burst, p.QueueLen
		out.Links = append(out.Links, ld)
	}

	for _, md := range def.Media {
		mdef := config.MediumDef{Node: names[md.Node]}
		for _, m := range md.Table.Members {
			mdef.Members = append(mdef.Members, names[int(m)])
		}
		for _, ps := range md.Table.Pairs {
			if len(ps.Rules) == 0 {
				mdef.Pairs = append(mdef.Pairs, config.PairDef{A: names[int(ps.Pair.Lo)], B: names[int(ps.Pair.Hi)]})
				continue
			}
			for _, r := range ps.Rules {
				mdef.Pairs = append(mdef.Pairs, exportRule(names, r))
			}
		}
		out.Media = append(out.Media, mdef)
	}
	return out
}

func exportRule(names map[int]string, r medium.Rule) config.PairDef {
	pd := config.PairDef{A: names[int(r.From)], B: names[int(r.To)]}
	if r.Scope != nil {
		pd.Group = r.Scope.Group.String()
		if r.Scope.Source.IsValid() {
			pd.Source = r.Scope.Source.String()
		}
	}
	setImpairment(&pd, r.Profile)
	return pd
}

func setImpairment(pd *config.PairDef, p qos.Profile) {
	pd.Bandwidth, pd.Delay, pd.Jitter = p.Bandwidth, config.Duration(p.Delay), config.Duration(p.Jitter)
	pd.Loss, pd.Duplicate, pd.Burst, pd.QueueLen = p.Loss, p.Duplicate, p.Burst, p.QueueLen
}

func exportPosition(p node.Position) []float64 {
	switch {
	case p.Z != 0:
		return []float64{p.X, p.Y, p.Z}
	case p.X != 0 || p.Y != 0:
		return []float64{p.X, p.Y}
	}
	return nil
}

func exportService(spec services.Spec) config.ServiceDef {
	sd := config.ServiceDef{
		Name:     spec.Name,
		Startup:  spec.Startup,
		Validate: spec.Validate,
		Shutdown: spec.Shutdown,
	}
	if spec.Timeout > 0 {
		sd.Timeout = spec.Timeout.String()
	}
	for _, f := range spec.Files {
		fd := config.FileDef{Path: f.Path, Content: string(f.Content)}
		if f.Mode != 0 && f.Mode != 0o644 {
			fd.Mode = fmt.Sprintf("%04o", uint32(f.Mode.Perm()))
		}
		sd.Files = append(sd.Files, fd)
	}
	return sd
}

func prefixStrings(ps []netip.Prefix) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

