// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// ExportTopology renders t as HCL. Unset fields are omitted so the output
// loads back into an equal Topology.
func ExportTopology(t *Topology) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	if t.SchemaVersion != "" {
		body.SetAttributeValue("schema_version", cty.StringVal(t.SchemaVersion))
	}
	for _, s := range t.Sessions {
		body.AppendNewline()
		writeSession(body.AppendNewBlock("session", []string{s.Name}).Body(), s)
	}
	return hclwrite.Format(f.Bytes())
}

func writeSession(body *hclwrite.Body, s SessionDef) {
	for _, n := range s.Nodes {
		nb := body.AppendNewBlock("node", []string{n.Name}).Body()
		setString(nb, "kind", n.Kind)
		setString(nb, "owner", n.Owner)
		if len(n.Position) > 0 {
			vals := make([]cty.Value, len(n.Position))
			for i, v := range n.Position {
				vals[i] = cty.NumberFloatVal(v)
			}
			nb.SetAttributeValue("position", cty.ListVal(vals))
		}
		for _, svc := range n.Services {
			sb := nb.AppendNewBlock("service", []string{svc.Name}).Body()
			for _, file := range svc.Files {
				fb := sb.AppendNewBlock("file", []string{file.Path}).Body()
				fb.SetAttributeValue("content", cty.StringVal(file.Content))
				setString(fb, "mode", file.Mode)
			}
			setStrings(sb, "startup", svc.Startup)
			setStrings(sb, "validate", svc.Validate)
			setStrings(sb, "shutdown", svc.Shutdown)
			setString(sb, "timeout", svc.Timeout)
		}
	}

	for _, l := range s.Links {
		lb := body.AppendNewBlock("link", nil).Body()
		lb.SetAttributeValue("a", cty.StringVal(l.A))
		lb.SetAttributeValue("b", cty.StringVal(l.B))
		setStrings(lb, "a_addrs", l.AAddrs)
		setStrings(lb, "b_addrs", l.BAddrs)
		writeImpairment(lb, impairment{l.Bandwidth, l.Delay, l.Jitter, l.Loss, l.Duplicate, l.Burst, l.QueueLen})
	}

	for _, m := range s.Media {
		mb := body.AppendNewBlock("medium", []string{m.Node}).Body()
		members := make([]string, len(m.Members))
		copy(members, m.Members)
		mb.SetAttributeValue("members", stringList(members))
		for _, p := range m.Pairs {
			pb := mb.AppendNewBlock("pair", nil).Body()
			pb.SetAttributeValue("a", cty.StringVal(p.A))
			pb.SetAttributeValue("b", cty.StringVal(p.B))
			if p.Symmetric {
				pb.SetAttributeValue("symmetric", cty.True)
			}
			setString(pb, "group", p.Group)
			setString(pb, "source", p.Source)
			writeImpairment(pb, impairment{p.Bandwidth, p.Delay, p.Jitter, p.Loss, p.Duplicate, p.Burst, p.QueueLen})
		}
	}
}

func writeImpairment(body *hclwrite.Body, i impairment) {
	if i.bandwidth != 0 {
		body.SetAttributeValue("bandwidth", cty.NumberIntVal(i.bandwidth))
	}
	setString(body, "delay", i.delay)
	setString(body, "jitter", i.jitter)
	if i.loss != 0 {
		body.SetAttributeValue("loss", cty.NumberFloatVal(i.loss))
	}
	if i.dup != 0 {
		body.SetAttributeValue("duplicate", cty.NumberFloatVal(i.dup))
	}
	if i.burst != 0 {
		body.SetAttributeValue("burst", cty.NumberIntVal(i.burst))
	}
	if i.queue != 0 {
		body.SetAttributeValue("queue_len", cty.NumberIntVal(i.queue))
	}
}

func setString(body *hclwrite.Body, name, v string) {
	if v != "" {
		body.SetAttributeValue(name, cty.StringVal(v))
	}
}

func setStrings(body *hclwrite.Body, name string, vs []string) {
	if len(vs) > 0 {
		body.SetAttributeValue(name, stringList(vs))
	}
}

func stringList(vs []string) cty.Value {
	if len(vs) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(vs))
	for i, v := range vs {
		vals[i] = cty.StringVal(v)
	}
	return cty.ListVal(vals)
}
