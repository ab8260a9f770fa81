// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package medium

import (
	"context"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// deleteTable removes the bridge table through netlink. A missing table is
// not an error.
func deleteTable(ctx context.Context, _ Runner, name string) error {
	conn, err := nftables.New()
	if err != nil {
		return err
	}
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyBridge)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if t.Name == name {
			conn.DelTable(t)
			return conn.Flush()
		}
	}
	return nil
}

// readCounters collects the accept counters of every flow rule in the table.
func readCounters(name string) (map[Flow]Counter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}
	out := make(map[Flow]Counter)

	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyBridge)
	if err != nil {
		return out, nil
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == name {
			table = t
			break
		}
	}
	if table == nil {
		return out, nil
	}

	chains, err := conn.ListChains()
	if err != nil {
		return out, nil
	}
	for _, chain := range chains {
		if chain.Table.Name != name || chain.Table.Family != nftables.TableFamilyBridge {
			continue
		}
		rules, err := conn.GetRules(table, chain)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			flow, ok := parseFlowComment(rule.UserData)
			if !ok {
				continue
			}
			for _, e := range rule.Exprs {
				if c, ok := e.(*expr.Counter); ok {
					cur := out[flow]
					cur.Packets += c.Packets
					cur.Bytes += c.Bytes
					out[flow] = cur
				}
			}
		}
	}
	return out, nil
}
