// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package qos

import (
	"github.com/vishvananda/netlink"
)

// Handles used by the impairment tree: netem at the root, tbf beneath it.
var (
	NetemHandle = netlink.MakeHandle(1, 0)
	TbfParent   = netlink.MakeHandle(1, 1)
	TbfHandle   = netlink.MakeHandle(2, 0)
)

// minBurst is the smallest token bucket that still passes a full frame.
const minBurst = 1514

// Build translates the profile into the qdiscs to install on linkIndex, root
// first. A zero profile yields nil.
func Build(linkIndex int, p Profile) []netlink.Qdisc {
	if p.IsZero() {
		return nil
	}

	root := netlink.NewNetem(netlink.QdiscAttrs{
		LinkIndex: linkIndex,
		Parent:    netlink.HANDLE_ROOT,
		Handle:    NetemHandle,
	}, netlink.NetemQdiscAttrs{
		Latency:   uint32(p.Delay),
		Jitter:    uint32(p.Jitter),
		Loss:      float32(p.Loss),
		LossCorr:  p.LossCorrelation(),
		Duplicate: float32(p.Duplicate),
		Limit:     p.Limit(),
	})
	out := []netlink.Qdisc{root}

	if p.HasBandwidth() {
		rate := uint64(p.Bandwidth) / 8
		if rate == 0 {
			rate = 1
		}
		burst := uint32(rate / uint64(netlink.Hz()))
		if burst < minBurst {
			burst = minBurst
		}
		out = append(out, &netlink.Tbf{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: linkIndex,
				Parent:    TbfParent,
				Handle:    TbfHandle,
			},
			Rate: rate,
			// queue up to the packet limit worth of full frames
			Limit:  p.Limit() * minBurst,
			Buffer: netlink.Xmittime(rate, burst),
		})
	}
	return out
}
