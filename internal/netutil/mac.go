// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"net"

	"grimm.is/netemu/internal/errors"
)

// ParseMAC parses an optional MAC; "" yields nil.
func ParseMAC(macStr string) (net.HardwareAddr, error) {
	if macStr == "" {
		return nil, nil
	}
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidParameter, "invalid MAC %q", macStr)
	}
	if len(hw) != 6 {
		return nil, errors.Errorf(errors.KindInvalidParameter, "invalid MAC %q: not an ethernet address", macStr)
	}
	return hw, nil
}

// FormatMAC is the inverse of ParseMAC.
func FormatMAC(mac net.HardwareAddr) string {
	if len(mac) == 0 {
		return ""
	}
	return mac.String()
}

// VirtualMAC generates a deterministic locally-administered unicast MAC for
// an emulated interface. Prefix: 02:4e ('N').
func VirtualMAC(session uint32, node, iface int) net.HardwareAddr {
	return net.HardwareAddr{
		0x02, // Locally-administered, unicast
		0x4e,
		byte(session),
		byte(node >> 8),
		byte(node),
		byte(iface),
	}
}
