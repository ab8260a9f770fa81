// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the host facilities the emulation core consumes:
// isolation contexts (network namespaces), virtual interfaces and traffic
// control rules. On Linux it wraps netlink/netns calls; SimKernel provides a
// stateful in-memory implementation for tests and dry runs.
package kernel

import (
	"net"
	"net/netip"
	"os/exec"

	"grimm.is/netemu/internal/qos"
)

// Kernel is the host capability interface.
// Components interact with this interface instead of making direct syscalls.
type Kernel interface {
	// Isolation contexts
	CreateNamespace(name string) error
	DeleteNamespace(name string) error

	// Virtual interfaces
	CreateBridge(name string) error
	CreateVeth(spec VethSpec) error
	CreateTunnel(spec TunnelSpec) error
	// DeleteLink removes an interface. Deleting one end of a veth pair
	// removes its peer. A missing interface is not an error.
	DeleteLink(ns, name string) error

	// Traffic control. ApplyQdisc replaces any existing rule; a zero profile
	// removes it. DeleteQdisc on an interface without a rule is a no-op.
	ApplyQdisc(ns, ifname string, p qos.Profile) error
	DeleteQdisc(ns, ifname string) error

	// Command builds a command that runs inside ns ("" is the host namespace).
	Command(ns string, argv ...string) *exec.Cmd
}

// Endpoint describes where one end of a virtual wire lands.
type Endpoint struct {
	// Namespace to move the interface into; empty keeps it in the host.
	Namespace string
	// Name inside Namespace. Ignored for host-side ends, which keep the
	// allocated host name.
	Name string
	// Bridge to enslave a host-side end to.
	Bridge string
	MAC    net.HardwareAddr
	Addrs  []netip.Prefix
}

// FinalName returns the interface name once the end is placed.
func (e Endpoint) FinalName(hostName string) string {
	if e.Namespace != "" && e.Name != "" {
		return e.Name
	}
	return hostName
}

// VethSpec describes a veth pair. HostName and PeerHostName are the
// allocator-issued names used while both ends still live in the host.
type VethSpec struct {
	HostName     string
	PeerHostName string
	A            Endpoint
	B            Endpoint
}

// TunnelKind selects the encapsulation used for cross-daemon links.
type TunnelKind string

const (
	TunnelGRETap TunnelKind = "gretap"
	TunnelVXLAN  TunnelKind = "vxlan"
)

// Valid reports whether the kind is supported.
func (k TunnelKind) Valid() bool {
	return k == TunnelGRETap || k == TunnelVXLAN
}

// TunnelSpec describes one keyed half-link tunnel device.
type TunnelSpec struct {
	HostName string
	Kind     TunnelKind
	Key      uint32
	Local    netip.Addr
	Remote   netip.Addr
	Endpoint Endpoint
}
