// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/qos"
)

// LinuxKernel implements Kernel with netlink and named network namespaces.
type LinuxKernel struct {
	logger *logging.Logger
}

// NewLinuxKernel creates the real host provider.
func NewLinuxKernel(logger *logging.Logger) *LinuxKernel {
	if logger == nil {
		logger = logging.WithComponent("kernel")
	}
	return &LinuxKernel{logger: logger}
}

// classify maps errno values onto error kinds.
func classify(err error, kind errors.Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EAGAIN):
		kind = errors.KindResourceExhausted
	case errors.Is(err, unix.EEXIST):
		kind = errors.KindConflict
	case errors.Is(err, unix.EPERM):
		kind = errors.KindInternal
	}
	return errors.Wrapf(err, kind, format, args...)
}

func isGone(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) ||
		errors.Is(err, os.ErrNotExist)
}

// CreateNamespace creates a named namespace and brings its loopback up.
// netns.NewNamed switches the calling thread, so the thread is locked and
// restored; if restoring fails it stays locked and exits with the goroutine.
func (k *LinuxKernel) CreateNamespace(name string) error {
	runtime.LockOSThread()
	orig, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return classify(err, errors.KindInternal, "read current namespace")
	}
	defer orig.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		if serr := netns.Set(orig); serr == nil {
			runtime.UnlockOSThread()
		}
		return classify(err, errors.KindInternal, "create namespace %s", name)
	}
	defer ns.Close()

	if err := netns.Set(orig); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "restore namespace after creating %s", name)
	}
	runtime.UnlockOSThread()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return classify(err, errors.KindInternal, "netlink handle for %s", name)
	}
	defer h.Close()

	lo, err := h.LinkByName("lo")
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "loopback in %s", name)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "loopback up in %s", name)
	}
	k.logger.Debug("namespace created", "ns", name)
	return nil
}

func (k *LinuxKernel) DeleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil && !isGone(err) {
		return classify(err, errors.KindInternal, "delete namespace %s", name)
	}
	k.logger.Debug("namespace deleted", "ns", name)
	return nil
}

// handle opens a netlink handle for ns; "" is the host namespace.
func (k *LinuxKernel) handle(ns string) (*netlink.Handle, netns.NsHandle, error) {
	if ns == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, netns.None(), classify(err, errors.KindInternal, "netlink handle")
		}
		return h, netns.None(), nil
	}
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		if isGone(err) {
			return nil, netns.None(), errors.Wrapf(err, errors.KindNotFound, "namespace %s", ns)
		}
		return nil, netns.None(), classify(err, errors.KindInternal, "open namespace %s", ns)
	}
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		nsh.Close()
		return nil, netns.None(), classify(err, errors.KindInternal, "netlink handle for %s", ns)
	}
	return h, nsh, nil
}

func (k *LinuxKernel) CreateBridge(name string) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return classify(err, errors.KindInternal, "create bridge %s", name)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		netlink.LinkDel(br)
		return errors.Wrapf(err, errors.KindInternal, "bridge %s up", name)
	}
	return nil
}

func (k *LinuxKernel) CreateVeth(spec VethSpec) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: spec.HostName},
		PeerName:  spec.PeerHostName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return classify(err, errors.KindInternal, "create veth %s", spec.HostName)
	}
	if err := k.place(spec.HostName, spec.A); err != nil {
		k.DeleteLink(spec.A.Namespace, spec.A.FinalName(spec.HostName))
		netlink.LinkDel(veth)
		return err
	}
	if err := k.place(spec.PeerHostName, spec.B); err != nil {
		k.DeleteLink(spec.A.Namespace, spec.A.FinalName(spec.HostName))
		return err
	}
	return nil
}

func (k *LinuxKernel) CreateTunnel(spec TunnelSpec) error {
	var dev netlink.Link
	attrs := netlink.LinkAttrs{Name: spec.HostName}
	switch spec.Kind {
	case TunnelGRETap:
		dev = &netlink.Gretap{
			LinkAttrs: attrs,
			IKey:      spec.Key,
			OKey:      spec.Key,
			Local:     net.IP(spec.Local.AsSlice()),
			Remote:    net.IP(spec.Remote.AsSlice()),
			PMtuDisc:  1,
		}
	case TunnelVXLAN:
		dev = &netlink.Vxlan{
			LinkAttrs: attrs,
			VxlanId:   int(spec.Key & 0xffffff),
			SrcAddr:   net.IP(spec.Local.AsSlice()),
			Group:     net.IP(spec.Remote.AsSlice()),
			Port:      4789,
			Learning:  true,
		}
	default:
		return errors.Errorf(errors.KindInvalidParameter, "unsupported tunnel kind %q", spec.Kind)
	}
	if err := netlink.LinkAdd(dev); err != nil {
		return classify(err, errors.KindInternal, "create %s tunnel %s", spec.Kind, spec.HostName)
	}
	if err := k.place(spec.HostName, spec.Endpoint); err != nil {
		k.DeleteLink(spec.Endpoint.Namespace, spec.Endpoint.FinalName(spec.HostName))
		netlink.LinkDel(dev)
		return err
	}
	return nil
}

// place moves a host interface to its final location, renames it,
// configures addressing and brings it up.
func (k *LinuxKernel) place(hostName string, ep Endpoint) error {
	link, err := netlink.LinkByName(hostName)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "lookup %s", hostName)
	}

	hp := &netlink.Handle{}
	if ep.Namespace != "" {
		nh, nsh, err := k.handle(ep.Namespace)
		if err != nil {
			return err
		}
		defer nsh.Close()
		defer nh.Close()
		if err := netlink.LinkSetNsFd(link, int(nsh)); err != nil {
			return classify(err, errors.KindInternal, "move %s into %s", hostName, ep.Namespace)
		}
		hp = nh
		if link, err = hp.LinkByName(hostName); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "lookup %s in %s", hostName, ep.Namespace)
		}
		if ep.Name != "" && ep.Name != hostName {
			if err := hp.LinkSetName(link, ep.Name); err != nil {
				return classify(err, errors.KindInternal, "rename %s to %s", hostName, ep.Name)
			}
		}
	}

	if len(ep.MAC) > 0 {
		if err := hp.LinkSetHardwareAddr(link, ep.MAC); err != nil {
			return errors.Wrapf(err, errors.KindInvalidParameter, "set mac %s", ep.MAC)
		}
	}
	for _, pfx := range ep.Addrs {
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   net.IP(pfx.Addr().AsSlice()),
			Mask: net.CIDRMask(pfx.Bits(), pfx.Addr().BitLen()),
		}}
		if err := hp.AddrAdd(link, addr); err != nil {
			return classify(err, errors.KindInvalidParameter, "add address %s", pfx)
		}
	}
	if ep.Bridge != "" {
		br, err := hp.LinkByName(ep.Bridge)
		if err != nil {
			return errors.Wrapf(err, errors.KindNotFound, "bridge %s", ep.Bridge)
		}
		if err := hp.LinkSetMaster(link, br); err != nil {
			return classify(err, errors.KindInternal, "enslave %s to %s", hostName, ep.Bridge)
		}
	}
	if err := hp.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "set %s up", hostName)
	}
	return nil
}

func (k *LinuxKernel) DeleteLink(ns, name string) error {
	h, nsh, err := k.handle(ns)
	if err != nil {
		if errors.GetKind(err) == errors.KindNotFound {
			return nil
		}
		return err
	}
	defer nsh.Close()
	defer h.Close()

	link, err := h.LinkByName(name)
	if err != nil {
		if isGone(err) {
			return nil
		}
		return errors.Wrapf(err, errors.KindInternal, "lookup %s", name)
	}
	if err := h.LinkDel(link); err != nil && !isGone(err) {
		return classify(err, errors.KindInternal, "delete %s", name)
	}
	return nil
}

func (k *LinuxKernel) ApplyQdisc(ns, ifname string, p qos.Profile) error {
	if p.IsZero() {
		return k.DeleteQdisc(ns, ifname)
	}
	h, nsh, err := k.handle(ns)
	if err != nil {
		return err
	}
	defer nsh.Close()
	defer h.Close()

	link, err := h.LinkByName(ifname)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "lookup %s", ifname)
	}

	qdiscs := qos.Build(link.Attrs().Index, p)
	for _, q := range qdiscs {
		if err := h.QdiscReplace(q); err != nil {
			return classify(err, errors.KindImpairmentRejected, "%s qdisc on %s", q.Type(), ifname)
		}
	}
	if !p.HasBandwidth() {
		// a previous profile may have left a rate limiter under the root
		k.deleteChild(h, link)
	}
	return nil
}

func (k *LinuxKernel) deleteChild(h *netlink.Handle, link netlink.Link) {
	qs, err := h.QdiscList(link)
	if err != nil {
		return
	}
	for _, q := range qs {
		if q.Attrs().Parent == qos.TbfParent {
			if err := h.QdiscDel(q); err != nil && !isGone(err) {
				k.logger.Warn("stale rate limiter not removed", "if", link.Attrs().Name, "error", err)
			}
		}
	}
}

func (k *LinuxKernel) DeleteQdisc(ns, ifname string) error {
	h, nsh, err := k.handle(ns)
	if err != nil {
		if errors.GetKind(err) == errors.KindNotFound {
			return nil
		}
		return err
	}
	defer nsh.Close()
	defer h.Close()

	link, err := h.LinkByName(ifname)
	if err != nil {
		if isGone(err) {
			return nil
		}
		return errors.Wrapf(err, errors.KindInternal, "lookup %s", ifname)
	}
	qs, err := h.QdiscList(link)
	if err != nil {
		return classify(err, errors.KindInternal, "list qdiscs on %s", ifname)
	}
	for _, q := range qs {
		if q.Attrs().Parent != netlink.HANDLE_ROOT || q.Type() != "netem" {
			continue
		}
		if err := h.QdiscDel(q); err != nil && !isGone(err) {
			return classify(err, errors.KindInternal, "delete qdisc on %s", ifname)
		}
	}
	return nil
}

// Command runs argv inside ns through ip-netns(8), which also gives the
// process a matching /sys view.
func (k *LinuxKernel) Command(ns string, argv ...string) *exec.Cmd {
	if ns == "" {
		return exec.Command(argv[0], argv[1:]...)
	}
	args := append([]string{"netns", "exec", ns}, argv...)
	return exec.Command("ip", args...)
}

// String identifies the provider in logs.
func (k *LinuxKernel) String() string {
	return fmt.Sprintf("linux(pid=%d)", os.Getpid())
}
