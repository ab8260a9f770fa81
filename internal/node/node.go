// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package node implements emulated hosts: one isolation context per node,
// the interfaces that links terminate on, and command execution inside it.
package node

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/netemu/internal/clock"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/metrics"
)

// Kind selects how a node is isolated.
type Kind string

const (
	// KindDefault runs in its own network namespace.
	KindDefault Kind = "default"
	// KindPhysical runs in the host namespace.
	KindPhysical Kind = "physical"
	// KindControl is a control-network bridge in the host namespace.
	KindControl Kind = "control"
	// KindMedium is the bridge backing a shared medium.
	KindMedium Kind = "medium"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDefault, KindPhysical, KindControl, KindMedium:
		return true
	}
	return false
}

// IsBridge reports whether the node is realized as a host bridge.
func (k Kind) IsBridge() bool {
	return k == KindControl || k == KindMedium
}

// Position is opaque to the core; wireless models use it for distances.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// DefaultBootBackoff is the wait before the single boot retry.
const DefaultBootBackoff = 250 * time.Millisecond

// Config declares a node.
type Config struct {
	Name     string
	Kind     Kind
	Session  uint32
	Position Position
	// Owner is the daemon that materializes the node.
	Owner string
	// SessionDir holds the per-node private directories.
	SessionDir string

	Kernel    kernel.Kernel
	Allocator *kernel.Allocator
	Logger    *logging.Logger
	Metrics   *metrics.Metrics

	BootBackoff time.Duration
}

// Validate checks the declarative parts of the config.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New(errors.KindInvalidParameter, "node name is required")
	}
	if strings.ContainsAny(c.Name, "/\x00") {
		return errors.Errorf(errors.KindInvalidParameter, "invalid node name %q", c.Name)
	}
	if c.Kind != "" && !c.Kind.Valid() {
		return errors.Errorf(errors.KindInvalidParameter, "unknown node kind %q", c.Kind)
	}
	return nil
}

// Interface is a node's attachment point to a link.
type Interface struct {
	ID int
	// Name inside the node, eth<ID>.
	Name string
	// HostName is the allocator-issued name used while the interface lives
	// in the host namespace.
	HostName string
	Index    int
	Addrs    []netip.Prefix
	MAC      net.HardwareAddr
	// LinkID is the link this interface terminates; 0 when unconnected.
	LinkID int
}

// InterfaceSpec requests a new interface. ID 0 picks the next free id.
type InterfaceSpec struct {
	ID     int
	Addrs  []netip.Prefix
	MAC    net.HardwareAddr
	LinkID int
}

// Node wraps one isolation context. Its zero value is not usable; use New.
type Node struct {
	ID int

	cfg    Config
	logger *logging.Logger

	// life serializes Boot and Destroy. mu guards the fields below and is
	// never held across host calls, so readers do not wait on them.
	life sync.Mutex

	mu     sync.Mutex
	booted bool
	handle string
	dir    string
	ifaces map[int]*Interface

	// run scopes the commands started since the last Destroy.
	run *run
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	execs  sync.WaitGroup
}

func newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{ctx: ctx, cancel: cancel}
}

// New declares a node. Nothing is created on the host until Boot.
func New(id int, cfg Config) *Node {
	if cfg.Kind == "" {
		cfg.Kind = KindDefault
	}
	if cfg.Allocator == nil {
		cfg.Allocator = kernel.DefaultAllocator()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("node")
	}
	if cfg.BootBackoff == 0 {
		cfg.BootBackoff = DefaultBootBackoff
	}
	return &Node{
		ID:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("session", cfg.Session, "node", cfg.Name),
		ifaces: make(map[int]*Interface),
		run:    newRun(),
	}
}

func (n *Node) Name() string       { return n.cfg.Name }
func (n *Node) Kind() Kind         { return n.cfg.Kind }
func (n *Node) Owner() string      { return n.cfg.Owner }

// Position returns the node's opaque coordinates.
func (n *Node) Position() Position {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Position
}

// SetPosition moves the node; the core does not interpret coordinates.
func (n *Node) SetPosition(p Position) {
	n.mu.Lock()
	n.cfg.Position = p
	n.mu.Unlock()
}

// Config returns a copy of the declaration.
func (n *Node) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Booted reports whether the isolation context exists.
func (n *Node) Booted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.booted
}

// Handle returns the namespace or bridge name backing the node, empty until
// booted and for physical nodes.
func (n *Node) Handle() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// Namespace returns the namespace commands run in ("" for the host).
func (n *Node) Namespace() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.Kind == KindDefault {
		return n.handle
	}
	return ""
}

// Dir returns the node's private directory.
func (n *Node) Dir() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dir
}

// Boot materializes the isolation context. When the host reports resource
// exhaustion the attempt is repeated once after the configured backoff.
// Booting a booted node is a no-op.
func (n *Node) Boot(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if n.Booted() {
		return nil
	}
	if n.cfg.Kernel == nil {
		return errors.New(errors.KindInternal, "node has no kernel")
	}

	handle, err := n.create()
	if errors.GetKind(err) == errors.KindResourceExhausted {
		n.logger.Warn("isolation context unavailable, retrying", "backoff", n.cfg.BootBackoff, "error", err)
		if serr := clock.Sleep(ctx, n.cfg.BootBackoff); serr != nil {
			return errors.Join(err, serr)
		}
		handle, err = n.create()
	}
	if err != nil {
		return errors.Attr(err, "node", n.cfg.Name)
	}

	var dir string
	if n.cfg.SessionDir != "" {
		dir = filepath.Join(n.cfg.SessionDir, n.cfg.Name+".conf")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if rerr := n.release(handle); rerr != nil {
				n.logger.Warn("isolation context not released", "handle", handle, "error", rerr)
			}
			return errors.Wrapf(err, errors.KindInternal, "create node directory %s", dir)
		}
	}

	n.mu.Lock()
	n.handle, n.dir, n.booted = handle, dir, true
	if n.run.ctx.Err() != nil {
		n.run = newRun()
	}
	n.mu.Unlock()
	n.cfg.Metrics.NodeMaterialized(1)
	n.logger.Info("node booted", "kind", n.cfg.Kind, "handle", handle)
	return nil
}

// create makes the host object backing the node and returns its name.
func (n *Node) create() (string, error) {
	switch n.cfg.Kind {
	case KindPhysical:
		return "", nil
	case KindControl, KindMedium:
		name := n.cfg.Allocator.InterfaceName("nb")
		if err := n.cfg.Kernel.CreateBridge(name); err != nil {
			n.cfg.Allocator.Release(name)
			return "", err
		}
		return name, nil
	default:
		name := n.cfg.Allocator.Namespace(n.cfg.Session, n.cfg.Name)
		if err := n.cfg.Kernel.CreateNamespace(name); err != nil {
			n.cfg.Allocator.Release(name)
			return "", err
		}
		return name, nil
	}
}

func (n *Node) release(handle string) error {
	if handle == "" {
		return nil
	}
	var err error
	if n.cfg.Kind.IsBridge() {
		err = n.cfg.Kernel.DeleteLink("", handle)
	} else {
		err = n.cfg.Kernel.DeleteNamespace(handle)
	}
	if err != nil {
		return err
	}
	n.cfg.Allocator.Release(handle)
	return nil
}

// AttachInterface records a new interface on the node. The host object is
// created by the link that terminates on it.
func (n *Node) AttachInterface(spec InterfaceSpec) (*Interface, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := spec.ID
	if id == 0 {
		for id = 1; n.ifaces[id] != nil; id++ {
		}
	}
	if id < 0 {
		return nil, errors.Errorf(errors.KindInvalidParameter, "interface id %d", id)
	}
	if _, exists := n.ifaces[id]; exists {
		return nil, errors.Errorf(errors.KindConflict, "node %s already has interface %d", n.cfg.Name, id)
	}
	iface := &Interface{
		ID:       id,
		Name:     fmt.Sprintf("eth%d", id),
		HostName: n.cfg.Allocator.InterfaceName("nv"),
		Index:    id,
		Addrs:    append([]netip.Prefix(nil), spec.Addrs...),
		MAC:      spec.MAC,
		LinkID:   spec.LinkID,
	}
	n.ifaces[id] = iface
	return iface, nil
}

// DetachInterface forgets an interface. The link owning it removes the host
// object.
func (n *Node) DetachInterface(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if iface, ok := n.ifaces[id]; ok {
		n.cfg.Allocator.Release(iface.HostName)
		delete(n.ifaces, id)
	}
}

// Interface returns a copy of one interface.
func (n *Node) Interface(id int) (Interface, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	iface, ok := n.ifaces[id]
	if !ok {
		return Interface{}, false
	}
	return *iface, true
}

// Interfaces returns copies of all interfaces ordered by id.
func (n *Node) Interfaces() []Interface {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Interface, 0, len(n.ifaces))
	for _, iface := range n.ifaces {
		out = append(out, *iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Endpoint describes where the wire end of interface id lands on the host.
func (n *Node) Endpoint(id int) (kernel.Endpoint, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	iface, ok := n.ifaces[id]
	if !ok {
		return kernel.Endpoint{}, "", errors.Errorf(errors.KindUnresolvedReference, "node %s has no interface %d", n.cfg.Name, id)
	}
	ep := kernel.Endpoint{MAC: iface.MAC, Addrs: iface.Addrs}
	switch n.cfg.Kind {
	case KindDefault:
		if n.handle == "" {
			return kernel.Endpoint{}, "", errors.Errorf(errors.KindUnresolvedReference, "node %s is not booted", n.cfg.Name)
		}
		ep.Namespace = n.handle
		ep.Name = iface.Name
	case KindControl, KindMedium:
		if n.handle == "" {
			return kernel.Endpoint{}, "", errors.Errorf(errors.KindUnresolvedReference, "node %s is not booted", n.cfg.Name)
		}
		ep.Bridge = n.handle
		ep.Addrs = nil
	}
	return ep, iface.HostName, nil
}

// PlaceFile writes content at path inside the node's private directory.
// Paths are interpreted relative to that directory; escaping it is refused.
func (n *Node) PlaceFile(path string, content []byte, mode os.FileMode) error {
	dir := n.Dir()
	if dir == "" {
		return errors.Errorf(errors.KindInvalidParameter, "node %s has no private directory", n.cfg.Name)
	}
	clean := filepath.Clean("/" + path)
	target := filepath.Join(dir, clean)
	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return errors.Errorf(errors.KindInvalidParameter, "path %q escapes node directory", path)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create directory for %s", path)
	}
	if err := os.WriteFile(target, content, mode); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "write %s", path)
	}
	// WriteFile does not change the mode of an existing file
	if err := os.Chmod(target, mode); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "chmod %s", path)
	}
	return nil
}

// CancelCommands kills every outstanding command without releasing the
// isolation context.
func (n *Node) CancelCommands() {
	n.mu.Lock()
	n.run.cancel()
	n.mu.Unlock()
}

// track registers a command with the current run. It fails once the run has
// been cancelled.
func (n *Node) track() (*run, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.run.ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "node %s is shutting down", n.cfg.Name)
	}
	n.run.execs.Add(1)
	return n.run, nil
}

// Destroy cancels outstanding commands, waits for them to be reaped and
// releases the isolation context and private directory. It is idempotent.
func (n *Node) Destroy(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()

	n.mu.Lock()
	r := n.run
	r.cancel()
	booted, handle, dir := n.booted, n.handle, n.dir
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.execs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("commands still running at destroy", "error", ctx.Err())
	}

	if !booted {
		return nil
	}
	if err := n.release(handle); err != nil {
		return errors.Attr(err, "node", n.cfg.Name)
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			n.logger.Warn("node directory not removed", "dir", dir, "error", err)
		}
	}

	n.mu.Lock()
	n.handle, n.dir, n.booted = "", "", false
	// a destroyed node can be booted again after a reset
	n.run = newRun()
	n.mu.Unlock()
	n.cfg.Metrics.NodeMaterialized(-1)
	n.logger.Info("node destroyed")
	return nil
}
