// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/netemu/internal/clock"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/session"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultFailureThreshold  = 3 // missed heartbeats
)

// Peer is a cooperating daemon.
type Peer struct {
	Name string
	// Address is where the peer's transport listens.
	Address string
	// Underlay is the peer's tunnel endpoint address.
	Underlay netip.Addr
}

// Config configures a Coordinator.
type Config struct {
	Daemon string
	// Underlay is this daemon's tunnel endpoint address.
	Underlay  netip.Addr
	Peers     []Peer
	Transport Transport
	Manager   *session.Manager
	Allocator *kernel.Allocator
	// TunnelKind for cross-daemon links.
	TunnelKind        kernel.TunnelKind
	HeartbeatInterval time.Duration
	FailureThreshold  int
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

type peerState struct {
	Peer
	alive    bool
	missed   int
	lastSeen time.Time
}

// PeerStatus is a point-in-time view of a peer.
type PeerStatus struct {
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Alive    bool      `json:"alive"`
	Missed   int       `json:"missed_heartbeats"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// Coordinator implements session.Distributor over a Transport and serves
// the peer side of the protocol.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.Mutex
	peers map[string]*peerState
	// synced remembers who holds a mirror of each session, so a peer that
	// lost its last node still hears about the change.
	synced map[session.Key][]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Daemon == "" || cfg.Transport == nil || cfg.Manager == nil {
		return nil, errors.New(errors.KindInvalidParameter, "coordinator needs a daemon name, transport and manager")
	}
	if cfg.Allocator == nil {
		cfg.Allocator = kernel.DefaultAllocator()
	}
	if cfg.TunnelKind == "" {
		cfg.TunnelKind = kernel.TunnelGRETap
	}
	if !cfg.TunnelKind.Valid() {
		return nil, errors.Errorf(errors.KindInvalidParameter, "unknown tunnel kind %q", cfg.TunnelKind)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("coordinator")
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger,
		peers:  make(map[string]*peerState, len(cfg.Peers)),
		synced: make(map[session.Key][]string),
	}
	for _, p := range cfg.Peers {
		if p.Name == cfg.Daemon {
			continue
		}
		c.peers[p.Name] = &peerState{Peer: p, alive: true}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// UnderlayOf derives a tunnel endpoint from a peer's transport address when
// none is configured.
func UnderlayOf(address, underlay string) (netip.Addr, error) {
	if underlay != "" {
		a, err := netip.ParseAddr(underlay)
		if err != nil {
			return netip.Addr{}, errors.Wrapf(err, errors.KindInvalidParameter, "invalid underlay %q", underlay)
		}
		return a, nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, errors.KindInvalidParameter, "no underlay address for %q", address)
	}
	return a, nil
}

// Start serves peer requests, registers as the distributor of every
// session and starts the heartbeat loop.
func (c *Coordinator) Start() error {
	if err := c.cfg.Transport.Serve(c.handle); err != nil {
		return err
	}
	c.cfg.Manager.SetDistributor(c)
	if len(c.peers) > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	c.logger.Info("coordinator started", "daemon", c.cfg.Daemon, "peers", len(c.peers))
	return nil
}

// Stop ends the heartbeat loop and closes the transport.
func (c *Coordinator) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.cfg.Transport.Close()
}

// Peers reports every configured peer ordered by name.
func (c *Coordinator) Peers() []PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerStatus, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, PeerStatus{Name: p.Name, Address: p.Address, Alive: p.alive, Missed: p.missed, LastSeen: p.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Coordinator) peer(name string) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[name]
	if !ok {
		return Peer{}, false
	}
	return p.Peer, true
}

func (c *Coordinator) underlay(daemon string) (netip.Addr, error) {
	if daemon == c.cfg.Daemon {
		if !c.cfg.Underlay.IsValid() {
			return netip.Addr{}, errors.New(errors.KindInvalidParameter, "no local underlay address configured")
		}
		return c.cfg.Underlay, nil
	}
	p, ok := c.peer(daemon)
	if !ok {
		return netip.Addr{}, errors.Attr(errors.Errorf(errors.KindUnresolvedReference, "unknown daemon %q", daemon), "peer", daemon)
	}
	if !p.Underlay.IsValid() {
		return netip.Addr{}, errors.Attr(errors.Errorf(errors.KindInvalidParameter, "no underlay address for %q", daemon), "peer", daemon)
	}
	return p.Underlay, nil
}

// send delivers one message to a named peer.
func (c *Coordinator) send(ctx context.Context, to string, typ MessageType, key session.Key, payload any) (Reply, error) {
	p, ok := c.peer(to)
	if !ok {
		err := errors.Errorf(errors.KindPeerUnreachable, "daemon %q is not a configured peer", to)
		return Reply{}, errors.Attr(err, "peer", to)
	}
	env := Envelope{Type: typ, ID: uuid.NewString(), From: c.cfg.Daemon}
	if key.Origin != "" {
		env.Session = key.String()
	}
	if payload != nil {
		raw, err := encode(payload)
		if err != nil {
			return Reply{}, err
		}
		env.Payload = raw
	}
	r, err := c.cfg.Transport.Send(ctx, p.Address, env)
	if err == nil {
		err = r.Err()
	}
	outcome := "ok"
	if err != nil {
		outcome = errors.GetKind(err).String()
		err = errors.Attr(err, "peer", to)
	}
	c.cfg.Metrics.PeerMessage(string(typ), outcome)
	return r, err
}

// Sync allocates tunnels for new cross-daemon links, then mirrors the
// session to every peer owning one of its nodes and hands each owner its
// tunnels.
func (c *Coordinator) Sync(ctx context.Context, s *session.Session) error {
	var errs []error
	for _, tp := range s.PendingTunnels() {
		if err := c.allocateTunnel(s, tp); err != nil {
			errs = append(errs, err)
		}
	}

	snap := s.Snapshot()
	for _, peer := range c.audience(s) {
		if _, err := c.send(ctx, peer, TypeSessionSync, s.Key(), snap); err != nil {
			c.peerFailed(s, peer, err)
			errs = append(errs, err)
			continue
		}
		for _, tp := range s.Tunnels() {
			if tp.AOwner != peer && tp.BOwner != peer {
				continue
			}
			if _, err := c.send(ctx, peer, TypeTunnel, s.Key(), tp); err != nil {
				c.peerFailed(s, peer, err)
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) allocateTunnel(s *session.Session, tp session.TunnelParams) error {
	a, err := c.underlay(tp.AOwner)
	if err != nil {
		return errors.Attr(err, "link", tp.Link)
	}
	b, err := c.underlay(tp.BOwner)
	if err != nil {
		return errors.Attr(err, "link", tp.Link)
	}
	tp.Kind = c.cfg.TunnelKind
	tp.Key = c.cfg.Allocator.TunnelKey()
	tp.AAddr, tp.BAddr = a, b
	if err := s.SetTunnel(tp); err != nil {
		c.cfg.Allocator.ReleaseKey(tp.Key)
		return err
	}
	c.logger.Debug("tunnel allocated", "session", s.Key().String(), "link", tp.Link, "key", tp.Key, "impair", tp.Impair)
	return nil
}

// Transition broadcasts a committed transition to every peer of the
// session. A peer that does not have the session yet is sent the full
// snapshot instead.
func (c *Coordinator) Transition(ctx context.Context, s *session.Session, ev session.Event) error {
	var errs []error
	for _, peer := range c.audience(s) {
		_, err := c.send(ctx, peer, TypeTransition, s.Key(), ev)
		if errors.HasKind(err, errors.KindNotFound) {
			_, err = c.send(ctx, peer, TypeSessionSync, s.Key(), s.Snapshot())
		}
		if err != nil {
			c.peerFailed(s, peer, err)
			errs = append(errs, err)
			continue
		}
		if ev.To == session.StateInstantiation || ev.To == session.StateRuntime {
			s.MarkPeer(peer, session.Reachable)
		}
	}
	if ev.To == session.StateShutdown {
		c.mu.Lock()
		delete(c.synced, s.Key())
		c.mu.Unlock()
	}
	c.updateGauge()
	return errors.Join(errs...)
}

// audience is every current peer of s plus every peer handed a copy of it
// since the session was last shut down.
func (c *Coordinator) audience(s *session.Session) []string {
	cur := s.Peers()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append(cur, c.synced[s.Key()]...)
	slices.Sort(out)
	out = slices.Compact(out)
	c.synced[s.Key()] = out
	return slices.Clone(out)
}

// Place moves a node and tells every peer involved.
func (c *Coordinator) Place(ctx context.Context, s *session.Session, nodeID int, owner string) error {
	before := s.Peers()
	if err := s.Place(nodeID, owner); err != nil {
		return err
	}
	peers := append(before, s.Peers()...)
	sort.Strings(peers)
	var errs []error
	for i, peer := range peers {
		if i > 0 && peers[i-1] == peer {
			continue
		}
		_, err := c.send(ctx, peer, TypePlacement, s.Key(), PlacementPayload{Node: nodeID, Owner: owner})
		if errors.HasKind(err, errors.KindNotFound) {
			_, err = c.send(ctx, peer, TypeSessionSync, s.Key(), s.Snapshot())
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportReachability tells the declaring daemon which local nodes of a
// mirrored session could or could not be built.
func (c *Coordinator) ReportReachability(ctx context.Context, s *session.Session, nodes []int, r session.Reachability) error {
	if !s.Mirrored() {
		s.MarkNodes(nodes, r)
		c.updateGauge()
		return nil
	}
	_, err := c.send(ctx, s.Key().Origin, TypeReachability, s.Key(), ReachabilityPayload{Nodes: nodes, State: r})
	return err
}

// reportUnbooted tells the declaring daemon which local nodes of a mirror
// failed to build.
func (c *Coordinator) reportUnbooted(ctx context.Context, s *session.Session) {
	failed := s.Unbooted()
	if len(failed) == 0 {
		return
	}
	if err := c.ReportReachability(ctx, s, failed, session.Unreachable); err != nil {
		c.logger.Warn("reachability report not delivered", "session", s.Key().String(), "error", err)
	}
}

// RequestResync fetches the declaring daemon's snapshot of a session and
// applies it.
func (c *Coordinator) RequestResync(ctx context.Context, key session.Key) error {
	r, err := c.send(ctx, key.Origin, TypeResync, key, nil)
	if err != nil {
		return err
	}
	var snap session.Snapshot
	if err := decode(r.Payload, &snap); err != nil {
		return err
	}
	_, err = c.cfg.Manager.Mirror(ctx, snap)
	return err
}

// peerFailed marks every node of peer unreachable in s.
func (c *Coordinator) peerFailed(s *session.Session, peer string, err error) {
	c.logger.Warn("peer did not apply session update", "peer", peer, "session", s.Key().String(), "error", err)
	s.MarkPeer(peer, session.Unreachable)
	c.updateGauge()
}

func (c *Coordinator) updateGauge() {
	c.cfg.Metrics.SetUnreachable(c.cfg.Manager.UnreachableCount())
}

func (c *Coordinator) now() time.Time {
	return clock.Now()
}
