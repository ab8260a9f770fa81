// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package session owns emulated networks: their lifecycle state machine,
// the nodes and links they declare and the materialization of both on the
// host, optionally spread over cooperating daemons.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/link"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/services"
	"grimm.is/netemu/internal/workqueue"
)

// Event is a committed state transition.
type Event struct {
	Session Key    `json:"session"`
	Seq     uint64 `json:"seq"`
	From    State  `json:"from"`
	To      State  `json:"to"`
}

// Distributor fans a locally declared session out to the daemons owning
// its nodes. Failures are recorded as peer reachability; the session keeps
// going.
type Distributor interface {
	// Sync hands peers the current definition and allocates tunnel
	// parameters for new cross-daemon links. It runs before INSTANTIATION
	// builds anything and after every RUNTIME edit.
	Sync(ctx context.Context, s *Session) error
	// Transition broadcasts a committed transition.
	Transition(ctx context.Context, s *Session, ev Event) error
}

// RealizerFactory builds the host realizer of the medium backed by the
// medium-kind node mediumNode. Returning nil leaves the medium unrealized.
type RealizerFactory func(s *Session, mediumNode int, ports medium.PortFunc) medium.Realizer

// Config carries the collaborators shared by every session of a daemon.
type Config struct {
	// Daemon is this daemon's name.
	Daemon string
	// Dir holds one directory per session.
	Dir       string
	Kernel    kernel.Kernel
	Allocator *kernel.Allocator
	Queue     *workqueue.Queue
	Services  *services.Runner
	Realizer  RealizerFactory
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	// Backoff before retrying a host allocation.
	Backoff time.Duration
}

// Session is one emulated network.
type Session struct {
	ID uint32

	key    Key
	name   string
	dir    string
	cfg    Config
	logger *logging.Logger

	// applyMu serializes state applied on behalf of peers.
	applyMu sync.Mutex

	mu    sync.RWMutex
	state State
	seq   uint64
	// busy is set while a transition other than SHUTDOWN materializes.
	busy    bool
	closing bool
	down    chan struct{}
	dist    Distributor

	// life is cancelled when SHUTDOWN starts; every host operation of the
	// session runs under it and is counted in inflight.
	life       context.Context
	lifeCancel context.CancelFunc
	inflight   sync.WaitGroup

	nodes     map[int]*node.Node
	links     map[int]*link.Link
	media     map[int]*medium.Table
	svcs      map[int][]services.Spec
	svcStatus map[int][]services.Status
	tunnels   map[int]TunnelParams
	peerReach map[string]Reachability
	nodeReach map[int]Reachability
}

func newSession(id uint32, key Key, name string, cfg Config) *Session {
	life, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		key:        key,
		name:       name,
		dir:        sessionDir(cfg.Dir, id),
		cfg:        cfg,
		logger:     cfg.Logger.With("session", id, "key", key.String()),
		life:       life,
		lifeCancel: cancel,
		nodes:      make(map[int]*node.Node),
		links:      make(map[int]*link.Link),
		media:      make(map[int]*medium.Table),
		svcs:       make(map[int][]services.Spec),
		svcStatus:  make(map[int][]services.Status),
		tunnels:    make(map[int]TunnelParams),
		peerReach:  make(map[string]Reachability),
		nodeReach:  make(map[int]Reachability),
	}
}

func (s *Session) Name() string { return s.name }

// Key identifies the session across daemons.
func (s *Session) Key() Key { return s.key }

// Daemon is the name of the daemon holding this copy of the session.
func (s *Session) Daemon() string { return s.cfg.Daemon }

// Mirrored reports whether the session was declared on another daemon.
func (s *Session) Mirrored() bool { return s.key.Origin != s.cfg.Daemon }

// Dir is the parent of the node directories.
func (s *Session) Dir() string { return s.dir }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Seq is the sequence number of the last committed transition.
func (s *Session) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Session) setDistributor(d Distributor) {
	s.mu.Lock()
	s.dist = d
	s.mu.Unlock()
}

// distributorLocked returns the distributor when this daemon declared the
// session.
func (s *Session) distributorLocked() Distributor {
	if s.Mirrored() {
		return nil
	}
	return s.dist
}

func (s *Session) distributor() Distributor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.distributorLocked()
}

func (s *Session) owns(n *node.Node) bool {
	return n.Owner() == s.cfg.Daemon
}

// opLocked registers a host operation. The returned context is cancelled
// when the caller's context is or when SHUTDOWN starts.
func (s *Session) opLocked(ctx context.Context) (context.Context, func()) {
	s.inflight.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return ctx, func() {
		stop()
		cancel()
		s.inflight.Done()
	}
}

func (s *Session) withAttrs(err error) error {
	return errors.Attr(err, "session", s.ID)
}

// SetState moves the session to target. Only the declaring daemon drives a
// session; mirrors follow their origin.
func (s *Session) SetState(ctx context.Context, target State) error {
	if s.Mirrored() {
		err := errors.Errorf(errors.KindInvalidTransition, "session is driven by daemon %s", s.key.Origin)
		return s.withAttrs(err)
	}
	return s.transition(ctx, target)
}

// Shutdown aborts the session from any state.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.transition(ctx, StateShutdown)
}

func (s *Session) transition(ctx context.Context, to State) error {
	if to == StateShutdown {
		return s.shutdown(ctx)
	}

	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return s.withAttrs(err)
	}
	if s.busy || s.closing {
		s.mu.Unlock()
		return s.withAttrs(errors.Errorf(errors.KindConflict, "a transition out of %s is in progress", from))
	}
	if to == StateInstantiation {
		if err := s.validateLocked(); err != nil {
			s.mu.Unlock()
			return s.withAttrs(err)
		}
	}
	s.busy = true
	opCtx, done := s.opLocked(ctx)
	s.mu.Unlock()

	var err error
	switch to {
	case StateInstantiation:
		err = s.instantiate(opCtx)
	case StateDefinition:
		s.resetReachability()
	}
	interrupted := opCtx.Err() != nil && ctx.Err() == nil
	done()

	s.mu.Lock()
	s.busy = false
	if err == nil && interrupted {
		err = errors.Errorf(errors.KindInternal, "%s interrupted by shutdown", to)
	}
	if err == nil && s.state != from {
		err = errors.Errorf(errors.KindConflict, "session moved to %s during %s", s.state, to)
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("transition failed", "from", from.String(), "to", to.String(), "error", err)
		return s.withAttrs(err)
	}
	s.state = to
	s.seq++
	ev := Event{Session: s.key, Seq: s.seq, From: from, To: to}
	dist := s.distributorLocked()
	s.mu.Unlock()

	s.committed(ctx, ev, dist)
	return nil
}

func (s *Session) committed(ctx context.Context, ev Event, dist Distributor) {
	s.cfg.Metrics.SessionState(ev.From.String(), ev.To.String())
	s.logger.Info("session state changed", "from", ev.From.String(), "to", ev.To.String(), "seq", ev.Seq)
	if dist == nil {
		return
	}
	if err := dist.Transition(ctx, s, ev); err != nil {
		s.logger.Warn("transition not acknowledged by every peer", "seq", ev.Seq, "error", err)
	}
}

// shutdown cancels in-flight work, then tears links down before nodes. It
// always reaches SHUTDOWN; teardown failures are joined and returned.
func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		down := s.down
		s.mu.Unlock()
		select {
		case <-down:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.closing = true
	s.down = make(chan struct{})
	s.lifeCancel()
	s.mu.Unlock()

	waitGroup(ctx, &s.inflight, s.logger)
	err := s.teardown(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.state = StateShutdown
	s.seq++
	s.closing = false
	close(s.down)
	s.down = nil
	s.life, s.lifeCancel = context.WithCancel(context.Background())
	ev := Event{Session: s.key, Seq: s.seq, From: from, To: StateShutdown}
	dist := s.distributorLocked()
	s.mu.Unlock()

	s.committed(ctx, ev, dist)
	if err != nil {
		return s.withAttrs(err)
	}
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("operations still running at shutdown", "error", ctx.Err())
	}
}

// validateLocked checks that every reference resolves before anything is
// built.
func (s *Session) validateLocked() error {
	for _, l := range s.links {
		for _, ep := range []link.Endpoint{l.A, l.B} {
			n, ok := s.nodes[ep.Node]
			if !ok {
				err := errors.Errorf(errors.KindUnresolvedReference, "link %d references missing node %d", l.ID, ep.Node)
				return errors.Attr(err, "link", l.ID)
			}
			if _, ok := n.Interface(ep.Interface); !ok {
				err := errors.Errorf(errors.KindUnresolvedReference, "link %d references missing interface %s", l.ID, ep)
				return errors.Attr(err, "link", l.ID)
			}
		}
	}
	for id, t := range s.media {
		n, ok := s.nodes[id]
		if !ok || !s.owns(n) {
			continue
		}
		for _, m := range t.Members() {
			if _, _, ok := s.mediumLinkLocked(id, int(m)); !ok {
				err := errors.Errorf(errors.KindUnresolvedReference, "medium member %d has no link to medium node %d", m, id)
				return errors.Attr(err, "node", n.Name())
			}
		}
	}
	return nil
}

// instantiate boots every local node, then every link with a local end,
// then realizes local media and starts services.
func (s *Session) instantiate(ctx context.Context) error {
	if dist := s.distributor(); dist != nil {
		if err := dist.Sync(ctx, s); err != nil {
			s.logger.Warn("peers not fully synchronized", "error", err)
		}
	}

	nodes := s.localNodes()
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = workqueue.NodeKey(n.ID)
	}
	err := s.cfg.Queue.Each(ctx, keys, func(ctx context.Context, i int) error {
		return nodes[i].Boot(ctx)
	})
	if err != nil {
		return err
	}

	links := s.sortedLinks()
	keys = make([]string, len(links))
	for i, l := range links {
		keys[i] = workqueue.LinkKey(l.ID)
	}
	err = s.cfg.Queue.Each(ctx, keys, func(ctx context.Context, i int) error {
		return s.createLink(ctx, links[i])
	})
	if err != nil {
		return err
	}

	for _, id := range s.localMedia() {
		if err := s.realizeMedium(ctx, id); err != nil {
			return errors.Attr(err, "node", id)
		}
	}

	for _, n := range nodes {
		if _, err := s.startServices(ctx, n); err != nil {
			s.logger.Warn("services failed to start", "node", n.Name(), "error", err)
		}
	}
	return nil
}

// teardown removes everything this daemon built for the session. The
// declared topology is kept so the session can be reset and rebuilt.
func (s *Session) teardown(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		s.logger.Warn("teardown step failed", "error", err)
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	nodes := s.localNodes()
	for _, n := range nodes {
		if !n.Booted() {
			continue
		}
		if _, err := s.stopServices(ctx, n); err != nil {
			s.logger.Debug("service shutdown commands failed", "node", n.Name(), "error", err)
		}
	}

	s.mu.RLock()
	tables := make([]*medium.Table, 0, len(s.media))
	for _, t := range s.media {
		tables = append(tables, t)
	}
	s.mu.RUnlock()
	for _, t := range tables {
		collect(t.Detach(ctx))
	}

	// running commands hold their node's queue
	for _, n := range nodes {
		n.CancelCommands()
	}

	links := s.sortedLinks()
	keys := make([]string, len(links))
	for i, l := range links {
		keys[i] = workqueue.LinkKey(l.ID)
	}
	collect(s.cfg.Queue.Each(ctx, keys, func(ctx context.Context, i int) error {
		collect(errors.Attr(links[i].Destroy(ctx), "link", links[i].ID))
		return nil
	}))

	keys = make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = workqueue.NodeKey(n.ID)
	}
	collect(s.cfg.Queue.Each(ctx, keys, func(ctx context.Context, i int) error {
		collect(errors.Attr(nodes[i].Destroy(ctx), "node", nodes[i].Name()))
		return nil
	}))

	s.mu.Lock()
	s.svcStatus = make(map[int][]services.Status)
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Session) localNodes() []*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if s.owns(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) sortedLinks() []*link.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*link.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) localMedia() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for id := range s.media {
		if n, ok := s.nodes[id]; ok && s.owns(n) {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
