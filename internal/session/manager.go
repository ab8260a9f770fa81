// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/services"
	"grimm.is/netemu/internal/workqueue"
)

// Manager is the registry of sessions held by one daemon.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.RWMutex
	nextID   uint32
	sessions map[uint32]*Session
	byKey    map[Key]*Session
	dist     Distributor
}

// NewManager validates cfg and fills in defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Daemon == "" {
		return nil, errors.New(errors.KindInvalidParameter, "daemon name is required")
	}
	if cfg.Kernel == nil {
		return nil, errors.New(errors.KindInvalidParameter, "kernel is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("session")
	}
	if cfg.Allocator == nil {
		cfg.Allocator = kernel.DefaultAllocator()
	}
	if cfg.Queue == nil {
		cfg.Queue = workqueue.New(0)
	}
	if cfg.Services == nil {
		cfg.Services = services.NewRunner(cfg.Logger.WithComponent("services"))
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "netemu")
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		nextID:   1,
		sessions: make(map[uint32]*Session),
		byKey:    make(map[Key]*Session),
	}, nil
}

func sessionDir(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprint(id))
}

// Daemon is this daemon's name.
func (m *Manager) Daemon() string { return m.cfg.Daemon }

// SetDistributor installs d on every current and future session.
func (m *Manager) SetDistributor(d Distributor) {
	m.mu.Lock()
	m.dist = d
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		s.setDistributor(d)
	}
}

func (m *Manager) add(key Key, name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if key.Origin == "" {
		key = Key{Origin: m.cfg.Daemon, ID: id}
	}
	s := newSession(id, key, name, m.cfg)
	s.dist = m.dist
	m.sessions[id] = s
	m.byKey[key] = s
	m.cfg.Metrics.SessionState("", s.state.String())
	return s
}

// Create declares an empty session in DEFINITION.
func (m *Manager) Create(name string) *Session {
	s := m.add(Key{}, name)
	s.logger.Info("session created", "name", name)
	return s
}

// FromDefinition creates a session declaring the topology of def. The key
// of def is ignored; the new session belongs to this daemon.
func (m *Manager) FromDefinition(ctx context.Context, def Definition) (*Session, error) {
	s := m.Create(def.Name)
	def.Tunnels = nil
	if err := s.Reconcile(ctx, def); err != nil {
		if derr := m.Delete(ctx, s.ID); derr != nil {
			m.logger.Warn("discarding partial session failed", "session", s.ID, "error", derr)
		}
		return nil, err
	}
	return s, nil
}

// Mirror creates or updates the local copy of a session declared by
// another daemon and brings it to snap.
func (m *Manager) Mirror(ctx context.Context, snap Snapshot) (*Session, error) {
	key := snap.Definition.Key
	if key.Origin == "" || key.Origin == m.cfg.Daemon {
		return nil, errors.Errorf(errors.KindInvalidParameter, "cannot mirror session %s", key)
	}
	s, ok := m.Lookup(key)
	if !ok {
		s = m.add(key, snap.Definition.Name)
		s.logger.Info("mirroring session", "origin", key.Origin)
	}
	if err := s.Resync(ctx, snap); err != nil {
		return s, err
	}
	return s, nil
}

// Get returns the session with the local id.
func (m *Manager) Get(id uint32) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		err := errors.Errorf(errors.KindNotFound, "session %d not found", id)
		return nil, errors.Attr(err, "session", id)
	}
	return s, nil
}

// Lookup finds a session by its cross-daemon key.
func (m *Manager) Lookup(key Key) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byKey[key]
	return s, ok
}

// List returns the sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete shuts a session down and forgets it.
func (m *Manager) Delete(ctx context.Context, id uint32) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	serr := s.Shutdown(ctx)

	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.byKey, s.key)
	m.mu.Unlock()

	s.mu.Lock()
	for lid := range s.tunnels {
		s.releaseTunnelLocked(lid)
	}
	s.mu.Unlock()
	m.cfg.Metrics.SessionState(s.State().String(), "")

	if err := os.RemoveAll(s.dir); err != nil {
		m.logger.Warn("removing session directory failed", "dir", s.dir, "error", err)
	}
	s.logger.Info("session deleted")
	return serr
}

// Shutdown shuts every session down concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.List() {
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UnreachableCount sums unreachable nodes over all sessions.
func (m *Manager) UnreachableCount() int {
	total := 0
	for _, s := range m.List() {
		total += s.UnreachableCount()
	}
	return total
}
