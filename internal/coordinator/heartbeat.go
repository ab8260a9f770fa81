// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"sort"
	"time"

	"grimm.is/netemu/internal/session"
)

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Heartbeat(c.ctx)
		}
	}
}

// Heartbeat probes every peer once. A peer missing FailureThreshold
// heartbeats in a row is declared down and its nodes unreachable; a peer
// coming back is resynchronized.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
		_, err := c.send(hctx, name, TypeHeartbeat, session.Key{}, HeartbeatPayload{Sessions: len(c.cfg.Manager.List())})
		cancel()
		if err != nil {
			c.missed(name, err)
			continue
		}
		c.seen(name)
	}
}

// seen records a sign of life from a peer.
func (c *Coordinator) seen(name string) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	returned := !p.alive
	p.alive = true
	p.missed = 0
	p.lastSeen = c.now()
	c.mu.Unlock()

	if returned && c.ctx.Err() == nil {
		c.logger.Info("peer is back", "peer", name)
		// resyncs send messages; never block the caller's handler on them
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.peerReturned(name)
		}()
	}
}

func (c *Coordinator) missed(name string, err error) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.missed++
	down := p.alive && p.missed >= c.cfg.FailureThreshold
	if down {
		p.alive = false
	}
	missed := p.missed
	c.mu.Unlock()

	if !down {
		c.logger.Warn("peer heartbeat missed", "peer", name, "count", missed, "threshold", c.cfg.FailureThreshold, "error", err)
		return
	}
	c.logger.Warn("peer appears to be down", "peer", name, "missed_heartbeats", missed)
	for _, s := range c.cfg.Manager.List() {
		if involves(s, name) {
			s.MarkPeer(name, session.Unreachable)
		}
	}
	c.updateGauge()
}

// peerReturned pushes every session declared here that involves the peer.
func (c *Coordinator) peerReturned(name string) {
	for _, s := range c.cfg.Manager.List() {
		if !involves(s, name) {
			continue
		}
		s.MarkPeer(name, session.Pending)
		if s.Mirrored() {
			continue
		}
		if _, err := c.send(c.ctx, name, TypeSessionSync, s.Key(), s.Snapshot()); err != nil {
			c.logger.Warn("resync of returning peer failed", "peer", name, "session", s.Key().String(), "error", err)
			continue
		}
		s.MarkPeer(name, session.Reachable)
	}
	c.updateGauge()
}

func involves(s *session.Session, peer string) bool {
	for _, p := range s.Peers() {
		if p == peer {
			return true
		}
	}
	return false
}
