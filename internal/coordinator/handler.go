// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"encoding/json"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/session"
)

func (c *Coordinator) handle(ctx context.Context, env Envelope) (json.RawMessage, error) {
	c.seen(env.From)
	logger := c.logger.With("type", string(env.Type), "from", env.From, "session", env.Session)
	logger.Debug("peer message received")

	if env.Type == TypeHeartbeat {
		return encode(HeartbeatPayload{Sessions: len(c.cfg.Manager.List())})
	}

	key, err := session.ParseKey(env.Session)
	if err != nil {
		return nil, err
	}
	if env.Type == TypeSessionSync {
		var snap session.Snapshot
		if err := decode(env.Payload, &snap); err != nil {
			return nil, err
		}
		if snap.Definition.Key != key {
			return nil, errors.Errorf(errors.KindInvalidParameter, "snapshot of %s sent for %s", snap.Definition.Key, key)
		}
		s, err := c.cfg.Manager.Mirror(ctx, snap)
		if err != nil && s != nil && snap.State >= session.StateInstantiation && snap.State != session.StateShutdown {
			c.reportUnbooted(ctx, s)
		}
		return nil, err
	}

	s, ok := c.cfg.Manager.Lookup(key)
	if !ok {
		return nil, errors.Attr(errors.Errorf(errors.KindNotFound, "session %s not found", key), "peer", c.cfg.Daemon)
	}

	switch env.Type {
	case TypeTransition:
		var ev session.Event
		if err := decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return nil, c.applyTransition(ctx, s, env.From, ev)

	case TypeResync:
		return encode(s.Snapshot())

	case TypeTunnel:
		var tp session.TunnelParams
		if err := decode(env.Payload, &tp); err != nil {
			return nil, err
		}
		return nil, s.SetTunnel(tp)

	case TypePlacement:
		var p PlacementPayload
		if err := decode(env.Payload, &p); err != nil {
			return nil, err
		}
		return nil, s.Place(p.Node, p.Owner)

	case TypeReachability:
		var r ReachabilityPayload
		if err := decode(env.Payload, &r); err != nil {
			return nil, err
		}
		s.MarkNodes(r.Nodes, r.State)
		c.updateGauge()
		return nil, nil
	}
	return nil, errors.Errorf(errors.KindInvalidParameter, "unknown message type %q", env.Type)
}

// applyTransition follows the origin's transition. On a sequence gap the
// origin is asked for its snapshot, which is applied in place of the event.
func (c *Coordinator) applyTransition(ctx context.Context, s *session.Session, from string, ev session.Event) error {
	err := s.ApplyTransition(ctx, ev)
	if !errors.HasKind(err, errors.KindOutOfOrder) {
		if err != nil && ev.To == session.StateInstantiation {
			c.reportUnbooted(ctx, s)
		}
		return err
	}
	c.logger.Info("transition out of order, resyncing", "session", s.Key().String(), "seq", ev.Seq, "have", s.Seq())
	if rerr := c.RequestResync(ctx, s.Key()); rerr != nil {
		return errors.Join(err, rerr)
	}
	return nil
}
