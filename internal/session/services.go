// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"context"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/node"
	"grimm.is/netemu/internal/services"
	"grimm.is/netemu/internal/workqueue"
)

// queuedNode runs service commands in order with user commands on the same
// node.
type queuedNode struct {
	*node.Node
	queue *workqueue.Queue
}

func (q queuedNode) Execute(ctx context.Context, req node.Request) (node.Result, error) {
	var res node.Result
	err := q.queue.Serial(ctx, workqueue.NodeKey(q.ID), func(ctx context.Context) error {
		var err error
		res, err = q.Node.Execute(ctx, req)
		return err
	})
	return res, err
}

func (s *Session) target(n *node.Node) services.Target {
	return queuedNode{Node: n, queue: s.cfg.Queue}
}

func (s *Session) specsOf(n *node.Node) []services.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svcs[n.ID]
}

func (s *Session) startServices(ctx context.Context, n *node.Node) ([]services.CommandResult, error) {
	specs := s.specsOf(n)
	if len(specs) == 0 || s.cfg.Services == nil {
		return nil, nil
	}
	results, status, err := s.cfg.Services.Start(ctx, s.target(n), specs)
	s.mu.Lock()
	s.svcStatus[n.ID] = status
	s.mu.Unlock()
	return results, err
}

func (s *Session) stopServices(ctx context.Context, n *node.Node) ([]services.CommandResult, error) {
	specs := s.specsOf(n)
	if len(specs) == 0 || s.cfg.Services == nil {
		return nil, nil
	}
	return s.cfg.Services.Stop(ctx, s.target(n), specs)
}

// SetServices replaces the services declared on a node. Running services
// are not restarted.
func (s *Session) SetServices(id int, specs []services.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.nodeLocked(id); err != nil {
		return err
	}
	if !s.state.allowsEdit() {
		return s.withAttrs(errors.Errorf(errors.KindInvalidTransition, "services cannot change in %s", s.state))
	}
	s.svcs[id] = specs
	return nil
}

// ServiceStatus reports the services started on a node.
func (s *Session) ServiceStatus(id int) []services.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]services.Status(nil), s.svcStatus[id]...)
}

// runServicePhase runs fn for a local node at RUNTIME.
func (s *Session) runServicePhase(ctx context.Context, id int, fn func(context.Context, *node.Node) ([]services.CommandResult, error)) ([]services.CommandResult, error) {
	s.mu.Lock()
	n, err := s.nodeLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.state != StateRuntime || s.closing || !s.owns(n) {
		s.mu.Unlock()
		err := errors.Errorf(errors.KindInvalidTransition, "services of node %s cannot run in %s on this daemon", n.Name(), s.state)
		return nil, s.withAttrs(err)
	}
	opCtx, done := s.opLocked(ctx)
	defer done()
	s.mu.Unlock()
	return fn(opCtx, n)
}

// BootServices (re)starts the services declared on a node.
func (s *Session) BootServices(ctx context.Context, id int) ([]services.CommandResult, error) {
	return s.runServicePhase(ctx, id, s.startServices)
}

// ValidateServices runs every validate command declared on a node.
func (s *Session) ValidateServices(ctx context.Context, id int) ([]services.CommandResult, error) {
	return s.runServicePhase(ctx, id, func(ctx context.Context, n *node.Node) ([]services.CommandResult, error) {
		specs := s.specsOf(n)
		if len(specs) == 0 || s.cfg.Services == nil {
			return nil, nil
		}
		return s.cfg.Services.Validate(ctx, s.target(n), specs)
	})
}
