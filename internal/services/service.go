// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package services places rendered service files inside a node and runs the
// service's command lists. Scripts are opaque: a command succeeds when it
// exits 0.
package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/node"
)

// DefaultTimeout bounds each service command when Spec.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Phase names a command list of a service.
type Phase string

const (
	PhaseStartup  Phase = "startup"
	PhaseValidate Phase = "validate"
	PhaseShutdown Phase = "shutdown"
)

// File is a rendered file placed relative to the node directory.
type File struct {
	Path    string      `json:"path"`
	Content []byte      `json:"content"`
	Mode    os.FileMode `json:"mode"`
}

// Spec is one rendered service of a node.
type Spec struct {
	Name     string        `json:"name"`
	Files    []File        `json:"files,omitempty"`
	Startup  []string      `json:"startup,omitempty"`
	Validate []string      `json:"validate,omitempty"`
	Shutdown []string      `json:"shutdown,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

func (s Spec) commands(p Phase) []string {
	switch p {
	case PhaseStartup:
		return s.Startup
	case PhaseValidate:
		return s.Validate
	case PhaseShutdown:
		return s.Shutdown
	}
	return nil
}

// Target is the node the services run on.
type Target interface {
	Name() string
	PlaceFile(path string, content []byte, mode os.FileMode) error
	Execute(ctx context.Context, req node.Request) (node.Result, error)
}

// CommandResult reports one command run.
type CommandResult struct {
	Service string      `json:"service"`
	Phase   Phase       `json:"phase"`
	Command string      `json:"command"`
	Result  node.Result `json:"result"`
	Err     error       `json:"-"`
}

// Failed reports whether the command errored or exited non-zero.
func (c CommandResult) Failed() bool {
	return c.Err != nil || !c.Result.Success()
}

// Status represents the current state of a service on a node.
type Status struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Runner drives service lifecycles on nodes.
type Runner struct {
	logger *logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.WithComponent("services")
	}
	return &Runner{logger: logger}
}

// Start places every file then runs each service's startup commands in
// declared order. A failing command ends that service's startup; the
// remaining services still start.
func (r *Runner) Start(ctx context.Context, t Target, specs []Spec) ([]CommandResult, []Status, error) {
	var (
		results []CommandResult
		status  = make([]Status, 0, len(specs))
		errs    []error
	)
	for _, s := range specs {
		st := Status{Name: s.Name}
		if err := r.place(t, s); err != nil {
			st.Error = err.Error()
			status = append(status, st)
			errs = append(errs, err)
			continue
		}
		res, err := r.run(ctx, t, s, PhaseStartup, true)
		results = append(results, res...)
		if err != nil {
			st.Error = err.Error()
			errs = append(errs, err)
		} else {
			st.Running = true
		}
		status = append(status, st)
	}
	return results, status, errors.Join(errs...)
}

// Validate runs every validate command of every service.
func (r *Runner) Validate(ctx context.Context, t Target, specs []Spec) ([]CommandResult, error) {
	return r.phase(ctx, t, specs, PhaseValidate, false)
}

// Stop runs the shutdown commands in reverse service order, best effort.
func (r *Runner) Stop(ctx context.Context, t Target, specs []Spec) ([]CommandResult, error) {
	rev := make([]Spec, len(specs))
	for i, s := range specs {
		rev[len(specs)-1-i] = s
	}
	return r.phase(ctx, t, rev, PhaseShutdown, false)
}

func (r *Runner) phase(ctx context.Context, t Target, specs []Spec, p Phase, stopOnFailure bool) ([]CommandResult, error) {
	var (
		results []CommandResult
		errs    []error
	)
	for _, s := range specs {
		res, err := r.run(ctx, t, s, p, stopOnFailure)
		results = append(results, res...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) place(t Target, s Spec) error {
	for _, f := range s.Files {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := t.PlaceFile(f.Path, f.Content, mode); err != nil {
			err = errors.Wrapf(err, errors.GetKind(err), "service %s: place %s", s.Name, f.Path)
			return errors.Attr(err, "node", t.Name())
		}
	}
	return nil
}

func (r *Runner) run(ctx context.Context, t Target, s Spec, p Phase, stopOnFailure bool) ([]CommandResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := r.logger.With("node", t.Name(), "service", s.Name, "phase", string(p))

	var (
		results []CommandResult
		errs    []error
	)
	for _, cmd := range s.commands(p) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := t.Execute(ctx, node.Request{Command: cmd, Stream: node.StreamPipe, Timeout: timeout})
		cr := CommandResult{Service: s.Name, Phase: p, Command: cmd, Result: res, Err: err}
		results = append(results, cr)
		if !cr.Failed() {
			log.Debug("service command ok", "command", cmd)
			continue
		}

		if err == nil {
			err = errors.Errorf(errors.KindInternal, "exit status %d", res.ExitCode)
		}
		err = errors.Wrapf(err, errors.GetKind(err), "service %s %s %q", s.Name, p, cmd)
		err = errors.Attr(err, "node", t.Name())
		log.Warn("service command failed", "command", cmd, "exit", res.ExitCode, "stderr", trim(res.Stderr), "error", err)
		errs = append(errs, err)
		if stopOnFailure {
			break
		}
	}
	return results, errors.Join(errs...)
}

func trim(b []byte) string {
	const max = 256
	if len(b) > max {
		return fmt.Sprintf("%s...", b[:max])
	}
	return string(b)
}
