// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package node

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"grimm.is/netemu/internal/clock"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/metrics"
)

// StreamPolicy selects how a command's standard streams are handled.
type StreamPolicy int

const (
	// StreamDiscard connects all streams to the null device.
	StreamDiscard StreamPolicy = iota
	// StreamPipe captures stdout and stderr through pipes.
	StreamPipe
	// StreamPTY runs the command on a pseudo-terminal; output is merged
	// into Result.Stdout.
	StreamPTY
)

func (p StreamPolicy) String() string {
	switch p {
	case StreamPipe:
		return "pipe"
	case StreamPTY:
		return "pty"
	default:
		return "discard"
	}
}

// ExitTimeout is reported as the exit code of a command killed at its deadline.
const ExitTimeout = 124

// drainGrace bounds how long output is read after the process is reaped.
// Background children may keep the write side open indefinitely.
const drainGrace = 200 * time.Millisecond

// Request describes one command execution.
type Request struct {
	// Argv is executed directly. When empty, Command is run with sh -c.
	Argv    []string
	Command string
	Stdin   []byte
	Env     []string
	Stream  StreamPolicy
	// Timeout bounds the run in addition to the caller's context.
	Timeout time.Duration
	// Output, if set, receives output as it is produced.
	Output io.Writer
}

func (r Request) argv() []string {
	if len(r.Argv) > 0 {
		return r.Argv
	}
	return []string{"sh", "-c", r.Command}
}

// Result is the outcome of a command that was started.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Execute runs a command inside the node and returns once it has terminated
// and its streams are drained. A command killed at its deadline yields a
// Result with TimedOut set together with a KindTimeout error; a command that
// ran and failed yields its exit code and no error.
func (n *Node) Execute(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 && req.Command == "" {
		return Result{}, errors.New(errors.KindInvalidParameter, "empty command")
	}
	if !n.Booted() {
		return Result{}, errors.Errorf(errors.KindInvalidTransition, "node %s is not booted", n.cfg.Name)
	}
	r, err := n.track()
	if err != nil {
		return Result{}, err
	}
	defer r.execs.Done()

	// destroying the node cancels the command
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	if req.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, req.Timeout)
		defer tcancel()
	}

	cmd := n.cfg.Kernel.Command(n.Namespace(), req.argv()...)
	cmd.Dir = n.Dir()
	cmd.Env = append(os.Environ(), req.Env...)

	start := clock.Now()
	var res Result
	switch req.Stream {
	case StreamPTY:
		res, err = n.runPTY(ctx, cmd, req)
	case StreamPipe:
		res, err = n.runPipe(ctx, cmd, req)
	default:
		res, err = n.runDiscard(ctx, cmd)
	}
	res.Duration = clock.Now().Sub(start)

	outcome := metrics.OutcomeOK
	switch {
	case res.TimedOut:
		outcome = metrics.OutcomeTimeout
	case err != nil || res.ExitCode != 0:
		outcome = metrics.OutcomeError
	}
	n.cfg.Metrics.ObserveExec(outcome, res.Duration)
	n.logger.Debug("command finished", "argv", cmd.Args, "exit", res.ExitCode, "timed_out", res.TimedOut, "duration", res.Duration)
	return res, err
}

// setNonblock puts a descriptor in non-blocking mode without detaching it
// from the runtime poller, which (*os.File).Fd would do.
func setNonblock(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	}); err != nil {
		return err
	}
	return serr
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		// negative pid addresses the whole process group
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// wait reaps cmd, killing its process group if ctx ends first.
func wait(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		err      error
		res      Result
		ctxErr   error
		finished bool
	)
	select {
	case err = <-done:
		finished = true
	case <-ctx.Done():
		ctxErr = ctx.Err()
		killGroup(cmd)
	}
	if !finished {
		err = <-done
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			err = nil
		}
	}
	switch {
	case ctxErr == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		return res, errors.Wrapf(ctxErr, errors.KindTimeout, "command %q timed out", cmd.Args)
	case ctxErr != nil:
		res.ExitCode = -1
		return res, errors.Wrapf(ctxErr, errors.KindInternal, "command %q cancelled", cmd.Args)
	case err != nil:
		return res, errors.Wrapf(err, errors.KindInternal, "wait for %q", cmd.Args)
	}
	return res, nil
}

func (n *Node) runDiscard(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, errors.Wrapf(err, errors.KindInternal, "start %q", cmd.Args)
	}
	return wait(ctx, cmd)
}

// stream is one captured output descriptor.
type stream struct {
	r   *os.File
	buf bytes.Buffer
}

func (n *Node) runPipe(ctx context.Context, cmd *exec.Cmd, req Request) (Result, error) {
	var streams [2]*stream
	var writers [2]*os.File
	closeAll := func() {
		for i := range streams {
			if streams[i] != nil {
				streams[i].r.Close()
			}
			if writers[i] != nil {
				writers[i].Close()
			}
		}
	}
	for i := range streams {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return Result{ExitCode: -1}, errors.Wrap(err, errors.KindResourceExhausted, "create pipe")
		}
		streams[i], writers[i] = &stream{r: r}, w
		if err := setNonblock(r); err != nil {
			closeAll()
			return Result{ExitCode: -1}, errors.Wrap(err, errors.KindInternal, "set pipe non-blocking")
		}
	}
	defer closeAll()

	cmd.Stdout, cmd.Stderr = writers[0], writers[1]
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, errors.Wrapf(err, errors.KindInternal, "start %q", cmd.Args)
	}
	// the child holds its own copies; ours would keep the readers from EOF
	for i := range writers {
		writers[i].Close()
		writers[i] = nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var w io.Writer = &s.buf
			if req.Output != nil {
				w = io.MultiWriter(&s.buf, lockedWriter{&mu, req.Output})
			}
			io.Copy(w, s.r)
		}()
	}

	res, err := wait(ctx, cmd)
	for _, s := range streams {
		s.r.SetReadDeadline(time.Now().Add(drainGrace))
	}
	wg.Wait()

	res.Stdout = streams[0].buf.Bytes()
	res.Stderr = streams[1].buf.Bytes()
	return res, err
}

func (n *Node) runPTY(ctx context.Context, cmd *exec.Cmd, req Request) (Result, error) {
	// pty.Start makes the child a session leader, which also gives it its
	// own process group.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{ExitCode: -1}, errors.Wrapf(err, errors.KindInternal, "start %q on pty", cmd.Args)
	}
	defer ptmx.Close()
	if err := setNonblock(ptmx); err != nil {
		killGroup(cmd)
		cmd.Wait()
		return Result{ExitCode: -1}, errors.Wrap(err, errors.KindInternal, "set pty non-blocking")
	}

	if len(req.Stdin) > 0 {
		go ptmx.Write(req.Stdin)
	}

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		var w io.Writer = &buf
		if req.Output != nil {
			w = io.MultiWriter(&buf, req.Output)
		}
		// reading the master fails with EIO once the child side is closed
		io.Copy(w, ptmx)
	}()

	res, err := wait(ctx, cmd)
	if derr := ptmx.SetReadDeadline(time.Now().Add(drainGrace)); derr != nil {
		ptmx.Close()
	}
	<-done
	res.Stdout = buf.Bytes()
	return res, err
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
