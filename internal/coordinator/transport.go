// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"grimm.is/netemu/internal/clock"
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
)

// Handler answers one request. A returned error is sent back with its kind.
type Handler func(ctx context.Context, env Envelope) (json.RawMessage, error)

// Transport carries envelopes between daemons, one request and one reply
// per exchange.
type Transport interface {
	// Serve dispatches incoming requests to h until Close.
	Serve(h Handler) error
	// Send delivers env to the daemon listening at addr and waits for the
	// reply. Delivery failures have KindPeerUnreachable.
	Send(ctx context.Context, addr string, env Envelope) (Reply, error)
	Close() error
}

// DefaultTimeout bounds one exchange, including the handshake.
const DefaultTimeout = 30 * time.Second

// TCPTransport speaks newline-delimited JSON over TCP, optionally inside
// TLS, with a PSK challenge before the request when a secret is set.
type TCPTransport struct {
	addr    string
	sec     SecurityConfig
	timeout time.Duration
	logger  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPTransport creates a transport listening on addr once Serve is
// called. timeout 0 selects DefaultTimeout.
func NewTCPTransport(addr string, sec SecurityConfig, timeout time.Duration, logger *logging.Logger) *TCPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("coordinator")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{addr: addr, sec: sec, timeout: timeout, logger: logger, ctx: ctx, cancel: cancel}
}

// Addr returns the bound address once serving.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) Serve(h Handler) error {
	l, err := listen(t.addr, t.sec)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "listen on %s", t.addr)
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	t.logger.Info("peer listener started", "addr", l.Addr().String(), "tls", t.sec.tls())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-t.ctx.Done():
					return
				default:
					t.logger.Warn("failed to accept peer connection", "error", err)
					continue
				}
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.handle(conn, h)
			}()
		}
	}()
	return nil
}

func (t *TCPTransport) handle(conn net.Conn, h Handler) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	conn.SetDeadline(clock.Now().Add(t.timeout))

	if t.sec.SecretKey != "" {
		nonce, err := generateNonce()
		if err != nil {
			t.logger.Warn("failed to generate nonce", "addr", addr, "error", err)
			return
		}
		if err := encoder.Encode(authChallenge{Nonce: nonce}); err != nil {
			t.logger.Warn("failed to send auth challenge", "addr", addr, "error", err)
			return
		}
		var resp authResponse
		if err := decoder.Decode(&resp); err != nil {
			t.logger.Warn("failed to read auth response", "addr", addr, "error", err)
			return
		}
		if !verifyMAC(nonce, resp.MAC, []byte(t.sec.SecretKey)) {
			t.logger.Warn("peer authentication failed", "addr", addr)
			return
		}
	}

	var env Envelope
	if err := decoder.Decode(&env); err != nil {
		t.logger.Warn("failed to read peer request", "addr", addr, "error", err)
		return
	}
	// handlers may build topology; only the reply is bounded
	conn.SetDeadline(time.Time{})
	payload, err := h(t.ctx, env)
	conn.SetWriteDeadline(clock.Now().Add(t.timeout))
	if err := encoder.Encode(reply(env.ID, payload, err)); err != nil {
		t.logger.Warn("failed to send peer reply", "addr", addr, "type", env.Type, "error", err)
	}
}

func reply(id string, payload json.RawMessage, err error) Reply {
	if err != nil {
		return Reply{ID: id, Kind: errors.GetKind(err), Error: err.Error()}
	}
	return Reply{ID: id, OK: true, Payload: payload}
}

func (t *TCPTransport) Send(ctx context.Context, addr string, env Envelope) (Reply, error) {
	unreachable := func(err error, msg string) (Reply, error) {
		return Reply{}, errors.Attr(errors.Wrap(err, errors.KindPeerUnreachable, msg), "addr", addr)
	}

	conn, err := dial(addr, t.sec, t.timeout)
	if err != nil {
		return unreachable(err, "dial peer")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	if t.sec.SecretKey != "" {
		conn.SetReadDeadline(clock.Now().Add(t.timeout))
		var challenge authChallenge
		if err := decoder.Decode(&challenge); err != nil {
			return unreachable(err, "read auth challenge")
		}
		mac := computeMAC(challenge.Nonce, []byte(t.sec.SecretKey))
		if err := encoder.Encode(authResponse{MAC: mac}); err != nil {
			return unreachable(err, "send auth response")
		}
		conn.SetReadDeadline(time.Time{})
	}

	if err := encoder.Encode(env); err != nil {
		return unreachable(err, "send request")
	}
	var r Reply
	if err := decoder.Decode(&r); err != nil {
		if ctx.Err() != nil {
			return Reply{}, errors.Wrap(ctx.Err(), errors.KindTimeout, "waiting for peer reply")
		}
		return unreachable(err, "read reply")
	}
	return r, nil
}

func (t *TCPTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	var err error
	if l != nil {
		err = l.Close()
	}
	t.wg.Wait()
	return err
}

// MemoryNetwork connects in-process transports by address. Tests use it to
// run several daemons in one process.
type MemoryNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handler
	down     map[string]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: make(map[string]Handler), down: make(map[string]bool)}
}

// SetDown makes addr unreachable, or reachable again.
func (n *MemoryNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

// Transport returns the endpoint listening at addr.
func (n *MemoryNetwork) Transport(addr string) *MemoryTransport {
	return &MemoryTransport{net: n, addr: addr}
}

// MemoryTransport round-trips every message through JSON like the wire
// would.
type MemoryTransport struct {
	net  *MemoryNetwork
	addr string
}

func (t *MemoryTransport) Serve(h Handler) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, taken := t.net.handlers[t.addr]; taken {
		return errors.Errorf(errors.KindConflict, "address %s in use", t.addr)
	}
	t.net.handlers[t.addr] = h
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, addr string, env Envelope) (Reply, error) {
	t.net.mu.Lock()
	h, ok := t.net.handlers[addr]
	down := t.net.down[addr] || t.net.down[t.addr]
	t.net.mu.Unlock()
	if !ok || down {
		err := errors.Errorf(errors.KindPeerUnreachable, "no route to %s", addr)
		return Reply{}, errors.Attr(err, "addr", addr)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return Reply{}, errors.Wrap(err, errors.KindInternal, "encode request")
	}
	var in Envelope
	if err := json.Unmarshal(b, &in); err != nil {
		return Reply{}, errors.Wrap(err, errors.KindInternal, "decode request")
	}
	payload, herr := h(ctx, in)
	b, err = json.Marshal(reply(in.ID, payload, herr))
	if err != nil {
		return Reply{}, errors.Wrap(err, errors.KindInternal, "encode reply")
	}
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, errors.Wrap(err, errors.KindInternal, "decode reply")
	}
	return r, nil
}

func (t *MemoryTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.handlers, t.addr)
	t.net.mu.Unlock()
	return nil
}
