// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/logging"
)

func echo(_ context.Context, env Envelope) (json.RawMessage, error) {
	if env.Type == TypeResync {
		return nil, errors.Errorf(errors.KindNotFound, "session %s not found", env.Session)
	}
	return env.Payload, nil
}

func serveTCP(t *testing.T, secret string) *TCPTransport {
	t.Helper()
	srv := NewTCPTransport("127.0.0.1:0", SecurityConfig{SecretKey: secret}, 5*time.Second, logging.Discard())
	require.NoError(t, srv.Serve(echo))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestNonceAndMAC(t *testing.T) {
	n1, err := generateNonce()
	require.NoError(t, err)
	n2, err := generateNonce()
	require.NoError(t, err)
	assert.Len(t, n1, 64)
	assert.NotEqual(t, n1, n2)

	key := []byte("shared")
	mac := computeMAC(n1, key)
	assert.True(t, verifyMAC(n1, mac, key))
	assert.False(t, verifyMAC(n2, mac, key))
	assert.False(t, verifyMAC(n1, mac, []byte("other")))
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	srv := serveTCP(t, "s3cret")
	client := NewTCPTransport("", SecurityConfig{SecretKey: "s3cret"}, 5*time.Second, logging.Discard())

	payload, err := encode(HeartbeatPayload{Sessions: 3})
	require.NoError(t, err)
	r, err := client.Send(context.Background(), srv.Addr(), Envelope{Type: TypeHeartbeat, ID: "1", From: "a", Payload: payload})
	require.NoError(t, err)
	require.NoError(t, r.Err())
	assert.Equal(t, "1", r.ID)

	var hb HeartbeatPayload
	require.NoError(t, decode(r.Payload, &hb))
	assert.Equal(t, 3, hb.Sessions)
}

func TestTCPTransport_ErrorKindSurvives(t *testing.T) {
	srv := serveTCP(t, "")
	client := NewTCPTransport("", SecurityConfig{}, 5*time.Second, logging.Discard())

	r, err := client.Send(context.Background(), srv.Addr(), Envelope{Type: TypeResync, ID: "2", Session: "a/1"})
	require.NoError(t, err, "delivery succeeded")
	assert.False(t, r.OK)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(r.Err()))
}

func TestTCPTransport_WrongKey(t *testing.T) {
	srv := serveTCP(t, "s3cret")
	client := NewTCPTransport("", SecurityConfig{SecretKey: "guess"}, 5*time.Second, logging.Discard())

	_, err := client.Send(context.Background(), srv.Addr(), Envelope{Type: TypeHeartbeat, ID: "3"})
	assert.Equal(t, errors.KindPeerUnreachable, errors.GetKind(err))
}

func TestTCPTransport_NobodyListening(t *testing.T) {
	srv := serveTCP(t, "")
	addr := srv.Addr()
	require.NoError(t, srv.Close())

	client := NewTCPTransport("", SecurityConfig{}, time.Second, logging.Discard())
	_, err := client.Send(context.Background(), addr, Envelope{Type: TypeHeartbeat, ID: "4"})
	assert.Equal(t, errors.KindPeerUnreachable, errors.GetKind(err))
}

func TestMemoryTransport(t *testing.T) {
	net := NewMemoryNetwork()
	a, b := net.Transport("a"), net.Transport("b")
	require.NoError(t, b.Serve(echo))
	assert.Equal(t, errors.KindConflict, errors.GetKind(net.Transport("b").Serve(echo)))

	ctx := context.Background()
	payload, err := encode(PlacementPayload{Node: 4, Owner: "b"})
	require.NoError(t, err)
	r, err := a.Send(ctx, "b", Envelope{Type: TypePlacement, ID: "5", Payload: payload})
	require.NoError(t, err)
	var p PlacementPayload
	require.NoError(t, decode(r.Payload, &p))
	assert.Equal(t, PlacementPayload{Node: 4, Owner: "b"}, p)

	net.SetDown("b", true)
	_, err = a.Send(ctx, "b", Envelope{Type: TypeHeartbeat, ID: "6"})
	assert.Equal(t, errors.KindPeerUnreachable, errors.GetKind(err))

	net.SetDown("b", false)
	require.NoError(t, b.Close())
	_, err = a.Send(ctx, "b", Envelope{Type: TypeHeartbeat, ID: "7"})
	assert.Equal(t, errors.KindPeerUnreachable, errors.GetKind(err))
}
