// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/config"
	"grimm.is/netemu/internal/coordinator"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/session"
)

func testServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	mgr, err := session.NewManager(session.Config{
		Daemon:  "a",
		Dir:     t.TempDir(),
		Kernel:  kernel.NewSimKernel(),
		Logger:  logging.Discard(),
		Metrics: m,
	})
	require.NoError(t, err)
	coord, err := coordinator.New(coordinator.Config{
		Daemon:    "a",
		Transport: coordinator.NewMemoryNetwork().Transport("a"),
		Manager:   mgr,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)

	srv := newStatusServer("", reg, mgr, coord, logging.Discard())
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, mgr
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestStatusServer_Status(t *testing.T) {
	ts, mgr := testServer(t)
	ctx := context.Background()
	s := mgr.Create("lab")
	_, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, session.StateConfiguration))

	code, body := get(t, ts.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var st daemonStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "a", st.Daemon)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "lab", st.Sessions[0].Name)
	assert.Equal(t, session.StateConfiguration, st.Sessions[0].State)
	require.Len(t, st.Sessions[0].Nodes, 1)
}

func TestStatusServer_Metrics(t *testing.T) {
	ts, mgr := testServer(t)
	require.NoError(t, mgr.Create("lab").SetState(context.Background(), session.StateConfiguration))

	code, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "netemu_")
}

func TestStatusServer_TopologyReloads(t *testing.T) {
	ts, mgr := testServer(t)
	ctx := context.Background()
	s := mgr.Create("lab")
	n0, err := s.AddNode(ctx, session.NodeSpec{Name: "n0"})
	require.NoError(t, err)
	n1, err := s.AddNode(ctx, session.NodeSpec{Name: "n1"})
	require.NoError(t, err)
	_, err = s.AddLink(ctx, session.LinkSpec{A: session.EndpointSpec{Node: n0.ID}, B: session.EndpointSpec{Node: n1.ID}})
	require.NoError(t, err)

	code, body := get(t, ts.URL+"/topology")
	require.Equal(t, http.StatusOK, code)
	topo, err := config.LoadTopology("export.hcl", body)
	require.NoError(t, err)
	require.Len(t, topo.Sessions, 1)
	assert.Equal(t, "lab", topo.Sessions[0].Name)
	assert.Len(t, topo.Sessions[0].Nodes, 2)
	assert.Len(t, topo.Sessions[0].Links, 1)
}
