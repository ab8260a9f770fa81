// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/netemu/internal/config"
	"grimm.is/netemu/internal/coordinator"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/session"
)

// daemonStatus is the /status document.
type daemonStatus struct {
	Daemon   string                   `json:"daemon"`
	Sessions []session.Status         `json:"sessions"`
	Peers    []coordinator.PeerStatus `json:"peers"`
}

type statusServer struct {
	srv    *http.Server
	logger *logging.Logger
}

func newStatusServer(addr string, reg *prometheus.Registry, mgr *session.Manager, coord *coordinator.Coordinator, logger *logging.Logger) *statusServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		st := daemonStatus{Daemon: mgr.Daemon(), Peers: coord.Peers()}
		for _, s := range mgr.List() {
			st.Sessions = append(st.Sessions, s.Status())
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			logger.Warn("failed to write status", "error", err)
		}
	})
	// Sessions declared here, as a topology file that reloads them.
	mux.HandleFunc("GET /topology", func(w http.ResponseWriter, r *http.Request) {
		topo := &config.Topology{}
		for _, s := range mgr.List() {
			if !s.Mirrored() {
				topo.Sessions = append(topo.Sessions, s.Export())
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(config.ExportTopology(topo))
	})
	return &statusServer{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func (s *statusServer) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status listener failed", "addr", s.srv.Addr, "error", err)
		}
	}()
}

func (s *statusServer) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status listener shutdown", "error", err)
	}
}
