// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netemud runs one network emulation daemon. It loads the daemon
// configuration, joins its peers and optionally declares the sessions of a
// topology file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/netemu/internal/config"
	"grimm.is/netemu/internal/coordinator"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
	"grimm.is/netemu/internal/medium"
	"grimm.is/netemu/internal/metrics"
	"grimm.is/netemu/internal/session"
	"grimm.is/netemu/internal/workqueue"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to daemon config file (HCL, JSON or YAML)")
	topologyPath := flag.String("topology", "", "Topology file whose sessions are declared at startup")
	run := flag.Bool("run", false, "Drive loaded sessions to RUNTIME")
	sim := flag.Bool("sim", false, "Use the in-memory host instead of the real kernel")
	flag.Parse()

	if err := runDaemon(*configPath, *topologyPath, *run, *sim); err != nil {
		fmt.Fprintf(os.Stderr, "netemud: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults(uuid.NewString)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(configPath, topologyPath string, run, sim bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	d := cfg.Daemon

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Format = cfg.Log.Format
	logger := logging.New(logCfg).With("daemon", d.Name)
	logging.SetDefault(logger)

	var host kernel.Kernel = kernel.NewSimKernel()
	if !sim {
		if host, err = newHostKernel(logger.WithComponent("kernel")); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	alloc := kernel.DefaultAllocator()
	alloc.SetKeySpace(d.Name)

	mgr, err := session.NewManager(session.Config{
		Daemon:    d.Name,
		Dir:       filepath.Join(d.StateDir, "sessions"),
		Kernel:    host,
		Allocator: alloc,
		Queue:     workqueue.New(d.Workers),
		Realizer:  realizerFactory(sim, logger.WithComponent("medium")),
		Logger:    logger.WithComponent("session"),
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	peers := make([]coordinator.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		u, err := coordinator.UnderlayOf(p.Address, p.Underlay)
		if err != nil {
			return err
		}
		peers = append(peers, coordinator.Peer{Name: p.Name, Address: p.Address, Underlay: u})
	}
	self, err := coordinator.UnderlayOf(d.Listen, d.Address)
	if err != nil && len(peers) > 0 {
		logger.Warn("no underlay address; cross-daemon links cannot be tunnelled", "error", err)
	}

	sec := coordinator.SecurityConfig{
		SecretKey:   d.SecretKey,
		TLSCertFile: d.TLSCert,
		TLSKeyFile:  d.TLSKey,
		TLSCAFile:   d.TLSCA,
		TLSMutual:   d.TLSMutual,
	}
	coord, err := coordinator.New(coordinator.Config{
		Daemon:            d.Name,
		Underlay:          self,
		Peers:             peers,
		Transport:         coordinator.NewTCPTransport(d.Listen, sec, 0, logger.WithComponent("transport")),
		Manager:           mgr,
		Allocator:         alloc,
		TunnelKind:        kernel.TunnelKind(d.TunnelKind),
		HeartbeatInterval: d.Heartbeat(),
		FailureThreshold:  d.FailureThreshold,
		Logger:            logger.WithComponent("coordinator"),
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := newStatusServer(cfg.Metrics.Listen, reg, mgr, coord, logger.WithComponent("http"))
	srv.Start()

	if topologyPath != "" {
		if err := loadTopology(ctx, mgr, topologyPath, run, logger); err != nil {
			logger.Error("topology load failed", "path", topologyPath, "error", err)
		}
	}

	logger.Info("daemon running", "listen", d.Listen, "metrics", cfg.Metrics.Listen, "host", fmt.Sprint(host))
	<-ctx.Done()
	logger.Info("received signal, shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := mgr.Shutdown(sctx); err != nil {
		logger.Warn("session teardown incomplete", "error", err)
	}
	srv.Stop(sctx)
	return coord.Stop()
}

func loadTopology(ctx context.Context, mgr *session.Manager, path string, run bool, logger *logging.Logger) error {
	topo, err := config.LoadTopologyFile(path)
	if err != nil {
		return err
	}
	sessions, err := mgr.LoadTopology(ctx, topo)
	for _, s := range sessions {
		logger.Info("session declared", "session", s.ID, "name", s.Name())
		if !run {
			continue
		}
		for _, st := range []session.State{session.StateConfiguration, session.StateInstantiation, session.StateRuntime} {
			if serr := s.SetState(ctx, st); serr != nil {
				logger.Error("session did not reach runtime", "session", s.ID, "state", st.String(), "error", serr)
				break
			}
		}
	}
	return err
}

// realizerFactory names one nft table per medium.
func realizerFactory(sim bool, logger *logging.Logger) session.RealizerFactory {
	if sim {
		return nil
	}
	return func(s *session.Session, mediumNode int, ports medium.PortFunc) medium.Realizer {
		table := fmt.Sprintf("netemu_%d_%d", s.ID, mediumNode)
		return medium.NewScriptRealizer(table, ports, medium.ExecRunner{}, logger.With("table", table))
	}
}
