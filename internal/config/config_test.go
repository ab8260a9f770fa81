// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netemu/internal/errors"
)

const daemonHCL = `
schema_version = "1.0"

daemon {
  name               = "alpha"
  listen             = ":7946"
  address            = "192.0.2.10"
  secret_key         = "s3cret"
  workers            = 4
  heartbeat_interval = "500ms"
  tunnel_kind        = "vxlan"
}

peer "beta" {
  address  = "192.0.2.11:7946"
  underlay = "192.0.2.11"
}

log {
  level  = "debug"
  format = "json"
}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_HCL(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "netemu.hcl", daemonHCL))
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.Daemon.Name)
	assert.Equal(t, 4, cfg.Daemon.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Daemon.Heartbeat())
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "beta", cfg.Peers[0].Name)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Nil(t, cfg.Metrics)

	peer, ok := cfg.Peer("beta")
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.11", peer.Underlay)
}

func TestLoadFile_JSONFallback(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "netemu.conf", `{"daemon": {"name": "alpha", "workers": 2}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Daemon.Workers)
}

func TestLoadFile_YAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "netemu.yaml", "daemon:\n  name: alpha\n  state_dir: /tmp/netemu\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/netemu", cfg.Daemon.StateDir)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults(func() string { return "generated" })

	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.Equal(t, "generated", cfg.Daemon.Name)
	assert.Equal(t, DefaultListen, cfg.Daemon.Listen)
	assert.Equal(t, DefaultFailureThreshold, cfg.Daemon.FailureThreshold)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Daemon.Heartbeat())
	assert.Equal(t, "gretap", cfg.Daemon.TunnelKind)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{"bad tunnel kind", Config{Daemon: &DaemonConfig{TunnelKind: "ipip"}}, "tunnel_kind"},
		{"cert without key", Config{Daemon: &DaemonConfig{TLSCert: "c.pem"}}, "tls_key"},
		{"mutual without ca", Config{Daemon: &DaemonConfig{TLSMutual: true}}, "tls_ca"},
		{"peers without secret", Config{Daemon: &DaemonConfig{}, Peers: []PeerConfig{{Name: "b", Address: "x:1"}}}, "secret_key"},
		{"duplicate peer", Config{Daemon: &DaemonConfig{SecretKey: "k"}, Peers: []PeerConfig{{Name: "b"}, {Name: "b"}}}, "duplicate peer"},
		{"bad heartbeat", Config{Daemon: &DaemonConfig{HeartbeatInterval: "soon"}}, "heartbeat_interval"},
		{"future schema", Config{SchemaVersion: "9.0"}, "schema_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, errors.KindInvalidParameter))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
