// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon configuration and topology files.
package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Defaults applied by (*Config).ApplyDefaults.
const (
	DefaultListen            = ":7946"
	DefaultMetricsListen     = "127.0.0.1:9107"
	DefaultStateDir          = "/var/lib/netemu"
	DefaultHeartbeatInterval = time.Second
	DefaultFailureThreshold  = 3
	DefaultTunnelKind        = "gretap"
)

// Config is the daemon configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`

	Daemon  *DaemonConfig  `hcl:"daemon,block" json:"daemon,omitempty" yaml:"daemon,omitempty"`
	Peers   []PeerConfig   `hcl:"peer,block" json:"peer,omitempty" yaml:"peer,omitempty"`
	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// DaemonConfig identifies this daemon and its peer transport.
type DaemonConfig struct {
	// Name of this daemon; nodes are placed on daemons by name.
	// @default: random uuid
	Name string `hcl:"name,optional" json:"name,omitempty" yaml:"name,omitempty"`
	// Listen address of the peer transport.
	// @default: ":7946"
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	// Address is the underlay address peers use as tunnel remote.
	Address string `hcl:"address,optional" json:"address,omitempty" yaml:"address,omitempty"`
	// StateDir holds per-session node directories.
	// @default: "/var/lib/netemu"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	// Workers bounds concurrent host operations. 0 = number of CPUs.
	Workers int `hcl:"workers,optional" json:"workers,omitempty" yaml:"workers,omitempty"`

	// SecretKey is the pre-shared key authenticating peers.
	SecretKey string `hcl:"secret_key,optional" json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	TLSCert   string `hcl:"tls_cert,optional" json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey    string `hcl:"tls_key,optional" json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	TLSCA     string `hcl:"tls_ca,optional" json:"tls_ca,omitempty" yaml:"tls_ca,omitempty"`
	TLSMutual bool   `hcl:"tls_mutual,optional" json:"tls_mutual,omitempty" yaml:"tls_mutual,omitempty"`

	// HeartbeatInterval between peer heartbeats, a Go duration.
	// @default: "1s"
	HeartbeatInterval string `hcl:"heartbeat_interval,optional" json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	// FailureThreshold is the number of missed heartbeats before a peer is
	// considered unreachable.
	// @default: 3
	FailureThreshold int `hcl:"failure_threshold,optional" json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	// TunnelKind for cross-daemon links.
	// @enum: gretap, vxlan
	TunnelKind string `hcl:"tunnel_kind,optional" json:"tunnel_kind,omitempty" yaml:"tunnel_kind,omitempty"`
}

// Heartbeat returns the parsed heartbeat interval.
func (d *DaemonConfig) Heartbeat() time.Duration {
	if d == nil || d.HeartbeatInterval == "" {
		return DefaultHeartbeatInterval
	}
	v, err := time.ParseDuration(d.HeartbeatInterval)
	if err != nil || v <= 0 {
		return DefaultHeartbeatInterval
	}
	return v
}

// PeerConfig is a cooperating daemon.
type PeerConfig struct {
	Name    string `hcl:"name,label" json:"name" yaml:"name"`
	Address string `hcl:"address" json:"address" yaml:"address"`
	// Underlay is the peer's tunnel endpoint; defaults to the host of Address.
	Underlay string `hcl:"underlay,optional" json:"underlay,omitempty" yaml:"underlay,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// @enum: debug, info, warn, error
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	// @enum: text, json
	Format string `hcl:"format,optional" json:"format,omitempty" yaml:"format,omitempty"`
}

// MetricsConfig configures the metrics and status listener.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
}

// ApplyDefaults fills every unset field. name generates the daemon name
// when none is configured.
func (c *Config) ApplyDefaults(name func() string) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Daemon == nil {
		c.Daemon = &DaemonConfig{}
	}
	d := c.Daemon
	if d.Name == "" && name != nil {
		d.Name = name()
	}
	if d.Listen == "" {
		d.Listen = DefaultListen
	}
	if d.StateDir == "" {
		d.StateDir = DefaultStateDir
	}
	if d.HeartbeatInterval == "" {
		d.HeartbeatInterval = DefaultHeartbeatInterval.String()
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = DefaultFailureThreshold
	}
	if d.TunnelKind == "" {
		d.TunnelKind = DefaultTunnelKind
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// Peer returns the named peer.
func (c *Config) Peer(name string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return PeerConfig{}, false
}
