// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package qos models link impairment and translates it into traffic-control
// queuing disciplines.
package qos

import (
	"fmt"
	"math"
	"strings"

	"grimm.is/netemu/internal/errors"
)

// Profile describes the impairment applied to one direction of a link.
// A zero value in Bandwidth, Delay or Jitter means no constraint of that kind.
type Profile struct {
	// Bandwidth in bits per second.
	Bandwidth int64 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	// Delay in microseconds.
	Delay int64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	// Jitter in microseconds.
	Jitter int64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	// Loss percentage, 0-100.
	Loss float64 `json:"loss,omitempty" yaml:"loss,omitempty"`
	// Duplicate percentage, 0-100.
	Duplicate float64 `json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	// Burst is the mean length of a run of consecutive losses.
	Burst int64 `json:"burst,omitempty" yaml:"burst,omitempty"`
	// QueueLen is the queue limit in packets; 0 keeps the kernel default.
	QueueLen int64 `json:"queue_len,omitempty" yaml:"queue_len,omitempty"`
}

// DefaultQueueLen matches the netem default limit.
const DefaultQueueLen = 1000

// Validate checks the profile before any host call is made.
func (p Profile) Validate() error {
	var bad []string
	if p.Bandwidth < 0 {
		bad = append(bad, fmt.Sprintf("bandwidth %d < 0", p.Bandwidth))
	}
	if p.Delay < 0 || p.Delay > math.MaxUint32 {
		bad = append(bad, fmt.Sprintf("delay %dus out of range", p.Delay))
	}
	if p.Jitter < 0 || p.Jitter > math.MaxUint32 {
		bad = append(bad, fmt.Sprintf("jitter %dus out of range", p.Jitter))
	}
	if !percentOK(p.Loss) {
		bad = append(bad, fmt.Sprintf("loss %g%% outside [0,100]", p.Loss))
	}
	if !percentOK(p.Duplicate) {
		bad = append(bad, fmt.Sprintf("duplicate %g%% outside [0,100]", p.Duplicate))
	}
	if p.Burst < 0 {
		bad = append(bad, fmt.Sprintf("burst %d < 0", p.Burst))
	}
	if p.QueueLen < 0 || p.QueueLen > math.MaxUint32 {
		bad = append(bad, fmt.Sprintf("queue length %d out of range", p.QueueLen))
	}
	if len(bad) > 0 {
		err := errors.Errorf(errors.KindInvalidParameter, "invalid impairment: %s", strings.Join(bad, ", "))
		return errors.Attr(err, "profile", p.String())
	}
	return nil
}

func percentOK(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// IsZero reports whether the profile imposes no impairment at all.
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// HasBandwidth reports whether a rate limit is configured.
func (p Profile) HasBandwidth() bool {
	return p.Bandwidth > 0
}

// LossCorrelation maps the burst run length onto netem's loss correlation.
// With correlation c the expected run of consecutive losses is 1/(1-c).
func (p Profile) LossCorrelation() float32 {
	if p.Burst <= 1 || p.Loss == 0 {
		return 0
	}
	return float32(100 * (1 - 1/float64(p.Burst)))
}

// Limit returns the effective queue limit in packets.
func (p Profile) Limit() uint32 {
	if p.QueueLen == 0 {
		return DefaultQueueLen
	}
	return uint32(p.QueueLen)
}

// String renders the profile in tc-like notation.
func (p Profile) String() string {
	if p.IsZero() {
		return "unconstrained"
	}
	var parts []string
	if p.Bandwidth > 0 {
		parts = append(parts, fmt.Sprintf("rate %dbit", p.Bandwidth))
	}
	if p.Delay > 0 {
		parts = append(parts, fmt.Sprintf("delay %dus", p.Delay))
	}
	if p.Jitter > 0 {
		parts = append(parts, fmt.Sprintf("jitter %dus", p.Jitter))
	}
	if p.Loss > 0 {
		parts = append(parts, fmt.Sprintf("loss %g%%", p.Loss))
	}
	if p.Burst > 0 {
		parts = append(parts, fmt.Sprintf("burst %d", p.Burst))
	}
	if p.Duplicate > 0 {
		parts = append(parts, fmt.Sprintf("duplicate %g%%", p.Duplicate))
	}
	if p.QueueLen > 0 {
		parts = append(parts, fmt.Sprintf("limit %d", p.QueueLen))
	}
	return strings.Join(parts, " ")
}

// NetemArgs renders the profile as arguments following "netem" on a tc
// command line. Used where the netlink library is not an option (tc filters
// and classful trees built by script).
func (p Profile) NetemArgs() []string {
	args := []string{"limit", fmt.Sprint(p.Limit())}
	if p.Delay > 0 || p.Jitter > 0 {
		args = append(args, "delay", fmt.Sprintf("%dus", p.Delay))
		if p.Jitter > 0 {
			args = append(args, fmt.Sprintf("%dus", p.Jitter))
		}
	}
	if p.Loss > 0 {
		args = append(args, "loss", fmt.Sprintf("%g%%", p.Loss))
		if c := p.LossCorrelation(); c > 0 {
			args = append(args, fmt.Sprintf("%g%%", c))
		}
	}
	if p.Duplicate > 0 {
		args = append(args, "duplicate", fmt.Sprintf("%g%%", p.Duplicate))
	}
	if p.Bandwidth > 0 {
		args = append(args, "rate", fmt.Sprintf("%dbit", p.Bandwidth))
	}
	return args
}
