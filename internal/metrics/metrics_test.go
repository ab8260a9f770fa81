// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := New(reg)
	require.NoError(t, err)
	m2, err := New(reg)
	require.NoError(t, err)

	// the second instance shares collectors with the first
	m1.ObserveImpairment(OutcomeOK)
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.Impairments.WithLabelValues(OutcomeOK)))
}

func TestMetrics_Recording(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveExec(OutcomeTimeout, 2*time.Second)
	m.NodeMaterialized(3)
	m.NodeMaterialized(-1)
	m.SessionState("", "definition")
	m.SessionState("definition", "configuration")
	m.PeerMessage("transition", OutcomeOK)
	m.Resync()
	m.SetUnreachable(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Execs.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Nodes))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sessions.WithLabelValues("definition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("configuration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerMessages.WithLabelValues("transition", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resyncs))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnreachableNodes))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExec(OutcomeOK, time.Second)
		m.ObserveImpairment(OutcomeRejected)
		m.LinkMaterialized(1)
		m.MediumPairs(1)
		m.SessionState("a", "b")
		m.PeerMessage("heartbeat", OutcomeError)
		m.Resync()
		m.SetUnreachable(0)
	})
}
