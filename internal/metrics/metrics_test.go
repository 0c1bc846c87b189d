package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, Init(registry))
	// A second call is a no-op and must not fail on duplicate registration.
	require.NoError(t, Init(registry))

	RecordTrigger("app1", "accepted")
	RecordTrigger("app1", "accepted")
	RecordTrigger("app1", "rejected")
	RecordOutcome("app1", "Completed", "")
	RecordPhase("Draining")
	ObserveDrain("app1", 3.5, false)
	SetInFlight(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(restoresTriggered.WithLabelValues("app1", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(restoresTriggered.WithLabelValues("app1", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sagaOutcomes.WithLabelValues("app1", "Completed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(phaseTransitions.WithLabelValues("Draining")))
	assert.Equal(t, 2.0, testutil.ToFloat64(inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(drainDuration))
}
