package metrics

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveTrain("sortino", 0.5)
	c.ObserveTrain("sortino", math.NaN())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.steps))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nonFinite))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.objective.WithLabelValues("sortino")))

	c.ObserveTrade(0.1, 2, 3, []float64{0.25, 0.75})
	assert.Equal(t, 0.1, testutil.ToFloat64(c.cumLogReward))
	assert.Equal(t, 0.75, testutil.ToFloat64(c.weights.WithLabelValues("1")))

	c.ObserveSchedule(0.5, 0.9)
	assert.Equal(t, 0.9, testutil.ToFloat64(c.keepProb))

	t.Run("registering twice fails", func(t *testing.T) {
		_, err := New(reg)
		assert.Error(t, err)
	})
}
