package hedgenet

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/ezquant/hedgenet/hedgenet/plus/checkpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

func newTestModel(t *testing.T, options ...Option) *Model {
	t.Helper()
	m, err := New(2, testTopology(5), append([]Option{WithSeed(7)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testReturns alternates gains and losses so that some steps end below zero
// log return whatever the position.
func testReturns(window int) [][]float64 {
	returns := make([][]float64, window)
	for t := range returns {
		if t%2 == 0 {
			returns[t] = []float64{1.03, 1.01, 1}
		} else {
			returns[t] = []float64{0.96, 0.98, 0.999}
		}
	}
	return returns
}

func testFeed(t *testing.T, window int, options ...FeedOption) *Feed {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	input := func(maps, features int) *tensor.Dense {
		backing := make([]float64, maps*window*features)
		for i := range backing {
			backing[i] = rng.NormFloat64()
		}
		return tensor.New(tensor.WithShape(maps, window, features), tensor.WithBacking(backing))
	}

	var backing []float64
	for _, row := range testReturns(window) {
		backing = append(backing, row...)
	}
	feed, err := NewFeed(map[string]*tensor.Dense{
		"equity": input(1, 3),
		"index":  input(2, 3),
	}, tensor.New(tensor.WithShape(window, 3), tensor.WithBacking(backing)), options...)
	require.NoError(t, err)
	return feed
}

func paramValues(m *Model) map[string][]float64 {
	values := make(map[string][]float64)
	for _, p := range m.Parameters() {
		values[p.Name()] = append([]float64(nil), p.Value().Data().([]float64)...)
	}
	return values
}

func TestModel_Trade(t *testing.T) {
	m := newTestModel(t)
	require.NoError(t, m.Init())
	feed := testFeed(t, 5)

	before := paramValues(m)
	res, err := m.Trade(feed)
	require.NoError(t, err)
	assert.Equal(t, before, paramValues(m))

	require.Len(t, res.Actions, 6)
	for _, row := range res.Actions {
		require.Len(t, row, 3)
		assert.InDelta(t, 1, floats.Sum(row), 1e-9)
		assert.GreaterOrEqual(t, floats.Min(row), 0.0)
	}
	require.Len(t, res.Rewards, 5)

	expected := StepRewards(res.Actions, testReturns(5), feed.Fee())
	assert.InDeltaSlice(t, expected, res.Rewards, 1e-9)
	assert.InDelta(t, math.Exp(res.CumLogReward), res.CumReward, 1e-9)
	assert.InDelta(t, CumulativeLogReward(res.Rewards), res.CumLogReward, 1e-9)
	assert.InDelta(t, MeanLogReward(res.Rewards), res.MeanLogReward, 1e-9)

	logs := LogRewards(res.Rewards)
	assert.InEpsilon(t, SharpeRatio(logs, 0, false), res.Sharpe, 1e-6)
	if sortino := SortinoRatio(logs, 0); math.IsNaN(sortino) {
		assert.True(t, math.IsNaN(res.Sortino))
	} else {
		assert.InEpsilon(t, sortino, res.Sortino, 1e-6)
		assert.Equal(t, res.Sortino, res.Objective)
	}
}

func TestModel_SingleStepReward(t *testing.T) {
	topology := testTopology(1)
	m, err := New(2, topology, WithSeed(3))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Init())

	input := func(maps int) *tensor.Dense {
		return tensor.New(tensor.WithShape(maps, 1, 3), tensor.WithBacking(make([]float64, maps*3)))
	}
	feed, err := NewFeed(map[string]*tensor.Dense{"equity": input(1), "index": input(2)},
		tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float64{1.1, 0.9, 1})),
		WithFee(0), WithInitialAction([]float64{0.2, 0.3, 0.5}))
	require.NoError(t, err)

	res, err := m.Trade(feed)
	require.NoError(t, err)
	require.Len(t, res.Rewards, 1)
	assert.InDelta(t, 0.2*1.1+0.3*0.9+0.5, res.Rewards[0], 1e-12)
	assert.Equal(t, []float64{0.2, 0.3, 0.5}, res.Actions[0])
}

func TestModel_DegenerateSortino(t *testing.T) {
	m, err := New(2, testTopology(3), WithSeed(4))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Init())

	input := func(maps int) *tensor.Dense {
		return tensor.New(tensor.WithShape(maps, 3, 3), tensor.WithBacking(make([]float64, maps*9)))
	}
	returns := make([]float64, 9)
	for i := range returns {
		returns[i] = 1.1
	}
	feed, err := NewFeed(map[string]*tensor.Dense{"equity": input(1), "index": input(2)},
		tensor.New(tensor.WithShape(3, 3), tensor.WithBacking(returns)),
		WithFee(0), WithKeepProb(1))
	require.NoError(t, err)

	res, err := m.Trade(feed)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.1, 1.1, 1.1}, res.Rewards, 1e-12)
	assert.True(t, math.IsNaN(res.Sortino))
	assert.True(t, math.IsNaN(res.Objective))

	objective, err := m.Train(feed)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(objective))
}

func TestModel_TemperatureSharpens(t *testing.T) {
	m := newTestModel(t)
	require.NoError(t, m.Init())

	entropy := func(tao float64) float64 {
		feed := testFeed(t, 5, WithKeepProb(1), WithTemperature(tao), WithInitialAction([]float64{0.4, 0.3, 0.3}))
		res, err := m.Trade(feed)
		require.NoError(t, err)
		var total float64
		for _, row := range res.Actions[1:] {
			total += stat.Entropy(row)
		}
		return total / float64(len(res.Actions)-1)
	}

	assert.Less(t, entropy(0.01), entropy(1))
}

func TestModel_Train(t *testing.T) {
	for _, objective := range []Objective{ObjectiveReward, ObjectiveSharpe, ObjectiveSortino} {
		t.Run(string(objective), func(t *testing.T) {
			m := newTestModel(t, WithObjective(objective), WithLearningRate(0.01))
			require.NoError(t, m.Init())
			feed := testFeed(t, 5)

			before := paramValues(m)
			_, err := m.Train(feed)
			require.NoError(t, err)

			after := paramValues(m)
			changed := 0
			for name, values := range after {
				if !floats.Equal(values, before[name]) {
					changed++
				}
			}
			assert.Positive(t, changed)

			for i := 0; i < 3; i++ {
				_, err = m.Train(feed)
				require.NoError(t, err)
			}
		})
	}
}

func TestModel_ObjectiveName(t *testing.T) {
	m := newTestModel(t, WithObjective("Sharpe"))
	assert.Equal(t, ObjectiveSharpe, m.Objective())
	require.NoError(t, m.Init())

	res, err := m.Trade(testFeed(t, 5, WithKeepProb(1)))
	require.NoError(t, err)
	assert.Equal(t, res.Sharpe, res.Objective)
	assert.NotEqual(t, res.Sortino, res.Objective)
}

func TestModel_MeanLogRewardObjective(t *testing.T) {
	m := newTestModel(t, WithObjective(ObjectiveReward))
	require.NoError(t, m.Init())
	feed := testFeed(t, 5, WithKeepProb(1), WithInitialAction([]float64{0.2, 0.2, 0.6}))

	res, err := m.Trade(feed)
	require.NoError(t, err)
	objective, err := m.Train(feed)
	require.NoError(t, err)
	assert.InDelta(t, res.MeanLogReward, objective, 1e-12)
}

func TestModel_Errors(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.Trade(testFeed(t, 5))
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = m.Train(testFeed(t, 5))
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = m.Summary(testFeed(t, 5))
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.ErrorIs(t, m.Save(t.TempDir()), ErrNotInitialized)
	})

	t.Run("topology", func(t *testing.T) {
		_, err := New(3, testTopology(5))
		assert.ErrorIs(t, err, ErrShapeMismatch)
		_, err = New(2, testTopology(0))
		assert.ErrorIs(t, err, ErrTopology)
	})

	t.Run("objective", func(t *testing.T) {
		_, err := New(2, testTopology(5), WithObjective("calmar"))
		assert.Error(t, err)
	})

	t.Run("feed", func(t *testing.T) {
		m := newTestModel(t)
		require.NoError(t, m.Init())

		_, err := m.Trade(testFeed(t, 4))
		assert.ErrorIs(t, err, ErrFeed)

		feed := testFeed(t, 5)
		delete(feed.inputs, "index")
		_, err = m.Trade(feed)
		assert.ErrorIs(t, err, ErrFeed)

		_, err = testFeed(t, 5).With(WithKeepProb(0))
		assert.ErrorIs(t, err, ErrFeed)

		_, err = m.Trade(testFeed(t, 5, WithInitialAction([]float64{1, 0, 0})))
		assert.NoError(t, err)
	})
}

func TestModel_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")

	m1 := newTestModel(t, WithSeed(1))
	require.NoError(t, m1.Init())
	_, err := m1.Train(testFeed(t, 5))
	require.NoError(t, err)
	require.NoError(t, m1.Save(dir))

	m2 := newTestModel(t, WithSeed(2))
	require.NoError(t, m2.Load(dir))
	assert.Equal(t, paramValues(m1), paramValues(m2))

	feed := testFeed(t, 5, WithKeepProb(1), WithInitialAction([]float64{0.5, 0.25, 0.25}))
	r1, err := m1.Trade(feed)
	require.NoError(t, err)
	r2, err := m2.Trade(feed)
	require.NoError(t, err)
	for i := range r1.Actions {
		assert.InDeltaSlice(t, r1.Actions[i], r2.Actions[i], 1e-12)
	}
	assert.InDeltaSlice(t, r1.Rewards, r2.Rewards, 1e-12)

	t.Run("missing", func(t *testing.T) {
		m := newTestModel(t)
		err := m.Load(filepath.Join(t.TempDir(), "nothing"))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("other window", func(t *testing.T) {
		m, err := New(2, testTopology(3))
		require.NoError(t, err)
		defer m.Close()
		require.NoError(t, m.Load(dir))
		assert.Equal(t, paramValues(m1), paramValues(m))

		res, err := m.Trade(testFeed(t, 3))
		require.NoError(t, err)
		assert.Len(t, res.Actions, 4)
	})

	t.Run("other topology", func(t *testing.T) {
		topology := testTopology(5)
		index := topology.Branches["index"]
		index.Recurrent = []Layer{{Units: 6, Activation: Tanh}}
		topology.Branches["index"] = index
		m, err := New(2, topology)
		require.NoError(t, err)
		defer m.Close()
		assert.ErrorIs(t, m.Load(dir), ErrShapeMismatch)
	})
}

func TestModel_Summary(t *testing.T) {
	m := newTestModel(t)
	require.NoError(t, m.Init())

	hists, err := m.Summary(testFeed(t, 5))
	require.NoError(t, err)

	byName := make(map[string]Histogram, len(hists))
	for _, h := range hists {
		byName[h.Name] = h
	}
	for _, name := range []string{
		"equity/dense_output", "index/first_rnn_output", "index/feature_rnn_output",
		"index/cash_rnn_output", "cash_map", "feature_map", "keep_output", "action",
		"reward_t", "mean_log_reward", "equity/dense/0/weights",
	} {
		assert.Contains(t, byName, name)
	}

	action := byName["action"]
	assert.Equal(t, 18, action.Count)
	assert.GreaterOrEqual(t, action.Min, 0.0)
	assert.LessOrEqual(t, action.Max, 1.0)
	var total float64
	for _, b := range action.Buckets {
		total += b.Count
	}
	assert.Equal(t, float64(action.Count), total)
	assert.Len(t, hists, len(m.probes)+len(m.params))
}

func TestHistogram(t *testing.T) {
	h := newHistogram("x", []float64{1, 2, 3, 4, math.NaN(), math.Inf(1)})
	assert.Equal(t, 4, h.Count)
	assert.Equal(t, 2, h.NonFinite)
	assert.Equal(t, 1.0, h.Min)
	assert.Equal(t, 4.0, h.Max)
	assert.Equal(t, 2.5, h.Mean)
	assert.Len(t, h.Buckets, HistogramBuckets)

	constant := newHistogram("c", []float64{2, 2})
	require.Len(t, constant.Buckets, 1)
	assert.Equal(t, 2.0, constant.Buckets[0].Count)

	empty := newHistogram("e", nil)
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.Buckets)
}
