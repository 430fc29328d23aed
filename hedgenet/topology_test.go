package hedgenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopology(window int) Topology {
	return Topology{
		Window: window,
		Branches: map[string]Branch{
			"equity": {
				Kind:        DenseOnly,
				FeatureMaps: 1,
				Features:    3,
				Dense:       []Layer{{Units: 4, Activation: Tanh}, {Units: 2, Activation: Tanh}},
			},
			"index": {
				Kind:        RecurrentDecomposed,
				FeatureMaps: 2,
				Features:    3,
				Recurrent:   []Layer{{Units: 4, Activation: Tanh}},
			},
		},
	}
}

func TestTopology_Validate(t *testing.T) {
	require.NoError(t, testTopology(5).Validate(2))

	tt := []struct {
		name   string
		assets int
		change func(*Topology)
		err    error
	}{
		{"window", 2, func(tp *Topology) { tp.Window = 0 }, ErrTopology},
		{"no assets", 0, func(*Topology) {}, ErrTopology},
		{"no branches", 2, func(tp *Topology) { tp.Branches = nil }, ErrTopology},
		{"kept width", 3, func(*Topology) {}, ErrShapeMismatch},
		{"no decomposed branch", 2, func(tp *Topology) { delete(tp.Branches, "index") }, ErrTopology},
		{"no kept branch", 2, func(tp *Topology) { delete(tp.Branches, "equity") }, ErrTopology},
		{"decomposed without rnn", 2, func(tp *Topology) {
			b := tp.Branches["index"]
			b.Recurrent = nil
			tp.Branches["index"] = b
		}, ErrTopology},
		{"dense only with rnn", 2, func(tp *Topology) {
			b := tp.Branches["equity"]
			b.Recurrent = []Layer{{Units: 2}}
			tp.Branches["equity"] = b
		}, ErrTopology},
		{"zero units", 2, func(tp *Topology) {
			b := tp.Branches["equity"]
			b.Dense = []Layer{{Units: 0}}
			tp.Branches["equity"] = b
		}, ErrTopology},
		{"feature maps", 2, func(tp *Topology) {
			b := tp.Branches["index"]
			b.FeatureMaps = 0
			tp.Branches["index"] = b
		}, ErrTopology},
		{"activation", 2, func(tp *Topology) {
			b := tp.Branches["index"]
			b.Recurrent = []Layer{{Units: 4, Activation: "softsign"}}
			tp.Branches["index"] = b
		}, ErrTopology},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			topology := testTopology(5)
			tc.change(&topology)
			assert.ErrorIs(t, topology.Validate(tc.assets), tc.err)
		})
	}
}

func TestTopology_KeptWidth(t *testing.T) {
	topology := testTopology(3)
	topology.Branches["equity"] = Branch{
		Kind:        RecurrentPassthrough,
		FeatureMaps: 3,
		Features:    2,
		Dense:       []Layer{{Units: 4}},
		Recurrent:   []Layer{{Units: 5}, {Units: 1}},
	}
	topology.Branches["extra"] = Branch{Kind: DenseOnly, FeatureMaps: 2, Features: 2}

	assert.Equal(t, 3, topology.Branches["equity"].Width())
	assert.Equal(t, 4, topology.Branches["extra"].Width())
	assert.Equal(t, []string{"equity", "extra"}, topology.kept())
	assert.Equal(t, []string{"index"}, topology.decomposed())
	assert.NoError(t, topology.Validate(7))
}

func TestKindOf(t *testing.T) {
	kind, err := KindOf(true, false)
	require.NoError(t, err)
	assert.Equal(t, DenseOnly, kind)

	kind, err = KindOf(true, true)
	require.NoError(t, err)
	assert.Equal(t, RecurrentPassthrough, kind)

	kind, err = KindOf(false, true)
	require.NoError(t, err)
	assert.Equal(t, RecurrentDecomposed, kind)

	_, err = KindOf(false, false)
	assert.ErrorIs(t, err, ErrTopology)
}

func TestParseActivation(t *testing.T) {
	for name, want := range map[string]Activation{
		"":        Linear,
		"None":    Linear,
		"tanh":    Tanh,
		"sigmoid": Sigmoid,
		"RELU":    Relu,
	} {
		got, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseActivation("elu")
	assert.ErrorIs(t, err, ErrTopology)

	assert.Equal(t, Tanh, Linear.recurrent())
	assert.Equal(t, Sigmoid, Sigmoid.recurrent())
}

func TestParseObjective(t *testing.T) {
	objective, err := ParseObjective("")
	require.NoError(t, err)
	assert.Equal(t, ObjectiveSortino, objective)

	objective, err = ParseObjective("Sharpe")
	require.NoError(t, err)
	assert.Equal(t, ObjectiveSharpe, objective)

	_, err = ParseObjective("calmar")
	assert.Error(t, err)
}
