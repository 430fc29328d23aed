package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ezquant/hedgenet/hedgenet"
	"github.com/ezquant/hedgenet/hedgenet/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configYAML = `
asset_number: 2
window: 5
object_function: sharpe
feature_network_topology:
  equity_network:
    feature_map_number: 1
    feature_number: 3
    input_name: equity
    dense:
      n_units: [4, 2]
      act: [tanh, none]
    keep_output: true
  index_network:
    feature_map_number: 3
    feature_number: 3
    input_name: index
    dense:
      n_units: [4]
      act: [relu]
    rnn:
      n_units: [4]
      act: [tanh]
      attention_length: 5
    keep_output: false
schedule:
  - knob: temperature
    from: 1
    to: 0.1
    epochs: 10
    mode: exponential
  - knob: keep_prob
    to: 1
    start: 20
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfig(t *testing.T) {
	config, err := ReadConfig(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, hedgenet.DefaultLearningRate, config.LearningRate)
	assert.Equal(t, hedgenet.DefaultKeepProb, config.Training.KeepProb)
	assert.Equal(t, 1, config.Training.Epochs)

	topology, err := config.Topology()
	require.NoError(t, err)
	assert.Equal(t, 5, topology.Window)

	equity := topology.Branches["equity_network"]
	assert.Equal(t, hedgenet.DenseOnly, equity.Kind)
	assert.Equal(t, []hedgenet.Layer{{Units: 4, Activation: hedgenet.Tanh}, {Units: 2, Activation: hedgenet.Linear}}, equity.Dense)

	index := topology.Branches["index_network"]
	assert.Equal(t, hedgenet.RecurrentDecomposed, index.Kind)
	assert.Equal(t, 3, index.FeatureMaps)
	assert.Equal(t, 5, index.AttentionLength)

	options, err := config.Options()
	require.NoError(t, err)
	assert.Len(t, options, 2)

	scheduler, err := config.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, 12, scheduler.Pending())
	scheduler.Update(0, &feedKnobs{})
	v, ok := scheduler.Value(tools.Temperature)
	require.True(t, ok)
	assert.InDelta(t, 1, v, 1e-12)
}

type feedKnobs struct{}

func (feedKnobs) SetTemperature(float64) {}
func (feedKnobs) SetKeepProb(float64)    {}

func TestConfig_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	config := ReferenceConfig(3, 6)
	require.NoError(t, config.Save(path))

	loaded, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)

	_, err = loaded.Topology()
	require.NoError(t, err)
}

func TestConfig_Invalid(t *testing.T) {
	t.Run("mismatched activations", func(t *testing.T) {
		config := ReferenceConfig(2, 4)
		network := config.Networks["equity_network"]
		network.Dense = &Layers{Units: []int{4, 2}, Act: []string{"tanh"}}
		config.Networks["equity_network"] = network
		_, err := config.Topology()
		assert.ErrorIs(t, err, hedgenet.ErrTopology)
	})

	t.Run("decomposed without rnn", func(t *testing.T) {
		config := ReferenceConfig(2, 4)
		network := config.Networks["index_network"]
		network.RNN = nil
		config.Networks["index_network"] = network
		_, err := config.Topology()
		assert.ErrorIs(t, err, hedgenet.ErrTopology)
	})

	t.Run("kept width", func(t *testing.T) {
		config := ReferenceConfig(2, 4)
		config.AssetNumber = 3
		_, err := config.Topology()
		assert.ErrorIs(t, err, hedgenet.ErrShapeMismatch)
	})

	t.Run("objective", func(t *testing.T) {
		config := ReferenceConfig(2, 4)
		config.ObjectFunction = "calmar"
		_, err := config.Options()
		assert.Error(t, err)
	})

	t.Run("schedule", func(t *testing.T) {
		config := ReferenceConfig(2, 4)
		config.Schedule = []Schedule{{Knob: "learning_rate", To: 1}}
		_, err := config.Scheduler()
		assert.Error(t, err)
	})
}
