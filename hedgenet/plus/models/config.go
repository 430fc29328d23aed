package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ezquant/hedgenet/hedgenet"
	"github.com/ezquant/hedgenet/hedgenet/tools"

	"gopkg.in/yaml.v3"
)

// Layers is a stack of layers in the mapping form used by configuration
// files: one unit count and one activation name per layer.
type Layers struct {
	Units           []int    `yaml:"n_units"`
	Act             []string `yaml:"act"`
	AttentionLength int      `yaml:"attention_length,omitempty"`
}

type Network struct {
	FeatureMapNumber int     `yaml:"feature_map_number"`
	FeatureNumber    int     `yaml:"feature_number"`
	InputName        string  `yaml:"input_name"`
	Dense            *Layers `yaml:"dense,omitempty"`
	RNN              *Layers `yaml:"rnn,omitempty"`
	KeepOutput       bool    `yaml:"keep_output"`
}

type Training struct {
	Epochs          int     `yaml:"epochs"`
	KeepProb        float64 `yaml:"keep_prob"`
	Fee             float64 `yaml:"fee"`
	Temperature     float64 `yaml:"temperature"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
}

// Schedule changes a per call value during training. With Epochs set the
// value is annealed from From to To, otherwise it is set to To at Start.
type Schedule struct {
	Knob   string  `yaml:"knob"`
	From   float64 `yaml:"from"`
	To     float64 `yaml:"to"`
	Start  int     `yaml:"start"`
	Epochs int     `yaml:"epochs"`
	Mode   string  `yaml:"mode"`
}

type Config struct {
	AssetNumber    int                `yaml:"asset_number"`
	Window         int                `yaml:"window"`
	ObjectFunction string             `yaml:"object_function"`
	LearningRate   float64            `yaml:"learning_rate"`
	Seed           int64              `yaml:"seed,omitempty"`
	SharpeStdDev   bool               `yaml:"sharpe_std_dev,omitempty"`
	Networks       map[string]Network `yaml:"feature_network_topology"`
	Training       Training           `yaml:"training"`
	Schedule       []Schedule         `yaml:"schedule,omitempty"`
}

// ReadConfig reads a YAML configuration and fills in the defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	config.setDefaults()
	return config, nil
}

// Save 保存配置到指定路径
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) setDefaults() {
	if c.LearningRate == 0 {
		c.LearningRate = hedgenet.DefaultLearningRate
	}
	if c.Training.KeepProb == 0 {
		c.Training.KeepProb = hedgenet.DefaultKeepProb
	}
	if c.Training.Fee == 0 {
		c.Training.Fee = hedgenet.DefaultFee
	}
	if c.Training.Temperature == 0 {
		c.Training.Temperature = hedgenet.DefaultTemperature
	}
	if c.Training.Epochs == 0 {
		c.Training.Epochs = 1
	}
}

func layers(name, stack string, l *Layers) ([]hedgenet.Layer, error) {
	if l == nil {
		return nil, nil
	}
	if len(l.Act) != 0 && len(l.Act) != len(l.Units) {
		return nil, fmt.Errorf("%w: %s %s: %d activations for %d layers",
			hedgenet.ErrTopology, name, stack, len(l.Act), len(l.Units))
	}
	out := make([]hedgenet.Layer, len(l.Units))
	for i, units := range l.Units {
		var act string
		if len(l.Act) > 0 {
			act = l.Act[i]
		}
		activation, err := hedgenet.ParseActivation(act)
		if err != nil {
			return nil, fmt.Errorf("%s %s layer %d: %w", name, stack, i, err)
		}
		out[i] = hedgenet.Layer{Units: units, Activation: activation}
	}
	return out, nil
}

// Topology converts the network mapping into a model topology.
func (c *Config) Topology() (hedgenet.Topology, error) {
	topology := hedgenet.Topology{Window: c.Window, Branches: make(map[string]hedgenet.Branch, len(c.Networks))}
	for name, network := range c.Networks {
		dense, err := layers(name, "dense", network.Dense)
		if err != nil {
			return hedgenet.Topology{}, err
		}
		recurrent, err := layers(name, "rnn", network.RNN)
		if err != nil {
			return hedgenet.Topology{}, err
		}
		kind, err := hedgenet.KindOf(network.KeepOutput, len(recurrent) > 0)
		if err != nil {
			return hedgenet.Topology{}, fmt.Errorf("%s: %w", name, err)
		}
		branch := hedgenet.Branch{
			Kind:        kind,
			FeatureMaps: network.FeatureMapNumber,
			Features:    network.FeatureNumber,
			InputName:   network.InputName,
			Dense:       dense,
			Recurrent:   recurrent,
		}
		if network.RNN != nil {
			branch.AttentionLength = network.RNN.AttentionLength
		}
		topology.Branches[name] = branch
	}
	return topology, topology.Validate(c.AssetNumber)
}

// Options returns the model options the configuration selects.
func (c *Config) Options() ([]hedgenet.Option, error) {
	objective, err := hedgenet.ParseObjective(c.ObjectFunction)
	if err != nil {
		return nil, err
	}
	options := []hedgenet.Option{
		hedgenet.WithObjective(objective),
		hedgenet.WithLearningRate(c.LearningRate),
	}
	if c.Seed != 0 {
		options = append(options, hedgenet.WithSeed(c.Seed))
	}
	if c.SharpeStdDev {
		options = append(options, hedgenet.WithSharpeStdDev())
	}
	return options, nil
}

// NewModel builds the model the configuration describes.
func (c *Config) NewModel() (*hedgenet.Model, error) {
	topology, err := c.Topology()
	if err != nil {
		return nil, err
	}
	options, err := c.Options()
	if err != nil {
		return nil, err
	}
	return hedgenet.New(c.AssetNumber, topology, options...)
}

func (c *Config) FeedOptions() []hedgenet.FeedOption {
	return []hedgenet.FeedOption{
		hedgenet.WithKeepProb(c.Training.KeepProb),
		hedgenet.WithFee(c.Training.Fee),
		hedgenet.WithTemperature(c.Training.Temperature),
	}
}

// Scheduler builds the annealing schedule of the configuration.
func (c *Config) Scheduler() (*tools.Scheduler, error) {
	s := tools.NewScheduler()
	for i, entry := range c.Schedule {
		knob := tools.Knob(strings.ToLower(entry.Knob))
		if knob != tools.Temperature && knob != tools.KeepProb {
			return nil, fmt.Errorf("schedule %d: unknown knob %q", i, entry.Knob)
		}
		if entry.Epochs == 0 {
			s.SetAt(knob, entry.To, entry.Start)
			continue
		}
		var exponential bool
		switch strings.ToLower(entry.Mode) {
		case "", "linear":
		case "exp", "exponential":
			exponential = true
		default:
			return nil, fmt.Errorf("schedule %d: unknown mode %q", i, entry.Mode)
		}
		if err := s.Anneal(knob, entry.From, entry.To, entry.Start, entry.Epochs, exponential); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return s, nil
}

// ReferenceConfig is a small two branch configuration: a kept dense branch
// and a decomposed recurrent branch.
func ReferenceConfig(assets, window int) *Config {
	c := &Config{
		AssetNumber:    assets,
		Window:         window,
		ObjectFunction: string(hedgenet.ObjectiveSortino),
		Networks: map[string]Network{
			"equity_network": {
				FeatureMapNumber: 1,
				FeatureNumber:    4,
				InputName:        "equity",
				Dense:            &Layers{Units: []int{8, assets}, Act: []string{"tanh", "tanh"}},
				KeepOutput:       true,
			},
			"index_network": {
				FeatureMapNumber: 2,
				FeatureNumber:    4,
				InputName:        "index",
				Dense:            &Layers{Units: []int{8}, Act: []string{"tanh"}},
				RNN:              &Layers{Units: []int{8}, Act: []string{"tanh"}, AttentionLength: window},
			},
		},
		Training: Training{Epochs: 200, CheckpointEvery: 50},
		Schedule: []Schedule{
			{Knob: string(tools.Temperature), From: 1, To: 0.1, Epochs: 200, Mode: "exponential"},
		},
	}
	c.setDefaults()
	return c
}
