package models

import (
	"fmt"
	"os"

	"github.com/ezquant/hedgenet/hedgenet"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// Dataset holds engineered features and return rates over a span of steps.
// Inputs are keyed by branch name and shaped (feature maps, steps, features);
// ReturnRate is (steps, assets+1) with cash last.
type Dataset struct {
	ReturnRate [][]float64              `yaml:"return_rate"`
	Inputs     map[string][][][]float64 `yaml:"inputs"`
}

func ReadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dataset := &Dataset{}
	if err := yaml.Unmarshal(data, dataset); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	return dataset, nil
}

func (d *Dataset) Save(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Len is the number of steps covered.
func (d *Dataset) Len() int {
	return len(d.ReturnRate)
}

// Slice returns the steps [start, start+length) of the dataset.
func (d *Dataset) Slice(start, length int) (*Dataset, error) {
	if start < 0 || length < 1 || start+length > d.Len() {
		return nil, fmt.Errorf("%w: steps [%d, %d) outside a dataset of %d steps",
			hedgenet.ErrFeed, start, start+length, d.Len())
	}
	out := &Dataset{
		ReturnRate: d.ReturnRate[start : start+length],
		Inputs:     make(map[string][][][]float64, len(d.Inputs)),
	}
	for name, maps := range d.Inputs {
		sliced := make([][][]float64, len(maps))
		for i, steps := range maps {
			if len(steps) != d.Len() {
				return nil, fmt.Errorf("%w: input %s map %d covers %d steps, return rate covers %d",
					hedgenet.ErrFeed, name, i, len(steps), d.Len())
			}
			sliced[i] = steps[start : start+length]
		}
		out.Inputs[name] = sliced
	}
	return out, nil
}

// Windows cuts the dataset into consecutive windows of length steps, moving by
// stride. Trailing steps that do not fill a window are dropped.
func (d *Dataset) Windows(length, stride int) ([]*Dataset, error) {
	if stride < 1 {
		stride = length
	}
	var windows []*Dataset
	for start := 0; start+length <= d.Len(); start += stride {
		w, err := d.Slice(start, length)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %d steps do not fill a window of %d", hedgenet.ErrFeed, d.Len(), length)
	}
	return windows, nil
}

// Feed converts the dataset into a model feed.
func (d *Dataset) Feed(options ...hedgenet.FeedOption) (*hedgenet.Feed, error) {
	returnRate, err := matrix(d.ReturnRate)
	if err != nil {
		return nil, fmt.Errorf("return rate: %w", err)
	}
	inputs := make(map[string]*tensor.Dense, len(d.Inputs))
	for name, maps := range d.Inputs {
		if inputs[name], err = cube(maps); err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
	}
	return hedgenet.NewFeed(inputs, returnRate, options...)
}

func matrix(rows [][]float64) (*tensor.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", hedgenet.ErrFeed)
	}
	width := len(rows[0])
	backing := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, expected %d", hedgenet.ErrFeed, i, len(row), width)
		}
		backing = append(backing, row...)
	}
	return tensor.New(tensor.WithShape(len(rows), width), tensor.WithBacking(backing)), nil
}

func cube(maps [][][]float64) (*tensor.Dense, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("%w: no feature maps", hedgenet.ErrFeed)
	}
	var backing []float64
	var steps, width int
	for i, rows := range maps {
		m, err := matrix(rows)
		if err != nil {
			return nil, fmt.Errorf("feature map %d: %w", i, err)
		}
		s := m.Shape()
		if i == 0 {
			steps, width = s[0], s[1]
		} else if s[0] != steps || s[1] != width {
			return nil, fmt.Errorf("%w: feature map %d is %v, expected (%d, %d)", hedgenet.ErrFeed, i, s, steps, width)
		}
		backing = append(backing, m.Data().([]float64)...)
	}
	return tensor.New(tensor.WithShape(len(maps), steps, width), tensor.WithBacking(backing)), nil
}
