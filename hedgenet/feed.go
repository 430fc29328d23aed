package hedgenet

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	DefaultKeepProb    = 0.8
	DefaultFee         = 1e-3
	DefaultTemperature = 1.0
)

// Feed carries the per call values of one forward pass: the branch inputs
// keyed by branch name, each shaped (feature maps, window, features), and the
// (window, assets+1) return rates with cash in the last column.
type Feed struct {
	window      int
	inputs      map[string][][]float64 // per step (feature maps × features) rows
	shapes      map[string]tensor.Shape
	returnRate  []float64
	assets      int
	keepProb    float64
	fee         float64
	temperature float64

	// InitialAction replaces the random initial position when set.
	InitialAction []float64
}

type FeedOption func(*Feed)

func WithKeepProb(p float64) FeedOption {
	return func(f *Feed) { f.keepProb = p }
}

// WithFee sets the proportional transaction cost.
func WithFee(fee float64) FeedOption {
	return func(f *Feed) { f.fee = fee }
}

func WithTemperature(tao float64) FeedOption {
	return func(f *Feed) { f.temperature = tao }
}

// WithInitialAction fixes the position held before the first step.
func WithInitialAction(action []float64) FeedOption {
	return func(f *Feed) { f.InitialAction = append([]float64(nil), action...) }
}

// NewFeed copies inputs and returnRate into a feed. Shapes are checked against
// each other here and against a model when the feed is used.
func NewFeed(inputs map[string]*tensor.Dense, returnRate *tensor.Dense, options ...FeedOption) (*Feed, error) {
	if returnRate == nil || returnRate.Dims() != 2 || returnRate.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("%w: return rate must be a float64 (window, assets) matrix", ErrFeed)
	}
	shape := returnRate.Shape()
	f := &Feed{
		window:      shape[0],
		assets:      shape[1],
		inputs:      make(map[string][][]float64, len(inputs)),
		shapes:      make(map[string]tensor.Shape, len(inputs)),
		returnRate:  denseValues(returnRate),
		keepProb:    DefaultKeepProb,
		fee:         DefaultFee,
		temperature: DefaultTemperature,
	}

	for name, input := range inputs {
		if input == nil || input.Dims() != 3 || input.Dtype() != tensor.Float64 {
			return nil, fmt.Errorf("%w: input %s must be a float64 (feature maps, window, features) tensor", ErrFeed, name)
		}
		s := input.Shape()
		if s[1] != f.window {
			return nil, fmt.Errorf("%w: input %s covers %d steps, return rate covers %d", ErrFeed, name, s[1], f.window)
		}
		values := denseValues(input)
		steps := make([][]float64, s[1])
		for t := range steps {
			step := make([]float64, 0, s[0]*s[2])
			for i := 0; i < s[0]; i++ {
				offset := (i*s[1] + t) * s[2]
				step = append(step, values[offset:offset+s[2]]...)
			}
			steps[t] = step
		}
		f.inputs[name] = steps
		f.shapes[name] = s.Clone()
	}

	for _, option := range options {
		option(f)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return f, nil
}

func denseValues(d *tensor.Dense) []float64 {
	if !d.IsMaterializable() {
		if values, ok := d.Data().([]float64); ok {
			return append([]float64(nil), values...)
		}
	}
	s := d.Shape()
	values := make([]float64, 0, s.TotalSize())
	it := d.Iterator()
	for i, err := it.Start(); err == nil; i, err = it.Next() {
		values = append(values, d.Get(i).(float64))
	}
	return values
}

func (f *Feed) check() error {
	if f.keepProb <= 0 || f.keepProb > 1 {
		return fmt.Errorf("%w: keep probability %v outside (0, 1]", ErrFeed, f.keepProb)
	}
	if f.temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive, got %v", ErrFeed, f.temperature)
	}
	if f.InitialAction != nil && len(f.InitialAction) != f.assets {
		return fmt.Errorf("%w: initial action has %d weights, expected %d", ErrFeed, len(f.InitialAction), f.assets)
	}
	return nil
}

// With returns a copy of the feed with options applied on top.
func (f *Feed) With(options ...FeedOption) (*Feed, error) {
	clone := *f
	clone.InitialAction = append([]float64(nil), f.InitialAction...)
	if f.InitialAction == nil {
		clone.InitialAction = nil
	}
	for _, option := range options {
		option(&clone)
	}
	if err := clone.check(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// SetTemperature changes the softmax temperature of later calls.
func (f *Feed) SetTemperature(tao float64) { f.temperature = tao }

// SetKeepProb changes the dropout keep probability of later calls.
func (f *Feed) SetKeepProb(p float64) { f.keepProb = p }

func (f *Feed) Window() int { return f.window }

func (f *Feed) KeepProb() float64 { return f.keepProb }

func (f *Feed) Temperature() float64 { return f.temperature }

func (f *Feed) Fee() float64 { return f.fee }

// ReturnRate returns the (window, assets+1) return rates.
func (f *Feed) ReturnRate() *tensor.Dense {
	return tensor.New(tensor.WithShape(f.window, f.assets),
		tensor.WithBacking(append([]float64(nil), f.returnRate...)))
}

// bind lets every input node of the graph for one run, drawing the initial
// action and the dropout masks from the model's random source.
func (m *Model) bind(f *Feed) error {
	if f == nil {
		return fmt.Errorf("%w: nil feed", ErrFeed)
	}
	if err := f.check(); err != nil {
		return err
	}
	if f.window != m.topology.Window || f.assets != m.assets {
		return fmt.Errorf("%w: return rate is (%d, %d), model expects (%d, %d)",
			ErrFeed, f.window, f.assets, m.topology.Window, m.assets)
	}

	for _, name := range m.topology.Names() {
		b := m.topology.Branches[name]
		steps, ok := f.inputs[name]
		if !ok {
			return fmt.Errorf("%w: missing input for branch %s", ErrFeed, name)
		}
		if s := f.shapes[name]; s[0] != b.FeatureMaps || s[2] != b.Features {
			return fmt.Errorf("%w: branch %s input is %v, expected (%d, %d, %d)",
				ErrFeed, name, s, b.FeatureMaps, m.topology.Window, b.Features)
		}
		for t, node := range m.inputs[name] {
			value := tensor.New(tensor.WithShape(b.FeatureMaps, b.Features), tensor.WithBacking(append([]float64(nil), steps[t]...)))
			if err := gorgonia.Let(node, value); err != nil {
				return err
			}
		}
	}

	returnRate := tensor.New(tensor.WithShape(f.window, f.assets), tensor.WithBacking(append([]float64(nil), f.returnRate...)))
	if err := gorgonia.Let(m.returnRate, returnRate); err != nil {
		return err
	}
	if err := gorgonia.Let(m.fee, gorgonia.NewF64(f.fee)); err != nil {
		return err
	}
	if err := gorgonia.Let(m.temperature, gorgonia.NewF64(f.temperature)); err != nil {
		return err
	}

	initial := f.InitialAction
	if initial == nil {
		initial = m.randomAction()
	}
	if err := gorgonia.Let(m.initialAction, tensor.New(tensor.WithShape(1, m.assets), tensor.WithBacking(append([]float64(nil), initial...)))); err != nil {
		return err
	}

	for _, mask := range m.masks {
		if err := gorgonia.Let(mask, m.dropoutMask(mask.Shape(), f.keepProb)); err != nil {
			return err
		}
	}
	return nil
}

// randomAction is the softmax of a uniform draw.
func (m *Model) randomAction() []float64 {
	action := make([]float64, m.assets)
	var sum float64
	for i := range action {
		action[i] = math.Exp(m.rng.Float64())
		sum += action[i]
	}
	for i := range action {
		action[i] /= sum
	}
	return action
}

func (m *Model) dropoutMask(s tensor.Shape, keep float64) *tensor.Dense {
	backing := make([]float64, s.TotalSize())
	for i := range backing {
		if keep >= 1 || m.rng.Float64() < keep {
			backing[i] = 1 / keep
		}
	}
	return tensor.New(tensor.WithShape(s...), tensor.WithBacking(backing))
}
