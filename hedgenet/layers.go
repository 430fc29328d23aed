package hedgenet

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type initFn func(rng *rand.Rand, rows, cols int) []float64

// glorotUniform draws from U(-l, l) with l = sqrt(6/(rows+cols)).
func glorotUniform(rng *rand.Rand, rows, cols int) []float64 {
	limit := math.Sqrt(6 / float64(rows+cols))
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = (rng.Float64()*2 - 1) * limit
	}
	return backing
}

func zeroes(_ *rand.Rand, rows, cols int) []float64 {
	return make([]float64, rows*cols)
}

// Param is a named trainable tensor of the model.
type Param struct {
	name string
	node *gorgonia.Node
	init initFn
}

func (p *Param) Name() string { return p.name }

func (p *Param) Shape() tensor.Shape { return p.node.Shape().Clone() }

// Value returns a copy of the current value, nil before Init.
func (p *Param) Value() *tensor.Dense {
	d := p.dense()
	if d == nil {
		return nil
	}
	return d.Clone().(*tensor.Dense)
}

func (p *Param) dense() *tensor.Dense {
	if v := p.node.Value(); v != nil {
		if d, ok := v.(*tensor.Dense); ok {
			return d
		}
	}
	return nil
}

func (p *Param) reset(rng *rand.Rand) error {
	s := p.node.Shape()
	value := tensor.New(tensor.WithShape(s[0], s[1]), tensor.WithBacking(p.init(rng, s[0], s[1])))
	return gorgonia.Let(p.node, value)
}

// fixedInput is an input node whose value never changes after Init.
type fixedInput struct {
	node  *gorgonia.Node
	value *tensor.Dense
}

func (m *Model) scoped(scope, kind string) string {
	m.names[scope+"/"+kind]++
	return fmt.Sprintf("%s/%s_%d", scope, kind, m.names[scope+"/"+kind])
}

func (m *Model) newParam(name string, rows, cols int, init initFn) *gorgonia.Node {
	node := gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(rows, cols), gorgonia.WithName(name))
	m.params = append(m.params, &Param{name: name, node: node, init: init})
	return node
}

// fixed registers a matrix input bound once at Init.
func (m *Model) fixed(scope string, rows, cols int, fill func(i, j int) float64) *gorgonia.Node {
	backing := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			backing[i*cols+j] = fill(i, j)
		}
	}
	node := gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(rows, cols), gorgonia.WithName(m.scoped(scope, "fixed")))
	m.fixedInputs = append(m.fixedInputs, fixedInput{
		node:  node,
		value: tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing)),
	})
	return node
}

// ones returns a shared (rows, 1) column of ones.
func (m *Model) ones(rows int) *gorgonia.Node {
	if n, ok := m.onesColumns[rows]; ok {
		return n
	}
	n := m.fixed("ones", rows, 1, func(int, int) float64 { return 1 })
	m.onesColumns[rows] = n
	return n
}

// dropout multiplies x by a mask drawn on every run. Masks hold 1/keep where
// a unit is retained and 0 elsewhere.
func (m *Model) dropout(x *gorgonia.Node, scope string) (*gorgonia.Node, error) {
	s := x.Shape()
	mask := gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(s[0], s[1]), gorgonia.WithName(m.scoped(scope, "dropout")))
	m.masks = append(m.masks, mask)
	return gorgonia.HadamardProd(x, mask)
}

// bias returns a (1, units) bias parameter broadcast over rows by an outer
// product with a ones column.
func (m *Model) bias(scope string, rows, units int) (*gorgonia.Node, error) {
	b := m.newParam(scope+"/biases", 1, units, zeroes)
	return gorgonia.Mul(m.ones(rows), b)
}

type denseLayer struct {
	scope   string
	weights *gorgonia.Node
	biases  *gorgonia.Node
	act     Activation
}

func (m *Model) newDense(scope string, rows, in int, l Layer) (*denseLayer, error) {
	weights := m.newParam(scope+"/weights", in, l.Units, glorotUniform)
	biases, err := m.bias(scope, rows, l.Units)
	if err != nil {
		return nil, err
	}
	return &denseLayer{scope: scope, weights: weights, biases: biases, act: l.Activation}, nil
}

func (d *denseLayer) apply(m *Model, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, d.weights)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.scope, err)
	}
	h, err := gorgonia.Add(xw, d.biases)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.scope, err)
	}
	if h, err = d.act.apply(h); err != nil {
		return nil, err
	}
	return m.dropout(h, d.scope)
}

// denseStack applies the dense layers to every time step with shared weights.
func (m *Model) denseStack(scope string, xs []*gorgonia.Node, layers []Layer) ([]*gorgonia.Node, error) {
	rows, in := xs[0].Shape()[0], xs[0].Shape()[1]
	for i, l := range layers {
		layer, err := m.newDense(fmt.Sprintf("%s/dense/%d", scope, i), rows, in, l)
		if err != nil {
			return nil, err
		}
		out := make([]*gorgonia.Node, len(xs))
		for t, x := range xs {
			if out[t], err = layer.apply(m, x); err != nil {
				return nil, err
			}
		}
		xs, in = out, l.Units
	}
	return xs, nil
}

const (
	gateInput = iota
	gateForget
	gateOutput
	gateCandidate
	gateCount
)

var gateNames = [gateCount]string{"input", "forget", "output", "candidate"}

// lstmCell is a long short-term memory cell over a batch of feature maps.
type lstmCell struct {
	scope  string
	units  int
	act    Activation
	wx, wh [gateCount]*gorgonia.Node
	biases [gateCount]*gorgonia.Node

	forgetBias *gorgonia.Node
}

func (m *Model) newLSTM(scope string, rows, in int, l Layer) (*lstmCell, error) {
	c := &lstmCell{scope: scope, units: l.Units, act: l.Activation.recurrent(), forgetBias: m.one}
	for k, gate := range gateNames {
		c.wx[k] = m.newParam(fmt.Sprintf("%s/%s_x", scope, gate), in, l.Units, glorotUniform)
		c.wh[k] = m.newParam(fmt.Sprintf("%s/%s_h", scope, gate), l.Units, l.Units, glorotUniform)
		b, err := m.bias(fmt.Sprintf("%s/%s", scope, gate), rows, l.Units)
		if err != nil {
			return nil, err
		}
		c.biases[k] = b
	}
	return c, nil
}

func (c *lstmCell) step(x, h, state *gorgonia.Node) (*gorgonia.Node, *gorgonia.Node, error) {
	var gates [gateCount]*gorgonia.Node
	for k := range gates {
		xw, err := gorgonia.Mul(x, c.wx[k])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", c.scope, err)
		}
		hw, err := gorgonia.Mul(h, c.wh[k])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", c.scope, err)
		}
		pre := gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Add(xw, hw)), c.biases[k]))
		switch k {
		case gateCandidate:
			gates[k], err = c.act.apply(pre)
		case gateForget:
			gates[k], err = gorgonia.Sigmoid(gorgonia.Must(gorgonia.Add(pre, c.forgetBias)))
		default:
			gates[k], err = gorgonia.Sigmoid(pre)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	kept := gorgonia.Must(gorgonia.HadamardProd(gates[gateForget], state))
	written := gorgonia.Must(gorgonia.HadamardProd(gates[gateInput], gates[gateCandidate]))
	next := gorgonia.Must(gorgonia.Add(kept, written))

	squashed, err := c.act.apply(next)
	if err != nil {
		return nil, nil, err
	}
	out, err := gorgonia.HadamardProd(gates[gateOutput], squashed)
	if err != nil {
		return nil, nil, err
	}
	return out, next, nil
}

// recurrentStack unrolls stacked cells over the time steps. Dropout is
// applied to the stack input, the stack output and the hidden state carried
// to the next step of every layer.
func (m *Model) recurrentStack(scope string, xs []*gorgonia.Node, layers []Layer) ([]*gorgonia.Node, error) {
	rows, in := xs[0].Shape()[0], xs[0].Shape()[1]
	cells := make([]*lstmCell, len(layers))
	hidden := make([]*gorgonia.Node, len(layers))
	states := make([]*gorgonia.Node, len(layers))
	for i, l := range layers {
		cell, err := m.newLSTM(fmt.Sprintf("%s/cell_%d", scope, i), rows, in, l)
		if err != nil {
			return nil, err
		}
		cells[i] = cell
		hidden[i] = m.fixed(scope, rows, l.Units, func(int, int) float64 { return 0 })
		states[i] = hidden[i]
		in = l.Units
	}

	outs := make([]*gorgonia.Node, len(xs))
	for t, x := range xs {
		x, err := m.dropout(x, scope+"/input")
		if err != nil {
			return nil, err
		}
		for i, cell := range cells {
			h, c, err := cell.step(x, hidden[i], states[i])
			if err != nil {
				return nil, err
			}
			states[i], x = c, h
			if t < len(xs)-1 {
				if hidden[i], err = m.dropout(h, scope+"/state"); err != nil {
					return nil, err
				}
			}
		}
		if outs[t], err = m.dropout(x, scope+"/output"); err != nil {
			return nil, err
		}
	}
	return outs, nil
}
