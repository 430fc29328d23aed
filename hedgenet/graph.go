package hedgenet

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// branchOutput holds what a branch hands to fusion, every node stacked over
// time as (window, width).
type branchOutput struct {
	kept     *gorgonia.Node
	features *gorgonia.Node
	cash     *gorgonia.Node
}

func (m *Model) build() error {
	outputs := make(map[string]branchOutput, len(m.topology.Branches))
	for _, name := range m.topology.Names() {
		out, err := m.buildBranch(name, m.topology.Branches[name])
		if err != nil {
			return fmt.Errorf("branch %s: %w", name, err)
		}
		outputs[name] = out
	}

	fused, err := m.fuse(outputs)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if err = m.actionHead(fused); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	if err = m.rewardGraph(); err != nil {
		return fmt.Errorf("reward: %w", err)
	}

	switch m.objective {
	case ObjectiveReward:
		m.target = m.meanLogReward
	case ObjectiveSharpe:
		m.target = m.sharpe
	default:
		m.target = m.sortino
	}
	cost, err := gorgonia.Neg(m.target)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if _, err = gorgonia.Grad(cost, m.paramNodes()...); err != nil {
		return fmt.Errorf("train: gradients: %w", err)
	}
	return nil
}

func (m *Model) buildBranch(name string, b Branch) (branchOutput, error) {
	input := b.InputName
	if input == "" {
		input = "input"
	}
	steps := make([]*gorgonia.Node, m.topology.Window)
	for t := range steps {
		steps[t] = gorgonia.NewMatrix(m.g, tensor.Float64,
			gorgonia.WithShape(b.FeatureMaps, b.Features),
			gorgonia.WithName(fmt.Sprintf("%s/%s/t%d", name, input, t)))
	}
	m.inputs[name] = steps

	var err error
	xs := steps
	if len(b.Dense) > 0 {
		if xs, err = m.denseStack(name, xs, b.Dense); err != nil {
			return branchOutput{}, err
		}
		m.probe(name+"/dense_output", xs...)
	}
	if len(b.Recurrent) > 0 {
		if xs, err = m.recurrentStack(name+"/rnn", xs, b.Recurrent); err != nil {
			return branchOutput{}, err
		}
		m.probe(name+"/first_rnn_output", xs...)
	}

	if b.Kind.Kept() {
		rows := make([]*gorgonia.Node, len(xs))
		for t, x := range xs {
			if rows[t], err = stackMaps(x); err != nil {
				return branchOutput{}, err
			}
		}
		kept, err := concat(0, rows)
		return branchOutput{kept: kept}, err
	}

	features, err := m.recurrentStack(name+"/feature_map", xs, []Layer{{Units: m.assets, Activation: Tanh}})
	if err != nil {
		return branchOutput{}, err
	}
	m.probe(name+"/feature_rnn_output", features...)

	cash, err := m.recurrentStack(name+"/cash", xs, []Layer{{Units: 1, Activation: Sigmoid}})
	if err != nil {
		return branchOutput{}, err
	}
	m.probe(name+"/cash_rnn_output", cash...)

	out := branchOutput{}
	if out.features, err = m.averageMaps(features); err != nil {
		return branchOutput{}, err
	}
	if out.cash, err = m.averageMaps(cash); err != nil {
		return branchOutput{}, err
	}
	return out, nil
}

// stackMaps lays the feature maps of one step side by side on a single row.
func stackMaps(x *gorgonia.Node) (*gorgonia.Node, error) {
	s := x.Shape()
	if s[0] == 1 {
		return x, nil
	}
	return gorgonia.Reshape(x, tensor.Shape{1, s[0] * s[1]})
}

// averageMaps reduces the feature maps of every step to their elementwise mean
// and stacks the steps. A single feature map skips the merge.
func (m *Model) averageMaps(xs []*gorgonia.Node) (*gorgonia.Node, error) {
	maps := xs[0].Shape()[0]
	if maps > 1 {
		avg := m.fixed("average", 1, maps, func(int, int) float64 { return 1 / float64(maps) })
		rows := make([]*gorgonia.Node, len(xs))
		for t, x := range xs {
			row, err := gorgonia.Mul(avg, x)
			if err != nil {
				return nil, err
			}
			rows[t] = row
		}
		xs = rows
	}
	return concat(0, xs)
}

func concat(axis int, nodes []*gorgonia.Node) (*gorgonia.Node, error) {
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return gorgonia.Concat(axis, nodes...)
}

// mean is the unweighted elementwise mean of equally shaped nodes.
func mean(nodes []*gorgonia.Node) (*gorgonia.Node, error) {
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	sum := nodes[0]
	for _, n := range nodes[1:] {
		var err error
		if sum, err = gorgonia.Add(sum, n); err != nil {
			return nil, err
		}
	}
	return gorgonia.Div(sum, gorgonia.NewConstant(float64(len(nodes))))
}

// fuse appends the averaged cash channel to the kept signal and adds the
// averaged asset feature map.
func (m *Model) fuse(outputs map[string]branchOutput) (*gorgonia.Node, error) {
	var kept, features, cash []*gorgonia.Node
	for _, name := range m.topology.kept() {
		kept = append(kept, outputs[name].kept)
	}
	for _, name := range m.topology.decomposed() {
		features = append(features, outputs[name].features)
		cash = append(cash, outputs[name].cash)
	}
	if len(kept) == 0 || len(features) == 0 {
		return nil, fmt.Errorf("%w: fusion needs a kept and a decomposed branch", ErrTopology)
	}

	backbone, err := concat(1, kept)
	if err != nil {
		return nil, err
	}
	featureMap, err := mean(features)
	if err != nil {
		return nil, err
	}
	cashMap, err := mean(cash)
	if err != nil {
		return nil, err
	}
	m.probe("cash_map", cashMap)
	m.probe("feature_map", featureMap)

	if w := backbone.Shape()[1] + 1; w != featureMap.Shape()[1] {
		return nil, fmt.Errorf("%w: kept signal with cash is %d wide, feature map is %d wide",
			ErrShapeMismatch, w, featureMap.Shape()[1])
	}
	withCash, err := gorgonia.Concat(1, backbone, cashMap)
	if err != nil {
		return nil, err
	}
	fused, err := gorgonia.Add(withCash, featureMap)
	if err != nil {
		return nil, err
	}
	m.probe("keep_output", fused)
	return fused, nil
}

// actionHead turns the fused signal into simplex rows and prepends the initial
// position fed on every run.
func (m *Model) actionHead(fused *gorgonia.Node) error {
	logits, err := gorgonia.Div(fused, m.temperature)
	if err != nil {
		return err
	}
	if m.decisions, err = gorgonia.SoftMax(logits, 1); err != nil {
		return err
	}
	m.initialAction = gorgonia.NewMatrix(m.g, tensor.Float64,
		gorgonia.WithShape(1, m.assets), gorgonia.WithName("action/initial"))
	if m.action, err = gorgonia.Concat(0, m.initialAction, m.decisions); err != nil {
		return err
	}
	m.probe("action", m.action)
	return nil
}

// rewardGraph computes r_t = Σ z_t·a_t − c·Σ|a_{t+1} − a_t| where a_t is the
// position held over step t, and the statistics derived from log r_t.
func (m *Model) rewardGraph() error {
	window := m.topology.Window
	held := m.fixed("reward/held", window, window+1, func(i, j int) float64 {
		if i == j {
			return 1
		}
		return 0
	})

	var err error
	prev := gorgonia.Must(gorgonia.Mul(held, m.action))
	gross := gorgonia.Must(gorgonia.HadamardProd(m.returnRate, prev))
	turnover := gorgonia.Must(gorgonia.Abs(gorgonia.Must(gorgonia.Sub(m.decisions, prev))))
	fees := gorgonia.Must(gorgonia.Mul(m.fee, turnover))
	if m.reward, err = gorgonia.Sum(gorgonia.Must(gorgonia.Sub(gross, fees)), 1); err != nil {
		return err
	}
	if m.logReward, err = gorgonia.Log(m.reward); err != nil {
		return err
	}
	if m.cumLogReward, err = gorgonia.Sum(m.logReward); err != nil {
		return err
	}
	if m.meanLogReward, err = gorgonia.Mean(m.logReward); err != nil {
		return err
	}
	if m.sortino, err = m.sortinoRatio(m.logReward, 0); err != nil {
		return err
	}
	if m.sharpe, err = m.sharpeRatio(m.logReward, 0); err != nil {
		return err
	}
	m.probe("reward_t", m.reward)
	m.probe("mean_log_reward", m.meanLogReward)
	return nil
}

// sortinoRatio divides the mean excess return by the root mean square of the
// returns at or below rf. The mask sign(1 − sign(r − rf)) is 1 on those steps
// and 0 elsewhere; with no such step the ratio is NaN.
func (m *Model) sortinoRatio(r *gorgonia.Node, rf float64) (*gorgonia.Node, error) {
	target := gorgonia.NewConstant(rf)
	avg, err := gorgonia.Mean(r)
	if err != nil {
		return nil, err
	}
	excess := gorgonia.Must(gorgonia.Sub(r, target))
	flipped := gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Neg(gorgonia.Must(gorgonia.Sign(excess)))), m.one))
	mask := gorgonia.Must(gorgonia.Sign(flipped))

	count := gorgonia.Must(gorgonia.Sum(mask))
	lower := gorgonia.Must(gorgonia.HadamardProd(mask, r))
	squares := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.Square(lower))))
	downside := gorgonia.Must(gorgonia.Sqrt(gorgonia.Must(gorgonia.Div(squares, count))))
	return gorgonia.Div(gorgonia.Must(gorgonia.Sub(avg, target)), downside)
}

// sharpeRatio divides the mean excess return by its population variance, or
// by its standard deviation with WithSharpeStdDev.
func (m *Model) sharpeRatio(r *gorgonia.Node, rf float64) (*gorgonia.Node, error) {
	excess, err := gorgonia.Sub(r, gorgonia.NewConstant(rf))
	if err != nil {
		return nil, err
	}
	avg := gorgonia.Must(gorgonia.Mean(excess))
	deviation := gorgonia.Must(gorgonia.Sub(excess, avg))
	spread := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(deviation))))
	if m.sharpeStdDev {
		spread = gorgonia.Must(gorgonia.Sqrt(spread))
	}
	return gorgonia.Div(avg, spread)
}
