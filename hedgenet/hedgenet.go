package hedgenet

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ezquant/hedgenet/hedgenet/tools/log"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04",
	})
}

// Model is a portfolio allocation network trained end to end on a risk
// adjusted return objective. A Model owns its graph, machine and random
// source; it is not safe for concurrent use.
type Model struct {
	assets       int // assets plus cash
	topology     Topology
	objective    Objective
	learningRate float64
	sharpeStdDev bool
	rng          *rand.Rand

	g           *gorgonia.ExprGraph
	params      []*Param
	fixedInputs []fixedInput
	masks       []*gorgonia.Node
	probes      []probe
	names       map[string]int
	onesColumns map[int]*gorgonia.Node
	one         *gorgonia.Node

	inputs        map[string][]*gorgonia.Node
	returnRate    *gorgonia.Node
	fee           *gorgonia.Node
	temperature   *gorgonia.Node
	initialAction *gorgonia.Node

	decisions     *gorgonia.Node
	action        *gorgonia.Node
	reward        *gorgonia.Node
	logReward     *gorgonia.Node
	cumLogReward  *gorgonia.Node
	meanLogReward *gorgonia.Node
	sharpe        *gorgonia.Node
	sortino       *gorgonia.Node
	target        *gorgonia.Node

	vm     gorgonia.VM
	solver gorgonia.Solver
}

// Result is the outcome of a forward pass.
type Result struct {
	Rewards       []float64
	CumLogReward  float64
	CumReward     float64
	Actions       [][]float64
	MeanLogReward float64
	Sharpe        float64
	Sortino       float64
	// Objective is the value of the statistic the model is trained on.
	Objective float64
}

// New builds the graph for assets tradable assets (cash is added on top) laid
// out by topology. Malformed topologies are rejected here.
func New(assets int, topology Topology, options ...Option) (m *Model, err error) {
	if err := topology.Validate(assets); err != nil {
		return nil, err
	}

	m = &Model{
		assets:       assets + 1,
		topology:     topology,
		objective:    ObjectiveSortino,
		learningRate: DefaultLearningRate,
		g:            gorgonia.NewGraph(),
		names:        make(map[string]int),
		onesColumns:  make(map[int]*gorgonia.Node),
		inputs:       make(map[string][]*gorgonia.Node),
	}
	for _, option := range options {
		option(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.objective, err = ParseObjective(string(m.objective)); err != nil {
		return nil, err
	}

	m.one = gorgonia.NewConstant(1.0)
	m.returnRate = gorgonia.NewMatrix(m.g, tensor.Float64,
		gorgonia.WithShape(topology.Window, m.assets), gorgonia.WithName("environment_return"))
	m.fee = gorgonia.NewScalar(m.g, tensor.Float64, gorgonia.WithName("environment_fee"))
	m.temperature = gorgonia.NewScalar(m.g, tensor.Float64, gorgonia.WithName("action_temperature"))

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrShapeMismatch, r)
		}
	}()
	if err = m.build(); err != nil {
		return nil, err
	}

	log.Debugf("graph built: %d branches, %d parameters, %d dropout masks, %d nodes",
		len(topology.Branches), len(m.params), len(m.masks), len(m.g.AllNodes()))
	return m, nil
}

// Init draws fresh parameters and prepares the machine. It may be called
// again to start over.
func (m *Model) Init() error {
	for _, p := range m.params {
		if err := p.reset(m.rng); err != nil {
			return fmt.Errorf("init %s: %w", p.name, err)
		}
	}
	return m.start()
}

// start binds the fixed inputs and replaces the machine and the solver around
// the current parameter values.
func (m *Model) start() error {
	if err := m.Close(); err != nil {
		return err
	}
	for _, f := range m.fixedInputs {
		if err := gorgonia.Let(f.node, f.value); err != nil {
			return err
		}
	}

	m.vm = gorgonia.NewTapeMachine(m.g, gorgonia.BindDualValues(m.paramNodes()...), gorgonia.TraceExec())
	m.solver = gorgonia.NewRMSPropSolver(
		gorgonia.WithLearnRate(m.learningRate),
		gorgonia.WithRho(0.9),
		gorgonia.WithEps(1e-10),
	)
	return nil
}

// Close releases the machine.
func (m *Model) Close() error {
	if m.vm == nil {
		return nil
	}
	err := m.vm.Close()
	m.vm = nil
	return err
}

func (m *Model) ready() bool {
	return m.vm != nil
}

// Assets is the width of an action row, cash included.
func (m *Model) Assets() int { return m.assets }

func (m *Model) Topology() Topology { return m.topology }

func (m *Model) Objective() Objective { return m.objective }

// Parameters lists the trainable tensors in construction order.
func (m *Model) Parameters() []*Param {
	return append([]*Param(nil), m.params...)
}

func (m *Model) paramNodes() gorgonia.Nodes {
	nodes := make(gorgonia.Nodes, len(m.params))
	for i, p := range m.params {
		nodes[i] = p.node
	}
	return nodes
}

// run binds the feed, executes the graph and hands the finished machine to
// read before it is reset.
func (m *Model) run(feed *Feed, read func() error) error {
	if !m.ready() {
		return ErrNotInitialized
	}
	if err := m.bind(feed); err != nil {
		return err
	}
	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return fmt.Errorf("run graph: %w", err)
	}
	return read()
}

// Train runs one optimizer step on feed and returns the objective value
// observed before the update.
func (m *Model) Train(feed *Feed) (float64, error) {
	var objective float64
	err := m.run(feed, func() error {
		objective = scalarOf(m.target.Value())
		if err := m.solver.Step(gorgonia.NodesToValueGrads(m.paramNodes())); err != nil {
			return fmt.Errorf("optimizer step: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(objective) || math.IsInf(objective, 0) {
		log.Warnf("%s objective is %v", m.objective, objective)
	}
	return objective, nil
}

// Trade runs a forward pass and reports rewards and actions without touching
// the parameters.
func (m *Model) Trade(feed *Feed) (*Result, error) {
	res := &Result{}
	err := m.run(feed, func() error {
		res.Rewards = floatsOf(m.reward.Value())
		res.CumLogReward = scalarOf(m.cumLogReward.Value())
		res.CumReward = CumulativeReward(res.Rewards)
		res.Actions = rowsOf(m.action.Value(), m.assets)
		res.MeanLogReward = scalarOf(m.meanLogReward.Value())
		res.Sharpe = scalarOf(m.sharpe.Value())
		res.Sortino = scalarOf(m.sortino.Value())
		res.Objective = scalarOf(m.target.Value())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func floatsOf(v gorgonia.Value) []float64 {
	if v == nil {
		return nil
	}
	switch data := v.Data().(type) {
	case []float64:
		return append([]float64(nil), data...)
	case float64:
		return []float64{data}
	}
	return nil
}

func scalarOf(v gorgonia.Value) float64 {
	values := floatsOf(v)
	if len(values) == 0 {
		return math.NaN()
	}
	return values[0]
}

func rowsOf(v gorgonia.Value, width int) [][]float64 {
	values := floatsOf(v)
	rows := make([][]float64, 0, len(values)/width)
	for i := 0; i+width <= len(values); i += width {
		rows = append(rows, values[i:i+width])
	}
	return rows
}
