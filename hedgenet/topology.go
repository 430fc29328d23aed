package hedgenet

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gorgonia.org/gorgonia"
)

type Activation string

const (
	Linear  Activation = "linear"
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
	Relu    Activation = "relu"
)

// ParseActivation accepts tanh, sigmoid, relu and linear; an empty name or
// "none" is linear.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "linear", "identity":
		return Linear, nil
	case "tanh":
		return Tanh, nil
	case "sigmoid":
		return Sigmoid, nil
	case "relu":
		return Relu, nil
	}
	return "", fmt.Errorf("%w: unknown activation %q", ErrTopology, name)
}

func (a Activation) valid() bool {
	return lo.Contains([]Activation{"", Linear, Tanh, Sigmoid, Relu}, a)
}

func (a Activation) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	switch a {
	case Tanh:
		return gorgonia.Tanh(x)
	case Sigmoid:
		return gorgonia.Sigmoid(x)
	case Relu:
		return gorgonia.Rectify(x)
	}
	return x, nil
}

// recurrent is the activation used inside a recurrent cell. A cell has no
// linear mode, it falls back to tanh.
func (a Activation) recurrent() Activation {
	if a == Linear || a == "" {
		return Tanh
	}
	return a
}

type Layer struct {
	Units      int
	Activation Activation
}

type BranchKind int

const (
	// DenseOnly runs the dense stack and keeps its output as backbone signal.
	DenseOnly BranchKind = iota
	// RecurrentPassthrough runs dense and recurrent stacks and keeps the output.
	RecurrentPassthrough
	// RecurrentDecomposed runs dense and recurrent stacks and splits the result
	// into an asset feature head and a cash head.
	RecurrentDecomposed
)

func (k BranchKind) String() string {
	switch k {
	case DenseOnly:
		return "dense-only"
	case RecurrentPassthrough:
		return "recurrent-passthrough"
	case RecurrentDecomposed:
		return "recurrent-decomposed"
	}
	return fmt.Sprintf("BranchKind(%d)", int(k))
}

// Kept reports whether the branch feeds the backbone signal.
func (k BranchKind) Kept() bool {
	return k == DenseOnly || k == RecurrentPassthrough
}

// KindOf maps the keep_output flag and the presence of a recurrent stack to a
// branch kind.
func KindOf(keepOutput, recurrent bool) (BranchKind, error) {
	switch {
	case keepOutput && recurrent:
		return RecurrentPassthrough, nil
	case keepOutput:
		return DenseOnly, nil
	case recurrent:
		return RecurrentDecomposed, nil
	}
	return 0, fmt.Errorf("%w: a decomposed branch needs a recurrent stack", ErrTopology)
}

// Branch describes one sub-network processing one input group. Its input is
// fed as a (FeatureMaps, window, Features) tensor.
type Branch struct {
	Kind        BranchKind
	FeatureMaps int
	Features    int
	InputName   string
	Dense       []Layer
	Recurrent   []Layer

	// AttentionLength is carried for configuration compatibility and not used
	// by the graph.
	AttentionLength int
}

// channels is the per feature map width produced by the shared stacks.
func (b Branch) channels() int {
	if n := len(b.Recurrent); n > 0 {
		return b.Recurrent[n-1].Units
	}
	if n := len(b.Dense); n > 0 {
		return b.Dense[n-1].Units
	}
	return b.Features
}

// Width is the channel width of a kept branch after its feature maps are
// stacked.
func (b Branch) Width() int {
	return b.FeatureMaps * b.channels()
}

func (b Branch) validate(name string) error {
	if b.FeatureMaps < 1 {
		return fmt.Errorf("%w: branch %s: feature map number must be positive", ErrTopology, name)
	}
	if b.Features < 1 {
		return fmt.Errorf("%w: branch %s: feature number must be positive", ErrTopology, name)
	}
	for i, l := range append(append([]Layer{}, b.Dense...), b.Recurrent...) {
		if l.Units < 1 {
			return fmt.Errorf("%w: branch %s: layer %d has %d units", ErrTopology, name, i, l.Units)
		}
		if !l.Activation.valid() {
			return fmt.Errorf("%w: branch %s: layer %d: unknown activation %q", ErrTopology, name, i, l.Activation)
		}
	}

	switch b.Kind {
	case DenseOnly:
		if len(b.Recurrent) > 0 {
			return fmt.Errorf("%w: branch %s: dense-only branch has a recurrent stack", ErrTopology, name)
		}
	case RecurrentPassthrough, RecurrentDecomposed:
		if len(b.Recurrent) == 0 {
			return fmt.Errorf("%w: branch %s: %s branch needs a recurrent stack", ErrTopology, name, b.Kind)
		}
	default:
		return fmt.Errorf("%w: branch %s: unknown kind %s", ErrTopology, name, b.Kind)
	}
	return nil
}

// Topology is the full branch layout of a model. Window is the number of time
// steps the graph is unrolled for; every feed must carry exactly that many.
// To trade over another length, build a model with that window and Load the
// checkpoint into it: parameter shapes do not depend on the window.
type Topology struct {
	Window   int
	Branches map[string]Branch
}

// Names returns the branch names in build order.
func (t Topology) Names() []string {
	names := maps.Keys(t.Branches)
	slices.Sort(names)
	return names
}

func (t Topology) kept() []string {
	return lo.Filter(t.Names(), func(name string, _ int) bool {
		return t.Branches[name].Kind.Kept()
	})
}

func (t Topology) decomposed() []string {
	return lo.Filter(t.Names(), func(name string, _ int) bool {
		return t.Branches[name].Kind == RecurrentDecomposed
	})
}

// Validate checks the topology against the number of assets (cash excluded).
// The kept branches must add up to exactly assets channels, so that appending
// the cash channel matches the asset feature map of the decomposed branches.
func (t Topology) Validate(assets int) error {
	if assets < 1 {
		return fmt.Errorf("%w: asset number must be positive, got %d", ErrTopology, assets)
	}
	if t.Window < 1 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrTopology, t.Window)
	}
	if len(t.Branches) == 0 {
		return fmt.Errorf("%w: no branches", ErrTopology)
	}
	for _, name := range t.Names() {
		if err := t.Branches[name].validate(name); err != nil {
			return err
		}
	}

	kept := t.kept()
	if len(kept) == 0 {
		return fmt.Errorf("%w: no branch keeps its output", ErrTopology)
	}
	if len(t.decomposed()) == 0 {
		return fmt.Errorf("%w: no branch is decomposed into feature and cash heads", ErrTopology)
	}

	width := lo.SumBy(kept, func(name string) int { return t.Branches[name].Width() })
	if width != assets {
		return fmt.Errorf("%w: kept branches produce %d channels, %d assets need %d",
			ErrShapeMismatch, width, assets, assets)
	}
	return nil
}
