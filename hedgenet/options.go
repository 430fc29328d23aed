package hedgenet

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

var (
	// ErrTopology reports a malformed branch layout.
	ErrTopology = errors.New("invalid topology")
	// ErrShapeMismatch reports dimensions that do not line up, at construction
	// or when restoring a checkpoint.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrFeed reports a feed that does not match the model.
	ErrFeed = errors.New("invalid feed")
	// ErrNotInitialized is returned when the model is run before Init.
	ErrNotInitialized = errors.New("model not initialized")
)

type Objective string

const (
	ObjectiveReward  Objective = "reward"
	ObjectiveSharpe  Objective = "sharpe"
	ObjectiveSortino Objective = "sortino"
)

const DefaultLearningRate = 0.001

// ParseObjective resolves an objective name; the empty name selects sortino.
func ParseObjective(name string) (Objective, error) {
	switch Objective(strings.ToLower(strings.TrimSpace(name))) {
	case "", ObjectiveSortino:
		return ObjectiveSortino, nil
	case ObjectiveSharpe:
		return ObjectiveSharpe, nil
	case ObjectiveReward:
		return ObjectiveReward, nil
	}
	return "", fmt.Errorf("unknown objective function %q", name)
}

type Option func(*Model)

// WithObjective selects the statistic the optimizer maximizes (default sortino).
func WithObjective(objective Objective) Option {
	return func(m *Model) {
		m.objective = objective
	}
}

// WithLearningRate sets the RMSProp learning rate (default 0.001).
func WithLearningRate(rate float64) Option {
	return func(m *Model) {
		m.learningRate = rate
	}
}

// WithSeed seeds the random source used for parameter initialization, dropout
// masks and the initial action row.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// WithRand injects the random source directly.
func WithRand(rng *rand.Rand) Option {
	return func(m *Model) {
		m.rng = rng
	}
}

// WithSharpeStdDev divides the mean excess log return by its standard
// deviation. Without it the Sharpe node divides by the variance, which is what
// existing checkpoints were trained against.
func WithSharpeStdDev() Option {
	return func(m *Model) {
		m.sharpeStdDev = true
	}
}
