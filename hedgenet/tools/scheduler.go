package tools

import (
	"fmt"
	"math"

	"github.com/samber/lo"
)

// Knob is a per call value a scheduler may change between epochs.
type Knob string

const (
	Temperature Knob = "temperature"
	KeepProb    Knob = "keep_prob"
)

// Tunable receives scheduled values. A hedgenet feed is one.
type Tunable interface {
	SetTemperature(float64)
	SetKeepProb(float64)
}

type Change struct {
	Condition func(epoch int) bool
	Knob      Knob
	Value     float64
}

// Scheduler applies pending changes once their condition holds, then forgets
// them.
type Scheduler struct {
	changes []Change
	values  map[Knob]float64
}

func NewScheduler() *Scheduler {
	return &Scheduler{values: make(map[Knob]float64)}
}

func (s *Scheduler) SetWhen(knob Knob, value float64, condition func(epoch int) bool) {
	s.changes = append(s.changes, Change{Condition: condition, Knob: knob, Value: value})
}

// SetAt changes knob to value at the given epoch.
func (s *Scheduler) SetAt(knob Knob, value float64, epoch int) {
	s.SetWhen(knob, value, func(e int) bool { return e >= epoch })
}

// Anneal moves knob from `from` to `to` over epochs steps starting at start.
// Exponential annealing interpolates geometrically and needs both ends
// positive; otherwise the steps are linear.
func (s *Scheduler) Anneal(knob Knob, from, to float64, start, epochs int, exponential bool) error {
	if epochs < 1 {
		return fmt.Errorf("anneal %s: epochs must be positive, got %d", knob, epochs)
	}
	if exponential && (from <= 0 || to <= 0) {
		return fmt.Errorf("anneal %s: exponential annealing needs positive ends, got %v and %v", knob, from, to)
	}
	for i := 0; i <= epochs; i++ {
		frac := float64(i) / float64(epochs)
		value := from + (to-from)*frac
		if exponential {
			value = from * math.Pow(to/from, frac)
		}
		s.SetAt(knob, value, start+i)
	}
	return nil
}

// Pending is the number of changes not applied yet.
func (s *Scheduler) Pending() int {
	return len(s.changes)
}

// Value returns the last value applied to knob.
func (s *Scheduler) Value(knob Knob) (float64, bool) {
	v, ok := s.values[knob]
	return v, ok
}

// Update applies every change due at epoch to the targets in the order the
// changes were added.
func (s *Scheduler) Update(epoch int, targets ...Tunable) {
	s.changes = lo.Filter[Change](s.changes, func(c Change, _ int) bool {
		if !c.Condition(epoch) {
			return true
		}
		for _, target := range targets {
			switch c.Knob {
			case Temperature:
				target.SetTemperature(c.Value)
			case KeepProb:
				target.SetKeepProb(c.Value)
			}
		}
		s.values[c.Knob] = c.Value
		return false
	})
}
