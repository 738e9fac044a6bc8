package ai

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// Epsilon is the exploration rate, decayed after every decision.
type Epsilon struct {
	Value float64 `json:"value"`
	Final float64 `json:"final"`
	Decay float64 `json:"decay"`
}

func NewEpsilon(initial, final, decay float64) Epsilon {
	return Epsilon{Value: initial, Final: final, Decay: decay}
}

// Step applies one multiplicative decay, clamped at the floor.
func (e *Epsilon) Step() {
	if e.Value > e.Final {
		e.Value *= e.Decay
	}
	if e.Value < e.Final {
		e.Value = e.Final
	}
}

// Explore draws from rng and reports whether this decision should be random.
func (e *Epsilon) Explore(rng *rand.Rand) bool {
	return rng.Float64() < e.Value
}

// RandomAction picks a uniformly random action.
func RandomAction(rng *rand.Rand) Action {
	return Action(rng.Intn(NumActions))
}

// Greedy returns the index of the highest value. Ties go to the lowest index.
func Greedy(q []float64) Action {
	if len(q) == 0 {
		return Up
	}
	return Action(floats.MaxIdx(q))
}
