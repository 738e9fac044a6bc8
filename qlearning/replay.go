package qlearning

import (
	"sync"

	"golang.org/x/exp/rand"

	"snake-dqn/ai"
	"snake-dqn/game/board"
	"snake-dqn/game/types"
)

// Transition is one environment step as seen by the learner.
//
// CurrentBoard and NextBoard are independent images of the board with the
// snake and food burned in. Q is the value vector predicted for CurrentBoard
// when the decision was greedy; it is the skeleton of the training target.
type Transition struct {
	LastAction   *ai.Action   `json:"lastAction"`
	CurrentBoard *board.Board `json:"currentBoard"`
	NextBoard    *board.Board `json:"nextBoard"`
	WillCrash    bool         `json:"willCrash"`
	WillEat      bool         `json:"willEat"`
	SnakePos     *types.Point `json:"snakePos"`
	FoodPos      *types.Point `json:"foodPos"`
	ChosenAction *ai.Action   `json:"chosenAction,omitempty"`
	Q            []float64    `json:"q"`
}

// Trainable reports whether the transition has a successor image and a value vector.
func (t *Transition) Trainable() bool {
	return t != nil && t.NextBoard != nil && t.Q != nil
}

// ReplayBuffer stores trainable transitions without a size bound.
// Sampling removes what it returns, so every transition trains at most once.
type ReplayBuffer struct {
	mu     sync.Mutex
	buffer []*Transition
	rng    *rand.Rand
}

// NewReplayBuffer crea un nuovo buffer di replay
func NewReplayBuffer(seed uint64) *ReplayBuffer {
	return &ReplayBuffer{
		buffer: make([]*Transition, 0, 1024),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Save appends t if it is trainable and reports whether it was kept.
func (b *ReplayBuffer) Save(t *Transition) bool {
	if !t.Trainable() {
		return false
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, t)
	b.mu.Unlock()
	return true
}

// Sample draws n transitions uniformly without replacement and removes them.
// When fewer than n are stored it returns nil and leaves the buffer untouched.
func (b *ReplayBuffer) Sample(n int) []*Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.buffer) < n {
		return nil
	}

	batch := make([]*Transition, 0, n)
	for i := 0; i < n; i++ {
		idx := b.rng.Intn(len(b.buffer))
		batch = append(batch, b.buffer[idx])

		last := len(b.buffer) - 1
		b.buffer[idx] = b.buffer[last]
		b.buffer[last] = nil
		b.buffer = b.buffer[:last]
	}
	return batch
}

// Len returns the number of stored transitions.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
