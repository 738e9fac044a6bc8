package ai

import (
	"fmt"
	"strings"

	"snake-dqn/game/types"
)

// Action is one of the four absolute moves. The index is also the position
// of its value in the network output.
type Action int

const (
	Up Action = iota
	Down
	Left
	Right
)

// NumActions is the size of the action space.
const NumActions = 4

var deltas = [NumActions]types.Point{
	Up:    {X: 0, Y: 1},
	Down:  {X: 0, Y: -1},
	Left:  {X: -1, Y: 0},
	Right: {X: 1, Y: 0},
}

// Valid reports whether a is a known action index.
func (a Action) Valid() bool {
	return a >= 0 && int(a) < NumActions
}

// Delta returns the unit move for a. Invalid actions return the zero point.
func (a Action) Delta() types.Point {
	if !a.Valid() {
		return types.Point{}
	}
	return deltas[a]
}

func (a Action) String() string {
	switch a {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction accepts names ("up") or indices ("0").
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a := Action(0); int(a) < NumActions; a++ {
		if s == a.String() || s == fmt.Sprint(int(a)) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}
