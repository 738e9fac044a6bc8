package archive

import (
	"encoding/json"

	"github.com/google/uuid"

	"snake-dqn/game/board"
	"snake-dqn/game/types"
	"snake-dqn/qlearning"
)

// PackedBoard lists the non-EMPTY cells of an image grouped by kind name.
type PackedBoard map[string][]types.Point

// Sample is the archived form of a trainable transition.
type Sample struct {
	ID        string      `json:"id"`
	Crash     bool        `json:"crash"`
	Eat       bool        `json:"eat"`
	Board     PackedBoard `json:"board"`
	NextBoard PackedBoard `json:"nextBoard"`
}

// Pack converts tr into a Sample whose ID is derived from its content, so
// identical transitions map to the same document.
func Pack(tr *qlearning.Transition) Sample {
	s := Sample{
		Crash:     tr.WillCrash,
		Eat:       tr.WillEat,
		Board:     PackBoard(tr.CurrentBoard),
		NextBoard: PackBoard(tr.NextBoard),
	}
	s.ID = contentID(s)
	return s
}

func contentID(s Sample) string {
	s.ID = ""
	// map keys are marshalled sorted, so equal content gives equal bytes
	data, err := json.Marshal(s)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String()
}

// PackBoard walks the image column by column, x first.
func PackBoard(b *board.Board) PackedBoard {
	packed := PackedBoard{}
	if b == nil {
		return packed
	}
	for x := 0; x < b.Width; x++ {
		for y := 0; y < b.Height; y++ {
			kind := b.Cells[x][y]
			if kind == board.EMPTY {
				continue
			}
			name := board.KindName(kind)
			packed[name] = append(packed[name], types.Point{X: x, Y: y})
		}
	}
	return packed
}

// Unpack rebuilds a board image from its packed form.
func Unpack(p PackedBoard, width, height int) *board.Board {
	b := board.NewEmpty(width, height)
	for _, k := range []board.CellKind{board.WALL, board.SNAKE, board.FOOD} {
		for _, pt := range p[board.KindName(k)] {
			b.Set(pt, k)
		}
	}
	return b
}
