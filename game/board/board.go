// Package board builds the static occupancy grid of an episode and burns
// snake and food positions into state images for the value network.
//
// Cells are addressed as Cells[x][y]. Cell values double as grey levels so an
// image can be fed to the network after dividing by FOOD.
package board

import (
	"strings"

	"snake-dqn/game/types"
)

// CellKind tags a single board cell.
type CellKind int

const (
	EMPTY CellKind = 0
	WALL  CellKind = 85
	SNAKE CellKind = 170
	FOOD  CellKind = 255
)

// MaxKind is the largest cell value, used to scale images into [0,1].
const MaxKind = FOOD

// KindName returns the upper-case name of a cell kind, or "" when unknown.
func KindName(k CellKind) string {
	switch k {
	case EMPTY:
		return "EMPTY"
	case WALL:
		return "WALL"
	case SNAKE:
		return "SNAKE"
	case FOOD:
		return "FOOD"
	default:
		return ""
	}
}

// Variant selects how the board is laid out.
type Variant int

const (
	Empty Variant = iota
	Bordered
)

func (v Variant) String() string {
	switch v {
	case Bordered:
		return "BORDERED"
	default:
		return "EMPTY"
	}
}

// ParseVariant maps a board name to a variant. Unknown names fall back to Empty.
func ParseVariant(name string) Variant {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BORDERED":
		return Bordered
	default:
		return Empty
	}
}

// Board is a fixed-size grid of cell kinds.
type Board struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Cells  [][]CellKind `json:"cells"`
}

// Factory builds a board of the given variant.
func Factory(v Variant, w, h int) *Board {
	switch v {
	case Bordered:
		return NewBordered(w, h)
	default:
		return NewEmpty(w, h)
	}
}

// NewEmpty returns a board with every cell EMPTY.
func NewEmpty(w, h int) *Board {
	cells := make([][]CellKind, w)
	for x := range cells {
		cells[x] = make([]CellKind, h)
	}
	return &Board{Width: w, Height: h, Cells: cells}
}

// NewBordered returns a board ringed with WALL cells on all four edges.
func NewBordered(w, h int) *Board {
	b := NewEmpty(w, h)
	for x := 0; x < w; x++ {
		b.Cells[x][0] = WALL
		b.Cells[x][h-1] = WALL
	}
	for y := 1; y < h-1; y++ {
		b.Cells[0][y] = WALL
		b.Cells[w-1][y] = WALL
	}
	return b
}

// Grid returns the board dimensions.
func (b *Board) Grid() types.Grid {
	return types.Grid{Width: b.Width, Height: b.Height}
}

// InBounds reports whether p addresses a cell of the board.
func (b *Board) InBounds(p types.Point) bool {
	return b.Grid().Contains(p)
}

// At returns the kind at p. Out of bounds cells read as EMPTY.
func (b *Board) At(p types.Point) CellKind {
	if !b.InBounds(p) {
		return EMPTY
	}
	return b.Cells[p.X][p.Y]
}

// Set stores k at p. Out of bounds writes are dropped.
func (b *Board) Set(p types.Point, k CellKind) {
	if b.InBounds(p) {
		b.Cells[p.X][p.Y] = k
	}
}

// Clone returns a deep copy.
func (b *Board) Clone() *Board {
	c := &Board{Width: b.Width, Height: b.Height, Cells: make([][]CellKind, len(b.Cells))}
	for x := range b.Cells {
		c.Cells[x] = append([]CellKind(nil), b.Cells[x]...)
	}
	return c
}

// Image returns a copy of the board with the snake and food burned in.
// A nil snake yields a nil image, matching a state that has no successor yet.
func (b *Board) Image(snake []types.Point, food *types.Point) *Board {
	if snake == nil {
		return nil
	}
	img := b.Clone()
	for _, p := range snake {
		img.Set(p, SNAKE)
	}
	if food != nil {
		img.Set(*food, FOOD)
	}
	return img
}

// Count returns how many cells hold k.
func (b *Board) Count(k CellKind) int {
	n := 0
	for x := range b.Cells {
		for _, c := range b.Cells[x] {
			if c == k {
				n++
			}
		}
	}
	return n
}

// Normalized flattens the board in x-major order scaled to [0,1].
func (b *Board) Normalized() []float64 {
	out := make([]float64, 0, b.Width*b.Height)
	for x := 0; x < b.Width; x++ {
		for y := 0; y < b.Height; y++ {
			out = append(out, float64(b.Cells[x][y])/float64(MaxKind))
		}
	}
	return out
}
