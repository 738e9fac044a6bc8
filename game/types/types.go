package types

// Point is a cell coordinate on the board
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns the point moved by delta
func (p Point) Add(delta Point) Point {
	return Point{X: p.X + delta.X, Y: p.Y + delta.Y}
}

// Grid represents the game grid dimensions
type Grid struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether p lies inside the grid
func (g Grid) Contains(p Point) bool {
	return p.X >= 0 && p.X < g.Width && p.Y >= 0 && p.Y < g.Height
}

// Wrap folds a point that stepped off one edge back onto the opposite edge.
// Only single-cell overflows are expected; anything further is taken modulo the size.
func (g Grid) Wrap(p Point) Point {
	return Point{X: wrap(p.X, g.Width), Y: wrap(p.Y, g.Height)}
}

func wrap(v, size int) int {
	if size <= 0 {
		return v
	}
	v %= size
	if v < 0 {
		v += size
	}
	return v
}
