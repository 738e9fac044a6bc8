package entity

import (
	"snake-dqn/game/types"
)

// Snake is an ordered list of cells, head first.
type Snake struct {
	Body []types.Point `json:"body"`
}

func NewSnake(body []types.Point) *Snake {
	return &Snake{Body: append([]types.Point(nil), body...)}
}

func (s *Snake) GetHead() types.Point {
	return s.Body[0]
}

func (s *Snake) Len() int {
	return len(s.Body)
}

// Contains reports whether p is any segment, tail included.
func (s *Snake) Contains(p types.Point) bool {
	for _, b := range s.Body {
		if b == p {
			return true
		}
	}
	return false
}

// Move prepends newHead. When grow is false the tail segment is dropped.
func (s *Snake) Move(newHead types.Point, grow bool) {
	body := make([]types.Point, 0, len(s.Body)+1)
	body = append(body, newHead)
	if grow {
		body = append(body, s.Body...)
	} else if len(s.Body) > 0 {
		body = append(body, s.Body[:len(s.Body)-1]...)
	}
	s.Body = body
}

func (s *Snake) Clone() *Snake {
	return NewSnake(s.Body)
}

// Cells returns a copy of the body.
func (s *Snake) Cells() []types.Point {
	return append([]types.Point(nil), s.Body...)
}
