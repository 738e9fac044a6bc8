package manager

import (
	"snake-dqn/game/board"
	"snake-dqn/game/entity"
	"snake-dqn/game/types"
)

type CollisionManager struct {
	grid types.Grid
}

func NewCollisionManager(grid types.Grid) *CollisionManager {
	return &CollisionManager{
		grid: grid,
	}
}

// NextHead moves head by delta, reappearing on the opposite side when it
// leaves the grid. Walls are never skipped by wrapping; they are cells.
func (cm *CollisionManager) NextHead(head, delta types.Point) types.Point {
	return cm.grid.Wrap(head.Add(delta))
}

// WillCrash checks pos against WALL cells and the pre-move snake, tail included.
func (cm *CollisionManager) WillCrash(pos types.Point, b *board.Board, snake *entity.Snake) bool {
	if b.At(pos) == board.WALL {
		return true
	}
	return snake.Contains(pos)
}

// WillEat checks if a position collides with food
func (cm *CollisionManager) WillEat(pos types.Point, food types.Point) bool {
	return pos == food
}

// ValidateSpawnPosition checks if a position is free for food or a snake segment
func (cm *CollisionManager) ValidateSpawnPosition(pos types.Point, b *board.Board, snake *entity.Snake) bool {
	if !cm.grid.Contains(pos) {
		return false
	}
	if b.At(pos) != board.EMPTY {
		return false
	}
	return snake == nil || !snake.Contains(pos)
}
