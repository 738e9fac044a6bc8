package manager

import (
	"errors"

	"golang.org/x/exp/rand"

	"snake-dqn/game/board"
	"snake-dqn/game/entity"
	"snake-dqn/game/types"
)

// ErrUnplaceable is returned when random placement gives up.
var ErrUnplaceable = errors.New("no free cell found for placement")

// FoodManager places the initial snake and the food at random free cells.
// Both are drawn in [initLen+1, size-1] on each axis.
type FoodManager struct {
	grid         types.Grid
	collisionMgr *CollisionManager
	rng          *rand.Rand
	initLen      int
	maxAttempts  int
}

// NewFoodManager returns a manager drawing from rng. maxAttempts <= 0 retries forever.
func NewFoodManager(grid types.Grid, collisionMgr *CollisionManager, rng *rand.Rand, initLen, maxAttempts int) *FoodManager {
	return &FoodManager{
		grid:         grid,
		collisionMgr: collisionMgr,
		rng:          rng,
		initLen:      initLen,
		maxAttempts:  maxAttempts,
	}
}

func (fm *FoodManager) randomPoint() (types.Point, bool) {
	lo := fm.initLen + 1
	spanX := fm.grid.Width - fm.initLen - 1
	spanY := fm.grid.Height - fm.initLen - 1
	if spanX <= 0 || spanY <= 0 {
		return types.Point{}, false
	}
	return types.Point{
		X: lo + fm.rng.Intn(spanX),
		Y: lo + fm.rng.Intn(spanY),
	}, true
}

func (fm *FoodManager) exhausted(attempt int) bool {
	return fm.maxAttempts > 0 && attempt >= fm.maxAttempts
}

// SpawnSnake picks a head and lays initLen cells along -x or -y,
// each on an EMPTY cell of b.
func (fm *FoodManager) SpawnSnake(b *board.Board) (*entity.Snake, error) {
	for attempt := 0; !fm.exhausted(attempt); attempt++ {
		p, ok := fm.randomPoint()
		if !ok {
			return nil, ErrUnplaceable
		}
		horizontal := fm.rng.Float64() > 0.5

		body := make([]types.Point, 0, fm.initLen)
		for i := 0; i < fm.initLen; i++ {
			if !fm.collisionMgr.ValidateSpawnPosition(p, b, nil) {
				break
			}
			body = append(body, p)
			if horizontal {
				p.X--
			} else {
				p.Y--
			}
		}
		if len(body) == fm.initLen {
			return entity.NewSnake(body), nil
		}
	}
	return nil, ErrUnplaceable
}

// PlaceFood picks an EMPTY cell of b not covered by the snake.
func (fm *FoodManager) PlaceFood(b *board.Board, snake *entity.Snake) (types.Point, error) {
	for attempt := 0; !fm.exhausted(attempt); attempt++ {
		p, ok := fm.randomPoint()
		if !ok {
			return types.Point{}, ErrUnplaceable
		}
		if fm.collisionMgr.ValidateSpawnPosition(p, b, snake) {
			return p, nil
		}
	}
	return types.Point{}, ErrUnplaceable
}
