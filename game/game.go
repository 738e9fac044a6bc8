package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"snake-dqn/ai"
	"snake-dqn/game/board"
	"snake-dqn/game/entity"
	"snake-dqn/game/manager"
	"snake-dqn/game/types"
	"snake-dqn/qlearning"
)

const (
	TurboRefresh  = 1 * time.Millisecond
	NormalRefresh = 300 * time.Millisecond
)

// ErrStopped resolves steps cancelled by Stop.
var ErrStopped = errors.New("game stopped")

// ErrBusy is returned when a step is requested while another is still pending.
var ErrBusy = errors.New("previous step still pending")

// ErrEpisodeOver is returned for steps requested after the episode ended
// without a crash and before the next Start.
var ErrEpisodeOver = errors.New("episode is over")

type Options struct {
	Variant              board.Variant
	Width                int
	Height               int
	InitialLength        int
	MaxPlacementAttempts int
	Turbo                bool
	TurboRefresh         time.Duration
	NormalRefresh        time.Duration
	Seed                 uint64
	OnDisplay            func(Display)
	Logger               *slog.Logger
}

// Display is the snapshot pushed to renderers after every start and step.
type Display struct {
	GameID    string        `json:"gameId"`
	Board     *board.Board  `json:"board"`
	Snake     []types.Point `json:"snake"`
	Food      types.Point   `json:"food"`
	Games     int           `json:"games"`
	Score     int           `json:"score"`
	HighScore int           `json:"highScore"`
}

// Stats is the running average over the last episodes plus lifetime counters.
type Stats = manager.Summary

// Episode describes a finished episode.
type Episode struct {
	Score       int       `json:"score"`
	FramesAlive int       `json:"framesAlive"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

// Game is the environment. Every state change happens synchronously inside
// Start or ApplyAction; the resulting transition is delivered through a
// Pending once the frame delay has elapsed.
type Game struct {
	ID     string
	opts   Options
	logger *slog.Logger
	grid   types.Grid

	collisionMgr *manager.CollisionManager
	foodMgr      *manager.FoodManager
	stateMgr     *manager.StateManager

	mu      sync.Mutex
	board   *board.Board
	snake   *entity.Snake
	food    types.Point
	started time.Time
	turbo   bool
	stopped bool
	over    bool
	timer   *time.Timer
	pending *Pending
}

func New(opts Options) *Game {
	if opts.TurboRefresh <= 0 {
		opts.TurboRefresh = TurboRefresh
	}
	if opts.NormalRefresh <= 0 {
		opts.NormalRefresh = NormalRefresh
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.New().String()
	grid := types.Grid{Width: opts.Width, Height: opts.Height}
	collisionMgr := manager.NewCollisionManager(grid)
	rng := rand.New(rand.NewSource(opts.Seed))

	return &Game{
		ID:           id,
		opts:         opts,
		logger:       opts.Logger.With("component", "game", "game_id", id),
		grid:         grid,
		collisionMgr: collisionMgr,
		foodMgr:      manager.NewFoodManager(grid, collisionMgr, rng, opts.InitialLength, opts.MaxPlacementAttempts),
		stateMgr:     manager.NewStateManager(),
		turbo:        opts.Turbo,
	}
}

// Start builds a fresh board, snake and food and counts a new episode.
// The returned Pending resolves with the first frame, which has no next board.
func (g *Game) Start() (*Pending, error) {
	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()
	return g.start()
}

func (g *Game) start() (*Pending, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil, ErrStopped
	}
	g.cancelLocked()

	b := board.Factory(g.opts.Variant, g.opts.Width, g.opts.Height)
	snake, err := g.foodMgr.SpawnSnake(b)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	food, err := g.foodMgr.PlaceFood(b, snake)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	g.board = b
	g.snake = snake
	g.food = food
	g.over = false
	g.started = time.Now()
	g.stateMgr.NewEpisode()

	tr := &qlearning.Transition{
		CurrentBoard: b.Image(snake.Cells(), &food),
	}
	p := g.scheduleLocked(tr, nil)
	display := g.displayLocked()
	g.mu.Unlock()

	g.logger.Debug("episode started", "games", display.Games, "head", snake.GetHead(), "food", food)
	g.notifyDisplay(display)
	return p, nil
}

// ApplyAction advances the world by one step. Invalid actions are ignored
// and yield a nil Pending.
func (g *Game) ApplyAction(action ai.Action) *Pending {
	if !action.Valid() {
		return nil
	}

	g.mu.Lock()
	if g.stopped || g.snake == nil {
		g.mu.Unlock()
		return resolved(nil, ErrStopped)
	}
	if g.pending != nil {
		g.mu.Unlock()
		return resolved(nil, ErrBusy)
	}
	if g.over {
		g.mu.Unlock()
		return resolved(nil, ErrEpisodeOver)
	}

	oldSnake := g.snake.Clone()
	oldFood := g.food

	newHead := g.collisionMgr.NextHead(g.snake.GetHead(), action.Delta())
	willCrash := g.collisionMgr.WillCrash(newHead, g.board, g.snake)
	willEat := g.collisionMgr.WillEat(newHead, g.food)

	g.snake.Move(newHead, willEat)

	// exhausted is set when the snake ate but no cell is left for the next
	// food. The step itself is not a crash.
	var exhausted error
	if willCrash {
		g.stateMgr.RecordCrash()
	} else {
		if willEat {
			g.stateMgr.Eat()
			food, err := g.foodMgr.PlaceFood(g.board, g.snake)
			if err != nil {
				g.logger.Warn("food could not be placed, ending episode", "error", err)
				exhausted = fmt.Errorf("place food: %w", err)
			} else {
				g.food = food
			}
		}
		g.stateMgr.Tick()
		if exhausted != nil {
			g.stateMgr.RecordCrash()
			g.over = true
		}
	}

	var episode *Episode
	if willCrash || exhausted != nil {
		episode = &Episode{
			Score:       g.stateMgr.GetScore(),
			FramesAlive: g.stateMgr.GetFramesAlive(),
			StartTime:   g.started,
			EndTime:     time.Now(),
		}
	}

	head := newHead
	food := g.food
	tr := &qlearning.Transition{
		LastAction:   &action,
		CurrentBoard: g.board.Image(oldSnake.Cells(), &oldFood),
		NextBoard:    g.board.Image(g.snake.Cells(), &food),
		WillCrash:    willCrash,
		WillEat:      willEat,
		SnakePos:     &head,
		FoodPos:      &food,
	}
	p := g.scheduleLocked(tr, episode)
	p.exhausted = exhausted
	display := g.displayLocked()
	g.mu.Unlock()

	g.notifyDisplay(display)
	return p
}

func (g *Game) delayLocked() time.Duration {
	if g.turbo {
		return g.opts.TurboRefresh
	}
	return g.opts.NormalRefresh
}

func (g *Game) scheduleLocked(tr *qlearning.Transition, episode *Episode) *Pending {
	p := newPending(tr, episode)
	g.pending = p
	g.timer = time.AfterFunc(g.delayLocked(), func() { g.fire(p) })
	return p
}

// fire delivers the transition and, after a crash, starts the next episode.
// An episode that ended because food could not be placed is not restarted
// here; its Restart reports the placement error instead.
func (g *Game) fire(p *Pending) {
	g.mu.Lock()
	if g.pending != p {
		g.mu.Unlock()
		return
	}
	g.pending = nil
	g.timer = nil
	g.mu.Unlock()

	p.resolve(nil)

	if p.exhausted != nil {
		p.restarted(nil, p.exhausted)
		return
	}
	if !p.crash {
		return
	}
	next, err := g.start()
	if err != nil && !errors.Is(err, ErrStopped) {
		g.logger.Error("failed to restart episode", "error", err)
	}
	p.restarted(next, err)
}

// cancelLocked drops the outstanding step, if any.
func (g *Game) cancelLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.pending != nil {
		p := g.pending
		g.pending = nil
		p.resolve(ErrStopped)
		p.restarted(nil, ErrStopped)
	}
}

// Stop cancels the frame timer. A pending step resolves with ErrStopped and
// no further episode is started until Start is called again.
func (g *Game) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.cancelLocked()
}

// SetTurbo switches between the turbo and the human-watchable frame delay.
// It applies from the next step on.
func (g *Game) SetTurbo(on bool) {
	g.mu.Lock()
	g.turbo = on
	g.mu.Unlock()
}

func (g *Game) Turbo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turbo
}

func (g *Game) GetGameStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateMgr.Summary()
}

// Display returns the current snapshot, or the zero value before Start.
func (g *Game) Display() Display {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.board == nil {
		return Display{GameID: g.ID}
	}
	return g.displayLocked()
}

func (g *Game) displayLocked() Display {
	return Display{
		GameID:    g.ID,
		Board:     g.board,
		Snake:     g.snake.Cells(),
		Food:      g.food,
		Games:     g.stateMgr.GetGames(),
		Score:     g.stateMgr.GetScore(),
		HighScore: g.stateMgr.GetHighScore(),
	}
}

func (g *Game) notifyDisplay(d Display) {
	if g.opts.OnDisplay != nil {
		g.opts.OnDisplay(d)
	}
}

func (g *Game) SaveStats(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateMgr.SaveStats(path)
}

func (g *Game) LoadStats(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateMgr.LoadStats(path)
}

// Pending is a step whose transition is delivered after the frame delay.
type Pending struct {
	tr        *qlearning.Transition
	crash     bool
	exhausted error
	episode   *Episode

	done    chan struct{}
	err     error
	doneOne sync.Once

	restart    chan struct{}
	next       *Pending
	restartErr error
	restartOne sync.Once
}

func newPending(tr *qlearning.Transition, episode *Episode) *Pending {
	return &Pending{
		tr:      tr,
		crash:   tr != nil && tr.WillCrash,
		episode: episode,
		done:    make(chan struct{}),
		restart: make(chan struct{}),
	}
}

func resolved(tr *qlearning.Transition, err error) *Pending {
	p := newPending(tr, nil)
	p.resolve(err)
	p.restarted(nil, err)
	return p
}

func (p *Pending) resolve(err error) {
	p.doneOne.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Pending) restarted(next *Pending, err error) {
	p.restartOne.Do(func() {
		p.next = next
		p.restartErr = err
		close(p.restart)
	})
}

// Wait blocks until the transition is delivered, the game stops or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*qlearning.Transition, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.tr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the transition is delivered or cancelled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Crashed reports whether the snake crashed on this step.
func (p *Pending) Crashed() bool {
	return p.crash
}

// Ended reports whether this step ended the episode, either by a crash or
// because the board had no room left for food.
func (p *Pending) Ended() bool {
	return p.episode != nil
}

// Episode returns the summary of the episode this step ended.
func (p *Pending) Episode() (Episode, bool) {
	if p.episode == nil {
		return Episode{}, false
	}
	return *p.episode, true
}

// Restart returns the first frame of the episode started automatically
// after a crash. It blocks until that start has happened and returns nil
// for steps that did not end the episode. When food could not be placed
// no episode is started and the error wraps manager.ErrUnplaceable.
func (p *Pending) Restart() (*Pending, error) {
	if !p.Ended() {
		return nil, nil
	}
	<-p.restart
	return p.next, p.restartErr
}
