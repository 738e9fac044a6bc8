package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/exp/rand"

	"snake-dqn/ai"
	"snake-dqn/game/board"
	"snake-dqn/game/entity"
	"snake-dqn/game/manager"
	"snake-dqn/game/types"
	"snake-dqn/qlearning"
)

func newTestGame(t *testing.T, variant board.Variant) *Game {
	t.Helper()
	g := New(Options{
		Variant:              variant,
		Width:                10,
		Height:               10,
		InitialLength:        3,
		MaxPlacementAttempts: 10000,
		Turbo:                true,
		TurboRefresh:         time.Microsecond,
		NormalRefresh:        time.Hour,
		Seed:                 42,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(g.Stop)
	return g
}

func wait(t *testing.T, p *Pending) *qlearning.Transition {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return tr
}

// startWith starts an episode and then replaces the snake and food.
func startWith(t *testing.T, g *Game, body []types.Point, food types.Point) {
	t.Helper()
	p, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(t, p)

	g.mu.Lock()
	g.snake = entity.NewSnake(body)
	g.food = food
	g.mu.Unlock()
}

func TestStart_FirstFrame(t *testing.T) {
	g := newTestGame(t, board.Bordered)

	p, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr := wait(t, p)

	if tr.LastAction != nil || tr.NextBoard != nil || tr.SnakePos != nil || tr.FoodPos != nil {
		t.Fatalf("first frame should only carry the current board: %+v", tr)
	}
	if tr.Trainable() {
		t.Fatal("first frame must not be trainable")
	}
	if got := tr.CurrentBoard.Count(board.SNAKE); got != 3 {
		t.Fatalf("current board has %d snake cells, want 3", got)
	}
	if got := tr.CurrentBoard.Count(board.FOOD); got != 1 {
		t.Fatalf("current board has %d food cells, want 1", got)
	}

	d := g.Display()
	if d.Games != 1 || d.Score != 0 || len(d.Snake) != 3 {
		t.Fatalf("unexpected display %+v", d)
	}
}

func TestApplyAction_MoveRight(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	startWith(t, g, []types.Point{{X: 5, Y: 5}, {X: 4, Y: 5}, {X: 3, Y: 5}}, types.Point{X: 7, Y: 7})

	tr := wait(t, g.ApplyAction(ai.Right))

	if tr.WillCrash || tr.WillEat {
		t.Fatalf("crash=%v eat=%v, want neither", tr.WillCrash, tr.WillEat)
	}
	want := []types.Point{{X: 6, Y: 5}, {X: 5, Y: 5}, {X: 4, Y: 5}}
	got := g.Display().Snake
	if len(got) != len(want) {
		t.Fatalf("snake = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snake = %v, want %v", got, want)
		}
	}

	if *tr.LastAction != ai.Right || *tr.SnakePos != (types.Point{X: 6, Y: 5}) || *tr.FoodPos != (types.Point{X: 7, Y: 7}) {
		t.Fatalf("unexpected transition metadata %+v", tr)
	}
	if tr.CurrentBoard.At(types.Point{X: 3, Y: 5}) != board.SNAKE || tr.CurrentBoard.At(types.Point{X: 6, Y: 5}) != board.EMPTY {
		t.Fatal("current board should hold the pre-move snake")
	}
	if tr.NextBoard.At(types.Point{X: 3, Y: 5}) != board.EMPTY || tr.NextBoard.At(types.Point{X: 6, Y: 5}) != board.SNAKE {
		t.Fatal("next board should hold the post-move snake")
	}
	if tr.NextBoard.At(types.Point{X: 7, Y: 7}) != board.FOOD {
		t.Fatal("food missing from next board")
	}
}

func TestApplyAction_ImagesAreSnapshots(t *testing.T) {
	g := newTestGame(t, board.Empty)
	startWith(t, g, []types.Point{{X: 5, Y: 5}, {X: 4, Y: 5}, {X: 3, Y: 5}}, types.Point{X: 7, Y: 7})

	first := wait(t, g.ApplyAction(ai.Up))
	before := first.NextBoard.Clone()
	wait(t, g.ApplyAction(ai.Up))

	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			p := types.Point{X: x, Y: y}
			if first.NextBoard.At(p) != before.At(p) {
				t.Fatalf("stored image changed at %v", p)
			}
		}
	}
	if g.board.Count(board.SNAKE) != 0 {
		t.Fatal("canonical board must never hold snake cells")
	}
}

func TestApplyAction_WrapsAround(t *testing.T) {
	g := newTestGame(t, board.Empty)
	startWith(t, g, []types.Point{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 1}}, types.Point{X: 5, Y: 5})

	tr := wait(t, g.ApplyAction(ai.Left))
	if tr.WillCrash {
		t.Fatal("wrapping on an EMPTY board must not crash")
	}
	if *tr.SnakePos != (types.Point{X: 9, Y: 1}) {
		t.Fatalf("head = %v, want (9,1)", *tr.SnakePos)
	}
}

func TestApplyAction_InvalidIgnored(t *testing.T) {
	var displays atomic.Int32
	g := newTestGame(t, board.Bordered)
	g.opts.OnDisplay = func(Display) { displays.Add(1) }
	startWith(t, g, []types.Point{{X: 5, Y: 5}, {X: 4, Y: 5}, {X: 3, Y: 5}}, types.Point{X: 7, Y: 7})
	seen := displays.Load()

	for _, a := range []ai.Action{-1, 4, 99} {
		if p := g.ApplyAction(a); p != nil {
			t.Fatalf("ApplyAction(%d) returned a pending step", a)
		}
	}
	if displays.Load() != seen {
		t.Fatal("invalid action notified the display")
	}
	if head := g.Display().Snake[0]; head != (types.Point{X: 5, Y: 5}) {
		t.Fatalf("head moved to %v", head)
	}
}

func TestApplyAction_EatGrows(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	startWith(t, g, []types.Point{{X: 5, Y: 5}, {X: 4, Y: 5}, {X: 3, Y: 5}}, types.Point{X: 6, Y: 5})

	tr := wait(t, g.ApplyAction(ai.Right))
	if !tr.WillEat || tr.WillCrash {
		t.Fatalf("eat=%v crash=%v, want eat only", tr.WillEat, tr.WillCrash)
	}

	d := g.Display()
	if len(d.Snake) != 4 || d.Snake[3] != (types.Point{X: 3, Y: 5}) {
		t.Fatalf("snake should grow and keep its tail: %v", d.Snake)
	}
	if d.Score != 1 || d.HighScore != 1 {
		t.Fatalf("score %d high %d, want 1 1", d.Score, d.HighScore)
	}
	for _, c := range d.Snake {
		if c == d.Food {
			t.Fatalf("food %v placed on the snake", d.Food)
		}
	}
	if d.Board.At(d.Food) != board.EMPTY {
		t.Fatalf("food %v placed on a wall", d.Food)
	}
	if *tr.FoodPos != d.Food {
		t.Fatal("transition should carry the relocated food")
	}
}

func TestApplyAction_CrashRestarts(t *testing.T) {
	var order []string
	g := newTestGame(t, board.Bordered)
	startWith(t, g, []types.Point{{X: 1, Y: 5}, {X: 2, Y: 5}, {X: 3, Y: 5}}, types.Point{X: 7, Y: 7})

	p := g.ApplyAction(ai.Left)
	if !p.Crashed() {
		t.Fatal("moving into the wall should crash")
	}
	tr := wait(t, p)
	order = append(order, "crash")
	if !tr.WillCrash || tr.Trainable() {
		t.Fatalf("crash transition %+v", tr)
	}

	next, err := p.Restart()
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	first := wait(t, next)
	order = append(order, "start")
	if first.NextBoard != nil {
		t.Fatal("restart should deliver a first frame")
	}
	if order[0] != "crash" || order[1] != "start" {
		t.Fatalf("order = %v", order)
	}

	stats := g.GetGameStats()
	if stats.Games != 2 {
		t.Fatalf("games = %d, want 2", stats.Games)
	}
	if g.Display().Score != 0 {
		t.Fatal("score not reset on restart")
	}
}

func TestApplyAction_NoRoomForFoodEndsEpisode(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	body := []types.Point{{X: 5, Y: 5}, {X: 4, Y: 5}, {X: 3, Y: 5}}
	food := types.Point{X: 6, Y: 5}
	startWith(t, g, body, food)

	// wall off every cell the snake does not reach
	g.mu.Lock()
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			p := types.Point{X: x, Y: y}
			if p == food || g.snake.Contains(p) {
				g.board.Set(p, board.EMPTY)
				continue
			}
			g.board.Set(p, board.WALL)
		}
	}
	g.mu.Unlock()

	p := g.ApplyAction(ai.Right)
	if p.Crashed() {
		t.Fatal("eating the last free cell is not a crash")
	}
	if !p.Ended() {
		t.Fatal("step should end the episode")
	}
	ep, ok := p.Episode()
	if !ok || ep.Score != 1 || ep.FramesAlive != 1 {
		t.Fatalf("episode = %+v, %v", ep, ok)
	}

	tr := wait(t, p)
	if tr.WillCrash || !tr.WillEat {
		t.Fatalf("flags changed: crash=%v eat=%v", tr.WillCrash, tr.WillEat)
	}
	if tr.NextBoard == nil || tr.LastAction == nil {
		t.Fatalf("step should carry a next board and its action: %+v", tr)
	}

	next, err := p.Restart()
	if next != nil || !errors.Is(err, manager.ErrUnplaceable) {
		t.Fatalf("Restart() = %v, %v; want ErrUnplaceable", next, err)
	}

	blocked := g.ApplyAction(ai.Up)
	if _, err := blocked.Wait(context.Background()); !errors.Is(err, ErrEpisodeOver) {
		t.Fatalf("step after the episode ended: %v", err)
	}
	if got := g.GetGameStats().Games; got != 1 {
		t.Fatalf("games = %d, no episode should start on its own", got)
	}

	first, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(t, first)
	if moved := g.ApplyAction(ai.Up); moved == nil {
		t.Fatal("steps should be accepted again after Start")
	} else if _, err := moved.Wait(context.Background()); errors.Is(err, ErrEpisodeOver) {
		t.Fatal("Start should clear the ended episode")
	}
}

func TestApplyAction_SelfCollision(t *testing.T) {
	tests := []struct {
		name string
		body []types.Point
	}{
		{"body", []types.Point{{X: 5, Y: 5}, {X: 5, Y: 6}, {X: 4, Y: 6}, {X: 4, Y: 5}, {X: 4, Y: 4}}},
		{"tail", []types.Point{{X: 5, Y: 5}, {X: 5, Y: 6}, {X: 4, Y: 6}, {X: 4, Y: 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGame(t, board.Empty)
			startWith(t, g, tt.body, types.Point{X: 8, Y: 8})

			tr := wait(t, g.ApplyAction(ai.Left))
			if !tr.WillCrash {
				t.Fatal("moving onto the pre-move snake must crash")
			}
		})
	}
}

func TestStop_CancelsPendingStep(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	g.SetTurbo(false)

	p, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if busy := g.ApplyAction(ai.Up); busy == nil {
		t.Fatal("expected a resolved pending")
	} else if _, err := busy.Wait(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	g.Stop()
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	after := g.ApplyAction(ai.Up)
	if _, err := after.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped after Stop", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	g.SetTurbo(false)

	p, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRandomPlay_KeepsInvariants(t *testing.T) {
	g := newTestGame(t, board.Bordered)
	rng := rand.New(rand.NewSource(9))

	p, err := g.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(t, p)

	for step := 0; step < 300; step++ {
		p := g.ApplyAction(ai.RandomAction(rng))
		tr := wait(t, p)
		if tr.WillCrash {
			next, err := p.Restart()
			if err != nil {
				t.Fatalf("Restart: %v", err)
			}
			wait(t, next)
			continue
		}

		d := g.Display()
		seen := map[types.Point]bool{}
		for _, c := range d.Snake {
			if seen[c] {
				t.Fatalf("step %d: duplicate cell %v in %v", step, c, d.Snake)
			}
			seen[c] = true
			if !d.Board.InBounds(c) {
				t.Fatalf("step %d: cell %v out of bounds", step, c)
			}
		}
		if seen[d.Food] || d.Board.At(d.Food) != board.EMPTY {
			t.Fatalf("step %d: food %v on snake or wall", step, d.Food)
		}
	}
}
