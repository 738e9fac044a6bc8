package ui

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rl "github.com/gen2brain/raylib-go/raylib"
	"gonum.org/v1/gonum/floats"

	"snake-dqn/ai"
	"snake-dqn/game"
	"snake-dqn/game/board"
	"snake-dqn/game/types"
	"snake-dqn/qlearning"
	"snake-dqn/training"
)

const (
	maxScores     = 200 // Maximum number of scores to show in graph
	borderPadding = 10  // Reduced padding around game area
	mapsPerRow    = 8
)

// Source is what the window reads on every frame.
type Source interface {
	Snapshot() training.Snapshot
	Game() *game.Game
	Brain() *qlearning.Brain
}

type Renderer struct {
	source Source

	cellSize        int32
	screenWidth     int32
	screenHeight    int32
	graphHeight     int32
	graphWidth      int32
	gameWidth       int32
	gameHeight      int32
	statsPanel      int32
	totalGridWidth  int32
	totalGridHeight int32
	offsetX         int32
	offsetY         int32

	mu        sync.Mutex
	scores    []int
	startTime time.Time
}

func NewRenderer(source Source) *Renderer {
	return &Renderer{source: source, startTime: time.Now()}
}

// AddScore appends a finished episode to the performance graph. Safe to call
// from the training loop.
func (r *Renderer) AddScore(score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, score)
	if len(r.scores) > maxScores {
		r.scores = r.scores[len(r.scores)-maxScores:]
	}
}

// Run opens the window and draws until it is closed or ctx is done.
// raylib must be driven from the goroutine that opened the window.
func (r *Renderer) Run(ctx context.Context, title string) {
	rl.SetConfigFlags(rl.FlagWindowResizable)
	rl.InitWindow(1280, 800, title)
	defer rl.CloseWindow()
	rl.SetTargetFPS(60)

	for !rl.WindowShouldClose() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if rl.IsKeyPressed(rl.KeyT) {
			g := r.source.Game()
			g.SetTurbo(!g.Turbo())
		}
		if rl.IsKeyPressed(rl.KeyA) {
			b := r.source.Brain()
			b.SetGenerateActivations(!b.GenerateActivations())
		}
		r.Draw()
	}
}

func (r *Renderer) UpdateDimensions() {
	r.screenWidth = int32(rl.GetScreenWidth())
	r.screenHeight = int32(rl.GetScreenHeight())

	// pannello statistiche a destra, mappe di attivazione sotto
	r.statsPanel = r.screenWidth / 4
	r.gameWidth = r.screenWidth - r.statsPanel
	r.gameHeight = r.screenHeight * 3 / 5

	r.graphWidth = r.statsPanel - 20
	r.graphHeight = r.screenHeight / 5
}

func (r *Renderer) Draw() {
	r.UpdateDimensions()
	rl.BeginDrawing()
	rl.ClearBackground(rl.Black)

	fontSize := min(r.screenHeight/45, r.statsPanel/15)
	lineHeight := min(r.screenHeight/35, r.statsPanel/12)

	d := r.source.Game().Display()
	if d.Board != nil {
		r.drawBoard(d)
	}
	r.drawActivations(r.source.Brain().Diagnostics(), fontSize)
	r.drawStatsPanel(d, r.source.Snapshot(), fontSize, lineHeight)
	rl.EndDrawing()
}

func (r *Renderer) drawBoard(d game.Display) {
	availableWidth := r.gameWidth - (borderPadding * 2)
	availableHeight := r.gameHeight - (borderPadding * 2)

	r.cellSize = min(availableWidth/int32(d.Board.Width), availableHeight/int32(d.Board.Height))
	r.totalGridWidth = r.cellSize * int32(d.Board.Width)
	r.totalGridHeight = r.cellSize * int32(d.Board.Height)
	r.offsetX = (r.gameWidth - r.totalGridWidth) / 2
	r.offsetY = borderPadding

	rl.DrawRectangle(r.offsetX-1, r.offsetY-1, r.totalGridWidth+2, r.totalGridHeight+2, rl.DarkGray)

	for x := 0; x < d.Board.Width; x++ {
		for y := 0; y < d.Board.Height; y++ {
			cx, cy := r.cellOrigin(types.Point{X: x, Y: y}, d.Board.Height)
			if d.Board.Cells[x][y] == board.WALL {
				rl.DrawRectangle(cx, cy, r.cellSize, r.cellSize, rl.Gray)
			}
			rl.DrawRectangleLines(cx, cy, r.cellSize, r.cellSize, rl.Color{R: 40, G: 40, B: 40, A: 255})
		}
	}

	for i := len(d.Snake) - 1; i >= 0; i-- {
		color := rl.Green
		if i == 0 {
			color = rl.Lime
		}
		cx, cy := r.cellOrigin(d.Snake[i], d.Board.Height)
		rl.DrawRectangle(cx, cy, r.cellSize, r.cellSize, color)
	}

	fx, fy := r.cellOrigin(d.Food, d.Board.Height)
	rl.DrawRectangle(fx, fy, r.cellSize, r.cellSize, rl.Red)
}

// cellOrigin maps a board cell to screen coordinates. Board y grows upwards.
func (r *Renderer) cellOrigin(p types.Point, height int) (int32, int32) {
	return r.offsetX + int32(p.X)*r.cellSize,
		r.offsetY + int32(height-1-p.Y)*r.cellSize
}

// drawActivations draws every channel of every convolution layer as a
// greyscale tile, one row block per layer.
func (r *Renderer) drawActivations(diag qlearning.Diagnostics, fontSize int32) {
	top := r.gameHeight + borderPadding
	x0 := int32(borderPadding)

	if len(diag.ActivationMaps) == 0 {
		rl.DrawText("Activations off (press A)", x0, top, fontSize, rl.Gray)
		return
	}

	layers := make([]string, 0, len(diag.ActivationMaps))
	for name := range diag.ActivationMaps {
		layers = append(layers, name)
	}
	sort.Strings(layers)

	blockWidth := (r.gameWidth - 2*borderPadding) / int32(len(layers))
	for li, name := range layers {
		maps := diag.ActivationMaps[name]
		bx := x0 + int32(li)*blockWidth
		rl.DrawText(name, bx, top, fontSize, rl.White)

		tile := (blockWidth - 4*mapsPerRow) / mapsPerRow
		for ci, m := range maps {
			tx := bx + int32(ci%mapsPerRow)*(tile+4)
			ty := top + fontSize + 4 + int32(ci/mapsPerRow)*(tile+4)
			drawHeatmap(m, tx, ty, tile)
		}
	}
}

func drawHeatmap(m qlearning.ActivationMap, x, y, size int32) {
	rows, cols := m.Shape[0], m.Shape[1]
	if rows == 0 || cols == 0 || len(m.Map) < rows*cols {
		return
	}
	px := max(size/int32(max(rows, cols)), 1)
	hi := floats.Max(m.Map)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := grey(m.Map[i*cols+j], hi)
			rl.DrawRectangle(x+int32(j)*px, y+int32(i)*px, px, px, rl.Color{R: v, G: v, B: v, A: 255})
		}
	}
}

// grey scales v into a byte relative to the channel maximum.
func grey(v, hi float64) uint8 {
	if hi <= 0 || v <= 0 {
		return 0
	}
	if v >= hi {
		return 255
	}
	return uint8(255 * v / hi)
}

func (r *Renderer) drawStatsPanel(d game.Display, s training.Snapshot, fontSize, lineHeight int32) {
	statsX := r.gameWidth + 5
	statsY := int32(10)

	rl.DrawRectangle(statsX-5, 0, r.statsPanel+5, r.screenHeight, rl.DarkGray)

	lines := []string{
		fmt.Sprintf("Score: %d", d.Score),
		fmt.Sprintf("High score: %d", d.HighScore),
		fmt.Sprintf("Games: %d", d.Games),
		fmt.Sprintf("Avg score: %.2f", s.Game.Score),
		fmt.Sprintf("Avg frames: %.1f", s.Game.FramesAlive),
		fmt.Sprintf("Epsilon: %.4f", s.Epsilon),
		fmt.Sprintf("Buffer: %d", s.Buffer),
		fmt.Sprintf("Passes: %d", s.Passes),
		fmt.Sprintf("Turbo: %t (T)", r.source.Game().Turbo()),
	}
	for _, line := range lines {
		rl.DrawText(line, statsX, statsY, fontSize, rl.White)
		statsY += lineHeight
	}

	statsY += lineHeight / 2
	rl.DrawText("Q values:", statsX, statsY, fontSize, rl.White)
	statsY += lineHeight
	q := r.source.Brain().Diagnostics().QTable
	for i, v := range q {
		rl.DrawText(fmt.Sprintf("%-5s %8.4f", ai.Action(i), v), statsX+10, statsY, fontSize, rl.LightGray)
		statsY += lineHeight
	}

	r.drawPerformanceGraph(statsX, fontSize)
}

func (r *Renderer) drawPerformanceGraph(statsX, fontSize int32) {
	r.mu.Lock()
	scores := append([]int(nil), r.scores...)
	r.mu.Unlock()

	graphX := statsX
	graphHeight := r.graphHeight
	graphY := r.screenHeight - graphHeight - fontSize*2

	rl.DrawRectangleLines(graphX, graphY, r.graphWidth, graphHeight, rl.White)
	rl.DrawText("Performance", graphX, graphY-fontSize-5, fontSize, rl.White)

	duration := time.Since(r.startTime)
	timeText := fmt.Sprintf("%02d:%02d:%02d", int(duration.Hours()), int(duration.Minutes())%60, int(duration.Seconds())%60)
	rl.DrawText(timeText, graphX, r.screenHeight-fontSize-5, fontSize, rl.White)

	if len(scores) < 2 {
		return
	}
	maxScore := 1
	total := 0
	for _, score := range scores {
		maxScore = max(maxScore, score)
		total += score
	}

	for j := 1; j < len(scores); j++ {
		x1 := graphX + int32(float32(r.graphWidth)*float32(j-1)/float32(maxScores))
		y1 := graphY + graphHeight - int32(float32(graphHeight)*float32(scores[j-1])/float32(maxScore))
		x2 := graphX + int32(float32(r.graphWidth)*float32(j)/float32(maxScores))
		y2 := graphY + graphHeight - int32(float32(graphHeight)*float32(scores[j])/float32(maxScore))
		rl.DrawLine(x1, y1, x2, y2, rl.Green)
	}

	// Draw average score line (dashed)
	avg := float32(total) / float32(len(scores))
	avgY := graphY + graphHeight - int32(float32(graphHeight)*avg/float32(maxScore))
	for x := graphX; x < graphX+r.graphWidth; x += 5 {
		rl.DrawLine(x, avgY, x+2, avgY, rl.Yellow)
	}
}
