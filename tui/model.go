// Package tui is a terminal dashboard for a training run.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"snake-dqn/game"
	"snake-dqn/game/board"
	"snake-dqn/training"
)

const recentEpisodes = 10

// Source is what the dashboard polls on every tick.
type Source interface {
	Snapshot() training.Snapshot
	Game() *game.Game
}

// EpisodeMsg is delivered for every finished episode.
type EpisodeMsg game.Episode

type TickMsg time.Time

type Model struct {
	source    Source
	episodes  <-chan game.Episode
	refresh   time.Duration
	startTime time.Time

	snapshot training.Snapshot
	display  game.Display
	recent   []string
}

// New returns a dashboard polling source every refresh. episodes may be nil.
func New(source Source, episodes <-chan game.Episode, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = 200 * time.Millisecond
	}
	return Model{
		source:    source,
		episodes:  episodes,
		refresh:   refresh,
		startTime: time.Now(),
	}
}

// Program wraps the model in a full-screen bubbletea program.
func Program(m Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEpisode(episodes <-chan game.Episode) tea.Cmd {
	if episodes == nil {
		return nil
	}
	return func() tea.Msg {
		ep, ok := <-episodes
		if !ok {
			return nil
		}
		return EpisodeMsg(ep)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEpisode(m.episodes), m.tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "t":
			g := m.source.Game()
			g.SetTurbo(!g.Turbo())
		}
	case TickMsg:
		m.snapshot = m.source.Snapshot()
		m.display = m.source.Game().Display()
		return m, m.tickCmd()
	case EpisodeMsg:
		line := fmt.Sprintf("Score %3d, frames %5d, %s",
			msg.Score, msg.FramesAlive, msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond))
		m.recent = append([]string{line}, m.recent...)
		if len(m.recent) > recentEpisodes {
			m.recent = m.recent[:recentEpisodes]
		}
		return m, waitForEpisode(m.episodes)
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	s := m.snapshot

	fmt.Fprintf(&b, "Games:        %d (high score %d)\n", s.Game.Games, s.Game.HighScore)
	fmt.Fprintf(&b, "Score:        %d now, %.2f recent average\n", m.display.Score, s.Game.Score)
	fmt.Fprintf(&b, "Frames alive: %.1f recent average\n", s.Game.FramesAlive)
	fmt.Fprintf(&b, "Epsilon:      %.4f\n", s.Epsilon)
	fmt.Fprintf(&b, "Buffer:       %d (stored %d of %d steps)\n", s.Buffer, s.Stored, s.Steps)
	fmt.Fprintf(&b, "Passes:       %d\n", s.Passes)
	if s.Archiving > 0 {
		fmt.Fprintf(&b, "Archiving:    %d\n", s.Archiving)
	}
	fmt.Fprintf(&b, "Turbo:        %t\n", m.source.Game().Turbo())
	fmt.Fprintf(&b, "Duration:     %s\n\n", time.Since(m.startTime).Round(time.Second))

	b.WriteString(renderBoard(m.display))

	b.WriteString("\nRecent Episodes:\n")
	for _, line := range m.recent {
		b.WriteString(line + "\n")
	}

	b.WriteString("\nPress t to toggle turbo, q to quit.\n")
	return b.String()
}

// renderBoard draws the board top row first, since y grows upwards.
func renderBoard(d game.Display) string {
	if d.Board == nil {
		return ""
	}
	food := d.Food
	img := d.Board.Image(d.Snake, &food)
	if img == nil {
		img = d.Board
	}

	var b strings.Builder
	for y := img.Height - 1; y >= 0; y-- {
		for x := 0; x < img.Width; x++ {
			// la testa si distingue dal corpo
			if len(d.Snake) > 0 && d.Snake[0].X == x && d.Snake[0].Y == y {
				b.WriteByte('@')
				continue
			}
			b.WriteByte(glyph(img.Cells[x][y]))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func glyph(k board.CellKind) byte {
	switch k {
	case board.WALL:
		return '#'
	case board.SNAKE:
		return 'o'
	case board.FOOD:
		return '*'
	default:
		return '.'
	}
}
