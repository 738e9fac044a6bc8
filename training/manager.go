package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"snake-dqn/archive"
	"snake-dqn/game"
	"snake-dqn/game/manager"
	"snake-dqn/qlearning"
	"snake-dqn/stats"
)

type Options struct {
	StatsInterval time.Duration
	StartRetries  int
	GameStatsFile string
	// OnEpisode is called from the loop after every crash. It must not block.
	OnEpisode func(game.Episode)
}

// Snapshot is the live view of a training run.
type Snapshot struct {
	Game      game.Stats    `json:"game"`
	History   stats.Summary `json:"history"`
	Epsilon   float64       `json:"epsilon"`
	Buffer    int           `json:"buffer"`
	Passes    int           `json:"passes"`
	Steps     int           `json:"steps"`
	Stored    int           `json:"stored"`
	Archiving int           `json:"archiving"`
	Running   bool          `json:"running"`
}

// Manager ties the environment to the brain: every delivered transition is
// shown to the brain, the chosen action is applied and the transition, now
// carrying its value vector, is saved for training.
type Manager struct {
	game     *game.Game
	brain    *qlearning.Brain
	memory   *qlearning.ReplayBuffer
	archiver *archive.Archiver
	history  *stats.History
	opts     Options
	logger   *slog.Logger

	mutex      sync.RWMutex
	isTraining bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	steps      int
	stored     int
}

// NewManager wires the loop. archiver and history may be nil.
func NewManager(g *game.Game, brain *qlearning.Brain, memory *qlearning.ReplayBuffer,
	archiver *archive.Archiver, history *stats.History, opts Options, logger *slog.Logger) *Manager {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}
	if opts.StartRetries <= 0 {
		opts.StartRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		game:     g,
		brain:    brain,
		memory:   memory,
		archiver: archiver,
		history:  history,
		opts:     opts,
		logger:   logger.With("component", "training"),
	}
}

// Run plays until ctx is cancelled or Stop is called, then shuts the
// environment, the archive and the brain down. The brain must be loaded.
func (m *Manager) Run(ctx context.Context) error {
	m.mutex.Lock()
	if m.isTraining {
		m.mutex.Unlock()
		return errors.New("training already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.isTraining = true
	m.cancel = cancel
	m.wg.Add(1)
	m.mutex.Unlock()

	defer m.wg.Done()
	defer cancel()

	if m.opts.GameStatsFile != "" {
		if err := m.game.LoadStats(m.opts.GameStatsFile); err != nil {
			m.logger.Warn("failed to load game stats", "error", err)
		}
	}

	m.logger.Info("starting game")
	err := m.loop(ctx)
	m.shutdown()

	m.mutex.Lock()
	m.isTraining = false
	m.mutex.Unlock()

	if errors.Is(err, context.Canceled) || errors.Is(err, game.ErrStopped) {
		return nil
	}
	return err
}

func (m *Manager) loop(ctx context.Context) error {
	pending, err := m.start(ctx)
	if err != nil {
		return err
	}

	m.reportStats()
	ticker := time.NewTicker(m.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.reportStats()
			continue
		case <-pending.Done():
		}

		tr, err := pending.Wait(ctx)
		if err != nil {
			return err
		}

		next := m.step(tr, pending.Ended())

		if pending.Ended() {
			if ep, ok := pending.Episode(); ok {
				if m.history != nil {
					m.history.AddGame(ep.Score, ep.FramesAlive, ep.StartTime, ep.EndTime)
				}
				if m.opts.OnEpisode != nil {
					m.opts.OnEpisode(ep)
				}
			}
			next, err = pending.Restart()
			if errors.Is(err, manager.ErrUnplaceable) {
				m.logger.Warn("restart failed, retrying", "error", err)
				next, err = m.start(ctx)
			}
			if err != nil {
				return err
			}
		}
		if next == nil {
			return fmt.Errorf("no action for step %d", m.steps)
		}
		pending = next
	}
}

// step asks the brain for an action, applies it and stores the transition.
// No action is applied once the episode has ended.
func (m *Manager) step(tr *qlearning.Transition, ended bool) *game.Pending {
	d := m.brain.ThinkAction(tr)

	var next *game.Pending
	if d.Action != nil && !ended {
		next = m.game.ApplyAction(*d.Action)
	}

	tr.Q = d.Q
	stored := m.memory.Save(tr)
	if stored && m.archiver != nil {
		m.archiver.Save(tr)
	}

	m.mutex.Lock()
	m.steps++
	if stored {
		m.stored++
	}
	m.mutex.Unlock()
	return next
}

// start begins an episode, retrying when placement gives up.
func (m *Manager) start(ctx context.Context) (*game.Pending, error) {
	var err error
	for attempt := 0; attempt < m.opts.StartRetries; attempt++ {
		var p *game.Pending
		if p, err = m.game.Start(); err == nil {
			return p, nil
		}
		if !errors.Is(err, manager.ErrUnplaceable) {
			return nil, err
		}
		m.logger.Warn("failed to start episode", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("failed to start episode after %d attempts: %w", m.opts.StartRetries, err)
}

func (m *Manager) reportStats() {
	s := m.game.GetGameStats()
	m.logger.Info("game stats",
		"score", s.Score,
		"frames_alive", s.FramesAlive,
		"games", s.Games,
		"high_score", s.HighScore,
		"epsilon", m.brain.Epsilon(),
		"buffer", m.memory.Len(),
	)
	if m.history != nil {
		if err := m.history.SaveToFile(); err != nil {
			m.logger.Warn("failed to save stats history", "error", err)
		}
	}
}

func (m *Manager) shutdown() {
	m.logger.Info("stopping game")
	m.game.Stop()

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.archiver.Stop(ctx); err != nil {
			m.logger.Warn("archive flush failed", "error", err)
		}
		cancel()
	}

	m.brain.Stop()

	if m.opts.GameStatsFile != "" {
		if err := m.game.SaveStats(m.opts.GameStatsFile); err != nil {
			m.logger.Warn("failed to save game stats", "error", err)
		}
	}
	if m.history != nil {
		if err := m.history.SaveToFile(); err != nil {
			m.logger.Warn("failed to save stats history", "error", err)
		}
	}
}

// Stop cancels Run and waits for the shutdown to finish.
func (m *Manager) Stop() {
	m.mutex.RLock()
	cancel := m.cancel
	running := m.isTraining
	m.mutex.RUnlock()
	if !running || cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) Running() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isTraining
}

func (m *Manager) Snapshot() Snapshot {
	m.mutex.RLock()
	steps, stored, running := m.steps, m.stored, m.isTraining
	m.mutex.RUnlock()

	s := Snapshot{
		Game:    m.game.GetGameStats(),
		Epsilon: m.brain.Epsilon(),
		Buffer:  m.memory.Len(),
		Passes:  m.brain.Passes(),
		Steps:   steps,
		Stored:  stored,
		Running: running,
	}
	if m.history != nil {
		s.History = m.history.Summary()
	}
	if m.archiver != nil {
		s.Archiving = m.archiver.Pending()
	}
	return s
}

// Game, Brain, Memory and History expose the collaborators to the API and renderers.
func (m *Manager) Game() *game.Game                { return m.game }
func (m *Manager) Brain() *qlearning.Brain         { return m.brain }
func (m *Manager) Memory() *qlearning.ReplayBuffer { return m.memory }
func (m *Manager) History() *stats.History         { return m.history }
