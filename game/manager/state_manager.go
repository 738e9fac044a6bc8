package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
)

// BatchStats is the number of finished episodes kept for running averages.
const BatchStats = 10

// EpisodeStats summarises one finished episode.
type EpisodeStats struct {
	Score       int `json:"score"`
	FramesAlive int `json:"framesAlive"`
}

// GameStats is the persisted form of the state manager.
type GameStats struct {
	Games      int            `json:"games"`
	HighScore  int            `json:"highScore"`
	Recent     []EpisodeStats `json:"recent"`
	RecentNext int            `json:"recentNext"`
}

// Summary is the running average over the last BatchStats episodes plus lifetime counters.
type Summary struct {
	Score       float64 `json:"score"`
	FramesAlive float64 `json:"framesAlive"`
	Games       int     `json:"games"`
	HighScore   int     `json:"highScore"`
}

// StateManager tracks score, episode counters and the ring of recent episodes.
// The ring starts full of zeroes so averages always divide by BatchStats.
type StateManager struct {
	score       int
	framesAlive int
	games       int
	highScore   int
	recent      [BatchStats]EpisodeStats
	recentNext  int
}

func NewStateManager() *StateManager {
	return &StateManager{}
}

// NewEpisode resets the per-episode counters and counts a new game.
func (sm *StateManager) NewEpisode() {
	sm.games++
	sm.score = 0
	sm.framesAlive = 0
}

// Eat increments the score and the high score.
func (sm *StateManager) Eat() {
	sm.score++
	if sm.score > sm.highScore {
		sm.highScore = sm.score
	}
}

// Tick counts a frame survived.
func (sm *StateManager) Tick() {
	sm.framesAlive++
}

// RecordCrash writes the current episode into the ring, overwriting the oldest slot.
func (sm *StateManager) RecordCrash() {
	if sm.recentNext >= BatchStats {
		sm.recentNext = 0
	}
	sm.recent[sm.recentNext] = EpisodeStats{Score: sm.score, FramesAlive: sm.framesAlive}
	sm.recentNext++
}

func (sm *StateManager) GetScore() int       { return sm.score }
func (sm *StateManager) GetHighScore() int   { return sm.highScore }
func (sm *StateManager) GetGames() int       { return sm.games }
func (sm *StateManager) GetFramesAlive() int { return sm.framesAlive }

// Summary averages the ring.
func (sm *StateManager) Summary() Summary {
	scores := make([]float64, BatchStats)
	frames := make([]float64, BatchStats)
	for i, e := range sm.recent {
		scores[i] = float64(e.Score)
		frames[i] = float64(e.FramesAlive)
	}
	return Summary{
		Score:       stat.Mean(scores, nil),
		FramesAlive: stat.Mean(frames, nil),
		Games:       sm.games,
		HighScore:   sm.highScore,
	}
}

func (sm *StateManager) SaveStats(filename string) error {
	stats := GameStats{
		Games:      sm.games,
		HighScore:  sm.highScore,
		Recent:     sm.recent[:],
		RecentNext: sm.recentNext,
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal game stats: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create stats directory: %v", err)
	}

	return os.WriteFile(filename, data, 0644)
}

// LoadStats restores lifetime counters. A missing file is not an error.
func (sm *StateManager) LoadStats(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var stats GameStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return fmt.Errorf("failed to decode game stats: %v", err)
	}

	sm.games = stats.Games
	sm.highScore = stats.HighScore
	copy(sm.recent[:], stats.Recent)
	sm.recentNext = stats.RecentNext
	return nil
}
