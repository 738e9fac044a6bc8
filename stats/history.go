package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// DefaultGroupSize is the number of records merged into one at each level.
const DefaultGroupSize = 100

// Record is either a single episode (CompressionIndex 0) or a group of
// GroupSize records of the level below.
type Record struct {
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	Score            int       `json:"score"`
	CompressionIndex int       `json:"compressionIndex"`
	GamesCount       int       `json:"gamesCount"`
	AverageScore     float64   `json:"averageScore"`
	MedianScore      float64   `json:"medianScore"`
	MaxScore         int       `json:"maxScore"`
	MinScore         int       `json:"minScore"`
	AverageFrames    float64   `json:"averageFrames"`
	MaxFrames        int       `json:"maxFrames"`
	AverageDuration  float64   `json:"averageDuration"`
	MaxDuration      float64   `json:"maxDuration"`
	MinDuration      float64   `json:"minDuration"`
}

// Summary aggregates every record of the history.
type Summary struct {
	Games           int     `json:"games"`
	AverageScore    float64 `json:"averageScore"`
	MedianScore     float64 `json:"medianScore"`
	MaxScore        int     `json:"maxScore"`
	AverageFrames   float64 `json:"averageFrames"`
	AverageDuration float64 `json:"averageDuration"`
	MaxDuration     float64 `json:"maxDuration"`
}

// History keeps every finished episode, compressing old ones in groups so
// the file stays small however long training runs.
type History struct {
	mutex     sync.RWMutex
	records   []Record
	groupSize int
	file      string
}

// NewHistory crea lo storico e carica i dati dal file, se presente.
func NewHistory(groupSize int, file string) (*History, error) {
	if groupSize < 2 {
		groupSize = DefaultGroupSize
	}
	h := &History{
		records:   make([]Record, 0),
		groupSize: groupSize,
		file:      file,
	}
	if err := h.loadFromFile(); err != nil {
		return h, err
	}
	return h, nil
}

// AddGame registra una partita conclusa.
func (h *History) AddGame(score, framesAlive int, startTime, endTime time.Time) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	duration := endTime.Sub(startTime).Seconds()
	h.records = append(h.records, Record{
		StartTime:       startTime,
		EndTime:         endTime,
		Score:           score,
		GamesCount:      1,
		AverageScore:    float64(score),
		MedianScore:     float64(score),
		MaxScore:        score,
		MinScore:        score,
		AverageFrames:   float64(framesAlive),
		MaxFrames:       framesAlive,
		AverageDuration: duration,
		MaxDuration:     duration,
		MinDuration:     duration,
	})

	h.groupRecords()
}

// groupRecords merges groupSize records of the same level into one of the next level.
func (h *History) groupRecords() {
	sort.SliceStable(h.records, func(i, j int) bool {
		if h.records[i].CompressionIndex != h.records[j].CompressionIndex {
			return h.records[i].CompressionIndex < h.records[j].CompressionIndex
		}
		return h.records[i].StartTime.Before(h.records[j].StartTime)
	})

	for level := 0; ; level++ {
		var current, others []Record
		for _, r := range h.records {
			if r.CompressionIndex == level {
				current = append(current, r)
			} else {
				others = append(others, r)
			}
		}
		if len(current) < h.groupSize {
			break
		}

		var merged []Record
		for i := 0; i < len(current); i += h.groupSize {
			end := i + h.groupSize
			if end > len(current) {
				// i record rimanenti restano al livello attuale
				merged = append(merged, current[i:]...)
				break
			}
			merged = append(merged, mergeRecords(current[i:end], level+1))
		}
		h.records = append(others, merged...)
	}
}

func mergeRecords(group []Record, level int) Record {
	out := Record{
		StartTime:        group[0].StartTime,
		EndTime:          group[0].EndTime,
		CompressionIndex: level,
		MaxScore:         group[0].MaxScore,
		MinScore:         group[0].MinScore,
		MaxFrames:        group[0].MaxFrames,
		MaxDuration:      group[0].MaxDuration,
		MinDuration:      group[0].MinDuration,
	}

	var totalScore, totalFrames, totalDuration float64
	medians := make([]float64, 0, len(group))
	weights := make([]float64, 0, len(group))
	for _, r := range group {
		out.MaxScore = max(out.MaxScore, r.MaxScore)
		out.MinScore = min(out.MinScore, r.MinScore)
		out.MaxFrames = max(out.MaxFrames, r.MaxFrames)
		out.MaxDuration = max(out.MaxDuration, r.MaxDuration)
		out.MinDuration = min(out.MinDuration, r.MinDuration)
		if r.StartTime.Before(out.StartTime) {
			out.StartTime = r.StartTime
		}
		if r.EndTime.After(out.EndTime) {
			out.EndTime = r.EndTime
		}

		n := float64(r.GamesCount)
		totalScore += r.AverageScore * n
		totalFrames += r.AverageFrames * n
		totalDuration += r.AverageDuration * n
		out.GamesCount += r.GamesCount

		medians = append(medians, r.MedianScore)
		weights = append(weights, n)
	}

	games := float64(out.GamesCount)
	out.AverageScore = totalScore / games
	out.AverageFrames = totalFrames / games
	out.AverageDuration = totalDuration / games
	out.MedianScore = weightedMedian(medians, weights)
	return out
}

// weightedMedian returns the median of values where each one counts weights[i] times.
func weightedMedian(values, weights []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	total := floats.Sum(weights)
	at := func(pos float64) float64 {
		var seen float64
		for _, i := range idx {
			seen += weights[i]
			if pos < seen {
				return values[i]
			}
		}
		return values[idx[len(idx)-1]]
	}

	half := total / 2
	if int(total)%2 == 0 {
		return (at(half-1) + at(half)) / 2
	}
	return at(half - 0.5)
}

// Records returns a copy of the stored records, oldest level first.
func (h *History) Records() []Record {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return append([]Record(nil), h.records...)
}

// Summary aggregates every record weighted by its game count.
func (h *History) Summary() Summary {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var s Summary
	if len(h.records) == 0 {
		return s
	}

	var totalScore, totalFrames, totalDuration float64
	medians := make([]float64, 0, len(h.records))
	weights := make([]float64, 0, len(h.records))
	s.MaxScore = h.records[0].MaxScore
	for _, r := range h.records {
		n := float64(r.GamesCount)
		totalScore += r.AverageScore * n
		totalFrames += r.AverageFrames * n
		totalDuration += r.AverageDuration * n
		s.Games += r.GamesCount
		s.MaxScore = max(s.MaxScore, r.MaxScore)
		s.MaxDuration = max(s.MaxDuration, r.MaxDuration)
		medians = append(medians, r.MedianScore)
		weights = append(weights, n)
	}
	if s.Games == 0 {
		return s
	}

	games := float64(s.Games)
	s.AverageScore = totalScore / games
	s.AverageFrames = totalFrames / games
	s.AverageDuration = totalDuration / games
	s.MedianScore = weightedMedian(medians, weights)
	return s
}

// SaveToFile salva lo storico su file in formato JSON.
func (h *History) SaveToFile() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.file), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	jsonData, err := json.Marshal(h.records)
	if err != nil {
		return fmt.Errorf("failed to marshal stats data: %v", err)
	}

	if err := os.WriteFile(h.file, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write stats file: %v", err)
	}
	return nil
}

func (h *History) loadFromFile() error {
	if h.file == "" {
		return nil
	}
	data, err := os.ReadFile(h.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to decode stats file: %v", err)
	}
	h.records = records
	return nil
}
