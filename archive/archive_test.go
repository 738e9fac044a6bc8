package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"snake-dqn/ai"
	"snake-dqn/game/board"
	"snake-dqn/game/types"
	"snake-dqn/qlearning"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]Sample
	fail    bool
	closed  bool
	late    int
}

func (s *memorySink) Commit(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.late++
	}
	if s.fail {
		return errors.New("unavailable")
	}
	s.batches = append(s.batches, append([]Sample(nil), samples...))
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transition(headX int, crash bool) *qlearning.Transition {
	a := ai.Right
	cur := board.Factory(board.Bordered, 6, 6)
	cur.Set(types.Point{X: headX, Y: 2}, board.SNAKE)
	cur.Set(types.Point{X: 4, Y: 4}, board.FOOD)
	next := cur.Clone()
	next.Set(types.Point{X: headX + 1, Y: 2}, board.SNAKE)
	return &qlearning.Transition{
		LastAction:   &a,
		CurrentBoard: cur,
		NextBoard:    next,
		WillCrash:    crash,
		Q:            []float64{0, 0, 0, 0},
	}
}

func TestPack_SparseAndDeterministic(t *testing.T) {
	tr := transition(2, false)
	s := Pack(tr)

	if len(s.Board["WALL"]) != 20 {
		t.Fatalf("got %d wall cells, want 20", len(s.Board["WALL"]))
	}
	if _, ok := s.Board["EMPTY"]; ok {
		t.Fatal("EMPTY cells must not be packed")
	}
	if got := s.Board["SNAKE"]; len(got) != 1 || got[0] != (types.Point{X: 2, Y: 2}) {
		t.Fatalf("snake cells %v", got)
	}
	if len(s.NextBoard["SNAKE"]) != 2 {
		t.Fatalf("next board snake cells %v", s.NextBoard["SNAKE"])
	}

	if again := Pack(transition(2, false)); again.ID != s.ID {
		t.Fatal("equal content must give equal ids")
	}
	if other := Pack(transition(2, true)); other.ID == s.ID {
		t.Fatal("different content must give different ids")
	}

	img := Unpack(s.Board, 6, 6)
	for x := 0; x < 6; x++ {
		for y := 0; y < 6; y++ {
			p := types.Point{X: x, Y: y}
			if img.At(p) != tr.CurrentBoard.At(p) {
				t.Fatalf("unpacked cell %v = %d, want %d", p, img.At(p), tr.CurrentBoard.At(p))
			}
		}
	}
}

func TestSave_OnlyTrainable(t *testing.T) {
	a := New(&memorySink{}, Options{SaveDelay: time.Hour}, quiet())
	first := transition(2, false)
	first.NextBoard = nil
	if a.Save(first) {
		t.Fatal("first frame must not be archived")
	}
	random := transition(2, false)
	random.Q = nil
	if a.Save(random) {
		t.Fatal("random transition must not be archived")
	}
	if !a.Save(transition(2, false)) || a.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", a.Pending())
	}
}

func TestTimer_FlushesAtMostMaxBatch(t *testing.T) {
	sink := &memorySink{}
	a := New(sink, Options{SaveDelay: 20 * time.Millisecond, MaxBatch: 100}, quiet())

	for i := 0; i < 150; i++ {
		a.Save(transition(1+i%3, i%2 == 0))
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sizes := sink.sizes()
	if len(sizes) < 2 || sizes[0] != 100 || sizes[1] != 50 {
		t.Fatalf("batch sizes %v, want [100 50]", sizes)
	}
	if a.Saved() != 150 {
		t.Fatalf("saved = %d", a.Saved())
	}
}

func TestCommitFailure_KeepsSamples(t *testing.T) {
	sink := &memorySink{fail: true}
	a := New(sink, Options{SaveDelay: time.Hour, MaxBatch: 10}, quiet())
	for i := 0; i < 5; i++ {
		a.Save(transition(2, false))
	}

	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected commit error")
	}
	if a.Pending() != 5 {
		t.Fatalf("pending = %d, want 5", a.Pending())
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Pending() != 0 || !sink.closed {
		t.Fatalf("pending = %d closed = %v after Stop", a.Pending(), sink.closed)
	}
	if a.Save(transition(2, false)) {
		t.Fatal("Save after Stop must be rejected")
	}
}

func TestStop_NoCommitAfterClose(t *testing.T) {
	t.Run("callback after stop", func(t *testing.T) {
		sink := &memorySink{fail: true}
		a := New(sink, Options{SaveDelay: time.Hour, MaxBatch: 10}, quiet())
		for i := 0; i < 3; i++ {
			a.Save(transition(2, false))
		}
		if err := a.Stop(context.Background()); err == nil {
			t.Fatal("expected the shutdown flush to fail")
		}

		sink.mu.Lock()
		sink.fail = false
		sink.mu.Unlock()

		// what a timer callback that lost the race with Stop would run
		if n, err := a.commitBatch(context.Background()); n != 0 || err != nil {
			t.Fatalf("commitBatch after Stop = %d, %v", n, err)
		}
		if sink.late != 0 || len(sink.sizes()) != 0 {
			t.Fatalf("sink used after Close: late=%d batches=%v", sink.late, sink.sizes())
		}
	})

	t.Run("concurrent timer", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			sink := &memorySink{}
			a := New(sink, Options{SaveDelay: time.Microsecond, MaxBatch: 1}, quiet())
			for j := 0; j < 5; j++ {
				a.Save(transition(1+j%3, false))
			}
			time.Sleep(time.Duration(i%5) * 10 * time.Microsecond)
			if err := a.Stop(context.Background()); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			time.Sleep(time.Millisecond)

			sink.mu.Lock()
			late := sink.late
			sink.mu.Unlock()
			if late != 0 {
				t.Fatalf("iteration %d: %d commits after Close", i, late)
			}
		}
	})
}

func TestParquetSink_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink := NewParquetSink(dir, "unit")
	samples := []Sample{Pack(transition(1, false)), Pack(transition(2, true))}

	if err := sink.Commit(context.Background(), samples); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "unit", "*.parquet"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v, err = %v", files, err)
	}
	if tmp, _ := os.ReadDir(filepath.Join(dir, "unit", "tmp")); len(tmp) != 0 {
		t.Fatal("temporary file left behind")
	}

	rows, err := ReadParquet(files[0])
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].ID != samples[0].ID || rows[1].Crash != true || rows[0].Model != "unit" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if len(rows[0].Board) != 22 {
		t.Fatalf("row board has %d cells, want 22", len(rows[0].Board))
	}
}
