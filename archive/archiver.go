package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"snake-dqn/qlearning"
)

const (
	DefaultSaveDelay = 20 * time.Second
	DefaultMaxBatch  = 100
)

// Sink commits a batch of samples to durable storage.
type Sink interface {
	Commit(ctx context.Context, samples []Sample) error
	Close() error
}

type Options struct {
	SaveDelay time.Duration
	MaxBatch  int
}

// Archiver queues packed samples and commits them in batches no sooner than
// SaveDelay after the first queued item. Commit failures are logged and the
// batch stays queued for the next attempt.
type Archiver struct {
	sink   Sink
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending []Sample
	timer   *time.Timer
	stopped bool

	commitMu sync.Mutex
	saved    int
	closed   bool
}

func New(sink Sink, opts Options, logger *slog.Logger) *Archiver {
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "archive"),
	}
}

// Save queues tr when it is trainable and arms the flush timer.
func (a *Archiver) Save(tr *qlearning.Transition) bool {
	if !tr.Trainable() {
		return false
	}
	sample := Pack(tr)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.pending = append(a.pending, sample)
	a.armLocked()
	return true
}

func (a *Archiver) armLocked() {
	if a.timer != nil || len(a.pending) == 0 {
		return
	}
	a.timer = time.AfterFunc(a.opts.SaveDelay, func() {
		a.mu.Lock()
		a.timer = nil
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), a.opts.SaveDelay)
		defer cancel()
		a.commitBatch(ctx)

		a.mu.Lock()
		if !a.stopped {
			a.armLocked()
		}
		a.mu.Unlock()
	})
}

// commitBatch commits up to MaxBatch of the oldest samples. It reports how
// many were committed. Once the sink is closed it commits nothing, which
// covers a timer callback that was already running when Stop began.
func (a *Archiver) commitBatch(ctx context.Context) (int, error) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if a.closed {
		return 0, nil
	}

	a.mu.Lock()
	n := min(len(a.pending), a.opts.MaxBatch)
	batch := append([]Sample(nil), a.pending[:n]...)
	a.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	a.logger.Info("saving pending samples", "count", n)
	if err := a.sink.Commit(ctx, batch); err != nil {
		a.logger.Error("failed to save samples", "count", n, "error", err)
		return 0, err
	}

	// new samples are only ever appended, so the batch is still the head
	a.mu.Lock()
	a.pending = a.pending[n:]
	a.mu.Unlock()
	a.saved += n
	a.logger.Debug("samples saved", "count", n)
	return n, nil
}

// Flush commits every queued sample in batches of MaxBatch.
func (a *Archiver) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := a.commitBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Stop cancels the flush timer, flushes what is queued on a best-effort
// basis and closes the sink.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	err := a.Flush(ctx)
	if err != nil {
		a.logger.Warn("samples left unsaved at shutdown", "count", a.Pending(), "error", err)
	}
	a.commitMu.Lock()
	a.closed = true
	cerr := a.sink.Close()
	a.commitMu.Unlock()
	if cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Pending returns the number of queued samples.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Saved returns the number of samples committed so far.
func (a *Archiver) Saved() int {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	return a.saved
}
