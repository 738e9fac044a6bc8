package qlearning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"snake-dqn/ai"
)

// BrainConfig holds the learning parameters of the controller.
type BrainConfig struct {
	Width               int
	Height              int
	ModelName           string
	ModelDir            string
	SaveModel           bool
	LearningRate        float64
	Gamma               float64
	Epsilon             float64
	FinalEpsilon        float64
	EpsilonDecay        float64
	BatchSize           int
	TrainingInterval    time.Duration
	GenerateActivations bool
	Rewards             ai.Rewards
	Seed                uint64
}

// Sampler is the part of the replay buffer the brain trains from.
type Sampler interface {
	Sample(n int) []*Transition
}

// Decision is the outcome of ThinkAction. Action is nil for crash states.
// Q is nil unless the action came from the network.
type Decision struct {
	Action *ai.Action `json:"action"`
	Q      []float64  `json:"q"`
}

// Diagnostics is the latest value vector and convolution activations.
type Diagnostics struct {
	QTable         []float64      `json:"qTable"`
	ActivationMaps ActivationMaps `json:"activationMaps"`
	Epsilon        float64        `json:"epsilon"`
}

// ErrNotLoaded is returned by operations that need a network before Load.
var ErrNotLoaded = errors.New("brain not loaded")

const saveAttempts = 3

// Brain chooses actions epsilon-greedily and trains the value network in the background.
type Brain struct {
	cfg    BrainConfig
	memory Sampler
	logger *slog.Logger

	net *Network

	mu          sync.Mutex
	epsilon     ai.Epsilon
	rng         *rand.Rand
	qTable      []float64
	activations ActivationMaps
	activate    bool

	trainMu sync.Mutex
	reward  *ai.RewardPolicy
	passes  int

	lifeMu      sync.Mutex
	isTraining  bool
	controlChan chan struct{}
	wg          sync.WaitGroup
}

func NewBrain(cfg BrainConfig, memory Sampler, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brain{
		cfg:      cfg,
		memory:   memory,
		logger:   logger.With("component", "brain", "model", cfg.ModelName),
		epsilon:  ai.NewEpsilon(cfg.Epsilon, cfg.FinalEpsilon, cfg.EpsilonDecay),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		qTable:   make([]float64, ai.NumActions),
		activate: cfg.GenerateActivations,
		reward:   ai.NewRewardPolicy(cfg.Rewards),
	}
}

func (b *Brain) checkpointPath() string {
	return CheckpointPath(b.cfg.ModelDir, b.cfg.ModelName)
}

// Load restores the named checkpoint or builds a fresh network, then starts
// the periodic training pass when a training interval is configured.
func (b *Brain) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	net, err := NewNetwork(b.cfg.Width, b.cfg.Height, b.cfg.BatchSize, b.cfg.LearningRate)
	if err != nil {
		return err
	}

	path := b.checkpointPath()
	if CheckpointExists(path) {
		b.logger.Info("loading model", "path", path)
		weights, err := LoadCheckpoint(path)
		if err == nil {
			err = net.SetWeights(weights)
		}
		if err != nil {
			b.logger.Warn("failed to load model, building a fresh one", "error", err)
			if net, err = NewNetwork(b.cfg.Width, b.cfg.Height, b.cfg.BatchSize, b.cfg.LearningRate); err != nil {
				return err
			}
		}
	} else {
		b.logger.Info("building model", "flat_features", FlatSize(b.cfg.Width, b.cfg.Height))
	}

	b.mu.Lock()
	b.net = net
	b.mu.Unlock()

	if b.cfg.TrainingInterval > 0 {
		b.startTraining()
	}
	return nil
}

func (b *Brain) startTraining() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.isTraining {
		return
	}
	b.isTraining = true
	b.controlChan = make(chan struct{})

	b.wg.Add(1)
	go b.trainingLoop(b.controlChan)
}

func (b *Brain) trainingLoop(stop <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.TrainingInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := b.Train(ctx); err != nil {
				b.logger.Error("training pass failed", "error", err)
			}
		}
	}
}

// Stop cancels the periodic training. An in-flight pass completes first.
func (b *Brain) Stop() {
	b.lifeMu.Lock()
	if !b.isTraining {
		b.lifeMu.Unlock()
		return
	}
	b.isTraining = false
	close(b.controlChan)
	b.lifeMu.Unlock()

	b.wg.Wait()
}

// Training reports whether the background schedule is active.
func (b *Brain) Training() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.isTraining
}

// ThinkAction picks the next action for the state described by t.
// Crash states get an empty decision and leave epsilon untouched.
func (b *Brain) ThinkAction(t *Transition) Decision {
	if t == nil || t.WillCrash {
		return Decision{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	defer b.epsilon.Step()

	if b.net == nil || b.epsilon.Explore(b.rng) {
		a := ai.RandomAction(b.rng)
		return Decision{Action: &a}
	}

	q, maps, err := b.net.Predict(t.CurrentBoard, b.activate)
	if err != nil {
		b.logger.Warn("prediction failed, acting randomly", "error", err)
		a := ai.RandomAction(b.rng)
		return Decision{Action: &a}
	}

	b.qTable = q
	if maps != nil {
		b.activations = maps
	}
	a := ai.Greedy(q)
	return Decision{Action: &a, Q: append([]float64(nil), q...)}
}

// Train runs one pass over a sampled batch. It returns false without error
// when the buffer does not hold a full batch yet.
func (b *Brain) Train(ctx context.Context) (bool, error) {
	b.mu.Lock()
	net := b.net
	b.mu.Unlock()
	if net == nil {
		return false, ErrNotLoaded
	}

	b.trainMu.Lock()
	defer b.trainMu.Unlock()

	batch := b.memory.Sample(b.cfg.BatchSize)
	if len(batch) == 0 {
		b.logger.Debug("not enough data to train", "batch_size", b.cfg.BatchSize)
		return false, nil
	}

	inputs, targets, err := b.targets(ctx, net, batch)
	if err != nil {
		return false, err
	}

	loss, err := net.Fit(inputs, targets)
	if err != nil {
		return false, err
	}
	b.passes++
	b.logger.Debug("training pass", "samples", len(batch), "loss", loss, "passes", b.passes)

	if b.cfg.SaveModel {
		b.save(net)
	}
	return true, nil
}

// targets builds the network inputs and the training targets of a batch.
// Each target is the stored value vector with only the entry of the action
// taken replaced: the reward alone after a crash, otherwise the reward plus
// the discounted best value predicted for the next board.
func (b *Brain) targets(ctx context.Context, net *Network, batch []*Transition) ([]float64, []float64, error) {
	inputs := make([]float64, 0, len(batch)*net.Width()*net.Height())
	targets := make([]float64, 0, len(batch)*ai.NumActions)

	for _, t := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if len(t.Q) != ai.NumActions {
			return nil, nil, fmt.Errorf("transition has %d values, want %d", len(t.Q), ai.NumActions)
		}

		inputs = append(inputs, t.CurrentBoard.Normalized()...)

		reward := b.reward.Reward(t.SnakePos, t.FoodPos, t.WillCrash, t.WillEat)
		total := reward
		if !t.WillCrash {
			next, _, err := net.Predict(t.NextBoard, false)
			if err != nil {
				return nil, nil, fmt.Errorf("bootstrap prediction: %v", err)
			}
			total = reward + b.cfg.Gamma*floats.Max(next)
		}

		target := append([]float64(nil), t.Q...)
		if t.LastAction != nil && t.LastAction.Valid() {
			target[*t.LastAction] = total
		}
		targets = append(targets, target...)
	}
	return inputs, targets, nil
}

// save writes the checkpoint, retrying a few times. Failures are logged only.
func (b *Brain) save(net *Network) {
	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err = SaveCheckpoint(b.checkpointPath(), net.Weights()); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	b.logger.Error("failed to save model", "attempts", saveAttempts, "error", err)
}

// Save writes the current parameters to the checkpoint.
func (b *Brain) Save() error {
	b.mu.Lock()
	net := b.net
	b.mu.Unlock()
	if net == nil {
		return ErrNotLoaded
	}
	return SaveCheckpoint(b.checkpointPath(), net.Weights())
}

// Diagnostics returns a copy of the latest value vector and activation maps.
func (b *Brain) Diagnostics() Diagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()

	maps := make(ActivationMaps, len(b.activations))
	for k, v := range b.activations {
		maps[k] = append([]ActivationMap(nil), v...)
	}
	return Diagnostics{
		QTable:         append([]float64(nil), b.qTable...),
		ActivationMaps: maps,
		Epsilon:        b.epsilon.Value,
	}
}

// SetGenerateActivations toggles capturing convolution outputs during prediction.
func (b *Brain) SetGenerateActivations(on bool) {
	b.mu.Lock()
	b.activate = on
	b.mu.Unlock()
}

func (b *Brain) GenerateActivations() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activate
}

// Epsilon returns the current exploration rate.
func (b *Brain) Epsilon() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epsilon.Value
}

// ResetDistance drops the nearness tracker. It is never called implicitly,
// so by default the distance carries over from one episode to the next.
func (b *Brain) ResetDistance() {
	b.trainMu.Lock()
	b.reward.Reset()
	b.trainMu.Unlock()
}

// Passes returns the number of completed training passes.
func (b *Brain) Passes() int {
	b.trainMu.Lock()
	defer b.trainMu.Unlock()
	return b.passes
}
