package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"snake-dqn/api"
	"snake-dqn/archive"
	"snake-dqn/config"
	"snake-dqn/game"
	"snake-dqn/qlearning"
	"snake-dqn/stats"
	"snake-dqn/training"
	"snake-dqn/transport/mcp"
	"snake-dqn/transport/websocket"
	"snake-dqn/tui"
	"snake-dqn/ui"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("turbo") {
		cfg.Game.Turbo = cmd.Bool("turbo")
	}
	if cmd.IsSet("http") {
		cfg.HTTP.Addr = cmd.String("http")
	}

	logOut := io.Writer(os.Stderr)
	if cmd.Bool("tui") {
		f, err := os.OpenFile(cmd.String("log-file"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := cfg.Game.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	var hub *websocket.Hub
	if cfg.HTTP.Addr != "" {
		hub = websocket.NewHub(logger)
		go hub.Run(ctx)
	}

	g := game.New(game.Options{
		Variant:              cfg.Variant(),
		Width:                cfg.Board.Width,
		Height:               cfg.Board.Height,
		InitialLength:        cfg.Board.SnakeInitialLength,
		MaxPlacementAttempts: cfg.Game.MaxPlacementAttempts,
		Turbo:                cfg.Game.Turbo,
		TurboRefresh:         cfg.Game.TurboDelay,
		NormalRefresh:        cfg.Game.NormalDelay,
		Seed:                 seed,
		OnDisplay: func(d game.Display) {
			if hub != nil && hub.Clients() > 0 {
				hub.BroadcastDisplay(d)
			}
		},
		Logger: logger,
	})

	memory := qlearning.NewReplayBuffer(seed + 1)
	brain := qlearning.NewBrain(qlearning.BrainConfig{
		Width:               cfg.Board.Width,
		Height:              cfg.Board.Height,
		ModelName:           cfg.Brain.ModelName,
		ModelDir:            cfg.Brain.ModelDir,
		SaveModel:           cfg.Brain.SaveModel,
		LearningRate:        cfg.Brain.LearningRate,
		Gamma:               cfg.Brain.Gamma,
		Epsilon:             cfg.Brain.Epsilon,
		FinalEpsilon:        cfg.Brain.FinalEpsilon,
		EpsilonDecay:        cfg.Brain.EpsilonDecay,
		BatchSize:           cfg.Brain.BatchSize,
		TrainingInterval:    cfg.Brain.TrainingInterval,
		GenerateActivations: cfg.Brain.GenerateActivations,
		Rewards:             cfg.Rewards,
		Seed:                seed + 2,
	}, memory, logger)
	if err := brain.Load(ctx); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	archiver, err := newArchiver(cfg, logger)
	if err != nil {
		brain.Stop()
		return err
	}

	history, err := stats.NewHistory(cfg.Stats.GroupSize, cfg.Stats.File)
	if err != nil {
		logger.Warn("failed to load stats history, starting empty", "error", err)
	}

	var renderer *ui.Renderer
	episodes := make(chan game.Episode, 16)
	manager := training.NewManager(g, brain, memory, archiver, history, training.Options{
		StatsInterval: cfg.Stats.Interval,
		StartRetries:  cfg.Game.StartRetries,
		GameStatsFile: cfg.Stats.GameFile,
		OnEpisode: func(ep game.Episode) {
			if renderer != nil {
				renderer.AddScore(ep.Score)
			}
			if hub != nil {
				hub.BroadcastEvent("episode", ep)
			}
			select {
			case episodes <- ep:
			default:
			}
		},
	}, logger)
	if cmd.Bool("window") {
		renderer = ui.NewRenderer(manager)
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      api.NewServer(manager, hub, mcp.NewServer(manager, version)),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go serveHTTP(ctx, srv, logger)
	}

	errc := make(chan error, 1)
	go func() { errc <- manager.Run(ctx) }()

	switch {
	case renderer != nil:
		renderer.Run(ctx, "Sneik - Q-Learning")
	case cmd.Bool("tui"):
		if _, err := tui.Program(tui.New(manager, episodes, 0)).Run(); err != nil {
			logger.Error("dashboard failed", "error", err)
		}
	default:
		select {
		case <-ctx.Done():
		case err := <-errc:
			return err
		}
	}

	stop()
	manager.Stop()
	return <-errc
}

func newArchiver(cfg config.Config, logger *slog.Logger) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}

	var sink archive.Sink
	switch cfg.Archive.Sink {
	case "couchbase":
		cb := cfg.Archive.Couchbase
		s, err := archive.NewCouchbaseSink(archive.CouchbaseOptions{
			Addr:       cb.Addr,
			Username:   cb.Username,
			Password:   cb.Password,
			Bucket:     cb.Bucket,
			Scope:      cb.Scope,
			Collection: cb.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect archive: %w", err)
		}
		sink = s
	default:
		sink = archive.NewParquetSink(cfg.Archive.Dir, cfg.Brain.ModelName)
	}

	return archive.New(sink, archive.Options{
		SaveDelay: cfg.Archive.SaveDelay,
		MaxBatch:  cfg.Archive.MaxBatch,
	}, logger), nil
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
