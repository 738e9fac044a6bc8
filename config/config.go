// Package config loads the runtime settings from an optional YAML file, an
// optional .env file and SNAKE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"snake-dqn/ai"
	"snake-dqn/game/board"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Board   BoardConfig   `yaml:"board" json:"board"`
	Game    GameConfig    `yaml:"game" json:"game"`
	Brain   BrainConfig   `yaml:"brain" json:"brain"`
	Rewards ai.Rewards    `yaml:"rewards" json:"rewards"`
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
	Stats   StatsConfig   `yaml:"stats" json:"stats"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

type BoardConfig struct {
	Kind               string `yaml:"kind" json:"kind" jsonschema:"enum=EMPTY,enum=BORDERED,default=BORDERED"`
	Width              int    `yaml:"width" json:"width" jsonschema:"minimum=5,default=20"`
	Height             int    `yaml:"height" json:"height" jsonschema:"minimum=5,default=20"`
	SnakeInitialLength int    `yaml:"snake_initial_length" json:"snake_initial_length" jsonschema:"minimum=1,default=3"`
}

type GameConfig struct {
	Turbo                bool          `yaml:"turbo" json:"turbo" jsonschema:"default=true"`
	TurboDelay           time.Duration `yaml:"turbo_delay" json:"turbo_delay"`
	NormalDelay          time.Duration `yaml:"normal_delay" json:"normal_delay"`
	MaxPlacementAttempts int           `yaml:"max_placement_attempts" json:"max_placement_attempts" jsonschema:"description=0 retries forever"`
	StartRetries         int           `yaml:"start_retries" json:"start_retries"`
	Seed                 uint64        `yaml:"seed" json:"seed" jsonschema:"description=0 seeds from the clock"`
}

type BrainConfig struct {
	ModelName           string        `yaml:"model_name" json:"model_name" jsonschema:"default=sneik"`
	ModelDir            string        `yaml:"model_dir" json:"model_dir"`
	SaveModel           bool          `yaml:"save_model" json:"save_model"`
	LearningRate        float64       `yaml:"learning_rate" json:"learning_rate" jsonschema:"exclusiveMinimum=0"`
	Gamma               float64       `yaml:"gamma" json:"gamma" jsonschema:"minimum=0,maximum=1"`
	Epsilon             float64       `yaml:"epsilon" json:"epsilon" jsonschema:"minimum=0,maximum=1"`
	FinalEpsilon        float64       `yaml:"final_epsilon" json:"final_epsilon" jsonschema:"minimum=0,maximum=1"`
	EpsilonDecay        float64       `yaml:"epsilon_decay" json:"epsilon_decay" jsonschema:"exclusiveMinimum=0,maximum=1"`
	BatchSize           int           `yaml:"batch_size" json:"batch_size" jsonschema:"minimum=1"`
	TrainingInterval    time.Duration `yaml:"training_interval" json:"training_interval" jsonschema:"description=0 disables background training"`
	GenerateActivations bool          `yaml:"generate_activations" json:"generate_activations"`
}

type ArchiveConfig struct {
	Enabled   bool            `yaml:"enabled" json:"enabled"`
	Sink      string          `yaml:"sink" json:"sink" jsonschema:"enum=parquet,enum=couchbase"`
	Dir       string          `yaml:"dir" json:"dir"`
	SaveDelay time.Duration   `yaml:"save_delay" json:"save_delay"`
	MaxBatch  int             `yaml:"max_batch" json:"max_batch" jsonschema:"minimum=1"`
	Couchbase CouchbaseConfig `yaml:"couchbase" json:"couchbase"`
}

type CouchbaseConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Username   string `yaml:"username" json:"username"`
	Password   string `yaml:"password" json:"password"`
	Bucket     string `yaml:"bucket" json:"bucket"`
	Scope      string `yaml:"scope" json:"scope"`
	Collection string `yaml:"collection" json:"collection"`
}

type StatsConfig struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	GroupSize int           `yaml:"group_size" json:"group_size" jsonschema:"minimum=2"`
	File      string        `yaml:"file" json:"file"`
	GameFile  string        `yaml:"game_file" json:"game_file"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr" jsonschema:"description=empty disables the HTTP API"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" json:"format" jsonschema:"enum=text,enum=json"`
}

func Default() Config {
	return Config{
		Board: BoardConfig{
			Kind:               "BORDERED",
			Width:              20,
			Height:             20,
			SnakeInitialLength: 3,
		},
		Game: GameConfig{
			Turbo:                true,
			TurboDelay:           1 * time.Millisecond,
			NormalDelay:          300 * time.Millisecond,
			MaxPlacementAttempts: 10000,
			StartRetries:         3,
		},
		Brain: BrainConfig{
			ModelName:           "sneik",
			ModelDir:            "data/models",
			SaveModel:           true,
			LearningRate:        0.01,
			Gamma:               0.9,
			Epsilon:             1.0,
			FinalEpsilon:        0.05,
			EpsilonDecay:        0.9995,
			BatchSize:           32,
			TrainingInterval:    time.Second,
			GenerateActivations: true,
		},
		Rewards: ai.Rewards{
			Alive:    0,
			Close:    0.1,
			Far:      -0.1,
			Die:      -1,
			Eat:      1,
			Nearness: true,
		},
		Archive: ArchiveConfig{
			Sink:      "parquet",
			Dir:       "data/samples",
			SaveDelay: 20 * time.Second,
			MaxBatch:  100,
			Couchbase: CouchbaseConfig{
				Addr:   "localhost",
				Bucket: "sneik",
			},
		},
		Stats: StatsConfig{
			Interval:  10 * time.Second,
			GroupSize: 100,
			File:      "data/stats.json",
			GameFile:  "data/game_stats.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. A missing .env is ignored; a missing YAML
// file is an error when path is set.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %v", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %v", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides the settings most often changed between runs.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("SNAKE_BOARD", &cfg.Board.Kind)
	integer("SNAKE_BOARD_WIDTH", &cfg.Board.Width)
	integer("SNAKE_BOARD_HEIGHT", &cfg.Board.Height)
	boolean("SNAKE_TURBO", &cfg.Game.Turbo)
	str("SNAKE_MODEL_NAME", &cfg.Brain.ModelName)
	str("SNAKE_MODEL_DIR", &cfg.Brain.ModelDir)
	boolean("SNAKE_SAVE_MODEL", &cfg.Brain.SaveModel)
	float("SNAKE_LEARNING_RATE", &cfg.Brain.LearningRate)
	float("SNAKE_EPSILON", &cfg.Brain.Epsilon)
	integer("SNAKE_BATCH_SIZE", &cfg.Brain.BatchSize)
	duration("SNAKE_TRAINING_INTERVAL", &cfg.Brain.TrainingInterval)
	boolean("SNAKE_ARCHIVE", &cfg.Archive.Enabled)
	str("SNAKE_ARCHIVE_SINK", &cfg.Archive.Sink)
	str("SNAKE_COUCHBASE_ADDR", &cfg.Archive.Couchbase.Addr)
	str("SNAKE_COUCHBASE_USERNAME", &cfg.Archive.Couchbase.Username)
	str("SNAKE_COUCHBASE_PASSWORD", &cfg.Archive.Couchbase.Password)
	str("SNAKE_HTTP_ADDR", &cfg.HTTP.Addr)
	str("SNAKE_LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

// Validate checks ranges and enums.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	kind := strings.ToUpper(c.Board.Kind)
	check(kind == board.Empty.String() || kind == board.Bordered.String(), "board.kind %q is not EMPTY or BORDERED", c.Board.Kind)
	check(c.Board.SnakeInitialLength >= 1, "board.snake_initial_length must be at least 1")
	// spawn range is [L+1, size-1] on each axis
	check(c.Board.Width > c.Board.SnakeInitialLength+1, "board.width %d too small for snake length %d", c.Board.Width, c.Board.SnakeInitialLength)
	check(c.Board.Height > c.Board.SnakeInitialLength+1, "board.height %d too small for snake length %d", c.Board.Height, c.Board.SnakeInitialLength)
	check(c.Game.MaxPlacementAttempts >= 0, "game.max_placement_attempts must not be negative")
	check(c.Brain.ModelName != "", "brain.model_name is required")
	check(c.Brain.LearningRate > 0, "brain.learning_rate must be positive")
	check(c.Brain.Gamma >= 0 && c.Brain.Gamma <= 1, "brain.gamma must be in [0,1]")
	check(c.Brain.Epsilon >= 0 && c.Brain.Epsilon <= 1, "brain.epsilon must be in [0,1]")
	check(c.Brain.FinalEpsilon >= 0 && c.Brain.FinalEpsilon <= c.Brain.Epsilon, "brain.final_epsilon must be in [0,epsilon]")
	check(c.Brain.EpsilonDecay > 0 && c.Brain.EpsilonDecay <= 1, "brain.epsilon_decay must be in (0,1]")
	check(c.Brain.BatchSize >= 1, "brain.batch_size must be at least 1")
	check(c.Brain.TrainingInterval >= 0, "brain.training_interval must not be negative")
	check(c.Archive.Sink == "parquet" || c.Archive.Sink == "couchbase", "archive.sink %q is not parquet or couchbase", c.Archive.Sink)
	check(c.Archive.MaxBatch >= 1, "archive.max_batch must be at least 1")
	check(c.Stats.Interval > 0, "stats.interval must be positive")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Variant returns the board variant named by Board.Kind.
func (c Config) Variant() board.Variant {
	return board.ParseVariant(c.Board.Kind)
}
