package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snake-dqn/game/board"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Variant() != board.Bordered {
		t.Fatalf("variant = %v", cfg.Variant())
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sneik.yaml")
	yamlData := `
board:
  kind: empty
  width: 12
brain:
  batch_size: 8
  training_interval: 250ms
rewards:
  eat: 5
archive:
  enabled: true
  save_delay: 5s
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNAKE_BOARD_HEIGHT", "14")
	t.Setenv("SNAKE_TURBO", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Variant() != board.Empty || cfg.Board.Width != 12 || cfg.Board.Height != 14 {
		t.Fatalf("board config %+v", cfg.Board)
	}
	if cfg.Brain.BatchSize != 8 || cfg.Brain.TrainingInterval != 250*time.Millisecond {
		t.Fatalf("brain config %+v", cfg.Brain)
	}
	if cfg.Rewards.Eat != 5 || cfg.Rewards.Die != -1 {
		t.Fatalf("rewards %+v", cfg.Rewards)
	}
	if !cfg.Archive.Enabled || cfg.Archive.SaveDelay != 5*time.Second || cfg.Archive.MaxBatch != 100 {
		t.Fatalf("archive config %+v", cfg.Archive)
	}
	if cfg.Game.Turbo {
		t.Fatal("SNAKE_TURBO=false not applied")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"SNAKE_BATCH_SIZE":        "many",
		"SNAKE_TRAINING_INTERVAL": "soon",
		"SNAKE_MODEL_NAME":        "other",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnv(&cfg, lookup); err == nil {
		t.Fatal("expected parse errors")
	}
	if cfg.Brain.ModelName != "other" {
		t.Fatal("valid overrides should still apply")
	}
	if cfg.Brain.BatchSize != 32 {
		t.Fatal("invalid override must not change the value")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown board", func(c *Config) { c.Board.Kind = "HEX" }},
		{"board too small", func(c *Config) { c.Board.Width = 4 }},
		{"floor above start", func(c *Config) { c.Brain.FinalEpsilon = 1.5 }},
		{"zero decay", func(c *Config) { c.Brain.EpsilonDecay = 0 }},
		{"no batch", func(c *Config) { c.Brain.BatchSize = 0 }},
		{"unknown sink", func(c *Config) { c.Archive.Sink = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
