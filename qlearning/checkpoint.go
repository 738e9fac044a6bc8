package qlearning

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gorgonia.org/tensor"
)

func init() {
	gob.Register(&tensor.Dense{})
	gob.Register(map[string]*tensor.Dense{})
}

// CheckpointPath returns the file holding the parameters of a named model.
func CheckpointPath(dir, modelName string) string {
	return filepath.Join(dir, modelName+".gob")
}

// CheckpointExists reports whether a checkpoint file is present.
func CheckpointExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SaveCheckpoint salva i pesi della rete su file
func SaveCheckpoint(path string, weights map[string]*tensor.Dense) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %v", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %v", err)
	}

	if err := gob.NewEncoder(f).Encode(weights); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode weights: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close weights file: %v", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace weights file: %v", err)
	}
	return nil
}

// LoadCheckpoint carica i pesi della rete da file
func LoadCheckpoint(path string) (map[string]*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %v", err)
	}
	defer f.Close()

	var weights map[string]*tensor.Dense
	if err := gob.NewDecoder(f).Decode(&weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %v", err)
	}
	return weights, nil
}
