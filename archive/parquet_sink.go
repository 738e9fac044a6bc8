package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/pkg/errors"
)

// SampleRow is one archived sample in a parquet batch file.
type SampleRow struct {
	ID        string    `parquet:"id"`
	Model     string    `parquet:"model,dict"`
	Crash     bool      `parquet:"crash"`
	Eat       bool      `parquet:"eat"`
	Board     []CellRow `parquet:"board"`
	NextBoard []CellRow `parquet:"next_board"`
}

type CellRow struct {
	Kind string `parquet:"kind,dict"`
	X    int32  `parquet:"x"`
	Y    int32  `parquet:"y"`
}

func cellRows(p PackedBoard) []CellRow {
	var rows []CellRow
	for kind, cells := range p {
		for _, c := range cells {
			rows = append(rows, CellRow{Kind: kind, X: int32(c.X), Y: int32(c.Y)})
		}
	}
	return rows
}

// ParquetSink writes each committed batch to its own zstd-compressed file.
type ParquetSink struct {
	dir   string
	model string
}

func NewParquetSink(dir, model string) *ParquetSink {
	return &ParquetSink{dir: dir, model: model}
}

func (s *ParquetSink) Commit(ctx context.Context, samples []Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := make([]SampleRow, len(samples))
	for i, sm := range samples {
		rows[i] = SampleRow{
			ID:        sm.ID,
			Model:     s.model,
			Crash:     sm.Crash,
			Eat:       sm.Eat,
			Board:     cellRows(sm.Board),
			NextBoard: cellRows(sm.NextBoard),
		}
	}
	_, err := writeBatchAtomic(filepath.Join(s.dir, s.model), rows)
	return err
}

func (s *ParquetSink) Close() error { return nil }

func writeBatchAtomic(outDir string, rows []SampleRow) (string, error) {
	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create tmp dir")
	}

	name := fmt.Sprintf("samples_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "snake_sample_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "write parquet")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", errors.Wrap(err, "rename parquet")
	}
	return finalPath, nil
}

// ReadParquet loads every row of a batch file.
func ReadParquet(path string) ([]SampleRow, error) {
	rows, err := parquet.ReadFile[SampleRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return rows, nil
}
