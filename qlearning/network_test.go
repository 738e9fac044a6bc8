package qlearning

import (
	"path/filepath"
	"testing"

	"gorgonia.org/tensor"

	"snake-dqn/game/board"
	"snake-dqn/game/types"
)

func sampleImage(w, h int) *board.Board {
	b := board.Factory(board.Bordered, w, h)
	b.Set(types.Point{X: 3, Y: 3}, board.SNAKE)
	b.Set(types.Point{X: 2, Y: 3}, board.SNAKE)
	b.Set(types.Point{X: 5, Y: 4}, board.FOOD)
	return b
}

func TestFlatSize(t *testing.T) {
	// 10 -> 5 -> 3 and 7 -> 4 -> 2
	if got := FlatSize(10, 7); got != Conv2Filters*3*2 {
		t.Fatalf("FlatSize(10,7) = %d, want %d", got, Conv2Filters*3*2)
	}
}

func TestPredict_ShapesAndActivations(t *testing.T) {
	net, err := NewNetwork(8, 8, 4, 0.01)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}

	q, maps, err := net.Predict(sampleImage(8, 8), true)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(q) != 4 {
		t.Fatalf("got %d values, want 4", len(q))
	}

	conv1 := maps[LayerConv1]
	if len(conv1) != Conv1Filters || conv1[0].Shape != [2]int{4, 4} || len(conv1[0].Map) != 16 {
		t.Fatalf("unexpected conv1 maps: %d channels, shape %v", len(conv1), conv1[0].Shape)
	}
	conv2 := maps[LayerConv2]
	if len(conv2) != Conv2Filters || conv2[0].Shape != [2]int{2, 2} {
		t.Fatalf("unexpected conv2 maps: %d channels", len(conv2))
	}
	for _, m := range conv1 {
		for _, v := range m.Map {
			if v < 0 {
				t.Fatalf("relu output negative: %v", v)
			}
		}
	}

	again, _, err := net.Predict(sampleImage(8, 8), false)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := range q {
		if q[i] != again[i] {
			t.Fatalf("prediction not deterministic: %v vs %v", q, again)
		}
	}

	if _, _, err := net.Predict(board.NewEmpty(6, 6), false); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestFit_ReducesLoss(t *testing.T) {
	const batch = 4
	net, err := NewNetwork(8, 8, batch, 0.01)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}

	img := sampleImage(8, 8).Normalized()
	inputs := make([]float64, 0, batch*64)
	targets := make([]float64, 0, batch*4)
	for i := 0; i < batch; i++ {
		inputs = append(inputs, img...)
		targets = append(targets, 1, -1, 0.5, 0)
	}

	first, err := net.Fit(inputs, targets)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	var last float64
	for i := 0; i < 30; i++ {
		if last, err = net.Fit(inputs, targets); err != nil {
			t.Fatalf("Fit: %v", err)
		}
	}
	t.Logf("loss %v -> %v", first, last)
	if last >= first {
		t.Fatalf("loss did not decrease: %v -> %v", first, last)
	}

	if _, err := net.Fit(inputs[:10], targets); err == nil {
		t.Fatal("expected input size error")
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	net, err := NewNetwork(8, 8, 2, 0.01)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	path := CheckpointPath(filepath.Join(t.TempDir(), "models"), "unit")

	if CheckpointExists(path) {
		t.Fatal("checkpoint should not exist yet")
	}
	if err := SaveCheckpoint(path, net.Weights()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if !CheckpointExists(path) {
		t.Fatal("checkpoint missing after save")
	}

	weights, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	other, err := NewNetwork(8, 8, 2, 0.01)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	if err := other.SetWeights(weights); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	img := sampleImage(8, 8)
	want, _, _ := net.Predict(img, false)
	got, _, _ := other.Predict(img, false)
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("restored network differs: %v vs %v", got, want)
		}
	}

	delete(weights, "w1")
	if err := other.SetWeights(weights); err == nil {
		t.Fatal("expected missing weight error")
	}
}

func TestWeights_ConvBiasesAreLearned(t *testing.T) {
	const batch = 2
	net, err := NewNetwork(8, 8, batch, 0.05)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}

	tests := []struct {
		name  string
		shape tensor.Shape
	}{
		{"b1", tensor.Shape{1, Conv1Filters, 1, 1}},
		{"b2", tensor.Shape{1, Conv2Filters, 1, 1}},
	}
	before := net.Weights()
	for _, tt := range tests {
		w, ok := before[tt.name]
		if !ok {
			t.Fatalf("weights missing %s", tt.name)
		}
		if !w.Shape().Eq(tt.shape) {
			t.Fatalf("%s shape = %v, want %v", tt.name, w.Shape(), tt.shape)
		}
		for _, v := range w.Data().([]float64) {
			if v != 0 {
				t.Fatalf("%s should start at zero: %v", tt.name, w.Data())
			}
		}
	}

	img := sampleImage(8, 8).Normalized()
	inputs := append(append([]float64(nil), img...), img...)
	targets := []float64{5, -5, 5, -5, 5, -5, 5, -5}
	for i := 0; i < 5; i++ {
		if _, err := net.Fit(inputs, targets); err != nil {
			t.Fatalf("Fit: %v", err)
		}
	}

	after := net.Weights()
	for _, tt := range tests {
		moved := false
		for _, v := range after[tt.name].Data().([]float64) {
			if v != 0 {
				moved = true
				break
			}
		}
		if !moved {
			t.Fatalf("%s did not change during training", tt.name)
		}
	}
}
