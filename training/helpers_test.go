package training

import (
	"testing"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/engine/enginetest"
	"github.com/modularcnn/modularcnn/layers"
)

// makePartition builds n channel-first examples of shape (1, 2, 2) whose
// first pixel equals the label.
func makePartition(n, classes int) *MemoryPartition {
	examples := make([]Example, n)
	for i := range examples {
		label := i % classes
		examples[i] = Example{
			Pixels: []uint8{uint8(label), 1, 2, 3},
			Shape:  [3]int{1, 2, 2},
			Layout: LayoutNCHW,
			Label:  label,
		}
	}
	return NewMemoryPartition(examples)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Epochs = 1
	cfg.NumClasses = 2
	cfg.InputShape = []int{1, 2, 2}
	cfg.Topology = []layers.LayerSpec{layers.FC(4, 2)}
	cfg.CheckpointPath = ""
	cfg.PrintEvery = 0
	return cfg
}

func newSource(t *testing.T, p Partition, batchSize int) *BatchSource {
	t.Helper()
	src, err := NewBatchSource(p, batchSize)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return src
}

func newFakeSession(t *testing.T, cfg Config) (*Session, *enginetest.Backend) {
	t.Helper()
	backend := enginetest.NewBackend()
	backend.Classes = cfg.NumClasses
	s, err := NewSession(backend, cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return s, backend
}

// backends returns one backend exercising per-element writes and one
// exercising bulk writes.
func backends() map[string]engine.Backend {
	return map[string]engine.Backend{
		"set":   enginetest.NewBackend(),
		"dense": engine.NewCPU(1),
	}
}
