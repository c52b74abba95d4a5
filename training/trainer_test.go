package training

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modularcnn/modularcnn/checkpoints"
	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/engine/enginetest"
	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

var batchCycle = []string{
	enginetest.CallForward,
	enginetest.CallLossForward,
	enginetest.CallLossBackward,
	enginetest.CallBackward,
	enginetest.CallUpdate,
	enginetest.CallZeroGrad,
}

func TestTrainEpochStageOrder(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	src := newSource(t, makePartition(5, 2), 2)

	metrics, err := s.TrainEpoch(1, src)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if metrics.Batches != 3 || metrics.Samples != 5 {
		t.Errorf("Expected 3 batches and 5 samples, got %d and %d", metrics.Batches, metrics.Samples)
	}

	calls := backend.ModelCalls()
	if len(calls) != 3*len(batchCycle) {
		t.Fatalf("Expected %d calls, got %d: %v", 3*len(batchCycle), len(calls), calls)
	}
	for i, call := range calls {
		if want := batchCycle[i%len(batchCycle)]; call != want {
			t.Errorf("Call %d: expected %s, got %s", i, want, call)
		}
	}
	if calls[len(calls)-1] != enginetest.CallZeroGrad {
		t.Error("Expected the last batch to end with a gradient reset")
	}
	if s.Stage() != StageIdle {
		t.Errorf("Expected Idle after the epoch, got %s", s.Stage())
	}
}

func TestTrainEpochPassesLossGradient(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	if _, err := s.TrainEpoch(1, newSource(t, makePartition(4, 2), 2)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	model := backend.Model()
	if len(model.Grads) != 2 {
		t.Fatalf("Expected 2 gradients, got %d", len(model.Grads))
	}
	for i, g := range model.Grads {
		if g.At(0, 0, 0, 0) != 0.5 {
			t.Errorf("Gradient %d was not the loss gradient", i)
		}
	}
	if got := model.Inputs; len(got) != 2 || got[0] != 2 || got[1] != 2 {
		t.Errorf("Expected forward batch sizes [2 2], got %v", got)
	}
}

func TestTrainEpochReportsRunningLoss(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	backend.Losses = []float64{3, 2, 1}

	var reports []BatchReport
	s.SetBatchCallback(func(r BatchReport) { reports = append(reports, r) })

	metrics, err := s.TrainEpoch(4, newSource(t, makePartition(6, 2), 2))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("Expected 3 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if r.Loss != float64(3-i) || r.Batch != i || r.Epoch != 4 || r.Total != 3 {
			t.Errorf("Unexpected report %d: %+v", i, r)
		}
	}
	if metrics.LastLoss != 1 || metrics.MeanLoss != 2 {
		t.Errorf("Expected last loss 1 and mean 2, got %v and %v", metrics.LastLoss, metrics.MeanLoss)
	}
}

func TestEvaluateCumulativeLoss(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	backend.Losses = []float64{0.9, 0.5, 0.4}
	model := backend.Model()
	before := model.Params()

	metrics, err := s.Evaluate(newSource(t, makePartition(6, 2), 2))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(metrics.CumulativeLoss-1.8) > 1e-12 {
		t.Errorf("Expected cumulative loss 1.8, got %v", metrics.CumulativeLoss)
	}
	if metrics.Batches != 3 || metrics.Samples != 6 {
		t.Errorf("Expected 3 batches and 6 samples, got %d and %d", metrics.Batches, metrics.Samples)
	}
	if math.Abs(metrics.MeanLoss()-0.6) > 1e-12 {
		t.Errorf("Expected mean loss 0.6, got %v", metrics.MeanLoss())
	}

	after := model.Params()
	for i := range before {
		if math.Float64bits(before[i]) != math.Float64bits(after[i]) {
			t.Errorf("Parameter %d changed during evaluation", i)
		}
	}
	for _, call := range []string{enginetest.CallBackward, enginetest.CallUpdate, enginetest.CallZeroGrad, enginetest.CallLossBackward} {
		if n := backend.Count(call); n != 0 {
			t.Errorf("Expected no %s during evaluation, got %d", call, n)
		}
	}
}

func TestEvaluateLeavesCPUParametersUntouched(t *testing.T) {
	cfg := testConfig()
	s, err := NewSession(engine.NewCPU(3), cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	net := s.Model().(*engine.Network)
	snapshot := func() []uint64 {
		var out []uint64
		for _, p := range net.Parameters() {
			for i := range p.Value {
				out = append(out, math.Float64bits(p.Value[i]), math.Float64bits(p.Grad[i]))
			}
		}
		return out
	}

	before := snapshot()
	if _, err := s.Evaluate(newSource(t, makePartition(5, 2), 2)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	after := snapshot()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("Evaluation modified parameter state at %d", i)
		}
	}
}

func TestEvaluateAccuracy(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	// Predict the class stored in the first pixel
	backend.Predict = func(input, pred engine.Tensor) {
		n, _, _, _ := input.Dims()
		for b := 0; b < n; b++ {
			pred.Set(b, int(input.At(b, 0, 0, 0)), 0, 0, 1)
		}
	}

	metrics, err := s.Evaluate(newSource(t, makePartition(5, 2), 2))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if metrics.Correct != 5 || metrics.Accuracy() != 1 {
		t.Errorf("Expected all 5 correct, got %d (%.2f)", metrics.Correct, metrics.Accuracy())
	}
}

type recordingWriter struct {
	saves   []string
	updates []int
	model   *enginetest.Model
	last    checkpoints.Manifest
	err     error
}

func (w *recordingWriter) Save(model engine.Model, path string, manifest checkpoints.Manifest) error {
	w.saves = append(w.saves, path)
	w.last = manifest
	if w.model != nil {
		w.updates = append(w.updates, len(w.model.Inputs))
	}
	return w.err
}

func TestRunCheckpointsOnceAtEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 3
	cfg.CheckpointPath = "out/final.weights"
	s, backend := newFakeSession(t, cfg)
	writer := &recordingWriter{model: backend.Model()}
	s.SetCheckpointWriter(writer)

	train := newSource(t, makePartition(4, 2), 2)
	test := newSource(t, makePartition(2, 2), 2)

	history, err := s.Run(train, test)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 epochs, got %d", len(history))
	}
	for i, m := range history {
		if m.Epoch != i+1 || m.Eval == nil || m.Eval.Batches != 1 {
			t.Errorf("Unexpected epoch metrics %d: %+v", i, m)
		}
	}

	if len(writer.saves) != 1 || writer.saves[0] != cfg.CheckpointPath {
		t.Fatalf("Expected a single save to %s, got %v", cfg.CheckpointPath, writer.saves)
	}
	// 3 epochs of 2 training batches plus 1 evaluation batch
	if writer.updates[0] != 9 {
		t.Errorf("Expected checkpoint after all 9 forward passes, got %d", writer.updates[0])
	}
	if n := backend.Count(enginetest.CallUpdate); n != 6 {
		t.Errorf("Expected 6 updates, got %d", n)
	}
	if writer.last.TrainingState.Epochs != 3 || writer.last.TrainingState.OptimizerSteps != 6 {
		t.Errorf("Unexpected training state %+v", writer.last.TrainingState)
	}
	if s.Stage() != StageEpochDone {
		t.Errorf("Expected EpochDone, got %s", s.Stage())
	}
}

func TestRunWithoutCheckpointPath(t *testing.T) {
	s, _ := newFakeSession(t, testConfig())
	writer := &recordingWriter{}
	s.SetCheckpointWriter(writer)

	history, err := s.Run(newSource(t, makePartition(2, 2), 2), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(writer.saves) != 0 {
		t.Errorf("Expected no checkpoint, got %v", writer.saves)
	}
	if history[0].Eval != nil {
		t.Error("Expected no evaluation without a test partition")
	}
}

func TestRunCheckpointError(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointPath = "x"
	s, _ := newFakeSession(t, cfg)
	s.SetCheckpointWriter(&recordingWriter{err: errkind.Newf(errkind.IO, "read-only")})

	_, err := s.Run(newSource(t, makePartition(2, 2), 2), nil)
	if !errkind.Is(err, errkind.IO) {
		t.Errorf("Expected IOError, got %v", err)
	}
}

func TestTrainEpochEngineFailure(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	backend.Failures = map[string]error{enginetest.CallBackward: errors.New("device lost")}

	_, err := s.TrainEpoch(1, newSource(t, makePartition(4, 2), 2))
	if !errkind.Is(err, errkind.Engine) {
		t.Fatalf("Expected EngineError, got %v", err)
	}
	if !strings.Contains(err.Error(), "ModelBackward") || !strings.Contains(err.Error(), "batch 0") {
		t.Errorf("Expected stage and batch in error, got %v", err)
	}
	if n := backend.Count(enginetest.CallUpdate); n != 0 {
		t.Errorf("Expected no update after a failed backward, got %d", n)
	}
	if n := backend.Count(enginetest.CallForward); n != 1 {
		t.Errorf("Expected training to stop after the first batch, got %d forwards", n)
	}
}

func TestTrainEpochLabelOutOfRange(t *testing.T) {
	s, backend := newFakeSession(t, testConfig())
	p := makePartition(2, 2)
	p.Add(Example{Pixels: make([]uint8, 4), Shape: [3]int{1, 2, 2}, Layout: LayoutNCHW, Label: 7})

	_, err := s.TrainEpoch(1, newSource(t, p, 2))
	if !errkind.Is(err, errkind.Value) {
		t.Fatalf("Expected ValueError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Encode") {
		t.Errorf("Expected encode stage in error, got %v", err)
	}
	// The first batch completed before the bad one was reached
	if n := backend.Count(enginetest.CallZeroGrad); n != 1 {
		t.Errorf("Expected 1 completed batch, got %d", n)
	}
}

func TestTrainBatchCountMismatch(t *testing.T) {
	s, _ := newFakeSession(t, testConfig())
	batch := Batch{
		Images: RawImageBatch{Shape: []int{2, 1, 2, 2}, Pixels: make([]uint8, 8), Layout: LayoutNCHW},
		Labels: RawLabelBatch{Shape: []int{3}, Values: []int{0, 1, 0}},
	}
	if _, err := s.trainBatch(batch); !errkind.Is(err, errkind.Shape) {
		t.Errorf("Expected ShapeError, got %v", err)
	}
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Topology = []layers.LayerSpec{layers.FC(4, 5)}
	if _, err := NewSession(enginetest.NewBackend(), cfg); !errkind.Is(err, errkind.Shape) {
		t.Errorf("Expected ShapeError for output/class mismatch, got %v", err)
	}
}

func TestRunEndToEndCPU(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 2
	cfg.Encoding = engine.Scalar
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "model.weights")

	s, err := NewSession(engine.NewCPU(2), cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	history, err := s.Run(newSource(t, makePartition(9, 2), 4), newSource(t, makePartition(3, 2), 4))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(history) != 2 || history[1].Eval == nil {
		t.Fatalf("Unexpected history %+v", history)
	}
	if history[0].Train.Batches != 3 {
		t.Errorf("Expected 3 training batches, got %d", history[0].Train.Batches)
	}

	net, err := engine.LoadNetwork(cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if net.TotalParams() != s.Model().TotalParams() {
		t.Errorf("Expected %d parameters, got %d", s.Model().TotalParams(), net.TotalParams())
	}
	manifest, err := checkpoints.ReadManifest(cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if manifest.TrainingState.OptimizerSteps != 6 {
		t.Errorf("Expected 6 optimizer steps, got %d", manifest.TrainingState.OptimizerSteps)
	}
}
