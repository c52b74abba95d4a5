package training

import (
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/checkpoints"
	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Stage is the step of the per-batch pipeline a session is in
type Stage int

const (
	StageIdle Stage = iota
	StageMarshal
	StageEncode
	StageForward
	StageLossCompute
	StageLossBackward
	StageModelBackward
	StageParameterUpdate
	StageGradientReset
	StageEpochDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageMarshal:
		return "Marshal"
	case StageEncode:
		return "Encode"
	case StageForward:
		return "ForwardPass"
	case StageLossCompute:
		return "LossCompute"
	case StageLossBackward:
		return "LossBackward"
	case StageModelBackward:
		return "ModelBackward"
	case StageParameterUpdate:
		return "ParameterUpdate"
	case StageGradientReset:
		return "GradientReset"
	case StageEpochDone:
		return "EpochDone"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// CheckpointWriter persists the final model
type CheckpointWriter interface {
	Save(model engine.Model, path string, manifest checkpoints.Manifest) error
}

// Session owns the model, optimizer and loss of one training run and drives
// them one batch at a time.
type Session struct {
	config     Config
	spec       *layers.ModelSpec
	model      engine.Model
	optimizer  engine.Optimizer
	loss       engine.Loss
	marshaller *Marshaller
	encoder    *LabelEncoder

	checkpoint CheckpointWriter
	progress   io.Writer
	onBatch    func(BatchReport)
	stage      Stage
}

// NewSession validates cfg and builds the engine objects for it
func NewSession(backend engine.Backend, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	spec, err := cfg.compile()
	if err != nil {
		return nil, err
	}

	model, err := backend.NewModel(spec)
	if err != nil {
		return nil, engineError(err, "failed to build model")
	}
	optimizer, err := backend.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, engineError(err, "failed to build optimizer")
	}
	loss, err := backend.NewLoss(cfg.Reduction, cfg.Encoding)
	if err != nil {
		return nil, engineError(err, "failed to build loss")
	}
	encoder, err := NewLabelEncoder(backend, cfg.Encoding, cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	marshaller := NewMarshaller(backend)
	marshaller.SpatialThreshold = cfg.SpatialThreshold

	return &Session{
		config:     cfg,
		spec:       spec,
		model:      model,
		optimizer:  optimizer,
		loss:       loss,
		marshaller: marshaller,
		encoder:    encoder,
		checkpoint: checkpoints.NewWriter(),
	}, nil
}

// SetCheckpointWriter replaces the default local/S3 writer
func (s *Session) SetCheckpointWriter(w CheckpointWriter) {
	s.checkpoint = w
}

// SetProgressOutput enables a progress bar per pass written to w
func (s *Session) SetProgressOutput(w io.Writer) {
	s.progress = w
}

// SetBatchCallback registers fn to receive the loss of every training batch
func (s *Session) SetBatchCallback(fn func(BatchReport)) {
	s.onBatch = fn
}

// Model returns the model being trained
func (s *Session) Model() engine.Model { return s.model }

// Spec returns the compiled topology
func (s *Session) Spec() *layers.ModelSpec { return s.spec }

// Stage returns the current pipeline stage
func (s *Session) Stage() Stage { return s.stage }

// stageError annotates err with the batch and stage without changing its kind
func (s *Session) stageError(batch int, err error) error {
	if errkind.KindOf(err) == errkind.Unknown {
		err = errkind.Wrapf(errkind.Engine, err, "engine failure")
	}
	return fmt.Errorf("batch %d: %s failed: %w", batch, s.stage, err)
}

// prepare marshals and encodes one batch and checks that counts agree
func (s *Session) prepare(batch Batch) (engine.Tensor, engine.Tensor, error) {
	s.stage = StageMarshal
	images, err := s.marshaller.Marshal(batch.Images)
	if err != nil {
		return nil, nil, err
	}
	s.stage = StageEncode
	labels, err := s.encoder.Encode(batch.Labels)
	if err != nil {
		return nil, nil, err
	}
	in, _, _, _ := images.Dims()
	ln, _, _, _ := labels.Dims()
	if in != ln {
		return nil, nil, errkind.Newf(errkind.Shape, "%d images but %d labels", in, ln)
	}
	return images, labels, nil
}

// trainBatch runs the full update cycle for one batch and returns its loss
func (s *Session) trainBatch(batch Batch) (float64, error) {
	images, labels, err := s.prepare(batch)
	if err != nil {
		return 0, err
	}

	s.stage = StageForward
	pred, err := s.model.Forward(images)
	if err != nil {
		return 0, err
	}

	s.stage = StageLossCompute
	lossValue, err := s.loss.Forward(pred, labels)
	if err != nil {
		return 0, err
	}

	s.stage = StageLossBackward
	grad, err := s.loss.Backward(pred, labels)
	if err != nil {
		return 0, err
	}

	s.stage = StageModelBackward
	if err := s.model.Backward(grad); err != nil {
		return 0, err
	}

	s.stage = StageParameterUpdate
	if err := s.model.Update(s.optimizer); err != nil {
		return 0, err
	}

	// Gradients accumulate in the engine; a missed reset corrupts the next batch
	s.stage = StageGradientReset
	s.model.ZeroGrad()

	s.stage = StageIdle
	return lossValue, nil
}

// TrainEpoch runs one training pass over src
func (s *Session) TrainEpoch(epoch int, src *BatchSource) (TrainMetrics, error) {
	start := time.Now()
	metrics := TrainMetrics{Epoch: epoch}
	total := src.Len()

	var bar *ProgressBar
	if s.progress != nil {
		bar = NewProgressBar(s.progress, fmt.Sprintf("Epoch %d/%d (Training)", epoch, s.config.Epochs), total)
	}

	var lossSum float64
	for batch, err := range src.Batches() {
		if err != nil {
			return metrics, fmt.Errorf("batch %d: failed to load: %w", batch.Index, err)
		}

		lossValue, err := s.trainBatch(batch)
		if err != nil {
			return metrics, s.stageError(batch.Index, err)
		}

		metrics.Batches++
		metrics.Samples += batch.Size
		metrics.LastLoss = lossValue
		lossSum += lossValue

		if s.onBatch != nil {
			s.onBatch(BatchReport{Epoch: epoch, Batch: batch.Index, Total: total, Loss: lossValue})
		}
		if bar != nil {
			bar.Update(metrics.Batches, map[string]float64{"loss": lossValue})
		}
		if s.config.PrintEvery > 0 && metrics.Batches%s.config.PrintEvery == 0 {
			klog.Infof("Epoch %d [%d/%d] loss: %.4f", epoch, metrics.Batches, total, lossValue)
		}
		klog.V(2).Infof("epoch %d batch %d size %d loss %.6f", epoch, batch.Index, batch.Size, lossValue)
	}

	if bar != nil {
		bar.Finish()
	}
	if metrics.Batches > 0 {
		metrics.MeanLoss = lossSum / float64(metrics.Batches)
	}
	metrics.Duration = time.Since(start)
	return metrics, nil
}

// Evaluate runs forward passes over src and accumulates loss and accuracy.
// Parameters, gradients and optimizer state are left untouched.
func (s *Session) Evaluate(src *BatchSource) (EvalMetrics, error) {
	start := time.Now()
	var metrics EvalMetrics

	var bar *ProgressBar
	if s.progress != nil {
		bar = NewProgressBar(s.progress, "Evaluation", src.Len())
	}

	for batch, err := range src.Batches() {
		if err != nil {
			return metrics, fmt.Errorf("batch %d: failed to load: %w", batch.Index, err)
		}

		images, labels, err := s.prepare(batch)
		if err != nil {
			return metrics, s.stageError(batch.Index, err)
		}

		s.stage = StageForward
		pred, err := s.model.Forward(images)
		if err != nil {
			return metrics, s.stageError(batch.Index, err)
		}

		s.stage = StageLossCompute
		lossValue, err := s.loss.Forward(pred, labels)
		if err != nil {
			return metrics, s.stageError(batch.Index, err)
		}
		s.stage = StageIdle

		metrics.CumulativeLoss += lossValue
		metrics.Batches++
		metrics.Samples += batch.Size
		metrics.Correct += countCorrect(pred, batch.Labels)

		if bar != nil {
			bar.Update(metrics.Batches, map[string]float64{"loss": metrics.CumulativeLoss, "accuracy": metrics.Accuracy()})
		}
	}

	if bar != nil {
		bar.Finish()
	}
	metrics.Duration = time.Since(start)
	return metrics, nil
}

// countCorrect compares the argmax over prediction channels with the labels
func countCorrect(pred engine.Tensor, raw RawLabelBatch) int {
	labels, err := labelsToInt(raw.Values)
	if err != nil {
		return 0
	}
	n, classes, _, _ := pred.Dims()
	correct := 0
	for b := 0; b < n && b < len(labels); b++ {
		best := 0
		for k := 1; k < classes; k++ {
			if pred.At(b, k, 0, 0) > pred.At(b, best, 0, 0) {
				best = k
			}
		}
		if best == labels[b] {
			correct++
		}
	}
	return correct
}

// Run trains for the configured number of epochs, evaluating after each one
// when test is non-nil, and writes the checkpoint once at the end.
func (s *Session) Run(train, test *BatchSource) ([]EpochMetrics, error) {
	if train == nil {
		return nil, errkind.Newf(errkind.Value, "no training data")
	}
	klog.Infof("Starting training for %d epochs: %d training examples in %d batches of %d, %d parameters",
		s.config.Epochs, train.Examples(), train.Len(), train.BatchSize(), s.model.TotalParams())

	history := make([]EpochMetrics, 0, s.config.Epochs)
	for epoch := 1; epoch <= s.config.Epochs; epoch++ {
		trainMetrics, err := s.TrainEpoch(epoch, train)
		if err != nil {
			return history, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		result := EpochMetrics{Epoch: epoch, Train: trainMetrics}

		if test != nil {
			evalMetrics, err := s.Evaluate(test)
			if err != nil {
				return history, fmt.Errorf("evaluation epoch %d failed: %w", epoch, err)
			}
			result.Eval = &evalMetrics
		}

		s.stage = StageEpochDone
		history = append(history, result)
		printEpochSummary(s.config.Epochs, result)
	}

	if s.config.CheckpointPath != "" {
		if err := s.checkpoint.Save(s.model, s.config.CheckpointPath, s.manifest(history)); err != nil {
			return history, fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return history, nil
}

func (s *Session) manifest(history []EpochMetrics) checkpoints.Manifest {
	state := checkpoints.TrainingState{
		Epochs:         len(history),
		BatchSize:      s.config.BatchSize,
		OptimizerSteps: s.optimizer.Steps(),
		LearningRate:   s.config.Optimizer.LearningRate,
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		state.FinalTrainLoss = last.Train.MeanLoss
		if last.Eval != nil {
			state.FinalEvalLoss = last.Eval.CumulativeLoss
			state.FinalAccuracy = last.Eval.Accuracy()
		}
	}
	return checkpoints.Manifest{
		Metadata: checkpoints.Metadata{
			Description: fmt.Sprintf("%d-class classifier", s.config.NumClasses),
			Tags:        []string{s.config.Encoding.String(), s.config.Reduction.String()},
		},
		InputShape:    s.spec.InputShape,
		Topology:      s.spec.Specs(),
		TrainingState: state,
	}
}

func printEpochSummary(epochs int, m EpochMetrics) {
	klog.Infof("Epoch %d/%d: train loss %.4f (last %.4f) over %d batches in %s",
		m.Epoch, epochs, m.Train.MeanLoss, m.Train.LastLoss, m.Train.Batches, m.Train.Duration.Round(time.Millisecond))
	if m.Eval != nil {
		klog.Infof("Epoch %d/%d: eval cumulative loss %.4f (mean %.4f), accuracy %.2f%% (%d/%d)",
			m.Epoch, epochs, m.Eval.CumulativeLoss, m.Eval.MeanLoss(), m.Eval.Accuracy()*100, m.Eval.Correct, m.Eval.Samples)
	}
}
