// Package engine defines the capabilities the training orchestration needs from a
// numeric engine, and ships a pure-Go CPU implementation of them.
//
// The orchestration layer only ever talks to the interfaces below. Tensors are
// four-dimensional (batch, channels, height, width); everything else about the
// engine is opaque.
package engine

import (
	"fmt"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Tensor is a 4-D batch-major buffer
type Tensor interface {
	Dims() (batch, channels, height, width int)
	At(b, c, h, w int) float64
	Set(b, c, h, w int, v float64)
}

// DenseWriter is implemented by tensors that accept a bulk copy of
// row-major (batch, channels, height, width) data.
type DenseWriter interface {
	WriteDense(data []float64) error
}

// Model is the trainable pipeline. Gradients computed by Backward accumulate
// until ZeroGrad is called.
type Model interface {
	Forward(input Tensor) (Tensor, error)
	Backward(grad Tensor) error
	Update(opt Optimizer) error
	ZeroGrad()
	TotalParams() int
	SaveWeights(path string) error
}

// Optimizer holds hyperparameters and per-parameter state that persists for the
// whole run.
type Optimizer interface {
	Config() OptimizerConfig
	Steps() int
}

// Loss scores predictions against encoded labels. Backward returns the gradient
// of the loss with respect to the predictions.
type Loss interface {
	Forward(pred, label Tensor) (float64, error)
	Backward(pred, label Tensor) (Tensor, error)
}

// Backend builds engine objects
type Backend interface {
	NewTensor(batch, channels, height, width int, fill float64) (Tensor, error)
	NewModel(spec *layers.ModelSpec) (Model, error)
	NewOptimizer(cfg OptimizerConfig) (Optimizer, error)
	NewLoss(reduction Reduction, encoding Encoding) (Loss, error)
}

// Reduction selects how per-sample losses are combined
type Reduction int

const (
	Mean Reduction = iota
	Sum
)

func (r Reduction) String() string {
	switch r {
	case Mean:
		return "mean"
	case Sum:
		return "sum"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

func (r Reduction) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reduction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "mean":
		*r = Mean
	case "sum":
		*r = Sum
	default:
		return errkind.Newf(errkind.Value, "unknown reduction %q", string(text))
	}
	return nil
}

// Encoding is the label tensor geometry shared by the label encoder and the loss
type Encoding int

const (
	// Scalar stores the class index at channel 0 of a (N, 3, 1, 1) tensor
	Scalar Encoding = iota
	// OneHot stores 1.0 at the class channel of a (N, numClasses, 1, 1) tensor
	OneHot
)

// ScalarChannels is the channel count of scalar-encoded labels.
// Only channel 0 carries data.
const ScalarChannels = 3

func (e Encoding) String() string {
	switch e {
	case Scalar:
		return "scalar"
	case OneHot:
		return "onehot"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Encoding) UnmarshalText(text []byte) error {
	switch string(text) {
	case "scalar":
		*e = Scalar
	case "onehot", "one-hot":
		*e = OneHot
	default:
		return errkind.Newf(errkind.Value, "unknown label encoding %q", string(text))
	}
	return nil
}

// OptimizerConfig holds AMSGrad hyperparameters
type OptimizerConfig struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
	WeightDecay  float64 `json:"weight_decay"`
}

// DefaultOptimizerConfig returns the standard AMSGrad settings
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Validate checks hyperparameter ranges
func (c OptimizerConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errkind.Newf(errkind.Value, "learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 <= 0 || c.Beta1 >= 1 {
		return errkind.Newf(errkind.Value, "beta1 must be in range (0, 1), got %g", c.Beta1)
	}
	if c.Beta2 <= 0 || c.Beta2 >= 1 {
		return errkind.Newf(errkind.Value, "beta2 must be in range (0, 1), got %g", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errkind.Newf(errkind.Value, "epsilon must be positive, got %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errkind.Newf(errkind.Value, "weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}
