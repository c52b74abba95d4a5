package engine

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/modularcnn/modularcnn/errkind"
)

// CrossEntropy is softmax cross-entropy over (N, classes, 1, 1) logits
type CrossEntropy struct {
	Reduction Reduction
	Encoding  Encoding
}

// targets returns the per-sample target distribution
func (l *CrossEntropy) targets(pred, label Tensor) ([][]float64, error) {
	n, classes, h, w := pred.Dims()
	if h != 1 || w != 1 {
		return nil, errkind.Newf(errkind.Shape, "predictions must be (N, classes, 1, 1), got (%d, %d, %d, %d)", n, classes, h, w)
	}
	ln, lc, lh, lw := label.Dims()
	if ln != n {
		return nil, errkind.Newf(errkind.Shape, "%d labels for %d predictions", ln, n)
	}
	if lh != 1 || lw != 1 {
		return nil, errkind.Newf(errkind.Shape, "labels must be (N, C, 1, 1), got (%d, %d, %d, %d)", ln, lc, lh, lw)
	}

	out := make([][]float64, n)
	switch l.Encoding {
	case OneHot:
		if lc != classes {
			return nil, errkind.Newf(errkind.Shape, "one-hot labels have %d channels, predictions have %d", lc, classes)
		}
		for i := range out {
			out[i] = make([]float64, classes)
			for k := range out[i] {
				out[i][k] = label.At(i, k, 0, 0)
			}
		}
	case Scalar:
		if lc != ScalarChannels {
			return nil, errkind.Newf(errkind.Shape, "scalar labels must have %d channels, got %d", ScalarChannels, lc)
		}
		for i := range out {
			v := label.At(i, 0, 0, 0)
			k := int(v)
			if float64(k) != v || k < 0 || k >= classes {
				return nil, errkind.Newf(errkind.Value, "label %g at sample %d outside [0, %d)", v, i, classes)
			}
			out[i] = make([]float64, classes)
			out[i][k] = 1
		}
	default:
		return nil, errkind.Newf(errkind.Value, "unknown label encoding %d", int(l.Encoding))
	}
	return out, nil
}

func logSoftmax(logits []float64) []float64 {
	maxV := floats.Max(logits)
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = v - maxV
		sum += math.Exp(out[i])
	}
	logSum := math.Log(sum)
	for i := range out {
		out[i] -= logSum
	}
	return out
}

func row(t Tensor, b, classes int) []float64 {
	r := make([]float64, classes)
	for k := range r {
		r[k] = t.At(b, k, 0, 0)
	}
	return r
}

func (l *CrossEntropy) scale(n int) float64 {
	if l.Reduction == Mean {
		return 1.0 / float64(n)
	}
	return 1.0
}

// Forward computes the reduced loss
func (l *CrossEntropy) Forward(pred, label Tensor) (float64, error) {
	targets, err := l.targets(pred, label)
	if err != nil {
		return 0, err
	}
	n, classes, _, _ := pred.Dims()
	total := 0.0
	for b := 0; b < n; b++ {
		total -= floats.Dot(targets[b], logSoftmax(row(pred, b, classes)))
	}
	return total * l.scale(n), nil
}

// Backward returns dLoss/dLogits = softmax - target, reduced like Forward
func (l *CrossEntropy) Backward(pred, label Tensor) (Tensor, error) {
	targets, err := l.targets(pred, label)
	if err != nil {
		return nil, err
	}
	n, classes, _, _ := pred.Dims()
	grad, err := NewDenseTensor(n, classes, 1, 1, 0)
	if err != nil {
		return nil, err
	}
	s := l.scale(n)
	for b := 0; b < n; b++ {
		lp := logSoftmax(row(pred, b, classes))
		// soft targets need the total mass, one-hot rows sum to 1
		mass := floats.Sum(targets[b])
		for k := 0; k < classes; k++ {
			grad.Set(b, k, 0, 0, (mass*math.Exp(lp[k])-targets[b][k])*s)
		}
	}
	return grad, nil
}
