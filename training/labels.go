package training

import (
	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
)

// RawLabelBatch is a 1-D buffer of class indices.
// Values is one of []int, []int32, []int64 or []uint8.
type RawLabelBatch struct {
	Shape  []int
	Values interface{}
}

// LabelEncoder converts class indices into the label tensor the loss expects
type LabelEncoder struct {
	backend    engine.Backend
	Encoding   engine.Encoding
	NumClasses int
}

// NewLabelEncoder creates an encoder for numClasses classes
func NewLabelEncoder(backend engine.Backend, encoding engine.Encoding, numClasses int) (*LabelEncoder, error) {
	if numClasses <= 0 {
		return nil, errkind.Newf(errkind.Value, "number of classes must be positive, got %d", numClasses)
	}
	if encoding != engine.Scalar && encoding != engine.OneHot {
		return nil, errkind.Newf(errkind.Value, "unknown label encoding %d", int(encoding))
	}
	return &LabelEncoder{
		backend:    backend,
		Encoding:   encoding,
		NumClasses: numClasses,
	}, nil
}

// Encode returns a (N, 3, 1, 1) tensor with the class at channel 0 for
// Scalar encoding, or a (N, numClasses, 1, 1) one-hot tensor.
func (e *LabelEncoder) Encode(raw RawLabelBatch) (engine.Tensor, error) {
	labels, err := labelsToInt(raw.Values)
	if err != nil {
		return nil, err
	}
	if len(raw.Shape) != 1 {
		return nil, errkind.Newf(errkind.Shape, "label batch must have 1 axis, got %d (%v)", len(raw.Shape), raw.Shape)
	}
	if raw.Shape[0] <= 0 || raw.Shape[0] != len(labels) {
		return nil, errkind.Newf(errkind.Shape, "label batch shape %v does not match %d values", raw.Shape, len(labels))
	}
	for i, l := range labels {
		if l < 0 || l >= e.NumClasses {
			return nil, errkind.Newf(errkind.Value, "label %d at index %d outside [0, %d)", l, i, e.NumClasses)
		}
	}

	n := len(labels)
	channels := engine.ScalarChannels
	if e.Encoding == engine.OneHot {
		channels = e.NumClasses
	}
	t, err := e.backend.NewTensor(n, channels, 1, 1, 0)
	if err != nil {
		return nil, engineError(err, "failed to allocate label tensor")
	}

	for i, l := range labels {
		if e.Encoding == engine.OneHot {
			t.Set(i, l, 0, 0, 1)
		} else {
			t.Set(i, 0, 0, 0, float64(l))
		}
	}
	return t, nil
}

func labelsToInt(values interface{}) ([]int, error) {
	switch v := values.(type) {
	case []int:
		return v, nil
	case []int32:
		return widen(v), nil
	case []int64:
		return widen(v), nil
	case []uint8:
		return widen(v), nil
	default:
		return nil, errkind.Newf(errkind.Type, "labels must be integral, got %T", values)
	}
}

func widen[T int32 | int64 | uint8](src []T) []int {
	out := make([]int, len(src))
	for i, v := range src {
		out[i] = int(v)
	}
	return out
}
