package training

import (
	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
)

// Layout is the axis order of a raw image batch
type Layout int

const (
	// LayoutUnknown leaves the decision to the shape heuristic
	LayoutUnknown Layout = iota
	// LayoutNHWC is (batch, height, width, channels)
	LayoutNHWC
	// LayoutNCHW is (batch, channels, height, width)
	LayoutNCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return "unknown"
	}
}

// DefaultSpatialThreshold is the axis-1 size above which an untagged batch
// with 1 or 3 trailing channels is read as channel-last.
const DefaultSpatialThreshold = 10

// RawImageBatch is a 4-D pixel buffer in row-major order.
// Pixels is one of []uint8, []int, []int32, []float32 or []float64.
type RawImageBatch struct {
	Shape  []int
	Pixels interface{}
	Layout Layout
}

// Marshaller converts raw image batches into engine tensors of
// (batch, channels, height, width).
type Marshaller struct {
	backend          engine.Backend
	SpatialThreshold int
}

// NewMarshaller creates a marshaller with the default heuristic threshold
func NewMarshaller(backend engine.Backend) *Marshaller {
	return &Marshaller{
		backend:          backend,
		SpatialThreshold: DefaultSpatialThreshold,
	}
}

// Marshal validates raw and copies it into a freshly allocated tensor.
// raw is never modified.
func (m *Marshaller) Marshal(raw RawImageBatch) (engine.Tensor, error) {
	if len(raw.Shape) != 4 {
		return nil, errkind.Newf(errkind.Shape, "image batch must have 4 axes, got %d (%v)", len(raw.Shape), raw.Shape)
	}
	total := 1
	for _, d := range raw.Shape {
		if d <= 0 {
			return nil, errkind.Newf(errkind.Shape, "image batch has non-positive axis: %v", raw.Shape)
		}
		total *= d
	}

	values, err := pixelsToFloat64(raw.Pixels)
	if err != nil {
		return nil, err
	}
	if len(values) != total {
		return nil, errkind.Newf(errkind.Shape, "image batch shape %v needs %d values, buffer has %d", raw.Shape, total, len(values))
	}

	channelLast := m.channelLast(raw)
	var b, c, h, w int
	if channelLast {
		b, h, w, c = raw.Shape[0], raw.Shape[1], raw.Shape[2], raw.Shape[3]
	} else {
		b, c, h, w = raw.Shape[0], raw.Shape[1], raw.Shape[2], raw.Shape[3]
	}

	t, err := m.backend.NewTensor(b, c, h, w, 0)
	if err != nil {
		return nil, engineError(err, "failed to allocate image tensor")
	}

	if dw, ok := t.(engine.DenseWriter); ok {
		dense := values
		if channelLast {
			dense = transposeNHWC(values, b, h, w, c)
		}
		if err := dw.WriteDense(dense); err != nil {
			return nil, engineError(err, "failed to write image tensor")
		}
		return t, nil
	}

	if channelLast {
		i := 0
		for n := 0; n < b; n++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					for ch := 0; ch < c; ch++ {
						t.Set(n, ch, y, x, values[i])
						i++
					}
				}
			}
		}
		return t, nil
	}

	i := 0
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					t.Set(n, ch, y, x, values[i])
					i++
				}
			}
		}
	}
	return t, nil
}

// channelLast decides the axis order. An explicit layout wins; otherwise the
// batch is channel-last when the last axis is 1 or 3 and axis 1 looks spatial.
// Small square inputs such as 3x3x3 are ambiguous and read as channel-first.
func (m *Marshaller) channelLast(raw RawImageBatch) bool {
	switch raw.Layout {
	case LayoutNHWC:
		return true
	case LayoutNCHW:
		return false
	}

	last := raw.Shape[3]
	result := (last == 1 || last == 3) && raw.Shape[1] > m.SpatialThreshold
	klog.Warningf("image batch %v has no layout tag, inferred channel-last=%t from shape", raw.Shape, result)
	return result
}

// transposeNHWC reorders (b, h, w, c) data to (b, c, h, w)
func transposeNHWC(src []float64, b, h, w, c int) []float64 {
	dst := make([]float64, len(src))
	i := 0
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[((n*c+ch)*h+y)*w+x] = src[i]
					i++
				}
			}
		}
	}
	return dst
}

func pixelsToFloat64(pixels interface{}) ([]float64, error) {
	switch p := pixels.(type) {
	case []float64:
		return p, nil
	case []float32:
		return convert(p), nil
	case []uint8:
		return convert(p), nil
	case []int:
		return convert(p), nil
	case []int32:
		return convert(p), nil
	default:
		return nil, errkind.Newf(errkind.Type, "unsupported pixel buffer %T", pixels)
	}
}

func convert[T uint8 | int | int32 | int64 | float32](src []T) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// engineError classifies unclassified engine failures as EngineError
func engineError(err error, msg string) error {
	if errkind.KindOf(err) != errkind.Unknown {
		return errkind.Wrapf(errkind.KindOf(err), err, "%s", msg)
	}
	return errkind.Wrapf(errkind.Engine, err, "%s", msg)
}
