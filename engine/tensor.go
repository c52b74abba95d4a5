package engine

import (
	"github.com/modularcnn/modularcnn/errkind"
)

// DenseTensor is a contiguous row-major (batch, channels, height, width) buffer
type DenseTensor struct {
	batch, channels, height, width int
	data                           []float64
}

// NewDenseTensor allocates a tensor with every element set to fill
func NewDenseTensor(batch, channels, height, width int, fill float64) (*DenseTensor, error) {
	if batch <= 0 || channels <= 0 || height <= 0 || width <= 0 {
		return nil, errkind.Newf(errkind.Engine, "invalid tensor dims (%d, %d, %d, %d)", batch, channels, height, width)
	}
	t := &DenseTensor{
		batch:    batch,
		channels: channels,
		height:   height,
		width:    width,
		data:     make([]float64, batch*channels*height*width),
	}
	if fill != 0 {
		for i := range t.data {
			t.data[i] = fill
		}
	}
	return t, nil
}

func (t *DenseTensor) Dims() (int, int, int, int) {
	return t.batch, t.channels, t.height, t.width
}

func (t *DenseTensor) index(b, c, h, w int) int {
	return ((b*t.channels+c)*t.height+h)*t.width + w
}

func (t *DenseTensor) At(b, c, h, w int) float64 {
	return t.data[t.index(b, c, h, w)]
}

func (t *DenseTensor) Set(b, c, h, w int, v float64) {
	t.data[t.index(b, c, h, w)] = v
}

// WriteDense copies data into the tensor
func (t *DenseTensor) WriteDense(data []float64) error {
	if len(data) != len(t.data) {
		return errkind.Newf(errkind.Engine, "dense write of %d elements into tensor of %d", len(data), len(t.data))
	}
	copy(t.data, data)
	return nil
}

// Data exposes the backing slice
func (t *DenseTensor) Data() []float64 {
	return t.data
}

// Len returns the element count
func (t *DenseTensor) Len() int {
	return len(t.data)
}

// sampleSize is the number of elements per batch entry
func (t *DenseTensor) sampleSize() int {
	return t.channels * t.height * t.width
}

// asDense returns t itself when it is already dense, otherwise a dense copy.
func asDense(t Tensor) (*DenseTensor, error) {
	if d, ok := t.(*DenseTensor); ok {
		return d, nil
	}
	b, c, h, w := t.Dims()
	d, err := NewDenseTensor(b, c, h, w, 0)
	if err != nil {
		return nil, err
	}
	i := 0
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					d.data[i] = t.At(n, ch, y, x)
					i++
				}
			}
		}
	}
	return d, nil
}
