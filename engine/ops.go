package engine

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Param is a trainable buffer and its accumulated gradient
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, size int) *Param {
	return &Param{
		Name:  name,
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// operation is one stage of the CPU pipeline
type operation interface {
	spec() layers.LayerSpec
	forward(in *DenseTensor) (*DenseTensor, error)
	backward(grad *DenseTensor) (*DenseTensor, error)
	params() []*Param
}

// heInit fills w from N(0, 2/fanIn)
func heInit(rng *rand.Rand, w []float64, fanIn int) {
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
}

// convOp is a 2-D convolution followed by ReLU
type convOp struct {
	layer   layers.LayerSpec
	weights *Param // [out][in][kh][kw]
	biases  *Param // [out]

	input  *DenseTensor
	output *DenseTensor
}

func newConvOp(layer layers.LayerSpec, rng *rand.Rand) *convOp {
	size := layer.OutChannels * layer.InChannels * layer.KernelH * layer.KernelW
	op := &convOp{
		layer:   layer,
		weights: newParam(layer.Name+".weight", size),
		biases:  newParam(layer.Name+".bias", layer.OutChannels),
	}
	if rng != nil {
		heInit(rng, op.weights.Value, layer.InChannels*layer.KernelH*layer.KernelW)
	}
	return op
}

func (op *convOp) spec() layers.LayerSpec { return op.layer }
func (op *convOp) params() []*Param       { return []*Param{op.weights, op.biases} }

func (op *convOp) outputSize(h, w int) (int, int) {
	l := op.layer
	return (h+2*l.Padding-l.KernelH)/l.Stride + 1, (w+2*l.Padding-l.KernelW)/l.Stride + 1
}

func (op *convOp) forward(in *DenseTensor) (*DenseTensor, error) {
	l := op.layer
	n, c, h, w := in.Dims()
	if c != l.InChannels {
		return nil, errkind.Newf(errkind.Engine, "%s expects %d channels, got %d", l.Name, l.InChannels, c)
	}
	outH, outW := op.outputSize(h, w)
	out, err := NewDenseTensor(n, l.OutChannels, outH, outW, 0)
	if err != nil {
		return nil, err
	}

	kSize := l.KernelH * l.KernelW
	for b := 0; b < n; b++ {
		for o := 0; o < l.OutChannels; o++ {
			bias := op.biases.Value[o]
			for y := 0; y < outH; y++ {
				for x := 0; x < outW; x++ {
					sum := bias
					for ch := 0; ch < c; ch++ {
						wBase := (o*c + ch) * kSize
						for ky := 0; ky < l.KernelH; ky++ {
							iy := y*l.Stride + ky - l.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < l.KernelW; kx++ {
								ix := x*l.Stride + kx - l.Padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += op.weights.Value[wBase+ky*l.KernelW+kx] * in.At(b, ch, iy, ix)
							}
						}
					}
					if sum < 0 {
						sum = 0
					}
					out.Set(b, o, y, x, sum)
				}
			}
		}
	}

	op.input = in
	op.output = out
	return out, nil
}

func (op *convOp) backward(grad *DenseTensor) (*DenseTensor, error) {
	if op.input == nil {
		return nil, errkind.Newf(errkind.Engine, "%s: backward called before forward", op.layer.Name)
	}
	if err := sameDims(grad, op.output, op.layer.Name); err != nil {
		return nil, err
	}

	l := op.layer
	n, c, h, w := op.input.Dims()
	_, _, outH, outW := op.output.Dims()
	dIn, err := NewDenseTensor(n, c, h, w, 0)
	if err != nil {
		return nil, err
	}

	kSize := l.KernelH * l.KernelW
	for b := 0; b < n; b++ {
		for o := 0; o < l.OutChannels; o++ {
			for y := 0; y < outH; y++ {
				for x := 0; x < outW; x++ {
					// ReLU passes gradient only where the output was positive
					if op.output.At(b, o, y, x) <= 0 {
						continue
					}
					g := grad.At(b, o, y, x)
					op.biases.Grad[o] += g
					for ch := 0; ch < c; ch++ {
						wBase := (o*c + ch) * kSize
						for ky := 0; ky < l.KernelH; ky++ {
							iy := y*l.Stride + ky - l.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < l.KernelW; kx++ {
								ix := x*l.Stride + kx - l.Padding
								if ix < 0 || ix >= w {
									continue
								}
								wi := wBase + ky*l.KernelW + kx
								op.weights.Grad[wi] += g * op.input.At(b, ch, iy, ix)
								dIn.data[dIn.index(b, ch, iy, ix)] += g * op.weights.Value[wi]
							}
						}
					}
				}
			}
		}
	}
	return dIn, nil
}

// poolOp is max pooling; padded positions never win
type poolOp struct {
	layer layers.LayerSpec

	inDims [4]int
	output *DenseTensor
	argmax []int // flat input index per output element, -1 when the window is empty
}

func newPoolOp(layer layers.LayerSpec) *poolOp {
	return &poolOp{layer: layer}
}

func (op *poolOp) spec() layers.LayerSpec { return op.layer }
func (op *poolOp) params() []*Param       { return nil }

func (op *poolOp) forward(in *DenseTensor) (*DenseTensor, error) {
	l := op.layer
	n, c, h, w := in.Dims()
	outH := (h+2*l.Padding-l.PoolH)/l.Stride + 1
	outW := (w+2*l.Padding-l.PoolW)/l.Stride + 1
	out, err := NewDenseTensor(n, c, outH, outW, 0)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Engine, err, "%s: window does not fit input (%d, %d)", l.Name, h, w)
	}

	argmax := make([]int, out.Len())
	i := 0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < outH; y++ {
				for x := 0; x < outW; x++ {
					hStart := y*l.Stride - l.Padding
					wStart := x*l.Stride - l.Padding
					hEnd := min(hStart+l.PoolH, h)
					wEnd := min(wStart+l.PoolW, w)
					hStart = max(hStart, 0)
					wStart = max(wStart, 0)

					best := math.Inf(-1)
					pos := -1
					for py := hStart; py < hEnd; py++ {
						for px := wStart; px < wEnd; px++ {
							idx := in.index(b, ch, py, px)
							if in.data[idx] > best {
								best = in.data[idx]
								pos = idx
							}
						}
					}
					if pos < 0 {
						best = 0
					}
					out.data[i] = best
					argmax[i] = pos
					i++
				}
			}
		}
	}

	op.inDims = [4]int{n, c, h, w}
	op.output = out
	op.argmax = argmax
	return out, nil
}

func (op *poolOp) backward(grad *DenseTensor) (*DenseTensor, error) {
	if op.output == nil {
		return nil, errkind.Newf(errkind.Engine, "%s: backward called before forward", op.layer.Name)
	}
	if err := sameDims(grad, op.output, op.layer.Name); err != nil {
		return nil, err
	}
	dIn, err := NewDenseTensor(op.inDims[0], op.inDims[1], op.inDims[2], op.inDims[3], 0)
	if err != nil {
		return nil, err
	}
	for i, pos := range op.argmax {
		if pos >= 0 {
			dIn.data[pos] += grad.data[i]
		}
	}
	return dIn, nil
}

// denseOp is a fully connected stage with optional ReLU
type denseOp struct {
	layer   layers.LayerSpec
	weights *Param // [out][in]
	biases  *Param // [out]

	input  *DenseTensor
	output *DenseTensor
}

func newDenseOp(layer layers.LayerSpec, rng *rand.Rand) *denseOp {
	op := &denseOp{
		layer:   layer,
		weights: newParam(layer.Name+".weight", layer.OutFeatures*layer.InFeatures),
		biases:  newParam(layer.Name+".bias", layer.OutFeatures),
	}
	if rng != nil {
		heInit(rng, op.weights.Value, layer.InFeatures)
	}
	return op
}

func (op *denseOp) spec() layers.LayerSpec { return op.layer }
func (op *denseOp) params() []*Param       { return []*Param{op.weights, op.biases} }

func (op *denseOp) row(o int) []float64 {
	in := op.layer.InFeatures
	return op.weights.Value[o*in : (o+1)*in]
}

func (op *denseOp) forward(in *DenseTensor) (*DenseTensor, error) {
	l := op.layer
	n := in.batch
	if in.sampleSize() != l.InFeatures {
		return nil, errkind.Newf(errkind.Engine, "%s expects %d input features, got %d", l.Name, l.InFeatures, in.sampleSize())
	}
	out, err := NewDenseTensor(n, l.OutFeatures, 1, 1, 0)
	if err != nil {
		return nil, err
	}
	for b := 0; b < n; b++ {
		x := in.data[b*l.InFeatures : (b+1)*l.InFeatures]
		for o := 0; o < l.OutFeatures; o++ {
			v := floats.Dot(op.row(o), x) + op.biases.Value[o]
			if l.Activated && v < 0 {
				v = 0
			}
			out.data[b*l.OutFeatures+o] = v
		}
	}
	op.input = in
	op.output = out
	return out, nil
}

func (op *denseOp) backward(grad *DenseTensor) (*DenseTensor, error) {
	if op.input == nil {
		return nil, errkind.Newf(errkind.Engine, "%s: backward called before forward", op.layer.Name)
	}
	if err := sameDims(grad, op.output, op.layer.Name); err != nil {
		return nil, err
	}
	l := op.layer
	n, c, h, w := op.input.Dims()
	dIn, err := NewDenseTensor(n, c, h, w, 0)
	if err != nil {
		return nil, err
	}
	for b := 0; b < n; b++ {
		x := op.input.data[b*l.InFeatures : (b+1)*l.InFeatures]
		dx := dIn.data[b*l.InFeatures : (b+1)*l.InFeatures]
		for o := 0; o < l.OutFeatures; o++ {
			g := grad.data[b*l.OutFeatures+o]
			if l.Activated && op.output.data[b*l.OutFeatures+o] <= 0 {
				continue
			}
			op.biases.Grad[o] += g
			floats.AddScaled(op.weights.Grad[o*l.InFeatures:(o+1)*l.InFeatures], g, x)
			floats.AddScaled(dx, g, op.row(o))
		}
	}
	return dIn, nil
}

func sameDims(a, b *DenseTensor, name string) error {
	an, ac, ah, aw := a.Dims()
	bn, bc, bh, bw := b.Dims()
	if an != bn || ac != bc || ah != bh || aw != bw {
		return errkind.Newf(errkind.Engine, "%s: gradient dims (%d, %d, %d, %d) do not match output (%d, %d, %d, %d)",
			name, an, ac, ah, aw, bn, bc, bh, bw)
	}
	return nil
}
