package engine

import (
	"math/rand"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Network is the CPU implementation of Model: a linear pipeline of
// convolution, max pooling and fully connected stages.
type Network struct {
	spec *layers.ModelSpec
	ops  []operation
}

func newNetwork(spec *layers.ModelSpec, rng *rand.Rand) (*Network, error) {
	if spec == nil || spec.NumLayers() == 0 {
		return nil, errkind.Newf(errkind.Value, "cannot build network from empty model spec")
	}
	n := &Network{spec: spec}
	for _, l := range spec.Specs() {
		switch l.Type {
		case layers.Conv2D:
			n.ops = append(n.ops, newConvOp(l, rng))
		case layers.MaxPool2D:
			n.ops = append(n.ops, newPoolOp(l))
		case layers.Dense:
			n.ops = append(n.ops, newDenseOp(l, rng))
		default:
			return nil, errkind.Newf(errkind.Engine, "unsupported layer type %s", l.Type)
		}
	}
	return n, nil
}

// Spec returns the compiled topology the network was built from
func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}

// Forward runs every stage in order
func (n *Network) Forward(input Tensor) (Tensor, error) {
	_, c, h, w := input.Dims()
	want := n.spec.InputShape
	if c != want[0] || h != want[1] || w != want[2] {
		return nil, errkind.Newf(errkind.Engine, "network expects input (N, %d, %d, %d), got (N, %d, %d, %d)",
			want[0], want[1], want[2], c, h, w)
	}
	x, err := asDense(input)
	if err != nil {
		return nil, err
	}
	for _, op := range n.ops {
		x, err = op.forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Backward propagates grad from the output to the input, accumulating
// parameter gradients.
func (n *Network) Backward(grad Tensor) error {
	g, err := asDense(grad)
	if err != nil {
		return err
	}
	for i := len(n.ops) - 1; i >= 0; i-- {
		g, err = n.ops[i].backward(g)
		if err != nil {
			return err
		}
	}
	return nil
}

// Update applies one optimizer step to every parameter
func (n *Network) Update(opt Optimizer) error {
	a, ok := opt.(*AMSGrad)
	if !ok {
		return errkind.Newf(errkind.Engine, "unsupported optimizer %T", opt)
	}
	return a.Step(n.Parameters())
}

// ZeroGrad clears every accumulated gradient
func (n *Network) ZeroGrad() {
	for _, p := range n.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// TotalParams counts scalar parameters
func (n *Network) TotalParams() int {
	total := 0
	for _, p := range n.Parameters() {
		total += len(p.Value)
	}
	return total
}

// Parameters returns the trainable buffers in pipeline order
func (n *Network) Parameters() []*Param {
	var out []*Param
	for _, op := range n.ops {
		out = append(out, op.params()...)
	}
	return out
}
