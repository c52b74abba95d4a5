// Package enginetest provides a recording engine.Backend for tests of code
// that drives a numeric engine.
package enginetest

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Call names recorded by the fake
const (
	CallNewTensor    = "NewTensor"
	CallForward      = "Model.Forward"
	CallBackward     = "Model.Backward"
	CallUpdate       = "Model.Update"
	CallZeroGrad     = "Model.ZeroGrad"
	CallSaveWeights  = "Model.SaveWeights"
	CallLossForward  = "Loss.Forward"
	CallLossBackward = "Loss.Backward"
)

// Backend records every call made through the objects it creates
type Backend struct {
	// Classes is the channel count of predictions. Zero means 2.
	Classes int
	// Losses are returned by Loss.Forward in order; the last value repeats.
	Losses []float64
	// Failures makes the named call return the error
	Failures map[string]error
	// Predict, when set, fills predictions from the input batch
	Predict func(input engine.Tensor, pred engine.Tensor)

	mu      sync.Mutex
	calls   []string
	lossIdx int
	model   *Model
}

// NewBackend creates a fake with two prediction classes
func NewBackend() *Backend {
	return &Backend{Classes: 2}
}

func (f *Backend) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.Failures[name]; ok {
		return err
	}
	return nil
}

// Calls returns the call log
func (f *Backend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// ModelCalls returns the log without tensor allocations
func (f *Backend) ModelCalls() []string {
	var out []string
	for _, c := range f.Calls() {
		if c != CallNewTensor {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how often name was called
func (f *Backend) Count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Model returns the last model built
func (f *Backend) Model() *Model {
	return f.model
}

func (f *Backend) classes() int {
	if f.Classes <= 0 {
		return 2
	}
	return f.Classes
}

func (f *Backend) NewTensor(batch, channels, height, width int, fill float64) (engine.Tensor, error) {
	if err := f.record(CallNewTensor); err != nil {
		return nil, err
	}
	return NewTensor(batch, channels, height, width, fill)
}

func (f *Backend) NewModel(spec *layers.ModelSpec) (engine.Model, error) {
	f.model = &Model{backend: f, params: []float64{0.1, -0.2, 0.3}}
	return f.model, nil
}

// FakeModel builds a model without a topology
func (f *Backend) FakeModel() *Model {
	m, _ := f.NewModel(nil)
	return m.(*Model)
}

func (f *Backend) NewOptimizer(cfg engine.OptimizerConfig) (engine.Optimizer, error) {
	return &Optimizer{config: cfg}, nil
}

func (f *Backend) NewLoss(reduction engine.Reduction, encoding engine.Encoding) (engine.Loss, error) {
	return &Loss{backend: f}, nil
}

// Tensor is a dense tensor without the bulk write capability, so
// producers must go through Set.
type Tensor struct {
	dims [4]int
	data []float64
	Sets int
}

// NewTensor allocates a fake tensor
func NewTensor(batch, channels, height, width int, fill float64) (*Tensor, error) {
	if batch <= 0 || channels <= 0 || height <= 0 || width <= 0 {
		return nil, errkind.Newf(errkind.Engine, "invalid tensor dims (%d, %d, %d, %d)", batch, channels, height, width)
	}
	t := &Tensor{dims: [4]int{batch, channels, height, width}, data: make([]float64, batch*channels*height*width)}
	for i := range t.data {
		t.data[i] = fill
	}
	return t, nil
}

func (t *Tensor) Dims() (int, int, int, int) {
	return t.dims[0], t.dims[1], t.dims[2], t.dims[3]
}

func (t *Tensor) idx(b, c, h, w int) int {
	return ((b*t.dims[1]+c)*t.dims[2]+h)*t.dims[3] + w
}

func (t *Tensor) At(b, c, h, w int) float64 { return t.data[t.idx(b, c, h, w)] }

func (t *Tensor) Set(b, c, h, w int, v float64) {
	t.Sets++
	t.data[t.idx(b, c, h, w)] = v
}

// Model is the fake engine.Model
type Model struct {
	backend *Backend
	params  []float64

	// Inputs holds the batch size of each Forward input
	Inputs []int
	// Grads holds the gradients received by Backward
	Grads []engine.Tensor
	// SavedPaths lists every SaveWeights target
	SavedPaths []string
}

// Params returns a copy of the parameter vector
func (m *Model) Params() []float64 {
	out := make([]float64, len(m.params))
	copy(out, m.params)
	return out
}

func (m *Model) Forward(input engine.Tensor) (engine.Tensor, error) {
	if err := m.backend.record(CallForward); err != nil {
		return nil, err
	}
	n, _, _, _ := input.Dims()
	m.Inputs = append(m.Inputs, n)
	pred, err := NewTensor(n, m.backend.classes(), 1, 1, 0)
	if err != nil {
		return nil, err
	}
	if m.backend.Predict != nil {
		m.backend.Predict(input, pred)
	}
	return pred, nil
}

func (m *Model) Backward(grad engine.Tensor) error {
	if err := m.backend.record(CallBackward); err != nil {
		return err
	}
	m.Grads = append(m.Grads, grad)
	return nil
}

func (m *Model) Update(opt engine.Optimizer) error {
	if err := m.backend.record(CallUpdate); err != nil {
		return err
	}
	if o, ok := opt.(*Optimizer); ok {
		o.steps++
	}
	for i := range m.params {
		m.params[i] += 0.01
	}
	return nil
}

func (m *Model) ZeroGrad() {
	m.backend.record(CallZeroGrad)
}

func (m *Model) TotalParams() int {
	return len(m.params)
}

// SaveWeights writes the parameter vector as text
func (m *Model) SaveWeights(path string) error {
	if err := m.backend.record(CallSaveWeights); err != nil {
		return err
	}
	m.SavedPaths = append(m.SavedPaths, path)
	var b strings.Builder
	for _, p := range m.params {
		fmt.Fprintf(&b, "%g\n", p)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return errkind.Wrapf(errkind.IO, err, "fake weights")
	}
	return nil
}

// Optimizer is the fake engine.Optimizer
type Optimizer struct {
	config engine.OptimizerConfig
	steps  int
}

func (o *Optimizer) Config() engine.OptimizerConfig { return o.config }
func (o *Optimizer) Steps() int                     { return o.steps }

// Loss returns scripted values
type Loss struct {
	backend *Backend
}

func (l *Loss) Forward(pred, label engine.Tensor) (float64, error) {
	if err := l.backend.record(CallLossForward); err != nil {
		return 0, err
	}
	f := l.backend
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Losses) == 0 {
		return 1, nil
	}
	i := f.lossIdx
	if i >= len(f.Losses) {
		i = len(f.Losses) - 1
	}
	f.lossIdx++
	return f.Losses[i], nil
}

func (l *Loss) Backward(pred, label engine.Tensor) (engine.Tensor, error) {
	if err := l.backend.record(CallLossBackward); err != nil {
		return nil, err
	}
	n, c, h, w := pred.Dims()
	return NewTensor(n, c, h, w, 0.5)
}
