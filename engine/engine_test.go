package engine

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

func compileTestModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{2, 6, 6}).
		AddConv2D(3, 3, 3, 1, 1, "conv1").
		AddMaxPool2D(2, 2, 2, 0, "pool1").
		AddDense(4, true, "fc1").
		AddDense(3, false, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return spec
}

func randomInput(t *testing.T, seed int64, batch int) *DenseTensor {
	t.Helper()
	in, err := NewDenseTensor(batch, 2, 6, 6, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	v := float64(seed)
	for i := range in.data {
		v = math.Mod(v*1.37+0.71, 2.0)
		in.data[i] = v - 1.0
	}
	return in
}

func oneHot(t *testing.T, classes int, labels ...int) *DenseTensor {
	t.Helper()
	y, err := NewDenseTensor(len(labels), classes, 1, 1, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, l := range labels {
		y.Set(i, l, 0, 0, 1)
	}
	return y
}

func TestDenseTensorLayout(t *testing.T) {
	tensor, err := NewDenseTensor(2, 3, 4, 5, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	tensor.Set(1, 2, 3, 4, 7)
	if got := tensor.Data()[len(tensor.Data())-1]; got != 7 {
		t.Errorf("Expected last element 7, got %v", got)
	}
	tensor.Set(0, 1, 0, 0, 3)
	if got := tensor.Data()[20]; got != 3 {
		t.Errorf("Expected element 20 to be 3, got %v", got)
	}

	if err := tensor.WriteDense(make([]float64, 3)); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError for short write, got %v", err)
	}
	if _, err := NewDenseTensor(0, 1, 1, 1, 0); err == nil {
		t.Error("Expected error for zero batch")
	}

	filled, _ := NewDenseTensor(1, 1, 2, 2, 0.5)
	for i, v := range filled.Data() {
		if v != 0.5 {
			t.Errorf("Element %d: expected fill 0.5, got %v", i, v)
		}
	}
}

func TestNetworkForwardShape(t *testing.T) {
	backend := NewCPU(1)
	model, err := backend.NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	out, err := model.Forward(randomInput(t, 3, 5))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	n, c, h, w := out.Dims()
	if n != 5 || c != 3 || h != 1 || w != 1 {
		t.Errorf("Expected (5, 3, 1, 1), got (%d, %d, %d, %d)", n, c, h, w)
	}

	want := 2*3*3*3 + 3 + 3*3*3*4 + 4 + 4*3 + 3
	if model.TotalParams() != want {
		t.Errorf("Expected %d parameters, got %d", want, model.TotalParams())
	}

	bad, _ := NewDenseTensor(1, 1, 6, 6, 0)
	if _, err := model.Forward(bad); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError for channel mismatch, got %v", err)
	}
}

func TestGradientResetLaw(t *testing.T) {
	backend := NewCPU(7)
	model, err := backend.NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	net := model.(*Network)
	loss := &CrossEntropy{Reduction: Mean, Encoding: OneHot}
	input := randomInput(t, 5, 2)
	labels := oneHot(t, 3, 0, 2)

	step := func() {
		pred, err := net.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		grad, err := loss.Backward(pred, labels)
		if err != nil {
			t.Fatalf("Loss backward failed: %v", err)
		}
		if err := net.Backward(grad); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	step()
	first := snapshotGrads(net)
	nonZero := false
	for _, g := range first {
		if g != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("Expected non-zero gradients after backward")
	}

	// Without a reset the second pass accumulates on top of the first
	step()
	for i, g := range snapshotGrads(net) {
		if math.Abs(g-2*first[i]) > 1e-9 {
			t.Fatalf("Gradient %d: expected accumulation %v, got %v", i, 2*first[i], g)
		}
	}

	net.ZeroGrad()
	for i, g := range snapshotGrads(net) {
		if g != 0 {
			t.Fatalf("Gradient %d not cleared: %v", i, g)
		}
	}

	step()
	for i, g := range snapshotGrads(net) {
		if math.Abs(g-first[i]) > 1e-9 {
			t.Fatalf("Gradient %d after reset: expected %v, got %v", i, first[i], g)
		}
	}

	// Update then reset: the next batch sees only its own gradient, the same
	// as a fresh network holding the updated weights.
	opt, err := backend.NewOptimizer(DefaultOptimizerConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := net.Update(opt); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	net.ZeroGrad()
	fresh, err := UnmarshalWeights(net.MarshalWeights())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	step()
	pred, err := fresh.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, err := loss.Backward(pred, labels)
	if err != nil {
		t.Fatalf("Loss backward failed: %v", err)
	}
	if err := fresh.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	want := snapshotGrads(fresh)
	got := snapshotGrads(net)
	if len(got) != len(want) {
		t.Fatalf("Expected %d gradients, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("Gradient %d after update and reset: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func snapshotGrads(n *Network) []float64 {
	var out []float64
	for _, p := range n.Parameters() {
		out = append(out, p.Grad...)
	}
	return out
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	backend := NewCPU(11)
	model, err := backend.NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	net := model.(*Network)
	loss := &CrossEntropy{Reduction: Sum, Encoding: OneHot}
	input := randomInput(t, 2, 2)
	labels := oneHot(t, 3, 1, 0)

	lossAt := func() float64 {
		pred, err := net.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		l, err := loss.Forward(pred, labels)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		return l
	}

	pred, _ := net.Forward(input)
	grad, _ := loss.Backward(pred, labels)
	if err := net.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-6
	for _, p := range net.Parameters() {
		for _, i := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			up := lossAt()
			p.Value[i] = orig - eps
			down := lossAt()
			p.Value[i] = orig

			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-p.Grad[i]) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits, _ := NewDenseTensor(2, 2, 1, 1, 0)

	tests := []struct {
		name      string
		reduction Reduction
		want      float64
	}{
		{"mean", Mean, math.Ln2},
		{"sum", Sum, 2 * math.Ln2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss := &CrossEntropy{Reduction: tt.reduction, Encoding: OneHot}
			got, err := loss.Forward(logits, oneHot(t, 2, 0, 1))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	t.Run("gradient", func(t *testing.T) {
		loss := &CrossEntropy{Reduction: Mean, Encoding: OneHot}
		g, err := loss.Backward(logits, oneHot(t, 2, 0, 1))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		want := [][]float64{{-0.25, 0.25}, {0.25, -0.25}}
		for b := range want {
			for k := range want[b] {
				if got := g.At(b, k, 0, 0); math.Abs(got-want[b][k]) > 1e-12 {
					t.Errorf("grad[%d][%d]: expected %v, got %v", b, k, want[b][k], got)
				}
			}
		}
	})

	t.Run("scalar labels", func(t *testing.T) {
		loss := &CrossEntropy{Reduction: Mean, Encoding: Scalar}
		labels, _ := NewDenseTensor(2, ScalarChannels, 1, 1, 0)
		labels.Set(1, 0, 0, 0, 1)
		got, err := loss.Forward(logits, labels)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if math.Abs(got-math.Ln2) > 1e-12 {
			t.Errorf("Expected %v, got %v", math.Ln2, got)
		}

		labels.Set(0, 0, 0, 0, 5)
		if _, err := loss.Forward(logits, labels); !errkind.Is(err, errkind.Value) {
			t.Errorf("Expected ValueError for out-of-range class, got %v", err)
		}
	})

	t.Run("shape errors", func(t *testing.T) {
		scalar := &CrossEntropy{Reduction: Mean, Encoding: Scalar}
		if _, err := scalar.Forward(logits, oneHot(t, 2, 0, 1)); !errkind.Is(err, errkind.Shape) {
			t.Errorf("Expected ShapeError for one-hot labels under scalar encoding, got %v", err)
		}
		hot := &CrossEntropy{Reduction: Mean, Encoding: OneHot}
		if _, err := hot.Forward(logits, oneHot(t, 2, 0)); !errkind.Is(err, errkind.Shape) {
			t.Errorf("Expected ShapeError for batch mismatch, got %v", err)
		}
	})
}

func TestAMSGradStep(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	opt, err := NewAMSGrad(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	p := &Param{Name: "w", Value: []float64{1.0}, Grad: []float64{0.5}}
	if err := opt.Step([]*Param{p}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := (1 - cfg.Beta1) * 0.5
	v := (1 - cfg.Beta2) * 0.25
	mHat := m / (1 - cfg.Beta1)
	want := 1.0 - cfg.LearningRate*mHat/(math.Sqrt(v)+cfg.Epsilon)
	if math.Abs(p.Value[0]-want) > 1e-12 {
		t.Errorf("Expected %v, got %v", want, p.Value[0])
	}
	if opt.Steps() != 1 {
		t.Errorf("Expected 1 step, got %d", opt.Steps())
	}

	// Second moment maximum is kept when gradients shrink
	p.Grad[0] = 0
	before := p.Value[0]
	if err := opt.Step([]*Param{p}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if opt.vMax[0][0] != v {
		t.Errorf("Expected vMax to stay %v, got %v", v, opt.vMax[0][0])
	}
	if p.Value[0] >= before {
		t.Error("Expected momentum to keep moving the parameter")
	}

	if err := opt.Step([]*Param{p, p}); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError for mismatched parameter set, got %v", err)
	}
}

func TestOptimizerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*OptimizerConfig)
	}{
		{"zero learning rate", func(c *OptimizerConfig) { c.LearningRate = 0 }},
		{"beta1 of one", func(c *OptimizerConfig) { c.Beta1 = 1 }},
		{"negative beta2", func(c *OptimizerConfig) { c.Beta2 = -0.1 }},
		{"zero epsilon", func(c *OptimizerConfig) { c.Epsilon = 0 }},
		{"negative weight decay", func(c *OptimizerConfig) { c.WeightDecay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultOptimizerConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errkind.Is(err, errkind.Value) {
				t.Errorf("Expected ValueError, got %v", err)
			}
		})
	}
	if err := DefaultOptimizerConfig().Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	backend := NewCPU(3)
	model, err := backend.NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	opt, _ := backend.NewOptimizer(DefaultOptimizerConfig())
	loss, _ := backend.NewLoss(Mean, OneHot)

	input := randomInput(t, 9, 3)
	labels := oneHot(t, 3, 0, 1, 2)

	var first, last float64
	for i := 0; i < 100; i++ {
		pred, err := model.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		l, err := loss.Forward(pred, labels)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		if i == 0 {
			first = l
		}
		last = l
		grad, _ := loss.Backward(pred, labels)
		if err := model.Backward(grad); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if err := model.Update(opt); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		model.ZeroGrad()
	}
	if last >= first {
		t.Errorf("Expected loss to decrease, first %v last %v", first, last)
	}
}

type otherOptimizer struct{}

func (otherOptimizer) Config() OptimizerConfig { return OptimizerConfig{} }
func (otherOptimizer) Steps() int              { return 0 }

func TestUpdateRejectsForeignOptimizer(t *testing.T) {
	model, err := NewCPU(1).NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := model.Update(otherOptimizer{}); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError, got %v", err)
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	model, err := NewCPU(5).NewModel(compileTestModel(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.weights")
	if err := model.SaveWeights(path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	loaded, err := LoadNetwork(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded.TotalParams() != model.TotalParams() {
		t.Errorf("Expected %d parameters, got %d", model.TotalParams(), loaded.TotalParams())
	}

	input := randomInput(t, 4, 2)
	a, _ := model.Forward(input)
	b, _ := loaded.Forward(input)
	ad, bd := a.(*DenseTensor).Data(), b.(*DenseTensor).Data()
	for i := range ad {
		if ad[i] != bd[i] {
			t.Fatalf("Output %d differs after reload: %v vs %v", i, ad[i], bd[i])
		}
	}

	specs := loaded.Spec().Specs()
	if specs[1].Type != layers.MaxPool2D || specs[3].Activated {
		t.Errorf("Unexpected reloaded topology: %+v", specs)
	}
}

func TestUnmarshalWeightsErrors(t *testing.T) {
	if _, err := UnmarshalWeights([]byte{0xff}); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError for garbage, got %v", err)
	}
	if _, err := UnmarshalWeights(nil); !errkind.Is(err, errkind.Engine) {
		t.Errorf("Expected EngineError for missing format tag, got %v", err)
	}
	if _, err := LoadNetwork(filepath.Join(t.TempDir(), "missing")); !errkind.Is(err, errkind.IO) {
		t.Errorf("Expected IOError for missing file, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	if d := Describe(); !strings.Contains(d, "cores") {
		t.Errorf("Unexpected description: %q", d)
	}
}
