package engine

import (
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// CPU is a single-threaded Backend. Weight initialisation draws from a
// generator seeded at construction, so two backends with the same seed build
// identical networks.
type CPU struct {
	rng *rand.Rand
}

// NewCPU creates a CPU backend
func NewCPU(seed int64) *CPU {
	klog.V(1).Infof("CPU engine: %s", Describe())
	return &CPU{rng: rand.New(rand.NewSource(seed))}
}

func (c *CPU) NewTensor(batch, channels, height, width int, fill float64) (Tensor, error) {
	return NewDenseTensor(batch, channels, height, width, fill)
}

func (c *CPU) NewModel(spec *layers.ModelSpec) (Model, error) {
	return newNetwork(spec, c.rng)
}

func (c *CPU) NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	return NewAMSGrad(cfg)
}

func (c *CPU) NewLoss(reduction Reduction, encoding Encoding) (Loss, error) {
	if reduction != Mean && reduction != Sum {
		return nil, errkind.Newf(errkind.Value, "unknown reduction %d", int(reduction))
	}
	if encoding != Scalar && encoding != OneHot {
		return nil, errkind.Newf(errkind.Value, "unknown label encoding %d", int(encoding))
	}
	return &CrossEntropy{Reduction: reduction, Encoding: encoding}, nil
}
