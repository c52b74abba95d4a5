package engine

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/modularcnn/modularcnn/errkind"
)

// AMSGrad is Adam with a running maximum of the second moment. State is
// created on the first step and kept, in parameter order, for the rest of the run.
type AMSGrad struct {
	config OptimizerConfig
	step   int

	m    [][]float64
	v    [][]float64
	vMax [][]float64
}

// NewAMSGrad validates cfg and creates an optimizer with empty state
func NewAMSGrad(cfg OptimizerConfig) (*AMSGrad, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AMSGrad{config: cfg}, nil
}

func (o *AMSGrad) Config() OptimizerConfig { return o.config }

// Steps returns how many updates have been applied
func (o *AMSGrad) Steps() int { return o.step }

func (o *AMSGrad) init(params []*Param) {
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	o.vMax = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Value))
		o.v[i] = make([]float64, len(p.Value))
		o.vMax[i] = make([]float64, len(p.Value))
	}
}

// Step updates params in place from their accumulated gradients
func (o *AMSGrad) Step(params []*Param) error {
	if o.m == nil {
		o.init(params)
	}
	if len(params) != len(o.m) {
		return errkind.Newf(errkind.Engine, "optimizer state holds %d parameters, got %d", len(o.m), len(params))
	}
	for i, p := range params {
		if len(p.Value) != len(o.m[i]) || len(p.Grad) != len(p.Value) {
			return errkind.Newf(errkind.Engine, "parameter %s changed size", p.Name)
		}
	}

	o.step++
	cfg := o.config
	correction := 1 - math.Pow(cfg.Beta1, float64(o.step))

	grad := make([]float64, 0)
	for i, p := range params {
		grad = append(grad[:0], p.Grad...)
		if cfg.WeightDecay != 0 {
			floats.AddScaled(grad, cfg.WeightDecay, p.Value)
		}

		m, v, vMax := o.m[i], o.v[i], o.vMax[i]
		for j, g := range grad {
			m[j] = cfg.Beta1*m[j] + (1-cfg.Beta1)*g
			v[j] = cfg.Beta2*v[j] + (1-cfg.Beta2)*g*g
			if v[j] > vMax[j] {
				vMax[j] = v[j]
			}
			mHat := m[j] / correction
			p.Value[j] -= cfg.LearningRate * mHat / (math.Sqrt(vMax[j]) + cfg.Epsilon)
		}
	}
	return nil
}
