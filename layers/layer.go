package layers

import (
	"fmt"
	"strings"

	"github.com/modularcnn/modularcnn/errkind"
)

// LayerType represents the type of pipeline stage
type LayerType int

const (
	Conv2D LayerType = iota
	MaxPool2D
	Dense
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPool2D"
	case Dense:
		return "Dense"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the type with the short names used in topology files
func (lt LayerType) MarshalText() ([]byte, error) {
	switch lt {
	case Conv2D:
		return []byte("conv"), nil
	case MaxPool2D:
		return []byte("pool"), nil
	case Dense:
		return []byte("fc"), nil
	default:
		return nil, fmt.Errorf("unknown layer type: %d", int(lt))
	}
}

// UnmarshalText accepts "conv", "pool" and "fc" as well as the String() names
func (lt *LayerType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "conv", "conv2d":
		*lt = Conv2D
	case "pool", "maxpool2d":
		*lt = MaxPool2D
	case "fc", "dense":
		*lt = Dense
	default:
		return errkind.Newf(errkind.Value, "unknown layer type: %q", string(text))
	}
	return nil
}

// LayerSpec describes one stage of the linear pipeline.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name,omitempty"`

	// Convolution
	InChannels  int `json:"in_channels,omitempty"`
	OutChannels int `json:"out_channels,omitempty"`
	KernelH     int `json:"filter_height,omitempty"`
	KernelW     int `json:"filter_width,omitempty"`

	// Pooling
	PoolH int `json:"pool_height,omitempty"`
	PoolW int `json:"pool_width,omitempty"`

	// Shared by convolution and pooling
	Stride  int `json:"stride,omitempty"`
	Padding int `json:"padding,omitempty"`

	// Fully connected
	InFeatures  int  `json:"in_features,omitempty"`
	OutFeatures int  `json:"out_features,omitempty"`
	Activated   bool `json:"activated,omitempty"`
}

// Conv creates a convolution spec. Convolutions apply ReLU to their output.
func Conv(inChannels, outChannels, kernelH, kernelW, stride, padding int) LayerSpec {
	return LayerSpec{
		Type:        Conv2D,
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelH:     kernelH,
		KernelW:     kernelW,
		Stride:      stride,
		Padding:     padding,
	}
}

// Pool creates a max pooling spec
func Pool(poolH, poolW, stride, padding int) LayerSpec {
	return LayerSpec{
		Type:    MaxPool2D,
		PoolH:   poolH,
		PoolW:   poolW,
		Stride:  stride,
		Padding: padding,
	}
}

// FC creates a fully connected spec without activation (logits)
func FC(inFeatures, outFeatures int) LayerSpec {
	return LayerSpec{
		Type:        Dense,
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
	}
}

// CompiledLayer is a LayerSpec with shapes resolved by Compile
type CompiledLayer struct {
	LayerSpec
	InputShape     []int `json:"input_shape"`
	OutputShape    []int `json:"output_shape"`
	ParameterCount int64 `json:"parameter_count"`
}

// ModelSpec is a compiled, immutable pipeline description
type ModelSpec struct {
	layers          []CompiledLayer
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	TotalParameters int64 `json:"total_parameters"`
}

// Layers returns a copy of the compiled layers
func (ms *ModelSpec) Layers() []CompiledLayer {
	out := make([]CompiledLayer, len(ms.layers))
	copy(out, ms.layers)
	return out
}

// Specs returns the layer specs in pipeline order
func (ms *ModelSpec) Specs() []LayerSpec {
	out := make([]LayerSpec, len(ms.layers))
	for i, l := range ms.layers {
		out[i] = l.LayerSpec
	}
	return out
}

// NumLayers returns the pipeline length
func (ms *ModelSpec) NumLayers() int {
	return len(ms.layers)
}

// ModelBuilder helps construct the pipeline
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a new model builder for per-sample input [channels, height, width]
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a convolution whose input channel count is taken from the previous stage
func (mb *ModelBuilder) AddConv2D(outChannels, kernelH, kernelW, stride, padding int, name string) *ModelBuilder {
	spec := Conv(0, outChannels, kernelH, kernelW, stride, padding)
	spec.Name = name
	return mb.AddLayer(spec)
}

// AddMaxPool2D adds a max pooling stage
func (mb *ModelBuilder) AddMaxPool2D(poolH, poolW, stride, padding int, name string) *ModelBuilder {
	spec := Pool(poolH, poolW, stride, padding)
	spec.Name = name
	return mb.AddLayer(spec)
}

// AddDense adds a fully connected stage; the input size is computed during compilation
func (mb *ModelBuilder) AddDense(outFeatures int, activated bool, name string) *ModelBuilder {
	spec := FC(0, outFeatures)
	spec.Activated = activated
	spec.Name = name
	return mb.AddLayer(spec)
}

// Compile resolves shapes and parameter counts for every stage
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errkind.Newf(errkind.Value, "cannot compile empty model")
	}
	if len(mb.inputShape) != 3 {
		return nil, errkind.Newf(errkind.Shape, "input shape must be [channels, height, width], got %v", mb.inputShape)
	}
	for _, d := range mb.inputShape {
		if d <= 0 {
			return nil, errkind.Newf(errkind.Shape, "invalid input shape %v", mb.inputShape)
		}
	}

	model := &ModelSpec{
		layers:     make([]CompiledLayer, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	current := append([]int(nil), mb.inputShape...)
	for i, spec := range mb.layers {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s%d", defaultPrefix(spec.Type), i)
		}

		resolved, out, params, err := computeLayerInfo(spec, current)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, spec.Name, err)
		}

		model.layers[i] = CompiledLayer{
			LayerSpec:      resolved,
			InputShape:     append([]int(nil), current...),
			OutputShape:    out,
			ParameterCount: params,
		}
		model.TotalParameters += params
		current = out
	}

	model.OutputShape = current
	return model, nil
}

func defaultPrefix(lt LayerType) string {
	switch lt {
	case Conv2D:
		return "conv"
	case MaxPool2D:
		return "pool"
	default:
		return "fc"
	}
}

func computeLayerInfo(spec LayerSpec, in []int) (LayerSpec, []int, int64, error) {
	switch spec.Type {
	case Conv2D:
		return computeConv2DInfo(spec, in)
	case MaxPool2D:
		return computePoolInfo(spec, in)
	case Dense:
		return computeDenseInfo(spec, in)
	default:
		return spec, nil, 0, errkind.Newf(errkind.Value, "unsupported layer type: %s", spec.Type)
	}
}

func computeConv2DInfo(spec LayerSpec, in []int) (LayerSpec, []int, int64, error) {
	if len(in) != 3 || in[1] <= 0 {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "Conv2D requires spatial input [channels, height, width], got %v", in)
	}
	if spec.Stride == 0 {
		spec.Stride = 1
	}
	if spec.OutChannels <= 0 || spec.KernelH <= 0 || spec.KernelW <= 0 || spec.Stride < 0 || spec.Padding < 0 {
		return spec, nil, 0, errkind.Newf(errkind.Value, "invalid Conv2D geometry %+v", spec)
	}
	if spec.InChannels == 0 {
		spec.InChannels = in[0]
	}
	if spec.InChannels != in[0] {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "Conv2D expects %d input channels, previous stage yields %d", spec.InChannels, in[0])
	}

	outH := (in[1]+2*spec.Padding-spec.KernelH)/spec.Stride + 1
	outW := (in[2]+2*spec.Padding-spec.KernelW)/spec.Stride + 1
	if outH <= 0 || outW <= 0 || in[1]+2*spec.Padding < spec.KernelH || in[2]+2*spec.Padding < spec.KernelW {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "Conv2D kernel %dx%d does not fit input %v", spec.KernelH, spec.KernelW, in)
	}

	params := int64(spec.OutChannels*spec.InChannels*spec.KernelH*spec.KernelW) + int64(spec.OutChannels)
	return spec, []int{spec.OutChannels, outH, outW}, params, nil
}

func computePoolInfo(spec LayerSpec, in []int) (LayerSpec, []int, int64, error) {
	if len(in) != 3 || in[1] <= 0 {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "MaxPool2D requires spatial input [channels, height, width], got %v", in)
	}
	if spec.Stride == 0 {
		spec.Stride = 1
	}
	if spec.PoolH <= 0 || spec.PoolW <= 0 || spec.Stride < 0 || spec.Padding < 0 {
		return spec, nil, 0, errkind.Newf(errkind.Value, "invalid MaxPool2D geometry %+v", spec)
	}

	outH := (in[1]+2*spec.Padding-spec.PoolH)/spec.Stride + 1
	outW := (in[2]+2*spec.Padding-spec.PoolW)/spec.Stride + 1
	if outH <= 0 || outW <= 0 {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "MaxPool2D window %dx%d does not fit input %v", spec.PoolH, spec.PoolW, in)
	}

	return spec, []int{in[0], outH, outW}, 0, nil
}

func computeDenseInfo(spec LayerSpec, in []int) (LayerSpec, []int, int64, error) {
	if spec.OutFeatures <= 0 {
		return spec, nil, 0, errkind.Newf(errkind.Value, "Dense requires positive out_features, got %d", spec.OutFeatures)
	}

	// Flatten everything except the batch axis
	flat := 1
	for _, d := range in {
		flat *= d
	}
	if spec.InFeatures == 0 {
		spec.InFeatures = flat
	}
	if spec.InFeatures != flat {
		return spec, nil, 0, errkind.Newf(errkind.Shape, "Dense expects %d input features, previous stage yields %d (%v)", spec.InFeatures, flat, in)
	}

	params := int64(spec.InFeatures*spec.OutFeatures) + int64(spec.OutFeatures)
	return spec, []int{spec.OutFeatures, 1, 1}, params, nil
}

// CompileSpecs compiles a prebuilt topology, as read from configuration
func CompileSpecs(inputShape []int, specs []LayerSpec) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	for _, s := range specs {
		mb.AddLayer(s)
	}
	return mb.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.layers))

	for i, layer := range ms.layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n\n", layer.ParameterCount)
	}

	return b.String()
}
