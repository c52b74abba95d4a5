package training

import (
	"encoding/json"
	"os"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// Config is the static configuration of a training run
type Config struct {
	// Training parameters
	BatchSize  int `json:"batch_size"`
	Epochs     int `json:"epochs"`
	NumClasses int `json:"num_classes"`

	// Label tensor geometry, shared by the encoder and the loss
	Encoding  engine.Encoding  `json:"label_encoding"`
	Reduction engine.Reduction `json:"loss_reduction"`

	Optimizer engine.OptimizerConfig `json:"optimizer"`

	// Per-sample input [channels, height, width] and the pipeline applied to it
	InputShape []int              `json:"input_shape"`
	Topology   []layers.LayerSpec `json:"topology"`

	// Dataset split, performed once before training
	TestFraction float64 `json:"test_fraction"`
	SplitSeed    int64   `json:"split_seed"`

	// Seed for weight initialisation
	EngineSeed int64 `json:"engine_seed"`

	// Untagged batches with axis 1 above this are read as channel-last
	SpatialThreshold int `json:"spatial_threshold"`

	// Weights are written here once after the last epoch; empty disables
	CheckpointPath string `json:"checkpoint_path"`

	// Log running loss every N batches (0 = never)
	PrintEvery int `json:"print_every"`
}

// DefaultImageSize is the square edge images are resized to
const DefaultImageSize = 64

// DefaultTopology is a two-stage convolutional network for RGB images
// of DefaultImageSize pixels.
func DefaultTopology(numClasses int) []layers.LayerSpec {
	quarter := DefaultImageSize / 4
	hidden := layers.FC(16*quarter*quarter, 64)
	hidden.Activated = true
	return []layers.LayerSpec{
		layers.Conv(3, 8, 3, 3, 1, 1),
		layers.Pool(2, 2, 2, 0),
		layers.Conv(8, 16, 3, 3, 1, 1),
		layers.Pool(2, 2, 2, 0),
		hidden,
		layers.FC(64, numClasses),
	}
}

// DefaultConfig returns the standard configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:        32,
		Epochs:           10,
		NumClasses:       3,
		Encoding:         engine.OneHot,
		Reduction:        engine.Mean,
		Optimizer:        engine.DefaultOptimizerConfig(),
		InputShape:       []int{3, DefaultImageSize, DefaultImageSize},
		Topology:         DefaultTopology(3),
		TestFraction:     0.1,
		SplitSeed:        42,
		EngineSeed:       1,
		SpatialThreshold: DefaultSpatialThreshold,
		PrintEvery:       10,
	}
}

// LoadConfig reads a JSON file over the defaults. Without a topology the
// default network is sized to the configured number of classes.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errkind.Wrapf(errkind.IO, err, "failed to read config")
	}

	// json reuses slice elements, so stale default layer fields would leak
	cfg.Topology = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errkind.Wrapf(errkind.Value, err, "failed to parse config %s", path)
	}
	if len(cfg.Topology) == 0 {
		cfg.Topology = DefaultTopology(cfg.NumClasses)
	}
	return cfg, nil
}

// UsesDefaultTopology reports whether Topology is DefaultTopology(NumClasses)
func (c Config) UsesDefaultTopology() bool {
	def := DefaultTopology(c.NumClasses)
	if len(c.Topology) != len(def) {
		return false
	}
	for i := range def {
		if c.Topology[i] != def[i] {
			return false
		}
	}
	return true
}

// WithNumClasses returns c sized for numClasses. Only the default topology
// is resized; an explicit topology must already match.
func (c Config) WithNumClasses(numClasses int) (Config, error) {
	if numClasses == c.NumClasses {
		return c, nil
	}
	if !c.UsesDefaultTopology() {
		return c, errkind.Newf(errkind.Value, "dataset has %d classes but the configured topology is built for %d",
			numClasses, c.NumClasses)
	}
	c.NumClasses = numClasses
	c.Topology = DefaultTopology(numClasses)
	return c, nil
}

// Validate checks the configuration and that the topology compiles to
// NumClasses outputs.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errkind.Newf(errkind.Value, "batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errkind.Newf(errkind.Value, "epochs must be positive, got %d", c.Epochs)
	}
	if c.NumClasses <= 0 {
		return errkind.Newf(errkind.Value, "number of classes must be positive, got %d", c.NumClasses)
	}
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return errkind.Newf(errkind.Value, "test fraction must be in range (0, 1), got %g", c.TestFraction)
	}
	if c.SpatialThreshold < 0 {
		return errkind.Newf(errkind.Value, "spatial threshold must be non-negative, got %d", c.SpatialThreshold)
	}
	if c.PrintEvery < 0 {
		return errkind.Newf(errkind.Value, "print_every must be non-negative, got %d", c.PrintEvery)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if len(c.Topology) == 0 {
		return errkind.Newf(errkind.Value, "topology is empty")
	}
	if _, err := c.compile(); err != nil {
		return err
	}
	return nil
}

func (c Config) compile() (*layers.ModelSpec, error) {
	spec, err := layers.CompileSpecs(c.InputShape, c.Topology)
	if err != nil {
		return nil, err
	}
	if out := spec.OutputShape; out[0] != c.NumClasses || out[1] != 1 || out[2] != 1 {
		return nil, errkind.Newf(errkind.Shape, "topology produces %v, expected [%d 1 1]", out, c.NumClasses)
	}
	return spec, nil
}
