package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

const (
	// Framework names the producer in manifests
	Framework = "modularcnn"
	// Version of the manifest layout
	Version = "1.0.0"
	// ManifestSuffix is appended to the weights path to name the manifest
	ManifestSuffix = ".json"
)

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// TrainingState captures the run that produced the weights
type TrainingState struct {
	Epochs         int     `json:"epochs"`
	BatchSize      int     `json:"batch_size"`
	OptimizerSteps int     `json:"optimizer_steps"`
	LearningRate   float64 `json:"learning_rate"`
	FinalTrainLoss float64 `json:"final_train_loss"`
	FinalEvalLoss  float64 `json:"final_eval_loss,omitempty"`
	FinalAccuracy  float64 `json:"final_accuracy,omitempty"`
}

// Manifest is the JSON description written next to a weight file
type Manifest struct {
	Metadata        Metadata           `json:"metadata"`
	Weights         string             `json:"weights"`
	InputShape      []int              `json:"input_shape"`
	Topology        []layers.LayerSpec `json:"topology"`
	TotalParameters int                `json:"total_parameters"`
	TrainingState   TrainingState      `json:"training_state"`
}

// Writer persists final model weights and their manifest
type Writer struct {
	uploader Uploader
}

// NewWriter creates a writer. S3 paths get an uploader on first use.
func NewWriter() *Writer {
	return &Writer{}
}

// Save writes model weights to path and the manifest to path + ".json".
// Paths of the form s3://bucket/key are uploaded.
func (w *Writer) Save(model engine.Model, path string, manifest Manifest) error {
	if path == "" {
		return errkind.Newf(errkind.IO, "empty checkpoint path")
	}
	fillMetadata(&manifest, model, path)

	if bucket, key, ok := parseS3Path(path); ok {
		return w.saveS3(model, bucket, key, manifest)
	}
	return saveLocal(model, path, manifest)
}

func fillMetadata(m *Manifest, model engine.Model, path string) {
	if m.Metadata.Framework == "" {
		m.Metadata.Framework = Framework
	}
	if m.Metadata.Version == "" {
		m.Metadata.Version = Version
	}
	if m.Metadata.CreatedAt.IsZero() {
		m.Metadata.CreatedAt = time.Now()
	}
	m.Weights = filepath.Base(path)
	m.TotalParameters = model.TotalParams()
}

func saveLocal(model engine.Model, path string, manifest Manifest) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errkind.Wrapf(errkind.IO, err, "failed to create checkpoint directory")
		}
	}
	if err := model.SaveWeights(path); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to save weights to %s", path)
	}
	if err := writeManifest(path+ManifestSuffix, manifest); err != nil {
		return err
	}
	klog.Infof("Checkpoint saved to %s (%d parameters)", path, manifest.TotalParameters)
	return nil
}

func writeManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to marshal manifest")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to write manifest")
	}
	return nil
}

// ReadManifest loads the manifest written next to weightsPath
func ReadManifest(weightsPath string) (*Manifest, error) {
	data, err := os.ReadFile(weightsPath + ManifestSuffix)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to parse manifest")
	}
	return &m, nil
}

func parseS3Path(path string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(path, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key, true
}
