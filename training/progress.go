package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/modularcnn/modularcnn/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", float64(pb.current)/elapsed.Seconds())
	}

	// Sorted so repeated renders do not reorder
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}

	fmt.Fprint(pb.out, line+"]")
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the pipeline and parameter summary to out
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "Model Architecture:\n")
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for _, layer := range spec.Layers() {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(layer.LayerSpec))
	}
	fmt.Fprintf(out, ")\n\n")

	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Input shape: %v\n", spec.InputShape)
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(spec.TotalParameters*8)/1024/1024) // float64 weights
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d)) + ReLU",
			layer.Name, layer.InChannels, layer.OutChannels, layer.KernelH, layer.KernelW,
			layer.Stride, layer.Stride, layer.Padding, layer.Padding)
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=(%d, %d), stride=%d, padding=%d)",
			layer.Name, layer.PoolH, layer.PoolW, layer.Stride, layer.Padding)
	case layers.Dense:
		s := fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=true)",
			layer.Name, layer.InFeatures, layer.OutFeatures)
		if layer.Activated {
			s += " + ReLU"
		}
		return s
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
