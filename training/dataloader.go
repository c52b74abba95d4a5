package training

import (
	"iter"

	"github.com/modularcnn/modularcnn/errkind"
)

// Example is one labelled image. Pixels is []uint8, []float32 or []float64 in
// the order given by Layout, with Shape its three non-batch axes.
type Example struct {
	Pixels interface{}
	Shape  [3]int
	Layout Layout
	Label  int
}

// Partition is a fixed, indexable set of examples
type Partition interface {
	Len() int
	Example(i int) (Example, error)
}

// MemoryPartition holds examples in memory
type MemoryPartition struct {
	examples []Example
}

// NewMemoryPartition wraps examples without copying them
func NewMemoryPartition(examples []Example) *MemoryPartition {
	return &MemoryPartition{examples: examples}
}

func (p *MemoryPartition) Len() int {
	return len(p.examples)
}

func (p *MemoryPartition) Example(i int) (Example, error) {
	if i < 0 || i >= len(p.examples) {
		return Example{}, errkind.Newf(errkind.Value, "example index %d out of range [0, %d)", i, len(p.examples))
	}
	return p.examples[i], nil
}

// Add appends an example
func (p *MemoryPartition) Add(ex Example) {
	p.examples = append(p.examples, ex)
}

// Batch is one contiguous slice of a partition
type Batch struct {
	Index  int
	Size   int
	Images RawImageBatch
	Labels RawLabelBatch
}

// BatchSource yields fixed-size batches over a partition in index order.
// The final batch holds the remainder.
type BatchSource struct {
	partition Partition
	batchSize int
}

// NewBatchSource creates a batch source
func NewBatchSource(partition Partition, batchSize int) (*BatchSource, error) {
	if batchSize <= 0 {
		return nil, errkind.Newf(errkind.Value, "batch size must be positive, got %d", batchSize)
	}
	if partition == nil {
		return nil, errkind.Newf(errkind.Value, "nil partition")
	}
	return &BatchSource{partition: partition, batchSize: batchSize}, nil
}

// Len returns the number of batches in a pass
func (s *BatchSource) Len() int {
	return (s.partition.Len() + s.batchSize - 1) / s.batchSize
}

// Examples returns the partition size
func (s *BatchSource) Examples() int {
	return s.partition.Len()
}

// BatchSize returns the configured batch size
func (s *BatchSource) BatchSize() int {
	return s.batchSize
}

// Batches returns a lazy sequence of batches. Each call starts a new pass
// from the first example. Iteration stops after the first error.
func (s *BatchSource) Batches() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		n := s.partition.Len()
		for index, start := 0, 0; start < n; index, start = index+1, start+s.batchSize {
			end := min(start+s.batchSize, n)
			batch, err := s.assemble(index, start, end)
			if err != nil {
				yield(Batch{Index: index}, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

func (s *BatchSource) assemble(index, start, end int) (Batch, error) {
	examples := make([]Example, 0, end-start)
	for i := start; i < end; i++ {
		ex, err := s.partition.Example(i)
		if err != nil {
			return Batch{}, err
		}
		examples = append(examples, ex)
	}

	first := examples[0]
	labels := make([]int, len(examples))
	for i, ex := range examples {
		if ex.Shape != first.Shape {
			return Batch{}, errkind.Newf(errkind.Shape, "example %d has shape %v, batch has %v", start+i, ex.Shape, first.Shape)
		}
		if ex.Layout != first.Layout {
			return Batch{}, errkind.Newf(errkind.Shape, "example %d has layout %s, batch has %s", start+i, ex.Layout, first.Layout)
		}
		labels[i] = ex.Label
	}

	var (
		pixels interface{}
		err    error
	)
	switch p := first.Pixels.(type) {
	case []uint8:
		pixels, err = concat(examples, p)
	case []float32:
		pixels, err = concat(examples, p)
	case []float64:
		pixels, err = concat(examples, p)
	default:
		return Batch{}, errkind.Newf(errkind.Type, "unsupported example pixel buffer %T", first.Pixels)
	}
	if err != nil {
		return Batch{}, err
	}

	return Batch{
		Index: index,
		Size:  len(examples),
		Images: RawImageBatch{
			Shape:  []int{len(examples), first.Shape[0], first.Shape[1], first.Shape[2]},
			Pixels: pixels,
			Layout: first.Layout,
		},
		Labels: RawLabelBatch{
			Shape:  []int{len(examples)},
			Values: labels,
		},
	}, nil
}

func concat[T uint8 | float32 | float64](examples []Example, first []T) ([]T, error) {
	size := examples[0].Shape[0] * examples[0].Shape[1] * examples[0].Shape[2]
	out := make([]T, 0, size*len(examples))
	for i, ex := range examples {
		p, ok := ex.Pixels.([]T)
		if !ok {
			return nil, errkind.Newf(errkind.Type, "example %d has pixel buffer %T, batch has %T", i, ex.Pixels, first)
		}
		if len(p) != size {
			return nil, errkind.Newf(errkind.Shape, "example %d has %d pixels, shape %v needs %d", i, len(p), ex.Shape, size)
		}
		out = append(out, p...)
	}
	return out, nil
}
