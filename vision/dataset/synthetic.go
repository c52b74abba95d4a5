package dataset

import (
	"math/rand"

	"github.com/modularcnn/modularcnn/training"
)

// Synthetic builds n channel-last RGB images of size x size with values in
// [0, 1], matching decoded images. Each class gets a fixed base colour with
// per-pixel noise, so the classes are separable.
func Synthetic(n, numClasses, size int, seed int64) *training.MemoryPartition {
	if numClasses <= 0 || size <= 0 {
		return training.NewMemoryPartition(nil)
	}
	rng := rand.New(rand.NewSource(seed))

	bases := make([][3]int, numClasses)
	for c := range bases {
		for ch := 0; ch < 3; ch++ {
			bases[c][ch] = 32 + rng.Intn(192)
		}
	}

	examples := make([]training.Example, n)
	for i := range examples {
		label := i % numClasses
		pixels := make([]float32, size*size*3)
		for p := 0; p < size*size; p++ {
			for ch := 0; ch < 3; ch++ {
				v := bases[label][ch] + rng.Intn(33) - 16
				pixels[p*3+ch] = float32(min(max(v, 0), 255)) / 255
			}
		}
		examples[i] = training.Example{
			Pixels: pixels,
			Shape:  [3]int{size, size, 3},
			Layout: training.LayoutNHWC,
			Label:  label,
		}
	}
	return training.NewMemoryPartition(examples)
}
