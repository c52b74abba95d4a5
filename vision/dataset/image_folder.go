package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/training"
	"github.com/modularcnn/modularcnn/vision/preprocessing"
)

// DefaultExtensions are the image suffixes picked up when none are given
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageFolderDataset is a dataset loaded from a directory structure where
// each subdirectory is a class. Classes are indexed in sorted name order.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	accept := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		accept[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to list classes in %s", root)
	}

	d := &ImageFolderDataset{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		classIdx := len(d.classNames)
		d.classNames = append(d.classNames, entry.Name())

		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, errkind.Wrapf(errkind.IO, err, "failed to list class %s", entry.Name())
		}
		for _, file := range files {
			if file.IsDir() || !accept[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(root, entry.Name(), file.Name()))
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, errkind.Newf(errkind.Value, "no images found in %s", root)
	}

	return d, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errkind.Newf(errkind.Value, "index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names in label order
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the count of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split shuffles once with seed and cuts off testFraction of the samples as
// the test partition. Both sides keep the full class list.
func (d *ImageFolderDataset) Split(testFraction float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset, error) {
	train, test, err := splitIndices(d.Len(), testFraction, seed)
	if err != nil {
		return nil, nil, err
	}
	return d.subset(train), d.subset(test), nil
}

// SplitPartition applies the same seeded split to an in-memory partition
func SplitPartition(p *training.MemoryPartition, testFraction float64, seed int64) (*training.MemoryPartition, *training.MemoryPartition, error) {
	trainIdx, testIdx, err := splitIndices(p.Len(), testFraction, seed)
	if err != nil {
		return nil, nil, err
	}
	pick := func(indices []int) (*training.MemoryPartition, error) {
		out := training.NewMemoryPartition(make([]training.Example, 0, len(indices)))
		for _, idx := range indices {
			ex, err := p.Example(idx)
			if err != nil {
				return nil, err
			}
			out.Add(ex)
		}
		return out, nil
	}
	train, err := pick(trainIdx)
	if err != nil {
		return nil, nil, err
	}
	test, err := pick(testIdx)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func splitIndices(n int, testFraction float64, seed int64) ([]int, []int, error) {
	if testFraction < 0 || testFraction >= 1 {
		return nil, nil, errkind.Newf(errkind.Value, "test fraction must be in [0, 1), got %g", testFraction)
	}
	indices := rand.New(rand.NewSource(seed)).Perm(n)
	testSize := int(float64(n) * testFraction)
	return indices[testSize:], indices[:testSize], nil
}

func (d *ImageFolderDataset) subset(indices []int) *ImageFolderDataset {
	sub := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
	}
	for i, idx := range indices {
		sub.imagePaths[i] = d.imagePaths[idx]
		sub.labels[i] = d.labels[idx]
	}
	return sub
}

// Prepare decodes every image into a channel-last in-memory partition.
// Images that fail to decode are skipped with a warning.
func (d *ImageFolderDataset) Prepare(processor *preprocessing.ImageProcessor) (*training.MemoryPartition, error) {
	partition := training.NewMemoryPartition(nil)
	skipped := 0
	for i, path := range d.imagePaths {
		img, err := processor.DecodeFile(path)
		if err != nil {
			klog.Warningf("skipping %s: %v", path, err)
			skipped++
			continue
		}
		partition.Add(training.Example{
			Pixels: img.Pixels,
			Shape:  [3]int{img.Height, img.Width, img.Channels},
			Layout: training.LayoutNHWC,
			Label:  d.labels[i],
		})
	}

	if partition.Len() == 0 && d.Len() > 0 {
		return nil, errkind.Newf(errkind.Value, "none of %d images could be decoded", d.Len())
	}
	klog.V(1).Infof("prepared %d images at %dx%d (%d skipped)", partition.Len(), processor.TargetSize(), processor.TargetSize(), skipped)
	return partition, nil
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	dist := d.ClassDistribution()
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "ImageFolderDataset: %d samples, %d classes\n", d.Len(), d.NumClasses())
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, dist[name])
	}
	return b.String()
}
