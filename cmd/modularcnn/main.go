// Command modularcnn trains an image classifier on a class-per-directory
// dataset (or generated data) and writes the final weights.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/training"
	"github.com/modularcnn/modularcnn/vision/dataset"
	"github.com/modularcnn/modularcnn/vision/preprocessing"
)

var (
	flagConfig     = flag.String("config", "", "JSON training configuration; defaults are used when empty")
	flagData       = flag.String("data", "", "Dataset root with one subdirectory per class")
	flagSynthetic  = flag.Int("synthetic", 0, "Train on N generated images instead of -data")
	flagEpochs     = flag.Int("epochs", 0, "Override the number of epochs")
	flagBatchSize  = flag.Int("batch-size", 0, "Override the batch size")
	flagCheckpoint = flag.String("checkpoint", "", "Override the checkpoint path (local file or s3://bucket/key)")
	flagEncoding   = flag.String("encoding", "", "Override the label encoding: onehot or scalar")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := run(); err != nil {
		klog.Errorf("Failed with error: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	klog.Infof("Host: %s", engine.Describe())

	train, test, numClasses, err := loadData(cfg)
	if err != nil {
		return err
	}
	if numClasses > 0 && numClasses != cfg.NumClasses {
		klog.Infof("Dataset has %d classes, resizing the default classifier head", numClasses)
		if cfg, err = cfg.WithNumClasses(numClasses); err != nil {
			return err
		}
	}

	session, err := training.NewSession(engine.NewCPU(cfg.EngineSeed), cfg)
	if err != nil {
		return err
	}
	session.SetProgressOutput(os.Stdout)
	training.NewModelArchitecturePrinter("ModularCNN").PrintArchitecture(os.Stdout, session.Spec())

	trainSource, err := training.NewBatchSource(train, cfg.BatchSize)
	if err != nil {
		return err
	}
	var testSource *training.BatchSource
	if test.Len() > 0 {
		if testSource, err = training.NewBatchSource(test, cfg.BatchSize); err != nil {
			return err
		}
	}

	history, err := session.Run(trainSource, testSource)
	if err != nil {
		return err
	}
	if n := len(history); n > 0 && history[n-1].Eval != nil {
		fmt.Printf("Final test accuracy: %.2f%%\n", history[n-1].Eval.Accuracy()*100)
	}
	if cfg.CheckpointPath != "" {
		fmt.Printf("Model saved to %s\n", cfg.CheckpointPath)
	}
	return nil
}

func loadConfig() (training.Config, error) {
	cfg := training.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := training.LoadConfig(*flagConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if *flagEpochs > 0 {
		cfg.Epochs = *flagEpochs
	}
	if *flagBatchSize > 0 {
		cfg.BatchSize = *flagBatchSize
	}
	if *flagCheckpoint != "" {
		cfg.CheckpointPath = *flagCheckpoint
	}
	if *flagEncoding != "" {
		if err := cfg.Encoding.UnmarshalText([]byte(*flagEncoding)); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// loadData returns the train and test partitions and the number of classes
// found on disk (0 for generated data).
func loadData(cfg training.Config) (*training.MemoryPartition, *training.MemoryPartition, int, error) {
	if len(cfg.InputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("input shape must be [channels, height, width], got %v", cfg.InputShape)
	}
	size := cfg.InputShape[1]

	if *flagSynthetic > 0 {
		all := dataset.Synthetic(*flagSynthetic, cfg.NumClasses, size, cfg.SplitSeed)
		train, test, err := dataset.SplitPartition(all, cfg.TestFraction, cfg.SplitSeed)
		return train, test, 0, err
	}
	if *flagData == "" {
		return nil, nil, 0, fmt.Errorf("one of -data or -synthetic is required")
	}

	images, err := dataset.NewImageFolderDataset(*flagData, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	klog.Infof("%s", images)

	trainImages, testImages, err := images.Split(cfg.TestFraction, cfg.SplitSeed)
	if err != nil {
		return nil, nil, 0, err
	}
	klog.Infof("Train: %d images, Test: %d images", trainImages.Len(), testImages.Len())

	processor := preprocessing.NewImageProcessor(size)
	train, err := trainImages.Prepare(processor)
	if err != nil {
		return nil, nil, 0, err
	}
	test, err := testImages.Prepare(processor)
	if err != nil {
		return nil, nil, 0, err
	}
	return train, test, images.NumClasses(), nil
}
