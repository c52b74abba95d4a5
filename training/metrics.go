package training

import "time"

// TrainMetrics summarises one training pass
type TrainMetrics struct {
	Epoch    int
	Batches  int
	Samples  int
	LastLoss float64 // loss of the final batch
	MeanLoss float64 // mean of per-batch losses
	Duration time.Duration
}

// EvalMetrics summarises one evaluation pass
type EvalMetrics struct {
	Batches        int
	Samples        int
	CumulativeLoss float64 // sum of per-batch losses
	Correct        int
	Duration       time.Duration
}

// Accuracy returns the fraction of correctly classified samples
func (m EvalMetrics) Accuracy() float64 {
	if m.Samples == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Samples)
}

// MeanLoss returns the cumulative loss divided by the batch count
func (m EvalMetrics) MeanLoss() float64 {
	if m.Batches == 0 {
		return 0
	}
	return m.CumulativeLoss / float64(m.Batches)
}

// EpochMetrics holds the results of one epoch. Eval is nil when no test
// partition was supplied.
type EpochMetrics struct {
	Epoch int
	Train TrainMetrics
	Eval  *EvalMetrics
}

// BatchReport is passed to the batch callback after every training batch
type BatchReport struct {
	Epoch int
	Batch int
	Total int
	Loss  float64
}
