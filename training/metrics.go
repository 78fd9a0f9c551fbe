package training

import (
	"fmt"
	"time"
)

// ConfusionMatrix counts [true_class][predicted_class] pairs.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of predicted and true class indices.
func (cm *ConfusionMatrix) Update(predicted, labels []int) error {
	if len(predicted) != len(labels) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(labels), len(predicted))
	}
	for i, p := range predicted {
		l := labels[i]
		if l < 0 || l >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class index out of range: true %d, predicted %d", l, p)
		}
		cm.Matrix[l][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy is the trace over the total, or 0 for an empty matrix.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// MacroRecall averages per-class recall over classes that occur.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	var sum float64
	present := 0
	for i := 0; i < cm.NumClasses; i++ {
		row := 0
		for j := 0; j < cm.NumClasses; j++ {
			row += cm.Matrix[i][j]
		}
		if row == 0 {
			continue
		}
		sum += float64(cm.Matrix[i][i]) / float64(row)
		present++
	}
	if present == 0 {
		return 0
	}
	return sum / float64(present)
}

// EvalResult summarises one pass over an evaluation loader.
type EvalResult struct {
	Loss        float64
	Accuracy    float64
	MacroRecall float64
	Samples     int
}

// StepMetrics holds the scalars reported for one bi-level step.
type StepMetrics struct {
	Epoch        int
	Step         int
	SilverLoss   float64 // mean over the unroll
	GoldLoss     float64
	CommitLoss   float64
	MetaGradNorm float64
	// RelabelAccuracy is how often the corrected target agrees with the
	// clean label on the commit batch.
	RelabelAccuracy float64
	MainLR       float64
	MetaLR       float64
	Duration     time.Duration
}

// LabelAgreement is the fraction of positions where a and b agree.
func LabelAgreement(a, b []int) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}
