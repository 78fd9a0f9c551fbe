package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamOptimizerState is Adam with bias correction and L2 weight decay added
// to the gradient.
type AdamOptimizerState struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64

	M         []float64 // first moment
	V         []float64 // second moment
	StepCount uint64

	size    int
	scratch []float64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for size parameters.
func NewAdamOptimizer(config AdamConfig, size int) (*AdamOptimizerState, error) {
	if size <= 0 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", size)
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		M:            make([]float64, size),
		V:            make([]float64, size),
		size:         size,
		scratch:      make([]float64, size),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads []float64) error {
	if err := checkLengths(adam.size, params, grads); err != nil {
		return err
	}

	g := adam.scratch
	copy(g, grads)
	if adam.WeightDecay != 0 {
		floats.AddScaled(g, adam.WeightDecay, params)
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(adam.Beta1, t)
	bias2 := 1 - math.Pow(adam.Beta2, t)

	floats.Scale(adam.Beta1, adam.M)
	floats.AddScaled(adam.M, 1-adam.Beta1, g)
	for i, gi := range g {
		adam.V[i] = adam.Beta2*adam.V[i] + (1-adam.Beta2)*gi*gi
		mHat := adam.M[i] / bias1
		vHat := adam.V[i] / bias2
		params[i] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: []OptimizerTensor{
			saveBuffer("m_0", "m", adam.M),
			saveBuffer("v_0", "v", adam.V),
		},
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = uint64(param(state.Parameters, "step_count", float64(adam.StepCount)))

	for _, t := range state.StateData {
		var buf []float64
		switch t.StateType {
		case "m":
			buf = adam.M
		case "v":
			buf = adam.V
		default:
			continue
		}
		if idx := extractBufferIndex(t.Name); idx != 0 {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBuffer(buf, t); err != nil {
			return err
		}
	}
	return nil
}
