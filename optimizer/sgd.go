package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// dampening, L2 weight decay and Nesterov momentum.
//
//	g = grad + wd*p
//	buf = g                          (first step)
//	buf = momentum*buf + (1-d)*g     (later steps)
//	g = g + momentum*buf if nesterov, else buf
//	p = p - lr*g
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool

	MomentumBuffer []float64
	StepCount      uint64

	size    int
	scratch []float64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// NewSGDOptimizer creates an SGD optimizer for a vector of size parameters.
func NewSGDOptimizer(config SGDConfig, size int) (*SGDOptimizerState, error) {
	if size <= 0 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", size)
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum == 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		Dampening:    config.Dampening,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		size:         size,
		scratch:      make([]float64, size),
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffer = make([]float64, size)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params, grads []float64) error {
	if err := checkLengths(sgd.size, params, grads); err != nil {
		return err
	}

	g := sgd.scratch
	copy(g, grads)
	if sgd.WeightDecay != 0 {
		floats.AddScaled(g, sgd.WeightDecay, params)
	}

	if sgd.Momentum > 0 {
		buf := sgd.MomentumBuffer
		if sgd.StepCount == 0 {
			copy(buf, g)
		} else {
			floats.Scale(sgd.Momentum, buf)
			floats.AddScaled(buf, 1-sgd.Dampening, g)
		}
		if sgd.Nesterov {
			floats.AddScaled(g, sgd.Momentum, buf)
		} else {
			copy(g, buf)
		}
	}

	floats.AddScaled(params, -sgd.LearningRate, g)
	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"dampening":     sgd.Dampening,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolToFloat(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
	}
	if sgd.MomentumBuffer != nil {
		state.StateData = append(state.StateData, saveBuffer("momentum_0", "momentum", sgd.MomentumBuffer))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Dampening = param(state.Parameters, "dampening", sgd.Dampening)
	sgd.WeightDecay = param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = boolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = uint64(param(state.Parameters, "step_count", float64(sgd.StepCount)))

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		if idx := extractBufferIndex(t.Name); idx != 0 {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.MomentumBuffer == nil {
			sgd.MomentumBuffer = make([]float64, sgd.size)
		}
		if err := restoreBuffer(sgd.MomentumBuffer, t); err != nil {
			return err
		}
	}
	return nil
}
