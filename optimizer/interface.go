package optimizer

import (
	"fmt"

	"github.com/tsawler/go-emlc/checkpoints"
)

// Optimizer updates a flat parameter vector in place from its gradient.
// Implementations keep per-coordinate state (momentum, moments) that can be
// saved and restored for checkpoints.
type Optimizer interface {
	// Step performs a single optimization step. params and grads must have the
	// length the optimizer was created for.
	Step(params, grads []float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64
}

// OptimizerState is the checkpoint representation of an optimizer.
type OptimizerState = checkpoints.OptimizerState

// OptimizerTensor is one saved state buffer.
type OptimizerTensor = checkpoints.OptimizerTensor

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "m_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkLengths(size int, params, grads []float64) error {
	if len(params) != size {
		return fmt.Errorf("expected %d parameters, got %d", size, len(params))
	}
	if len(grads) != size {
		return fmt.Errorf("gradient length (%d) doesn't match parameter length (%d)", len(grads), size)
	}
	return nil
}

// param reads a hyperparameter from the state map, falling back to def.
func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func boolParam(params map[string]float64, key string, def bool) bool {
	if v, ok := params[key]; ok {
		return v != 0
	}
	return def
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// restoreBuffer copies a saved state tensor into buf.
func restoreBuffer(buf []float64, t checkpoints.OptimizerTensor) error {
	if len(t.Data) != len(buf) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", t.Name, len(buf), len(t.Data))
	}
	copy(buf, t.Data)
	return nil
}

func saveBuffer(name, stateType string, buf []float64) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buf)},
		Data:      append([]float64(nil), buf...),
		StateType: stateType,
	}
}
