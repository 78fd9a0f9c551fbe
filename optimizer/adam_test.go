package optimizer

import (
	"math"
	"testing"
)

func TestAdamConfigValidation(t *testing.T) {
	base := DefaultAdamConfig()
	tests := []struct {
		name   string
		mutate func(c *AdamConfig)
	}{
		{"Negative learning rate", func(c *AdamConfig) { c.LearningRate = -1 }},
		{"Beta1 of one", func(c *AdamConfig) { c.Beta1 = 1 }},
		{"Negative beta2", func(c *AdamConfig) { c.Beta2 = -0.1 }},
		{"Zero epsilon", func(c *AdamConfig) { c.Epsilon = 0 }},
		{"Negative weight decay", func(c *AdamConfig) { c.WeightDecay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if _, err := NewAdamOptimizer(c, 2); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestAdamFirstStep(t *testing.T) {
	opt, err := NewAdamOptimizer(DefaultAdamConfig(), 3)
	if err != nil {
		t.Fatalf("Failed to create Adam optimizer: %v", err)
	}
	params := []float64{1, 1, 1}
	if err := opt.Step(params, []float64{0.5, -2, 0}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// After bias correction the first update is lr*sign(g) for g != 0.
	expected := []float64{1 - 0.001, 1 + 0.001, 1}
	for i := range params {
		if math.Abs(params[i]-expected[i]) > 1e-8 {
			t.Errorf("Expected param[%d]=%f, got %f", i, expected[i], params[i])
		}
	}
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	opt, _ := NewAdamOptimizer(config, 2)

	p := []float64{3, -2}
	g := make([]float64, 2)
	for i := 0; i < 500; i++ {
		g[0] = 2 * (p[0] - 1)
		g[1] = 2 * (p[1] + 1)
		if err := opt.Step(p, g); err != nil {
			t.Fatal(err)
		}
	}
	if math.Abs(p[0]-1) > 1e-2 || math.Abs(p[1]+1) > 1e-2 {
		t.Errorf("Expected convergence to (1, -1), got %v", p)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	a, _ := NewAdamOptimizer(DefaultAdamConfig(), 2)
	b, _ := NewAdamOptimizer(DefaultAdamConfig(), 2)

	pa := []float64{0.2, 0.4}
	grads := []float64{0.1, -0.3}
	_ = a.Step(pa, grads)
	_ = a.Step(pa, grads)

	state, err := a.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected 2 state tensors, got %d", len(state.StateData))
	}
	if err := b.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	pb := append([]float64(nil), pa...)
	_ = a.Step(pa, grads)
	_ = b.Step(pb, grads)
	for i := range pa {
		if pa[i] != pb[i] {
			t.Errorf("Restored optimizer diverged at %d: %f vs %f", i, pa[i], pb[i])
		}
	}

	if err := b.LoadState(&OptimizerState{Type: "SGD"}); err == nil {
		t.Error("Expected error for mismatched state type, got nil")
	}
}
