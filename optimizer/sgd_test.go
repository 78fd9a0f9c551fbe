package optimizer

import (
	"math"
	"testing"
)

func TestSGDConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"Negative learning rate", SGDConfig{LearningRate: -0.1}},
		{"Negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.5}},
		{"Momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"Negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"Nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGDOptimizer(tt.config, 3); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := NewSGDOptimizer(DefaultSGDConfig(), 0); err == nil {
		t.Error("Expected error for empty parameter vector, got nil")
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("Plain", func(t *testing.T) {
		opt, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, 2)
		if err != nil {
			t.Fatalf("Failed to create SGD optimizer: %v", err)
		}
		params := []float64{1, 2}
		if err := opt.Step(params, []float64{0.5, -1}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		expected := []float64{0.95, 2.1}
		for i := range params {
			if math.Abs(params[i]-expected[i]) > 1e-12 {
				t.Errorf("Expected param[%d]=%f, got %f", i, expected[i], params[i])
			}
		}
		if opt.GetStepCount() != 1 {
			t.Errorf("Expected step count 1, got %d", opt.GetStepCount())
		}
	})

	t.Run("Momentum and weight decay", func(t *testing.T) {
		opt, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, WeightDecay: 0.01}, 1)
		if err != nil {
			t.Fatalf("Failed to create SGD optimizer: %v", err)
		}
		p := []float64{1}
		// step 1: g = 1 + 0.01 = 1.01, buf = 1.01, p = 1 - 0.101
		if err := opt.Step(p, []float64{1}); err != nil {
			t.Fatal(err)
		}
		p1 := 1 - 0.1*1.01
		if math.Abs(p[0]-p1) > 1e-12 {
			t.Fatalf("Expected %f after first step, got %f", p1, p[0])
		}
		// step 2: g = 1 + 0.01*p1, buf = 0.9*1.01 + g
		if err := opt.Step(p, []float64{1}); err != nil {
			t.Fatal(err)
		}
		g := 1 + 0.01*p1
		p2 := p1 - 0.1*(0.9*1.01+g)
		if math.Abs(p[0]-p2) > 1e-12 {
			t.Errorf("Expected %f after second step, got %f", p2, p[0])
		}
	})

	t.Run("Nesterov", func(t *testing.T) {
		opt, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, 1)
		if err != nil {
			t.Fatalf("Failed to create SGD optimizer: %v", err)
		}
		p := []float64{0}
		if err := opt.Step(p, []float64{2}); err != nil {
			t.Fatal(err)
		}
		// buf = 2, update = 2 + 0.5*2
		if math.Abs(p[0]+0.3) > 1e-12 {
			t.Errorf("Expected -0.3, got %f", p[0])
		}
	})

	t.Run("Length mismatch", func(t *testing.T) {
		opt, _ := NewSGDOptimizer(DefaultSGDConfig(), 2)
		if err := opt.Step([]float64{1, 2}, []float64{1}); err == nil {
			t.Error("Expected error for mismatched gradient length, got nil")
		}
	})
}

func TestSGDStateRoundTrip(t *testing.T) {
	config := SGDConfig{LearningRate: 0.05, Momentum: 0.9, WeightDecay: 1e-4}
	a, _ := NewSGDOptimizer(config, 3)
	b, _ := NewSGDOptimizer(config, 3)

	pa := []float64{1, -1, 0.5}
	grads := []float64{0.3, 0.1, -0.2}
	for i := 0; i < 3; i++ {
		if err := a.Step(pa, grads); err != nil {
			t.Fatal(err)
		}
	}

	state, err := a.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" {
		t.Errorf("Expected state type SGD, got %s", state.Type)
	}
	if err := b.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if b.GetStepCount() != 3 {
		t.Errorf("Expected step count 3 after restore, got %d", b.GetStepCount())
	}

	pb := append([]float64(nil), pa...)
	_ = a.Step(pa, grads)
	_ = b.Step(pb, grads)
	for i := range pa {
		if pa[i] != pb[i] {
			t.Errorf("Restored optimizer diverged at %d: %f vs %f", i, pa[i], pb[i])
		}
	}

	t.Run("Wrong type", func(t *testing.T) {
		if err := b.LoadState(&OptimizerState{Type: "Adam"}); err == nil {
			t.Error("Expected error for mismatched state type, got nil")
		}
	})

	t.Run("Wrong size", func(t *testing.T) {
		c, _ := NewSGDOptimizer(config, 2)
		if err := c.LoadState(state); err == nil {
			t.Error("Expected error for mismatched buffer size, got nil")
		}
	})
}

var (
	_ Optimizer = (*SGDOptimizerState)(nil)
	_ Optimizer = (*AdamOptimizerState)(nil)
)

func TestUpdateLearningRate(t *testing.T) {
	var opts []Optimizer
	sgd, _ := NewSGDOptimizer(DefaultSGDConfig(), 1)
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), 1)
	opts = append(opts, sgd, adam)

	for _, opt := range opts {
		opt.UpdateLearningRate(0.5)
		if opt.GetLearningRate() != 0.5 {
			t.Errorf("Expected learning rate 0.5, got %f", opt.GetLearningRate())
		}
	}
	if sgd.LearningRate != 0.5 || adam.LearningRate != 0.5 {
		t.Errorf("Expected the LearningRate fields to follow, got %f and %f", sgd.LearningRate, adam.LearningRate)
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0": 0,
		"m_12":       12,
		"v":          -1,
		"m_x":        -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q): expected %d, got %d", name, want, got)
		}
	}
}
