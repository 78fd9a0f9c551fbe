package models

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-emlc/tensor"
)

func newTestResNet(t *testing.T) *ResNet {
	t.Helper()
	r, err := NewResNet(ResNetConfig{InputDim: 4, EmbeddingDim: 5, NumClasses: 3, Blocks: 2}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewResNet failed: %v", err)
	}
	return r
}

func TestResNet(t *testing.T) {
	r := newTestResNet(t)
	x := tensor.MustNew([]int{2, 4}, []float64{1, 2, 3, 4, -1, 0, 1, 0})

	t.Run("Shapes", func(t *testing.T) {
		features, logits := r.Forward(r.Params().Vars(), tensor.Const(x))
		if features.Shape()[1] != 5 || logits.Shape()[1] != 3 {
			t.Errorf("Unexpected shapes %v %v", features.Shape(), logits.Shape())
		}
	})

	t.Run("Predict leaves params unchanged", func(t *testing.T) {
		before := r.Params().Flatten()
		if _, err := r.Predict(x); err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		after := r.Params().Flatten()
		for i := range before {
			if before[i] != after[i] {
				t.Fatal("Predict mutated parameters")
			}
		}
	})

	t.Run("Wrong input width", func(t *testing.T) {
		if _, err := r.Predict(tensor.MustNew([]int{1, 3}, nil)); err == nil {
			t.Error("Expected error for wrong input width, got nil")
		}
	})

	t.Run("Features exclude head", func(t *testing.T) {
		f := NewResNetFeatures(r)
		if f.Params().Len() != r.Params().Len()-2 {
			t.Errorf("Expected %d feature params, got %d", r.Params().Len()-2, f.Params().Len())
		}
		for _, name := range f.Params().Names() {
			if name == "head.weight" || name == "head.bias" {
				t.Errorf("Feature params contain %s", name)
			}
		}
		want, _ := r.Forward(r.Params().Consts(), tensor.Const(x))
		got := f.Forward(f.Params().Consts(), tensor.Const(x))
		for i, v := range got.Value().Data {
			if v != want.Value().Data[i] {
				t.Fatal("Feature extractor disagrees with backbone embedding")
			}
		}
	})
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{Relabel, Reweight, RelabelReweight} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePolicy("drop"); err == nil {
		t.Error("Expected error for unknown policy, got nil")
	}
}

func TestTeacherEnhancer(t *testing.T) {
	features := tensor.Var(tensor.MustNew([]int{2, 3}, []float64{0.1, 0.2, 0.3, -0.3, 0.5, 0.1}))
	labels := []int{0, 2}

	tests := []struct {
		policy      Policy
		wantWeights bool
		hardTargets bool
	}{
		{Relabel, false, false},
		{Reweight, true, true},
		{RelabelReweight, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			e, err := NewTeacherEnhancer(3, 3, 2, 4, tt.policy, rand.New(rand.NewSource(7)))
			if err != nil {
				t.Fatalf("NewTeacherEnhancer failed: %v", err)
			}
			b := e.Params().Vars()
			c, err := e.Forward(b, features, labels)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if (c.Weights != nil) != tt.wantWeights {
				t.Fatalf("Weights present = %v, want %v", c.Weights != nil, tt.wantWeights)
			}
			for i := 0; i < 2; i++ {
				sum := 0.0
				for j := 0; j < 3; j++ {
					sum += c.Targets.Value().At(i, j)
				}
				if math.Abs(sum-1) > 1e-12 {
					t.Errorf("Targets row %d sums to %f", i, sum)
				}
			}
			if tt.hardTargets && c.Targets.Value().At(1, 2) != 1 {
				t.Errorf("Reweight targets should be the observed one-hot label")
			}
			if c.Weights != nil {
				for _, w := range c.Weights.Value().Data {
					if w <= 0 || w >= 1 {
						t.Errorf("Weight %f outside (0, 1)", w)
					}
				}
			}

			// The correction must be differentiable w.r.t. the features.
			out := c.Targets
			if c.Weights != nil {
				out = tensor.MulAutograd(c.Targets, tensor.BroadcastColsAutograd(c.Weights, 3))
			}
			probe := tensor.Const(tensor.MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}))
			g := tensor.Grad(tensor.DotAutograd(out, probe), []*tensor.Node{features})[0]
			nonZero := false
			for _, v := range g.Value().Data {
				if v != 0 {
					nonZero = true
				}
			}
			if !nonZero {
				t.Error("Expected a non-zero gradient with respect to the features")
			}
		})
	}

	t.Run("Label count mismatch", func(t *testing.T) {
		e, _ := NewTeacherEnhancer(3, 3, 2, 4, Relabel, rand.New(rand.NewSource(1)))
		if _, err := e.Forward(e.Params().Consts(), features, []int{1}); err == nil {
			t.Error("Expected error for mismatched labels, got nil")
		}
	})
}
