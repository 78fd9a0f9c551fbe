package layers

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-emlc/tensor"
)

func TestParamSet(t *testing.T) {
	p := NewParamSet()
	if err := p.Add("a", tensor.MustNew([]int{1, 2}, []float64{1, 2})); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := p.Add("b", tensor.MustNew([]int{2, 1}, []float64{3, 4})); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	t.Run("Duplicate name", func(t *testing.T) {
		if err := p.Add("a", tensor.MustNew([]int{1, 1}, nil)); err == nil {
			t.Error("Expected error for duplicate name, got nil")
		}
	})

	t.Run("Flatten and assign", func(t *testing.T) {
		if p.NumElements() != 4 {
			t.Fatalf("Expected 4 elements, got %d", p.NumElements())
		}
		if !reflect.DeepEqual(p.Flatten(), []float64{1, 2, 3, 4}) {
			t.Errorf("Unexpected flatten result %v", p.Flatten())
		}
		if err := p.Assign([]float64{5, 6, 7, 8}); err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		b, _ := p.Get("b")
		if !reflect.DeepEqual(b.Data, []float64{7, 8}) {
			t.Errorf("Assign did not write in place, got %v", b.Data)
		}
		if err := p.Assign([]float64{1}); err == nil {
			t.Error("Expected error for short vector, got nil")
		}
	})

	t.Run("Clone does not alias", func(t *testing.T) {
		c := p.Clone()
		ct, _ := c.Get("a")
		ct.Data[0] = 100
		pt, _ := p.Get("a")
		if pt.Data[0] == 100 {
			t.Error("Clone shares storage with the original")
		}
		if !reflect.DeepEqual(c.Names(), p.Names()) {
			t.Errorf("Clone names %v differ from %v", c.Names(), p.Names())
		}
	})

	t.Run("Bind checks shapes", func(t *testing.T) {
		nodes := []*tensor.Node{tensor.Const(tensor.MustNew([]int{1, 2}, nil)), tensor.Const(tensor.MustNew([]int{1, 2}, nil))}
		if _, err := p.Bind(nodes); err == nil {
			t.Error("Expected shape error, got nil")
		}
	})
}

func TestBoundSplit(t *testing.T) {
	first := NewParamSet()
	rest := NewParamSet()
	_ = first.Add("x", tensor.MustNew([]int{1, 1}, []float64{1}))
	_ = rest.Add("y", tensor.MustNew([]int{1, 2}, []float64{2, 3}))
	all, err := first.Concat(rest)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	head, tail, err := all.Vars().Split(first, rest)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if head.Node("x").Item() != 1 {
		t.Errorf("Unexpected head binding %v", head.Node("x").Value().Data)
	}
	if !tail.Node("y").IsVariable() {
		t.Error("Expected split to keep variable leaves")
	}
}

func TestLinearForward(t *testing.T) {
	p := NewParamSet()
	l, err := NewLinear(p, "fc", 3, 2, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	w, _ := p.Get("fc.weight")
	bound := math.Sqrt(6.0 / 5)
	for _, v := range w.Data {
		if math.Abs(v) > bound {
			t.Fatalf("Weight %f outside Xavier bound %f", v, bound)
		}
	}
	bias, _ := p.Get("fc.bias")
	bias.Data[0], bias.Data[1] = 1, -1

	x := tensor.Const(tensor.MustNew([]int{2, 3}, []float64{1, 0, 0, 0, 1, 0}))
	y := l.Forward(p.Consts(), x)
	if !reflect.DeepEqual(y.Shape(), []int{2, 2}) {
		t.Fatalf("Expected output shape [2 2], got %v", y.Shape())
	}
	// Row 0 picks the first weight row plus bias.
	if math.Abs(y.Value().At(0, 0)-(w.At(0, 0)+1)) > 1e-12 {
		t.Errorf("Unexpected output %v", y.Value().Data)
	}
	if math.Abs(y.Value().At(1, 1)-(w.At(1, 1)-1)) > 1e-12 {
		t.Errorf("Unexpected output %v", y.Value().Data)
	}
}

func TestEmbeddingAndResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := NewParamSet()
	emb, err := NewEmbedding(p, "emb", 4, 3, rng)
	if err != nil {
		t.Fatalf("NewEmbedding failed: %v", err)
	}
	block, err := NewResidualBlock(p, "block", 3, rng)
	if err != nil {
		t.Fatalf("NewResidualBlock failed: %v", err)
	}

	b := p.Vars()
	h := emb.Forward(b, []int{3, 1})
	table, _ := p.Get("emb.table")
	if h.Value().At(0, 2) != table.At(3, 2) {
		t.Errorf("Embedding did not select row 3")
	}

	out := block.Forward(b, h)
	for _, v := range out.Value().Data {
		if v <= -1 || v >= 1 {
			t.Errorf("Residual output %f outside tanh range", v)
		}
	}

	grads := tensor.Grad(tensor.SumAllAutograd(out), b.Nodes())
	tg := grads[0].Value()
	for _, row := range []int{0, 2} {
		for j := 0; j < 3; j++ {
			if tg.At(row, j) != 0 {
				t.Errorf("Unused embedding row %d received gradient", row)
			}
		}
	}
}
