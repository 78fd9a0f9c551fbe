package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Zero filled", func(t *testing.T) {
		x, err := NewTensor([]int{2, 3}, nil)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		if x.NumElems != 6 {
			t.Errorf("Expected 6 elements, got %d", x.NumElems)
		}
		if !reflect.DeepEqual(x.Strides, []int{3, 1}) {
			t.Errorf("Expected strides [3 1], got %v", x.Strides)
		}
	})

	t.Run("Length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); err == nil {
			t.Error("Expected error for mismatched data length, got nil")
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{0, 2}, nil); err == nil {
			t.Error("Expected error for zero dimension, got nil")
		}
	})
}

func TestMatMul(t *testing.T) {
	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float64{58, 64, 139, 154}
	if !reflect.DeepEqual(c.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, c.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected error for incompatible shapes, got nil")
	}
}

func TestTranspose(t *testing.T) {
	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	at, err := Transpose(a)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !reflect.DeepEqual(at.Shape, []int{3, 2}) {
		t.Errorf("Expected shape [3 2], got %v", at.Shape)
	}
	expected := []float64{1, 4, 2, 5, 3, 6}
	if !reflect.DeepEqual(at.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, at.Data)
	}
}

func TestSoftmaxAndLogSumExp(t *testing.T) {
	x := MustNew([]int{2, 3}, []float64{1, 2, 3, 1000, 1000, 1000})

	s, err := Softmax(x)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		sum := s.At(i, 0) + s.At(i, 1) + s.At(i, 2)
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Row %d sums to %f, expected 1", i, sum)
		}
	}
	if math.Abs(s.At(1, 0)-1.0/3) > 1e-12 {
		t.Errorf("Expected uniform row for equal large logits, got %v", s.Data[3:])
	}

	lse, err := LogSumExp(x)
	if err != nil {
		t.Fatalf("LogSumExp failed: %v", err)
	}
	expected := 3 + math.Log(math.Exp(-2)+math.Exp(-1)+1)
	if math.Abs(lse.Data[0]-expected) > 1e-12 {
		t.Errorf("Expected %f, got %f", expected, lse.Data[0])
	}
	if math.IsInf(lse.Data[1], 0) {
		t.Error("LogSumExp overflowed on large logits")
	}
}

func TestColumnOps(t *testing.T) {
	a := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{2, 1}, []float64{5, 6})

	c, err := ConcatCols(a, b)
	if err != nil {
		t.Fatalf("ConcatCols failed: %v", err)
	}
	if !reflect.DeepEqual(c.Data, []float64{1, 2, 5, 3, 4, 6}) {
		t.Errorf("Unexpected concat result %v", c.Data)
	}

	s, err := SliceCols(c, 1, 3)
	if err != nil {
		t.Fatalf("SliceCols failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float64{2, 5, 4, 6}) {
		t.Errorf("Unexpected slice result %v", s.Data)
	}

	p, err := PadCols(b, 1, 3)
	if err != nil {
		t.Fatalf("PadCols failed: %v", err)
	}
	if !reflect.DeepEqual(p.Data, []float64{0, 5, 0, 0, 6, 0}) {
		t.Errorf("Unexpected pad result %v", p.Data)
	}

	if _, err := SliceCols(c, 2, 2); err == nil {
		t.Error("Expected error for empty column range, got nil")
	}
}

func TestGatherScatter(t *testing.T) {
	table := MustNew([]int{3, 2}, []float64{1, 2, 3, 4, 5, 6})
	idx := []int{2, 0, 2}

	g, err := GatherRows(table, idx)
	if err != nil {
		t.Fatalf("GatherRows failed: %v", err)
	}
	if !reflect.DeepEqual(g.Data, []float64{5, 6, 1, 2, 5, 6}) {
		t.Errorf("Unexpected gather result %v", g.Data)
	}

	s, err := ScatterRows(g, idx, 3)
	if err != nil {
		t.Fatalf("ScatterRows failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float64{1, 2, 0, 0, 10, 12}) {
		t.Errorf("Unexpected scatter result %v", s.Data)
	}

	if _, err := GatherRows(table, []int{3}); err == nil {
		t.Error("Expected error for out of range index, got nil")
	}
}

func TestOneHotAndArgMax(t *testing.T) {
	oh, err := OneHot([]int{1, 0, 2}, 3)
	if err != nil {
		t.Fatalf("OneHot failed: %v", err)
	}
	arg, err := ArgMaxRows(oh)
	if err != nil {
		t.Fatalf("ArgMaxRows failed: %v", err)
	}
	if !reflect.DeepEqual(arg, []int{1, 0, 2}) {
		t.Errorf("Expected [1 0 2], got %v", arg)
	}
	if _, err := OneHot([]int{3}, 3); err == nil {
		t.Error("Expected error for label out of range, got nil")
	}
}

func TestIsFinite(t *testing.T) {
	if !MustNew([]int{1, 2}, []float64{1, 2}).IsFinite() {
		t.Error("Expected finite tensor")
	}
	if MustNew([]int{1, 2}, []float64{1, math.NaN()}).IsFinite() {
		t.Error("Expected NaN to be reported as non-finite")
	}
	if MustNew([]int{1, 1}, []float64{math.Inf(1)}).IsFinite() {
		t.Error("Expected Inf to be reported as non-finite")
	}
}
