package metagrad

import (
	"math"

	"github.com/tsawler/go-emlc/tensor"
)

func cloneAll(ts []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

func zerosLike(ts []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		out[i] = tensor.ZerosLike(t)
	}
	return out
}

func variables(ts []*tensor.Tensor) []*tensor.Node {
	out := make([]*tensor.Node, len(ts))
	for i, t := range ts {
		out[i] = tensor.Var(t)
	}
	return out
}

func consts(ts []*tensor.Tensor) []*tensor.Node {
	out := make([]*tensor.Node, len(ts))
	for i, t := range ts {
		out[i] = tensor.Const(t)
	}
	return out
}

func values(ns []*tensor.Node) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ns))
	for i, n := range ns {
		out[i] = n.Value()
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(ts []*tensor.Tensor) bool {
	for _, t := range ts {
		if !t.IsFinite() {
			return false
		}
	}
	return true
}

// innerProduct builds Σ_i <a_i, b_i> as a graph node.
func innerProduct(a, b []*tensor.Node) *tensor.Node {
	var sum *tensor.Node
	for i := range a {
		d := tensor.DotAutograd(a[i], b[i])
		if sum == nil {
			sum = d
		} else {
			sum = tensor.AddAutograd(sum, d)
		}
	}
	return sum
}

// coordinate addresses one scalar of a tensor list.
type coordinate struct {
	tensor int
	offset int
}

func coordinates(ts []*tensor.Tensor) []coordinate {
	var out []coordinate
	for i, t := range ts {
		for j := 0; j < t.NumElems; j++ {
			out = append(out, coordinate{tensor: i, offset: j})
		}
	}
	return out
}

// basis returns the tangent list e_c: nil everywhere except a one-hot tensor
// at c.
func basis(shapes []*tensor.Tensor, c coordinate) []*tensor.Node {
	out := make([]*tensor.Node, len(shapes))
	e := tensor.ZerosLike(shapes[c.tensor])
	e.Data[c.offset] = 1
	out[c.tensor] = tensor.Const(e)
	return out
}

func dotAll(a, b []*tensor.Tensor) float64 {
	var sum float64
	for i := range a {
		d, err := tensor.Dot(a[i], b[i])
		if err != nil {
			panic(err)
		}
		sum += d
	}
	return sum
}
