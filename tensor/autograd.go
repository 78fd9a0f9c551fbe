package tensor

import (
	"fmt"
)

// Operation is a differentiable graph operation. Its rules are expressed in
// terms of other graph operations, so the gradient and tangent nodes they
// produce can be differentiated again.
type Operation interface {
	Name() string

	// Backward returns the gradient flowing to input i given the gradient of
	// the output node out.
	Backward(out, gradOut *Node, i int) *Node

	// Tangent returns the directional derivative of out given one tangent per
	// input. Nil tangents are zero. At least one tangent is non-nil.
	Tangent(out *Node, tangents []*Node) *Node
}

// Node is a value in a define-by-run computation graph. Values are computed
// eagerly when the node is created and never change afterwards.
type Node struct {
	value    *Tensor
	op       Operation
	inputs   []*Node
	variable bool
}

// Var creates a leaf that gradients and tangents can be taken with respect to.
func Var(t *Tensor) *Node {
	return &Node{value: t, variable: true}
}

// Const creates a leaf that is treated as a constant by Grad and JVP.
func Const(t *Tensor) *Node {
	return &Node{value: t}
}

func (n *Node) Value() *Tensor {
	return n.value
}

func (n *Node) Shape() []int {
	return n.value.Shape
}

func (n *Node) IsVariable() bool {
	return n.variable
}

// Item returns the value of a single-element node.
func (n *Node) Item() float64 {
	v, err := n.value.Item()
	if err != nil {
		panic(err)
	}
	return v
}

func (n *Node) String() string {
	if n.op == nil {
		if n.variable {
			return fmt.Sprintf("Var(%v)", n.value.Shape)
		}
		return fmt.Sprintf("Const(%v)", n.value.Shape)
	}
	return fmt.Sprintf("%s(%v)", n.op.Name(), n.value.Shape)
}

func newNode(op Operation, value *Tensor, err error, inputs ...*Node) *Node {
	if err != nil {
		panic(fmt.Sprintf("%s forward pass failed: %v", op.Name(), err))
	}
	return &Node{value: value, op: op, inputs: inputs}
}

func zerosNode(shape []int) *Node {
	return Const(MustNew(shape, nil))
}

// addOptional sums two possibly-nil nodes; nil means zero.
func addOptional(a, b *Node) *Node {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return AddAutograd(a, b)
	}
}

type matMulOp struct{}

func (matMulOp) Name() string { return "MatMul" }

func (matMulOp) Backward(out, g *Node, i int) *Node {
	a, b := out.inputs[0], out.inputs[1]
	if i == 0 {
		// dL/dA = G @ B^T
		return MatMulAutograd(g, TransposeAutograd(b))
	}
	// dL/dB = A^T @ G
	return MatMulAutograd(TransposeAutograd(a), g)
}

func (matMulOp) Tangent(out *Node, t []*Node) *Node {
	a, b := out.inputs[0], out.inputs[1]
	var result *Node
	if t[0] != nil {
		result = MatMulAutograd(t[0], b)
	}
	if t[1] != nil {
		result = addOptional(result, MatMulAutograd(a, t[1]))
	}
	return result
}

type transposeOp struct{}

func (transposeOp) Name() string { return "Transpose" }

func (transposeOp) Backward(out, g *Node, i int) *Node { return TransposeAutograd(g) }

func (transposeOp) Tangent(out *Node, t []*Node) *Node { return TransposeAutograd(t[0]) }

type addOp struct{}

func (addOp) Name() string { return "Add" }

func (addOp) Backward(out, g *Node, i int) *Node { return g }

func (addOp) Tangent(out *Node, t []*Node) *Node { return addOptional(t[0], t[1]) }

type subOp struct{}

func (subOp) Name() string { return "Sub" }

func (subOp) Backward(out, g *Node, i int) *Node {
	if i == 0 {
		return g
	}
	return ScaleAutograd(g, -1)
}

func (subOp) Tangent(out *Node, t []*Node) *Node {
	switch {
	case t[1] == nil:
		return t[0]
	case t[0] == nil:
		return ScaleAutograd(t[1], -1)
	default:
		return SubAutograd(t[0], t[1])
	}
}

type mulOp struct{}

func (mulOp) Name() string { return "Mul" }

func (mulOp) Backward(out, g *Node, i int) *Node {
	// d(a*b)/da = b, d(a*b)/db = a
	return MulAutograd(g, out.inputs[1-i])
}

func (mulOp) Tangent(out *Node, t []*Node) *Node {
	a, b := out.inputs[0], out.inputs[1]
	var result *Node
	if t[0] != nil {
		result = MulAutograd(t[0], b)
	}
	if t[1] != nil {
		result = addOptional(result, MulAutograd(a, t[1]))
	}
	return result
}

type scaleOp struct {
	c float64
}

func (op scaleOp) Name() string { return "Scale" }

func (op scaleOp) Backward(out, g *Node, i int) *Node { return ScaleAutograd(g, op.c) }

func (op scaleOp) Tangent(out *Node, t []*Node) *Node { return ScaleAutograd(t[0], op.c) }

type tanhOp struct{}

func (tanhOp) Name() string { return "Tanh" }

// tanh'(x) = 1 - y^2, written as g - g*y*y so it stays a graph expression.
func (tanhOp) Backward(out, g *Node, i int) *Node {
	return SubAutograd(g, MulAutograd(MulAutograd(g, out), out))
}

func (op tanhOp) Tangent(out *Node, t []*Node) *Node { return op.Backward(out, t[0], 0) }

type sigmoidOp struct{}

func (sigmoidOp) Name() string { return "Sigmoid" }

// sigmoid'(x) = y - y^2
func (sigmoidOp) Backward(out, g *Node, i int) *Node {
	return MulAutograd(g, SubAutograd(out, MulAutograd(out, out)))
}

func (op sigmoidOp) Tangent(out *Node, t []*Node) *Node { return op.Backward(out, t[0], 0) }

type softmaxOp struct{}

func (softmaxOp) Name() string { return "Softmax" }

// The softmax Jacobian diag(y) - y y^T is symmetric, so the same expression
// serves both directions: y * (v - sum(v*y)).
func (softmaxOp) Backward(out, g *Node, i int) *Node {
	cols := out.value.Cols()
	inner := BroadcastColsAutograd(SumColsAutograd(MulAutograd(g, out)), cols)
	return MulAutograd(out, SubAutograd(g, inner))
}

func (op softmaxOp) Tangent(out *Node, t []*Node) *Node { return op.Backward(out, t[0], 0) }

type logSumExpOp struct{}

func (logSumExpOp) Name() string { return "LogSumExp" }

func (logSumExpOp) Backward(out, g *Node, i int) *Node {
	x := out.inputs[0]
	return MulAutograd(BroadcastColsAutograd(g, x.value.Cols()), SoftmaxAutograd(x))
}

func (logSumExpOp) Tangent(out *Node, t []*Node) *Node {
	return SumColsAutograd(MulAutograd(SoftmaxAutograd(out.inputs[0]), t[0]))
}

type broadcastRowsOp struct {
	rows int
}

func (op broadcastRowsOp) Name() string { return "BroadcastRows" }

func (op broadcastRowsOp) Backward(out, g *Node, i int) *Node { return SumRowsAutograd(g) }

func (op broadcastRowsOp) Tangent(out *Node, t []*Node) *Node {
	return BroadcastRowsAutograd(t[0], op.rows)
}

type sumRowsOp struct{}

func (sumRowsOp) Name() string { return "SumRows" }

func (sumRowsOp) Backward(out, g *Node, i int) *Node {
	return BroadcastRowsAutograd(g, out.inputs[0].value.Rows())
}

func (sumRowsOp) Tangent(out *Node, t []*Node) *Node { return SumRowsAutograd(t[0]) }

type broadcastColsOp struct {
	cols int
}

func (op broadcastColsOp) Name() string { return "BroadcastCols" }

func (op broadcastColsOp) Backward(out, g *Node, i int) *Node { return SumColsAutograd(g) }

func (op broadcastColsOp) Tangent(out *Node, t []*Node) *Node {
	return BroadcastColsAutograd(t[0], op.cols)
}

type sumColsOp struct{}

func (sumColsOp) Name() string { return "SumCols" }

func (sumColsOp) Backward(out, g *Node, i int) *Node {
	return BroadcastColsAutograd(g, out.inputs[0].value.Cols())
}

func (sumColsOp) Tangent(out *Node, t []*Node) *Node { return SumColsAutograd(t[0]) }

type concatColsOp struct{}

func (concatColsOp) Name() string { return "ConcatCols" }

func (concatColsOp) Backward(out, g *Node, i int) *Node {
	left := out.inputs[0].value.Cols()
	if i == 0 {
		return SliceColsAutograd(g, 0, left)
	}
	return SliceColsAutograd(g, left, out.value.Cols())
}

func (concatColsOp) Tangent(out *Node, t []*Node) *Node {
	left, right := t[0], t[1]
	if left == nil {
		left = zerosNode(out.inputs[0].Shape())
	}
	if right == nil {
		right = zerosNode(out.inputs[1].Shape())
	}
	return ConcatColsAutograd(left, right)
}

type sliceColsOp struct {
	from, to int
}

func (op sliceColsOp) Name() string { return "SliceCols" }

func (op sliceColsOp) Backward(out, g *Node, i int) *Node {
	return PadColsAutograd(g, op.from, out.inputs[0].value.Cols())
}

func (op sliceColsOp) Tangent(out *Node, t []*Node) *Node {
	return SliceColsAutograd(t[0], op.from, op.to)
}

type padColsOp struct {
	offset, total int
}

func (op padColsOp) Name() string { return "PadCols" }

func (op padColsOp) Backward(out, g *Node, i int) *Node {
	return SliceColsAutograd(g, op.offset, op.offset+out.inputs[0].value.Cols())
}

func (op padColsOp) Tangent(out *Node, t []*Node) *Node {
	return PadColsAutograd(t[0], op.offset, op.total)
}

type gatherRowsOp struct {
	indices []int
}

func (op gatherRowsOp) Name() string { return "GatherRows" }

func (op gatherRowsOp) Backward(out, g *Node, i int) *Node {
	return ScatterRowsAutograd(g, op.indices, out.inputs[0].value.Rows())
}

func (op gatherRowsOp) Tangent(out *Node, t []*Node) *Node {
	return GatherRowsAutograd(t[0], op.indices)
}

type scatterRowsOp struct {
	indices []int
	n       int
}

func (op scatterRowsOp) Name() string { return "ScatterRows" }

func (op scatterRowsOp) Backward(out, g *Node, i int) *Node {
	return GatherRowsAutograd(g, op.indices)
}

func (op scatterRowsOp) Tangent(out *Node, t []*Node) *Node {
	return ScatterRowsAutograd(t[0], op.indices, op.n)
}

// High-level autograd functions that create and execute operations

func MatMulAutograd(a, b *Node) *Node {
	v, err := MatMul(a.value, b.value)
	return newNode(matMulOp{}, v, err, a, b)
}

func TransposeAutograd(a *Node) *Node {
	v, err := Transpose(a.value)
	return newNode(transposeOp{}, v, err, a)
}

func AddAutograd(a, b *Node) *Node {
	v, err := Add(a.value, b.value)
	return newNode(addOp{}, v, err, a, b)
}

func SubAutograd(a, b *Node) *Node {
	v, err := Sub(a.value, b.value)
	return newNode(subOp{}, v, err, a, b)
}

func MulAutograd(a, b *Node) *Node {
	v, err := Mul(a.value, b.value)
	return newNode(mulOp{}, v, err, a, b)
}

func ScaleAutograd(a *Node, c float64) *Node {
	return newNode(scaleOp{c: c}, Scale(a.value, c), nil, a)
}

func TanhAutograd(a *Node) *Node {
	return newNode(tanhOp{}, Tanh(a.value), nil, a)
}

func SigmoidAutograd(a *Node) *Node {
	return newNode(sigmoidOp{}, Sigmoid(a.value), nil, a)
}

func SoftmaxAutograd(a *Node) *Node {
	v, err := Softmax(a.value)
	return newNode(softmaxOp{}, v, err, a)
}

func LogSumExpAutograd(a *Node) *Node {
	v, err := LogSumExp(a.value)
	return newNode(logSumExpOp{}, v, err, a)
}

// LogSoftmaxAutograd computes x - logsumexp(x) row-wise.
func LogSoftmaxAutograd(a *Node) *Node {
	return SubAutograd(a, BroadcastColsAutograd(LogSumExpAutograd(a), a.value.Cols()))
}

func BroadcastRowsAutograd(a *Node, rows int) *Node {
	v, err := BroadcastRows(a.value, rows)
	return newNode(broadcastRowsOp{rows: rows}, v, err, a)
}

func SumRowsAutograd(a *Node) *Node {
	v, err := SumRows(a.value)
	return newNode(sumRowsOp{}, v, err, a)
}

func BroadcastColsAutograd(a *Node, cols int) *Node {
	v, err := BroadcastCols(a.value, cols)
	return newNode(broadcastColsOp{cols: cols}, v, err, a)
}

func SumColsAutograd(a *Node) *Node {
	v, err := SumCols(a.value)
	return newNode(sumColsOp{}, v, err, a)
}

// SumAllAutograd reduces a matrix to a 1x1 node.
func SumAllAutograd(a *Node) *Node {
	return SumColsAutograd(SumRowsAutograd(a))
}

// DotAutograd is sum(a * b) as a 1x1 node.
func DotAutograd(a, b *Node) *Node {
	return SumAllAutograd(MulAutograd(a, b))
}

func ConcatColsAutograd(a, b *Node) *Node {
	v, err := ConcatCols(a.value, b.value)
	return newNode(concatColsOp{}, v, err, a, b)
}

func SliceColsAutograd(a *Node, from, to int) *Node {
	v, err := SliceCols(a.value, from, to)
	return newNode(sliceColsOp{from: from, to: to}, v, err, a)
}

func PadColsAutograd(a *Node, offset, total int) *Node {
	v, err := PadCols(a.value, offset, total)
	return newNode(padColsOp{offset: offset, total: total}, v, err, a)
}

func GatherRowsAutograd(a *Node, indices []int) *Node {
	v, err := GatherRows(a.value, indices)
	return newNode(gatherRowsOp{indices: indices}, v, err, a)
}

func ScatterRowsAutograd(a *Node, indices []int, n int) *Node {
	v, err := ScatterRows(a.value, indices, n)
	return newNode(scatterRowsOp{indices: indices, n: n}, v, err, a)
}
