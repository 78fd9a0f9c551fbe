package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-emlc/tensor"
)

// Linear is a fully connected layer y = xW + b with W of shape [In, Out].
type Linear struct {
	Name string
	In   int
	Out  int
}

// NewLinear registers Xavier-uniform weights and zero bias in params.
func NewLinear(params *ParamSet, name string, in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("linear layer %q needs positive sizes, got %d -> %d", name, in, out)
	}
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(in+out))
	weight, err := tensor.RandUniform([]int{in, out}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	bias, err := tensor.Zeros([]int{1, out})
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	l := &Linear{Name: name, In: in, Out: out}
	if err := params.Add(l.weightName(), weight); err != nil {
		return nil, err
	}
	if err := params.Add(l.biasName(), bias); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Linear) weightName() string { return l.Name + ".weight" }

func (l *Linear) biasName() string { return l.Name + ".bias" }

// Forward applies the layer to x [B, In] using the bound parameters.
func (l *Linear) Forward(b *Bound, x *tensor.Node) *tensor.Node {
	out := tensor.MatMulAutograd(x, b.Node(l.weightName()))
	return tensor.AddAutograd(out, tensor.BroadcastRowsAutograd(b.Node(l.biasName()), x.Shape()[0]))
}

// Embedding maps integer ids to rows of a [Num, Dim] table.
type Embedding struct {
	Name string
	Num  int
	Dim  int
}

// NewEmbedding registers an N(0, 1) initialised table in params.
func NewEmbedding(params *ParamSet, name string, num, dim int, rng *rand.Rand) (*Embedding, error) {
	table, err := tensor.RandNormal([]int{num, dim}, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding table %q: %v", name, err)
	}
	e := &Embedding{Name: name, Num: num, Dim: dim}
	if err := params.Add(e.tableName(), table); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Embedding) tableName() string { return e.Name + ".table" }

func (e *Embedding) Forward(b *Bound, ids []int) *tensor.Node {
	return tensor.GatherRowsAutograd(b.Node(e.tableName()), ids)
}

// ResidualBlock computes tanh(h + L2(tanh(L1(h)))) at constant width.
type ResidualBlock struct {
	fc1 *Linear
	fc2 *Linear
}

func NewResidualBlock(params *ParamSet, name string, width int, rng *rand.Rand) (*ResidualBlock, error) {
	fc1, err := NewLinear(params, name+".fc1", width, width, rng)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear(params, name+".fc2", width, width, rng)
	if err != nil {
		return nil, err
	}
	return &ResidualBlock{fc1: fc1, fc2: fc2}, nil
}

func (r *ResidualBlock) Forward(b *Bound, h *tensor.Node) *tensor.Node {
	inner := tensor.TanhAutograd(r.fc1.Forward(b, h))
	return tensor.TanhAutograd(tensor.AddAutograd(h, r.fc2.Forward(b, inner)))
}
