package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-emlc/layers"
	"github.com/tsawler/go-emlc/tensor"
)

// Policy selects how the enhancer corrects a noisy example.
type Policy int

const (
	// Relabel replaces the observed label with a learned soft target.
	Relabel Policy = iota
	// Reweight keeps the observed label and learns a per-example weight.
	Reweight
	// RelabelReweight learns both.
	RelabelReweight
)

func (p Policy) String() string {
	switch p {
	case Relabel:
		return "relabel"
	case Reweight:
		return "reweight"
	case RelabelReweight:
		return "both"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "relabel":
		return Relabel, nil
	case "reweight":
		return Reweight, nil
	case "both":
		return RelabelReweight, nil
	default:
		return 0, fmt.Errorf("unknown correction policy %q", s)
	}
}

// Correction is the enhancer's output for one batch. Weights is nil unless
// the policy reweights.
type Correction struct {
	Targets *tensor.Node // [B, C]
	Weights *tensor.Node // [B, 1]
}

// TeacherEnhancer maps (features, observed label) to corrected training
// targets through a label embedding and a one-hidden-layer MLP.
type TeacherEnhancer struct {
	numClasses int
	policy     Policy
	labels     *layers.Embedding
	hidden     *layers.Linear
	out        *layers.Linear
	params     *layers.ParamSet
}

func NewTeacherEnhancer(numClasses, featureDim, labelDim, hiddenDim int, policy Policy, rng *rand.Rand) (*TeacherEnhancer, error) {
	if numClasses <= 1 {
		return nil, fmt.Errorf("enhancer needs at least two classes, got %d", numClasses)
	}
	e := &TeacherEnhancer{numClasses: numClasses, policy: policy, params: layers.NewParamSet()}
	var err error
	if e.labels, err = layers.NewEmbedding(e.params, "enhancer.label", numClasses, labelDim, rng); err != nil {
		return nil, err
	}
	if e.hidden, err = layers.NewLinear(e.params, "enhancer.hidden", featureDim+labelDim, hiddenDim, rng); err != nil {
		return nil, err
	}
	if e.out, err = layers.NewLinear(e.params, "enhancer.out", hiddenDim, numClasses+1, rng); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TeacherEnhancer) Params() *layers.ParamSet {
	return e.params
}

func (e *TeacherEnhancer) Policy() Policy {
	return e.policy
}

// Forward computes the correction for features [B, E] and observed labels.
func (e *TeacherEnhancer) Forward(b *layers.Bound, features *tensor.Node, labels []int) (*Correction, error) {
	if features.Shape()[0] != len(labels) {
		return nil, fmt.Errorf("got %d feature rows for %d labels", features.Shape()[0], len(labels))
	}
	h := tensor.ConcatColsAutograd(features, e.labels.Forward(b, labels))
	h = tensor.TanhAutograd(e.hidden.Forward(b, h))
	out := e.out.Forward(b, h)

	c := &Correction{}
	if e.policy == Relabel || e.policy == RelabelReweight {
		c.Targets = tensor.SoftmaxAutograd(tensor.SliceColsAutograd(out, 0, e.numClasses))
	} else {
		onehot, err := tensor.OneHot(labels, e.numClasses)
		if err != nil {
			return nil, err
		}
		c.Targets = tensor.Const(onehot)
	}
	if e.policy == Reweight || e.policy == RelabelReweight {
		c.Weights = tensor.SigmoidAutograd(tensor.SliceColsAutograd(out, e.numClasses, e.numClasses+1))
	}
	return c, nil
}
