package metagrad

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/tensor"
)

// ErrNonFinite is returned when a loss, an unrolled parameter or a
// meta-gradient contains NaN or Inf.
var ErrNonFinite = errors.New("non-finite value")

// SilverLoss builds the corrected training loss of inner step k. The same k
// must always see the same batch, since strategies rebuild the step graph.
type SilverLoss func(theta, phi []*tensor.Node, k int) (*tensor.Node, error)

// GoldLoss builds the clean-set loss at the unrolled parameters.
type GoldLoss func(theta []*tensor.Node) (*tensor.Node, error)

// Step is one inner iteration: the parameters it started from and the silver
// loss they produced.
type Step struct {
	Theta []*tensor.Tensor
	Loss  float64
}

// Record is an unrolled sequence of virtual SGD steps. Final holds θ_K.
type Record struct {
	Steps []Step
	LR    float64
	Final []*tensor.Tensor
}

// K is the number of inner steps.
func (r *Record) K() int {
	return len(r.Steps)
}

// SilverLosses lists the loss of every inner step in order.
func (r *Record) SilverLosses() []float64 {
	out := make([]float64, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Loss
	}
	return out
}

// Unroll runs k virtual SGD steps θ_{i+1} = θ_i - lr ∇θ L_silver(θ_i, φ)
// starting from copies of theta0. Neither theta0 nor phi is modified.
func Unroll(theta0, phi []*tensor.Tensor, k int, lr float64, silver SilverLoss) (*Record, error) {
	if k < 0 {
		return nil, errors.Errorf("negative number of inner steps: %d", k)
	}

	theta := cloneAll(theta0)
	rec := &Record{Steps: make([]Step, 0, k), LR: lr}
	phiConsts := consts(phi)

	for i := 0; i < k; i++ {
		vars := variables(theta)
		loss, err := silver(vars, phiConsts, i)
		if err != nil {
			return nil, errors.WithMessagef(err, "inner step %d", i)
		}
		value := loss.Item()
		if !isFinite(value) {
			return nil, errors.Wrapf(ErrNonFinite, "silver loss at inner step %d is %v", i, value)
		}

		rec.Steps = append(rec.Steps, Step{Theta: theta, Loss: value})
		grads := tensor.Grad(loss, vars)

		next := cloneAll(theta)
		for j, g := range grads {
			floats.AddScaled(next[j].Data, -lr, g.Value().Data)
			if !next[j].IsFinite() {
				return nil, errors.Wrapf(ErrNonFinite, "virtual parameters after inner step %d", i)
			}
		}
		theta = next
		klog.V(4).InfoS("Inner step", "step", i, "silverLoss", value)
	}

	rec.Final = theta
	return rec, nil
}
