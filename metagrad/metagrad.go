// Package metagrad differentiates a clean-set loss through K unrolled SGD
// steps on the main parameters θ with respect to the meta parameters φ
// that shape the inner training loss.
//
// An unroll is recorded once with Unroll. Compute then evaluates the gold
// loss at θ_K and its derivative with respect to φ using one of three
// strategies that agree up to floating-point error. Every graph built here is
// local to a single call and the recorded parameters are never modified.
package metagrad

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/tensor"
)

// Result holds the outcome of one meta-gradient computation.
type Result struct {
	// MetaGrad is dL_gold(θ_K)/dφ, shaped like φ.
	MetaGrad []*tensor.Tensor
	// GoldGrad is ∇θ L_gold at θ_K (θ_0 when K is zero).
	GoldGrad     []*tensor.Tensor
	GoldLoss     float64
	SilverLosses []float64
}

// Compute evaluates the gold loss at the end of rec and differentiates it
// with respect to phi through the recorded inner steps. With K = 0 the
// meta-gradient is zero.
func Compute(strategy Strategy, rec *Record, phi []*tensor.Tensor, silver SilverLoss, gold GoldLoss) (*Result, error) {
	if rec == nil || rec.Final == nil {
		return nil, errors.New("empty unroll record")
	}

	final := variables(rec.Final)
	goldLoss, err := gold(final)
	if err != nil {
		return nil, errors.WithMessage(err, "gold loss")
	}
	goldValue := goldLoss.Item()
	if !isFinite(goldValue) {
		return nil, errors.Wrapf(ErrNonFinite, "gold loss is %v", goldValue)
	}
	goldGrad := values(tensor.Grad(goldLoss, final))

	res := &Result{
		GoldGrad:     goldGrad,
		GoldLoss:     goldValue,
		SilverLosses: rec.SilverLosses(),
	}
	if rec.K() == 0 {
		res.MetaGrad = zerosLike(phi)
		return res, nil
	}

	var meta []*tensor.Tensor
	switch strategy {
	case Reverse:
		meta, err = reverseMode(rec, phi, silver, goldGrad)
	case Forward:
		meta, err = forwardMode(rec, phi, silver, goldGrad)
	case DoubleBackTrick:
		meta, err = doubleBackMode(rec, phi, silver, goldGrad)
	default:
		return nil, errors.Errorf("unsupported strategy %v", strategy)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s meta-gradient", strategy)
	}
	if !allFinite(meta) {
		return nil, errors.Wrap(ErrNonFinite, "meta-gradient")
	}

	klog.V(3).InfoS("Computed meta-gradient", "strategy", strategy.String(), "steps", rec.K(), "goldLoss", goldValue)
	res.MetaGrad = meta
	return res, nil
}
