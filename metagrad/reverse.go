package metagrad

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-emlc/tensor"
)

// reverseMode walks the record backwards carrying the adjoint λ = dL_gold/dθ_k.
// For each step both products come from one gradient of <λ, g_k>.
func reverseMode(rec *Record, phi []*tensor.Tensor, silver SilverLoss, goldGrad []*tensor.Tensor) ([]*tensor.Tensor, error) {
	lambda := cloneAll(goldGrad)
	meta := zerosLike(phi)

	for k := rec.K() - 1; k >= 0; k-- {
		theta := variables(rec.Steps[k].Theta)
		phiVars := variables(phi)

		loss, err := silver(theta, phiVars, k)
		if err != nil {
			return nil, errors.WithMessagef(err, "rebuilding inner step %d", k)
		}
		g := tensor.Grad(loss, theta)
		vjp := tensor.Grad(innerProduct(consts(lambda), g), append(theta, phiVars...))

		for i := range meta {
			floats.AddScaled(meta[i].Data, -rec.LR, vjp[len(theta)+i].Value().Data)
		}
		for i := range lambda {
			floats.AddScaled(lambda[i].Data, -rec.LR, vjp[i].Value().Data)
		}
	}
	return meta, nil
}
