package metagrad

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-emlc/tensor"
)

// jvpFunc returns ∂g_k/∂θ · T + ∂g_k/∂φ · e_c for every meta coordinate c,
// given the current tangents T[c] (nil means zero).
type jvpFunc func(k int, tangents [][]*tensor.Tensor, coords []coordinate) ([][]*tensor.Tensor, error)

// tangentMode runs the forward recurrence T_{k+1} = T_k - α JVP(g_k) for one
// tangent per meta coordinate and contracts T_K with the gold gradient.
func tangentMode(rec *Record, phi []*tensor.Tensor, goldGrad []*tensor.Tensor, jvp jvpFunc) ([]*tensor.Tensor, error) {
	coords := coordinates(phi)
	tangents := make([][]*tensor.Tensor, len(coords))

	for k := 0; k < rec.K(); k++ {
		jvs, err := jvp(k, tangents, coords)
		if err != nil {
			return nil, err
		}
		for c := range coords {
			if tangents[c] == nil {
				tangents[c] = zerosLike(rec.Steps[k].Theta)
			}
			for i, t := range tangents[c] {
				floats.AddScaled(t.Data, -rec.LR, jvs[c][i].Data)
			}
		}
	}

	meta := zerosLike(phi)
	for c, coord := range coords {
		if tangents[c] == nil {
			continue
		}
		meta[coord.tensor].Data[coord.offset] = dotAll(goldGrad, tangents[c])
	}
	return meta, nil
}

func forwardMode(rec *Record, phi []*tensor.Tensor, silver SilverLoss, goldGrad []*tensor.Tensor) ([]*tensor.Tensor, error) {
	jvp := func(k int, tangents [][]*tensor.Tensor, coords []coordinate) ([][]*tensor.Tensor, error) {
		theta := variables(rec.Steps[k].Theta)
		phiVars := variables(phi)
		loss, err := silver(theta, phiVars, k)
		if err != nil {
			return nil, errors.WithMessagef(err, "rebuilding inner step %d", k)
		}
		g := tensor.Grad(loss, theta)
		inputs := append(append([]*tensor.Node(nil), theta...), phiVars...)

		out := make([][]*tensor.Tensor, len(coords))
		for c, coord := range coords {
			seeds := make([]*tensor.Node, len(theta), len(inputs))
			if tangents[c] != nil {
				copy(seeds, consts(tangents[c]))
			}
			seeds = append(seeds, basis(phi, coord)...)
			out[c] = values(tensor.JVP(g, inputs, seeds))
		}
		return out, nil
	}
	return tangentMode(rec, phi, goldGrad, jvp)
}
