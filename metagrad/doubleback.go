package metagrad

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/tensor"
)

// doubleBackMode obtains each JVP without forward-mode rules. With a dummy
// cotangent u, vj = ∇_{θ,φ} <u, g_k> is linear in u, so
// ∇_u <vj, (T, e_c)> = ∂g_k/∂θ · T + ∂g_k/∂φ · e_c.
func doubleBackMode(rec *Record, phi []*tensor.Tensor, silver SilverLoss, goldGrad []*tensor.Tensor) ([]*tensor.Tensor, error) {
	jvp := func(k int, tangents [][]*tensor.Tensor, coords []coordinate) ([][]*tensor.Tensor, error) {
		theta := variables(rec.Steps[k].Theta)
		phiVars := variables(phi)
		loss, err := silver(theta, phiVars, k)
		if err != nil {
			return nil, errors.WithMessagef(err, "rebuilding inner step %d", k)
		}
		g := tensor.Grad(loss, theta)

		u := variables(zerosLike(rec.Steps[k].Theta))
		vj := tensor.Grad(innerProduct(u, g), append(append([]*tensor.Node(nil), theta...), phiVars...))
		vjTheta, vjPhi := vj[:len(theta)], vj[len(theta):]

		out := make([][]*tensor.Tensor, len(coords))
		for c, coord := range coords {
			e := basis(phi, coord)[coord.tensor]
			r := tensor.DotAutograd(vjPhi[coord.tensor], e)
			if tangents[c] != nil {
				r = tensor.AddAutograd(r, innerProduct(vjTheta, consts(tangents[c])))
			}
			out[c] = values(tensor.Grad(r, u))
		}
		return out, nil
	}
	return tangentMode(rec, phi, goldGrad, jvp)
}
