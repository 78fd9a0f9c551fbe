package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

func asDense(t *Tensor) *mat.Dense {
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

func fromDense(d *mat.Dense) *Tensor {
	rows, cols := d.Dims()
	raw := d.RawMatrix()
	if raw.Stride == cols {
		return MustNew([]int{rows, cols}, raw.Data[:rows*cols])
	}
	return MustNew([]int{rows, cols}, mat.DenseCopyOf(d).RawMatrix().Data)
}

// MatMul computes the matrix product of [m, k] and [k, n] tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkMatrix(t1, "MatMul"); err != nil {
		return nil, err
	}
	if err := checkMatrix(t2, "MatMul"); err != nil {
		return nil, err
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible matrix dimensions for multiplication: %v x %v", t1.Shape, t2.Shape)
	}

	var out mat.Dense
	out.Mul(asDense(t1), asDense(t2))
	return fromDense(&out), nil
}

// Transpose swaps the two dimensions of a matrix.
func Transpose(t *Tensor) (*Tensor, error) {
	if err := checkMatrix(t, "Transpose"); err != nil {
		return nil, err
	}
	return fromDense(mat.DenseCopyOf(asDense(t).T())), nil
}
