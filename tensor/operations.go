package tensor

import (
	"fmt"
	"math"
)

func checkShapesCompatible(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func checkMatrix(t *Tensor, op string) error {
	if len(t.Shape) != 2 {
		return fmt.Errorf("%s requires a 2D tensor, got shape %v", op, t.Shape)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, f func(a, b float64) float64) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}
	result := ZerosLike(t1)
	for i := range result.Data {
		result.Data[i] = f(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func unary(t *Tensor, f func(a float64) float64) *Tensor {
	result := ZerosLike(t)
	for i, v := range t.Data {
		result.Data[i] = f(v)
	}
	return result
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float64) float64 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float64) float64 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float64) float64 { return a * b })
}

func Scale(t *Tensor, c float64) *Tensor {
	return unary(t, func(a float64) float64 { return a * c })
}

func Tanh(t *Tensor) *Tensor {
	return unary(t, math.Tanh)
}

func Sigmoid(t *Tensor) *Tensor {
	return unary(t, func(a float64) float64 {
		if a >= 0 {
			return 1 / (1 + math.Exp(-a))
		}
		e := math.Exp(a)
		return e / (1 + e)
	})
}

// Dot returns the sum of the elementwise product of two same-shaped tensors.
func Dot(t1, t2 *Tensor) (float64, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, v := range t1.Data {
		sum += v * t2.Data[i]
	}
	return sum, nil
}

// SumRows reduces [r, c] to [1, c].
func SumRows(t *Tensor) (*Tensor, error) {
	if err := checkMatrix(t, "SumRows"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := MustNew([]int{1, cols}, nil)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		for j, v := range row {
			result.Data[j] += v
		}
	}
	return result, nil
}

// SumCols reduces [r, c] to [r, 1].
func SumCols(t *Tensor) (*Tensor, error) {
	if err := checkMatrix(t, "SumCols"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := MustNew([]int{rows, 1}, nil)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for _, v := range t.Data[i*cols : (i+1)*cols] {
			sum += v
		}
		result.Data[i] = sum
	}
	return result, nil
}

// BroadcastRows repeats a [1, c] row vector into [rows, c].
func BroadcastRows(t *Tensor, rows int) (*Tensor, error) {
	if len(t.Shape) != 2 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("BroadcastRows requires shape [1, c], got %v", t.Shape)
	}
	cols := t.Shape[1]
	result, err := NewTensor([]int{rows, cols}, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		copy(result.Data[i*cols:(i+1)*cols], t.Data)
	}
	return result, nil
}

// BroadcastCols repeats an [r, 1] column vector into [r, cols].
func BroadcastCols(t *Tensor, cols int) (*Tensor, error) {
	if len(t.Shape) != 2 || t.Shape[1] != 1 {
		return nil, fmt.Errorf("BroadcastCols requires shape [r, 1], got %v", t.Shape)
	}
	rows := t.Shape[0]
	result, err := NewTensor([]int{rows, cols}, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		v := t.Data[i]
		for j := 0; j < cols; j++ {
			result.Data[i*cols+j] = v
		}
	}
	return result, nil
}

// Softmax normalises each row of a matrix.
func Softmax(t *Tensor) (*Tensor, error) {
	if err := checkMatrix(t, "Softmax"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := ZerosLike(t)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		out := result.Data[i*cols : (i+1)*cols]
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			out[j] = math.Exp(v - maxVal)
			sum += out[j]
		}
		for j := range out {
			out[j] /= sum
		}
	}
	return result, nil
}

// LogSumExp reduces each row of [r, c] to [r, 1] in a numerically stable way.
func LogSumExp(t *Tensor) (*Tensor, error) {
	if err := checkMatrix(t, "LogSumExp"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := MustNew([]int{rows, 1}, nil)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxVal)
		}
		result.Data[i] = maxVal + math.Log(sum)
	}
	return result, nil
}

// ConcatCols joins [r, c1] and [r, c2] into [r, c1+c2].
func ConcatCols(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkMatrix(t1, "ConcatCols"); err != nil {
		return nil, err
	}
	if err := checkMatrix(t2, "ConcatCols"); err != nil {
		return nil, err
	}
	if t1.Shape[0] != t2.Shape[0] {
		return nil, fmt.Errorf("ConcatCols row mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	rows, c1, c2 := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	result := MustNew([]int{rows, c1 + c2}, nil)
	for i := 0; i < rows; i++ {
		copy(result.Data[i*(c1+c2):], t1.Data[i*c1:(i+1)*c1])
		copy(result.Data[i*(c1+c2)+c1:], t2.Data[i*c2:(i+1)*c2])
	}
	return result, nil
}

// SliceCols returns columns [from, to) of a matrix.
func SliceCols(t *Tensor, from, to int) (*Tensor, error) {
	if err := checkMatrix(t, "SliceCols"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if from < 0 || to > cols || from >= to {
		return nil, fmt.Errorf("invalid column range [%d, %d) for shape %v", from, to, t.Shape)
	}
	width := to - from
	result := MustNew([]int{rows, width}, nil)
	for i := 0; i < rows; i++ {
		copy(result.Data[i*width:(i+1)*width], t.Data[i*cols+from:i*cols+to])
	}
	return result, nil
}

// PadCols places a [r, c] matrix at column offset inside a zero [r, total] matrix.
func PadCols(t *Tensor, offset, total int) (*Tensor, error) {
	if err := checkMatrix(t, "PadCols"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if offset < 0 || offset+cols > total {
		return nil, fmt.Errorf("cannot pad %v at offset %d into %d columns", t.Shape, offset, total)
	}
	result := MustNew([]int{rows, total}, nil)
	for i := 0; i < rows; i++ {
		copy(result.Data[i*total+offset:i*total+offset+cols], t.Data[i*cols:(i+1)*cols])
	}
	return result, nil
}

// GatherRows selects rows of a [n, c] table by index.
func GatherRows(t *Tensor, indices []int) (*Tensor, error) {
	if err := checkMatrix(t, "GatherRows"); err != nil {
		return nil, err
	}
	n, cols := t.Shape[0], t.Shape[1]
	result, err := NewTensor([]int{len(indices), cols}, nil)
	if err != nil {
		return nil, err
	}
	for i, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, n)
		}
		copy(result.Data[i*cols:(i+1)*cols], t.Data[idx*cols:(idx+1)*cols])
	}
	return result, nil
}

// ScatterRows accumulates the rows of t into a zero [n, c] matrix at indices.
func ScatterRows(t *Tensor, indices []int, n int) (*Tensor, error) {
	if err := checkMatrix(t, "ScatterRows"); err != nil {
		return nil, err
	}
	if t.Shape[0] != len(indices) {
		return nil, fmt.Errorf("ScatterRows got %d rows for %d indices", t.Shape[0], len(indices))
	}
	cols := t.Shape[1]
	result, err := NewTensor([]int{n, cols}, nil)
	if err != nil {
		return nil, err
	}
	for i, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, n)
		}
		dst := result.Data[idx*cols : (idx+1)*cols]
		for j, v := range t.Data[i*cols : (i+1)*cols] {
			dst[j] += v
		}
	}
	return result, nil
}

// ArgMaxRows returns the column index of the largest value in each row.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if err := checkMatrix(t, "ArgMaxRows"); err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}
