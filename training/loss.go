package training

import (
	"github.com/tsawler/go-emlc/tensor"
)

// CrossEntropy is the mean over the batch of -Σ_c targets·log softmax(logits),
// each row optionally scaled by weights [B, 1]. Targets may be soft. The
// result is a [1, 1] graph node.
func CrossEntropy(logits, targets, weights *tensor.Node) *tensor.Node {
	logp := tensor.LogSoftmaxAutograd(logits)
	per := tensor.ScaleAutograd(tensor.SumColsAutograd(tensor.MulAutograd(targets, logp)), -1)
	if weights != nil {
		per = tensor.MulAutograd(per, weights)
	}
	return tensor.ScaleAutograd(tensor.SumAllAutograd(per), 1/float64(logits.Shape()[0]))
}

// HardCrossEntropy is CrossEntropy against one-hot labels.
func HardCrossEntropy(logits *tensor.Node, labels []int) (*tensor.Node, error) {
	onehot, err := tensor.OneHot(labels, logits.Shape()[1])
	if err != nil {
		return nil, err
	}
	return CrossEntropy(logits, tensor.Const(onehot), nil), nil
}
