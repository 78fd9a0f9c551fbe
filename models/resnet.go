package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-emlc/layers"
	"github.com/tsawler/go-emlc/tensor"
)

// ResNetConfig sizes a residual MLP over flattened inputs.
type ResNetConfig struct {
	InputDim     int
	EmbeddingDim int
	NumClasses   int
	Blocks       int
}

// ResNet is a stem projection, a stack of residual blocks at embedding width
// and a linear classification head.
type ResNet struct {
	cfg    ResNetConfig
	stem   *layers.Linear
	blocks []*layers.ResidualBlock
	head   *layers.Linear

	body   *layers.ParamSet
	heads  *layers.ParamSet
	params *layers.ParamSet
}

func NewResNet(cfg ResNetConfig, rng *rand.Rand) (*ResNet, error) {
	if cfg.InputDim <= 0 || cfg.EmbeddingDim <= 0 || cfg.NumClasses <= 1 {
		return nil, fmt.Errorf("invalid resnet config %+v", cfg)
	}
	if cfg.Blocks < 0 {
		return nil, fmt.Errorf("negative block count %d", cfg.Blocks)
	}

	r := &ResNet{cfg: cfg, body: layers.NewParamSet(), heads: layers.NewParamSet()}
	var err error
	if r.stem, err = layers.NewLinear(r.body, "stem", cfg.InputDim, cfg.EmbeddingDim, rng); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Blocks; i++ {
		block, err := layers.NewResidualBlock(r.body, fmt.Sprintf("block%d", i), cfg.EmbeddingDim, rng)
		if err != nil {
			return nil, err
		}
		r.blocks = append(r.blocks, block)
	}
	if r.head, err = layers.NewLinear(r.heads, "head", cfg.EmbeddingDim, cfg.NumClasses, rng); err != nil {
		return nil, err
	}
	if r.params, err = r.body.Concat(r.heads); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ResNet) Config() ResNetConfig {
	return r.cfg
}

// Params returns every trainable parameter, body first then head.
func (r *ResNet) Params() *layers.ParamSet {
	return r.params
}

// Features computes the embedding only. b may bind either the full set or
// the body set.
func (r *ResNet) Features(b *layers.Bound, x *tensor.Node) *tensor.Node {
	h := tensor.TanhAutograd(r.stem.Forward(b, x))
	for _, block := range r.blocks {
		h = block.Forward(b, h)
	}
	return h
}

// Forward returns the embedding and the class logits for x [B, InputDim].
func (r *ResNet) Forward(b *layers.Bound, x *tensor.Node) (features, logits *tensor.Node) {
	features = r.Features(b, x)
	return features, r.head.Forward(b, features)
}

// Predict runs inference on the stored parameters.
func (r *ResNet) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != r.cfg.InputDim {
		return nil, fmt.Errorf("expected input [B, %d], got %v", r.cfg.InputDim, x.Shape)
	}
	_, logits := r.Forward(r.params.Consts(), tensor.Const(x))
	return logits.Value(), nil
}

// ResNetFeatures exposes a ResNet with its head stripped. Its parameter set
// excludes the head.
type ResNetFeatures struct {
	backbone *ResNet
}

func NewResNetFeatures(backbone *ResNet) *ResNetFeatures {
	return &ResNetFeatures{backbone: backbone}
}

func (f *ResNetFeatures) Params() *layers.ParamSet {
	return f.backbone.body
}

func (f *ResNetFeatures) Dim() int {
	return f.backbone.cfg.EmbeddingDim
}

func (f *ResNetFeatures) Forward(b *layers.Bound, x *tensor.Node) *tensor.Node {
	return f.backbone.Features(b, x)
}
