package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/config"
	"github.com/tsawler/go-emlc/models"
)

// BuildNetworks creates the main network, the meta backbone and the enhancer
// for inputs of width inputDim. Initialisation draws from rng in that order.
func BuildNetworks(cfg config.ExperimentConfig, inputDim, numClasses int, rng *rand.Rand) (Networks, error) {
	rc := models.ResNetConfig{
		InputDim:     inputDim,
		EmbeddingDim: cfg.Embedding(),
		NumClasses:   numClasses,
		Blocks:       cfg.Depth(),
	}
	main, err := models.NewResNet(rc, rng)
	if err != nil {
		return Networks{}, errors.Wrap(err, "failed to build main network")
	}
	backbone, err := models.NewResNet(rc, rng)
	if err != nil {
		return Networks{}, errors.Wrap(err, "failed to build meta backbone")
	}
	meta := models.NewResNetFeatures(backbone)

	policy, err := models.ParsePolicy(cfg.Correction)
	if err != nil {
		return Networks{}, err
	}
	enhancer, err := models.NewTeacherEnhancer(numClasses, meta.Dim(), cfg.LabelEmbeddingDim, cfg.MLPHiddenDim, policy, rng)
	if err != nil {
		return Networks{}, errors.Wrap(err, "failed to build enhancer")
	}
	return Networks{Main: main, Meta: meta, Enhancer: enhancer}, nil
}
