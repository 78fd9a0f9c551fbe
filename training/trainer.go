// Package training runs bi-level meta-learning on noisy labels. Every step
// unrolls K virtual SGD updates of the main network on silver batches,
// differentiates the gold loss at the unrolled parameters with respect to
// the meta network, updates the meta network and commits one real step of
// the main network.
package training

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/checkpoints"
	"github.com/tsawler/go-emlc/config"
	"github.com/tsawler/go-emlc/layers"
	"github.com/tsawler/go-emlc/metagrad"
	"github.com/tsawler/go-emlc/models"
	"github.com/tsawler/go-emlc/optimizer"
	"github.com/tsawler/go-emlc/tensor"
	"github.com/tsawler/go-emlc/vision/dataloader"
	"github.com/tsawler/go-emlc/vision/dataset"
)

// ErrDivergence is returned when a loss, parameter or gradient becomes NaN
// or Inf. The run cannot continue.
var ErrDivergence = errors.New("training diverged")

// Reducer averages v in place across replicas. Every replica calls it the
// same number of times with vectors of the same length.
type Reducer interface {
	AllReduce(ctx context.Context, rank int, v []float64) error
}

// Networks bundles the three models of a run.
type Networks struct {
	Main     *models.ResNet
	Meta     *models.ResNetFeatures
	Enhancer *models.TeacherEnhancer
}

// Options customise how a Trainer gets data and cooperates with other
// replicas. The zero value trains a single replica straight from the loaders.
type Options struct {
	Rank    int
	Reducer Reducer

	// Silver and Gold override the cyclic loaders, e.g. with a prefetcher.
	Silver dataloader.Source
	Gold   dataloader.Source
}

// Trainer owns the committed state of one replica.
type Trainer struct {
	cfg      config.ExperimentConfig
	nets     Networks
	splits   *dataset.Splits
	opts     Options
	strategy metagrad.Strategy

	mainParams *layers.ParamSet
	// metaParams is φ: meta backbone followed by enhancer, or the enhancer
	// alone when features come from the main network.
	metaParams *layers.ParamSet

	mainOpt   optimizer.Optimizer
	metaOpt   optimizer.Optimizer
	mainSched LRScheduler
	metaSched LRScheduler

	silver dataloader.Source
	gold   dataloader.Source
	saver  *checkpoints.CheckpointSaver

	featuresFromMain bool
	commitFresh      bool
	stepsPerEpoch    int

	state        State
	history      []StepMetrics
	historyLimit int
}

// defaultHistoryLimit bounds the step metrics kept in memory.
const defaultHistoryLimit = 1024

// NewTrainer wires the networks, loaders and optimizers of one replica. An
// empty gold split is rejected.
func NewTrainer(cfg config.ExperimentConfig, nets Networks, splits *dataset.Splits, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if nets.Main == nil || nets.Meta == nil || nets.Enhancer == nil {
		return nil, errors.New("trainer needs main, meta and enhancer networks")
	}
	if splits == nil {
		return nil, errors.New("trainer needs data splits")
	}
	if splits.Gold.NumExamples() == 0 {
		return nil, errors.Wrap(dataloader.ErrEmptyLoader, "gold split is empty, raise gold_fraction")
	}

	strategy, err := metagrad.ParseStrategy(cfg.JVPMethod)
	if err != nil {
		return nil, err
	}
	featuresFromMain := cfg.FeatureSource == "main"
	metaParams := nets.Enhancer.Params()
	if !featuresFromMain {
		metaParams, err = nets.Meta.Params().Concat(nets.Enhancer.Params())
		if err != nil {
			return nil, errors.Wrap(err, "failed to collect meta parameters")
		}
	}
	milestones, err := cfg.Milestones()
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:              cfg,
		nets:             nets,
		splits:           splits,
		opts:             opts,
		strategy:         strategy,
		mainParams:       nets.Main.Params(),
		metaParams:       metaParams,
		mainSched:        NewScheduler(milestones, cfg.SchedGamma),
		metaSched:        NewScheduler(milestones, cfg.SchedGamma),
		silver:           opts.Silver,
		gold:             opts.Gold,
		saver:            checkpoints.NewCheckpointSaver(checkpoints.FormatProto),
		featuresFromMain: featuresFromMain,
		commitFresh:      cfg.CommitBatch == "fresh",
		historyLimit:     defaultHistoryLimit,
	}
	if t.silver == nil {
		t.silver = dataloader.NewCycle(splits.Silver)
	}
	if t.gold == nil {
		t.gold = dataloader.NewCycle(splits.Gold)
	}

	t.mainOpt, err = optimizer.NewSGDOptimizer(optimizer.SGDConfig{
		LearningRate: cfg.MainLR,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}, t.mainParams.NumElements())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create main optimizer")
	}
	switch cfg.MetaOptimizer {
	case "adam":
		ac := optimizer.DefaultAdamConfig()
		ac.LearningRate = cfg.MetaLR
		ac.WeightDecay = cfg.WeightDecay
		t.metaOpt, err = optimizer.NewAdamOptimizer(ac, metaParams.NumElements())
	default:
		t.metaOpt, err = optimizer.NewSGDOptimizer(optimizer.SGDConfig{
			LearningRate: cfg.MetaLR,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		}, metaParams.NumElements())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create meta optimizer")
	}

	t.state.progress.MainLR = cfg.MainLR
	t.state.progress.MetaLR = cfg.MetaLR
	return t, nil
}

// Progress returns the committed counters.
func (t *Trainer) Progress() Progress {
	return t.state.Progress()
}

// History lists the metrics of the most recent steps, oldest first.
func (t *Trainer) History() []StepMetrics {
	return append([]StepMetrics(nil), t.history...)
}

// Train runs the remaining epochs. Cancellation is observed between steps.
func (t *Trainer) Train(ctx context.Context) error {
	perEpoch, err := t.computeStepsPerEpoch(ctx)
	if err != nil {
		return err
	}
	if perEpoch == 0 {
		klog.Warning("Silver split is empty, no meta-training steps will run")
	}

	start := t.state.Progress().Epoch
	if t.opts.Rank == 0 {
		klog.InfoS("Starting training", "epochs", t.cfg.Epochs, "startEpoch", start, "stepsPerEpoch", perEpoch,
			"strategy", t.strategy.String(), "gradientSteps", t.cfg.GradientSteps,
			"mainParams", t.mainParams.NumElements(), "metaParams", t.metaParams.NumElements())
	}

	for epoch := start; epoch < t.cfg.Epochs; epoch++ {
		t.applySchedule(epoch)
		for i := 0; i < perEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "training cancelled")
			}
			m, err := t.step(ctx, epoch)
			if err != nil {
				return err
			}
			if m.Step%t.cfg.EvalEvery == 0 {
				if err := t.report(m); err != nil {
					return err
				}
			}
		}

		t.state.mu.Lock()
		t.state.progress.Epoch = epoch + 1
		t.state.mu.Unlock()
		if err := t.saveEpoch(epoch + 1); err != nil {
			return err
		}
	}
	return nil
}

// computeStepsPerEpoch makes one epoch roughly one pass over the silver
// shard. Replicas agree on the count through the reducer.
func (t *Trainer) computeStepsPerEpoch(ctx context.Context) (int, error) {
	perStep := t.cfg.GradientSteps
	if t.commitFresh || perStep == 0 {
		perStep++
	}
	batches := t.splits.Silver.Len()
	if t.splits.Silver.NumExamples() == 0 {
		batches = 0
	}
	local := []float64{float64((batches + perStep - 1) / perStep)}
	if t.opts.Reducer != nil {
		if err := t.opts.Reducer.AllReduce(ctx, t.opts.Rank, local); err != nil {
			return 0, errors.Wrap(err, "failed to agree on steps per epoch")
		}
	}
	t.stepsPerEpoch = int(math.Floor(local[0]))
	return t.stepsPerEpoch, nil
}

func (t *Trainer) applySchedule(epoch int) {
	mainLR := t.mainSched.GetLR(epoch, 0, t.cfg.MainLR)
	metaLR := t.metaSched.GetLR(epoch, 0, t.cfg.MetaLR)

	t.state.mu.Lock()
	changed := mainLR != t.state.progress.MainLR || metaLR != t.state.progress.MetaLR
	t.mainOpt.UpdateLearningRate(mainLR)
	t.metaOpt.UpdateLearningRate(metaLR)
	t.state.progress.MainLR = mainLR
	t.state.progress.MetaLR = metaLR
	t.state.mu.Unlock()

	if changed && t.opts.Rank == 0 {
		klog.InfoS("Learning rate decayed", "epoch", epoch, "scheduler", t.mainSched.GetName(), "mainLR", mainLR, "metaLR", metaLR)
	}
}

// correctedLoss is the enhancer-adjusted main loss of batch b.
func (t *Trainer) correctedLoss(theta, phi []*tensor.Node, b *dataloader.Batch) (*tensor.Node, *models.Correction, error) {
	mainBound, err := t.mainParams.Bind(theta)
	if err != nil {
		return nil, nil, err
	}
	phiBound, err := t.metaParams.Bind(phi)
	if err != nil {
		return nil, nil, err
	}

	x := tensor.Const(b.Inputs)
	features, logits := t.nets.Main.Forward(mainBound, x)
	enhancerBound := phiBound
	if t.featuresFromMain {
		// The enhancer sees main features as data; no gradient flows back.
		features = tensor.Const(features.Value())
	} else {
		var metaBound *layers.Bound
		metaBound, enhancerBound, err = phiBound.Split(t.nets.Meta.Params(), t.nets.Enhancer.Params())
		if err != nil {
			return nil, nil, err
		}
		features = t.nets.Meta.Forward(metaBound, x)
	}
	correction, err := t.nets.Enhancer.Forward(enhancerBound, features, b.Labels)
	if err != nil {
		return nil, nil, err
	}
	return CrossEntropy(logits, correction.Targets, correction.Weights), correction, nil
}

func (t *Trainer) goldLoss(theta []*tensor.Node, b *dataloader.Batch) (*tensor.Node, error) {
	bound, err := t.mainParams.Bind(theta)
	if err != nil {
		return nil, err
	}
	_, logits := t.nets.Main.Forward(bound, tensor.Const(b.Inputs))
	return HardCrossEntropy(logits, b.Labels)
}

// fail converts a step error into the error Train returns.
func (t *Trainer) fail(err error, step int, phase string) error {
	if errors.Is(err, metagrad.ErrNonFinite) {
		klog.ErrorS(err, "Training diverged", "rank", t.opts.Rank, "step", step, "phase", phase)
		return errors.Wrapf(ErrDivergence, "step %d, %s: %v", step, phase, err)
	}
	return errors.WithMessagef(err, "step %d, %s", step, phase)
}

func (t *Trainer) reduce(ctx context.Context, v []float64) error {
	if t.opts.Reducer == nil {
		return nil
	}
	return t.opts.Reducer.AllReduce(ctx, t.opts.Rank, v)
}

// applyStep runs opt on the flattened params and writes them back.
func applyStep(opt optimizer.Optimizer, params *layers.ParamSet, grad []float64) error {
	flat := params.Flatten()
	if err := opt.Step(flat, grad); err != nil {
		return err
	}
	for _, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrap(metagrad.ErrNonFinite, "updated parameters")
		}
	}
	return params.Assign(flat)
}

func flattenTensors(ts []*tensor.Tensor) []float64 {
	var out []float64
	for _, t := range ts {
		out = append(out, t.Data...)
	}
	return out
}

func flattenNodes(ns []*tensor.Node) []float64 {
	var out []float64
	for _, n := range ns {
		out = append(out, n.Value().Data...)
	}
	return out
}

// step performs one bi-level update. Committed tensors are only written
// under the lock; any error aborts the run.
func (t *Trainer) step(ctx context.Context, epoch int) (StepMetrics, error) {
	began := time.Now()
	progress := t.state.Progress()
	m := StepMetrics{Epoch: epoch, Step: progress.Step + 1, MainLR: progress.MainLR, MetaLR: progress.MetaLR}
	k := t.cfg.GradientSteps

	batches := make([]*dataloader.Batch, k)
	for i := range batches {
		b, err := t.silver.Next()
		if err != nil {
			return m, t.fail(err, m.Step, "silver batch")
		}
		batches[i] = b
	}
	goldBatch, err := t.gold.Next()
	if err != nil {
		return m, t.fail(err, m.Step, "gold batch")
	}

	silver := func(theta, phi []*tensor.Node, i int) (*tensor.Node, error) {
		loss, _, err := t.correctedLoss(theta, phi, batches[i])
		return loss, err
	}
	gold := func(theta []*tensor.Node) (*tensor.Node, error) {
		return t.goldLoss(theta, goldBatch)
	}

	// Virtual phase: private clones only.
	t.state.mu.RLock()
	phi := t.metaParams.Tensors()
	rec, err := metagrad.Unroll(t.mainParams.Tensors(), phi, k, progress.MainLR, silver)
	var res *metagrad.Result
	if err == nil {
		res, err = metagrad.Compute(t.strategy, rec, phi, silver, gold)
	}
	t.state.mu.RUnlock()
	if err != nil {
		return m, t.fail(err, m.Step, "meta-gradient")
	}
	m.GoldLoss = res.GoldLoss
	if len(res.SilverLosses) > 0 {
		m.SilverLoss = floats.Sum(res.SilverLosses) / float64(len(res.SilverLosses))
	}

	metaGrad := flattenTensors(res.MetaGrad)
	if err := t.reduce(ctx, metaGrad); err != nil {
		return m, t.fail(err, m.Step, "meta all-reduce")
	}
	m.MetaGradNorm = floats.Norm(metaGrad, 2)

	t.state.mu.Lock()
	err = applyStep(t.metaOpt, t.metaParams, metaGrad)
	t.state.mu.Unlock()
	if err != nil {
		return m, t.fail(err, m.Step, "meta update")
	}

	var commit *dataloader.Batch
	if t.commitFresh || k == 0 {
		if commit, err = t.silver.Next(); err != nil {
			return m, t.fail(err, m.Step, "commit batch")
		}
	} else {
		commit = batches[k-1]
	}

	theta := t.mainParams.Vars().Nodes()
	loss, correction, err := t.correctedLoss(theta, t.metaParams.Consts().Nodes(), commit)
	if err != nil {
		return m, t.fail(err, m.Step, "commit loss")
	}
	m.CommitLoss = loss.Item()
	if math.IsNaN(m.CommitLoss) || math.IsInf(m.CommitLoss, 0) {
		return m, t.fail(errors.Wrapf(metagrad.ErrNonFinite, "commit loss is %v", m.CommitLoss), m.Step, "commit loss")
	}
	if t.nets.Enhancer.Policy() != models.Reweight {
		if pred, err := tensor.ArgMaxRows(correction.Targets.Value()); err == nil {
			m.RelabelAccuracy = LabelAgreement(pred, commit.TrueLabels)
		}
	}

	grad := flattenNodes(tensor.Grad(loss, theta))
	if err := t.reduce(ctx, grad); err != nil {
		return m, t.fail(err, m.Step, "main all-reduce")
	}

	t.state.mu.Lock()
	err = applyStep(t.mainOpt, t.mainParams, grad)
	if err == nil {
		t.state.progress.Step = m.Step
	}
	t.state.mu.Unlock()
	if err != nil {
		return m, t.fail(err, m.Step, "main update")
	}

	m.Duration = time.Since(began)
	t.record(m)
	klog.V(2).InfoS("Step", "rank", t.opts.Rank, "epoch", epoch, "step", m.Step, "silverLoss", m.SilverLoss,
		"goldLoss", m.GoldLoss, "commitLoss", m.CommitLoss, "metaGradNorm", m.MetaGradNorm, "duration", m.Duration)
	return m, nil
}

func (t *Trainer) record(m StepMetrics) {
	if n := len(t.history); n >= t.historyLimit {
		copy(t.history, t.history[n-t.historyLimit+1:])
		t.history = t.history[:t.historyLimit-1]
	}
	t.history = append(t.history, m)
}

// report evaluates on the validation split and logs the step.
func (t *Trainer) report(m StepMetrics) error {
	res, err := t.Evaluate(t.splits.Valid)
	if err != nil {
		return errors.WithMessage(err, "validation")
	}

	t.state.mu.Lock()
	t.state.progress.LastValid = res
	if res.Accuracy > t.state.progress.BestAccuracy {
		t.state.progress.BestAccuracy = res.Accuracy
	}
	t.state.mu.Unlock()

	if t.opts.Rank == 0 {
		klog.InfoS("Evaluation", "epoch", m.Epoch, "step", m.Step, "silverLoss", m.SilverLoss, "goldLoss", m.GoldLoss,
			"commitLoss", m.CommitLoss, "relabelAccuracy", m.RelabelAccuracy, "validLoss", res.Loss,
			"validAccuracy", res.Accuracy, "mainLR", m.MainLR, "metaLR", m.MetaLR)
	}
	return nil
}

// Evaluate runs the main network in inference mode over one full pass of
// loader. An empty loader yields a zero result.
func (t *Trainer) Evaluate(loader *dataloader.DataLoader) (EvalResult, error) {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()

	loader.Reset()
	cm := NewConfusionMatrix(t.splits.NumClasses)
	var lossSum float64
	for {
		b, err := loader.NextBatch()
		if err != nil {
			return EvalResult{}, err
		}
		if b == nil {
			break
		}
		logits, err := t.nets.Main.Predict(b.Inputs)
		if err != nil {
			return EvalResult{}, err
		}
		loss, err := HardCrossEntropy(tensor.Const(logits), b.Labels)
		if err != nil {
			return EvalResult{}, err
		}
		lossSum += loss.Item() * float64(b.Size())
		pred, err := tensor.ArgMaxRows(logits)
		if err != nil {
			return EvalResult{}, err
		}
		if err := cm.Update(pred, b.Labels); err != nil {
			return EvalResult{}, err
		}
	}

	res := EvalResult{Samples: cm.TotalSamples, Accuracy: cm.GetAccuracy(), MacroRecall: cm.MacroRecall()}
	if cm.TotalSamples > 0 {
		res.Loss = lossSum / float64(cm.TotalSamples)
	}
	return res, nil
}

// FinalEval returns the test accuracy of the committed main network.
func (t *Trainer) FinalEval() (float64, error) {
	res, err := t.Evaluate(t.splits.Test)
	if err != nil {
		return 0, errors.WithMessage(err, "final evaluation")
	}
	if t.opts.Rank == 0 {
		klog.InfoS("Final evaluation", "testAccuracy", res.Accuracy, "testLoss", res.Loss,
			"macroRecall", res.MacroRecall, "samples", res.Samples)
	}
	return res.Accuracy, nil
}
