package training

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/checkpoints"
)

// Checkpoint snapshots the committed state under the read lock.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()

	mainState, err := t.mainOpt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture main optimizer state")
	}
	metaState, err := t.metaOpt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture meta optimizer state")
	}

	weights := checkpoints.ExtractWeights("main", t.mainParams)
	weights = append(weights, checkpoints.ExtractWeights("meta", t.nets.Meta.Params())...)
	weights = append(weights, checkpoints.ExtractWeights("enhancer", t.nets.Enhancer.Params())...)

	p := t.state.progress
	return &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        p.Epoch,
			Step:         p.Step,
			MainLR:       p.MainLR,
			MetaLR:       p.MetaLR,
			BestAccuracy: p.BestAccuracy,
			TotalSteps:   t.stepsPerEpoch * t.cfg.Epochs,
		},
		MainOptimizer: mainState,
		MetaOptimizer: metaState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.cfg.ExperimentID(),
			Description: "emlc " + t.strategy.String(),
			Tags:        []string{t.cfg.Dataset, t.cfg.CorruptionType, t.cfg.Correction},
		},
	}, nil
}

// Restore replaces the committed state with ck. Training resumes at the
// epoch after the one ck was written for.
func (t *Trainer) Restore(ck *checkpoints.Checkpoint) error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()

	if err := checkpoints.LoadWeights(ck.Weights, "main", t.mainParams); err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(ck.Weights, "meta", t.nets.Meta.Params()); err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(ck.Weights, "enhancer", t.nets.Enhancer.Params()); err != nil {
		return err
	}
	if ck.MainOptimizer != nil {
		if err := t.mainOpt.LoadState(ck.MainOptimizer); err != nil {
			return errors.Wrap(err, "failed to restore main optimizer")
		}
	}
	if ck.MetaOptimizer != nil {
		if err := t.metaOpt.LoadState(ck.MetaOptimizer); err != nil {
			return errors.Wrap(err, "failed to restore meta optimizer")
		}
	}

	s := ck.TrainingState
	t.state.progress.Epoch = s.Epoch
	t.state.progress.Step = s.Step
	t.state.progress.MainLR = s.MainLR
	t.state.progress.MetaLR = s.MetaLR
	t.state.progress.BestAccuracy = s.BestAccuracy
	return nil
}

// ResumeLatest restores the newest checkpoint of this run from dir, if any.
// It reports whether one was found.
func (t *Trainer) ResumeLatest(dir string) (bool, error) {
	path, err := checkpoints.LatestPath(dir, t.cfg.ExperimentID(), t.saver.Format())
	if err != nil || path == "" {
		return false, err
	}
	ck, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return false, err
	}
	if err := t.Restore(ck); err != nil {
		return false, errors.WithMessagef(err, "restoring %s", path)
	}
	klog.InfoS("Resumed from checkpoint", "path", path, "epoch", ck.TrainingState.Epoch, "step", ck.TrainingState.Step)
	return true, nil
}

func (t *Trainer) saveEpoch(epoch int) error {
	if t.cfg.CheckpointDir == "" || t.opts.Rank != 0 {
		return nil
	}
	ck, err := t.Checkpoint()
	if err != nil {
		return err
	}
	path := checkpoints.EpochPath(t.cfg.CheckpointDir, t.cfg.ExperimentID(), epoch, t.saver.Format())
	if err := t.saver.SaveCheckpoint(ck, path); err != nil {
		return errors.WithMessagef(err, "epoch %d checkpoint", epoch)
	}
	klog.V(1).InfoS("Saved checkpoint", "path", path, "epoch", epoch)
	return nil
}
