// Command emlc trains a classifier on noisy labels with bi-level
// meta-learning: a meta network corrects the silver labels so that a main
// network trained on them does well on a small trusted gold set.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/async"
	"github.com/tsawler/go-emlc/config"
	"github.com/tsawler/go-emlc/results"
	"github.com/tsawler/go-emlc/training"
	"github.com/tsawler/go-emlc/vision/dataloader"
	"github.com/tsawler/go-emlc/vision/dataset"
)

func main() {
	fs := flag.NewFlagSet("emlc", flag.ExitOnError)
	klog.InitFlags(fs)
	parsed := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		klog.Fatalf("%+v", err)
	}
	cfg := parsed()
	defer klog.Flush()

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("%+v", err)
	}
	if err := setupLogFile(fs, cfg); err != nil {
		klog.Fatalf("%+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runUUID := uuid.New().String()
	klog.InfoS("Starting experiment", "experiment", cfg.ExperimentID(), "run", runUUID, "host", async.DescribeHost().String())
	klog.InfoS("Configuration", "config", fmt.Sprintf("%+v", cfg))

	rec, err := run(ctx, cfg, runUUID)
	if err != nil {
		klog.Flush()
		klog.Fatalf("%+v", err)
	}

	klog.Infof("Gold fraction: %v | Corruption level: %v | Method acc: %.4f",
		cfg.GoldFraction, cfg.CorruptionLevel, rec.Results[results.MethodKey])

	path, err := results.Write(cfg.OutDir, rec)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	klog.InfoS("Dumped results", "path", path)

	if cfg.ResultsDB != "" {
		if err := appendLedger(cfg.ResultsDB, rec); err != nil {
			klog.Fatalf("%+v", err)
		}
		klog.InfoS("Appended run to ledger", "db", cfg.ResultsDB)
	}
}

// setupLogFile routes klog to <logdir>/<log name>.log while keeping stderr.
func setupLogFile(fs *flag.FlagSet, cfg config.ExperimentConfig) error {
	if cfg.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create log directory")
	}
	settings := map[string]string{
		"logtostderr":     "false",
		"alsologtostderr": "true",
		"log_file":        filepath.Join(cfg.LogDir, cfg.LogName()+".log"),
	}
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to set klog flag %s", name)
		}
	}
	return nil
}

// run trains one replica per device and returns rank 0's results.
func run(ctx context.Context, cfg config.ExperimentConfig, runUUID string) (*results.Record, error) {
	devices, err := cfg.Devices()
	if err != nil {
		return nil, err
	}
	pool, err := async.NewPool(devices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up replicas")
	}

	var acc float64
	err = pool.Run(ctx, func(ctx context.Context, r async.Replica) error {
		a, err := runReplica(ctx, cfg, r, pool.Reducer())
		if err != nil {
			return err
		}
		if r.Rank == 0 {
			acc = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results.NewRecord(cfg, runUUID, map[string]float64{results.MethodKey: acc}), nil
}

func runReplica(ctx context.Context, cfg config.ExperimentConfig, r async.Replica, reducer training.Reducer) (float64, error) {
	splits, err := dataset.PrepareData(cfg, r.Rank, r.World)
	if err != nil {
		return 0, err
	}
	defer splits.Close()

	// Identical seeds give every replica the same initial weights.
	rng := rand.New(rand.NewSource(cfg.Seed))
	nets, err := training.BuildNetworks(cfg, splits.InputDim, splits.NumClasses, rng)
	if err != nil {
		return 0, err
	}

	opts := training.Options{Rank: r.Rank, Reducer: reducer}
	if cfg.Prefetch > 0 {
		silver, err := async.NewPrefetcher(dataloader.NewCycle(splits.Silver), cfg.Prefetch)
		if err != nil {
			return 0, err
		}
		defer silver.Stop()
		gold, err := async.NewPrefetcher(dataloader.NewCycle(splits.Gold), cfg.Prefetch)
		if err != nil {
			return 0, err
		}
		defer gold.Stop()
		opts.Silver, opts.Gold = silver, gold
	}

	trainer, err := training.NewTrainer(cfg, nets, splits, opts)
	if err != nil {
		return 0, err
	}
	if cfg.Resume {
		resumed, err := trainer.ResumeLatest(cfg.CheckpointDir)
		if err != nil {
			return 0, err
		}
		if resumed && r.Rank == 0 {
			klog.InfoS("Resumed from checkpoint", "epoch", trainer.Progress().Epoch)
		}
	}

	if err := trainer.Train(ctx); err != nil {
		return 0, err
	}
	return trainer.FinalEval()
}

func appendLedger(path string, rec *results.Record) error {
	ledger, err := results.OpenLedger(path)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return ledger.Append(rec)
}
