// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training driver: the single goroutine
// that issues accumulation windows to the sphere scheduler, applies the
// optimiser step, and owns checkpointing, early stopping, and the
// metrics stream (spec.md §4.7/§5, component C7).
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ajroetker/cllm/internal/batch"
	"github.com/ajroetker/cllm/internal/engine"
	"github.com/ajroetker/cllm/internal/errs"
	"github.com/ajroetker/cllm/internal/model"
	"github.com/ajroetker/cllm/internal/nn"
	"github.com/ajroetker/cllm/internal/optim"
	"github.com/ajroetker/cllm/internal/sphere"
	"github.com/ajroetker/cllm/internal/workerpool"
	"github.com/ajroetker/cllm/internal/metrics"
)

// F is the scalar type threaded through the driver.
type F = model.F

// Options configures one training run, mirroring the `train` subcommand
// flags in spec.md §6.
type Options struct {
	BatchSize, SeqLen       int
	TotalSteps, WarmupSteps int
	BaseLR, MinLR           F
	MaxNorm                 F
	Threads                 int
	RecursiveDepth          int
	CheckpointDir           string
	EvalInterval            int
	EvalBatches             int
	Patience                int
	EpsImprove              F
	OptimizerKind           optim.Kind
	LossScaleInit           F
	LossScaleUpInterval     int
	MaxConsecutiveOverflows int
	QueueCapacity           int
}

// DefaultOptions returns the baseline values spec.md §4.7/§8's scenarios
// use. The CLI layer overwrites every field that has a train flag with
// that flag's value, zero included.
func DefaultOptions() Options {
	return Options{
		BatchSize: 8, SeqLen: 32, TotalSteps: 1000, WarmupSteps: 100,
		BaseLR: 3e-4, MinLR: 3e-5, MaxNorm: 1.0, RecursiveDepth: 0,
		EvalInterval: 100, EvalBatches: 8, Patience: 5, EpsImprove: 1e-3,
		OptimizerKind: optim.Adam, LossScaleInit: 1024, LossScaleUpInterval: 200,
		MaxConsecutiveOverflows: 8, QueueCapacity: 64,
	}
}

// Driver owns every long-lived resource a training run needs: the
// parameter vector, the sphere scheduler, the optimiser, and the
// observability sinks. It is created once per run and Shutdown releases
// its scheduler and writer goroutine.
type Driver struct {
	cfg    model.Config
	opts   Options
	params *model.Params
	grad   *model.GradBuffer

	sched   *sphere.Scheduler
	opt     optim.Optimizer
	pool    *workerpool.Pool
	scaler  *optim.LossScaler
	stopper *optim.EarlyStopper

	sink       *metrics.Sink
	writer     *metrics.Writer
	writerDone chan error

	evalCache   *nn.Cache
	evalScratch []F

	log *slog.Logger
}

// New constructs a Driver. ctx governs the scheduler's worker
// goroutines' lifetime; cancelling it (or calling Shutdown) stops them.
func New(ctx context.Context, cfg model.Config, params *model.Params, opts Options, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.CheckpointDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IO, "creating checkpoint directory", err)
	}

	sched := sphere.New(ctx, opts.RecursiveDepth, cfg, params, opts.QueueCapacity)
	pool := workerpool.New(opts.Threads)

	writer, err := metrics.NewWriter(opts.CheckpointDir)
	if err != nil {
		sched.Shutdown()
		pool.Close()
		return nil, err
	}

	d := &Driver{
		cfg: cfg, opts: opts, params: params, grad: model.NewGradBuffer(params.Layout),
		sched: sched, opt: optim.NewOptimizer(opts.OptimizerKind, cfg.NumWeights()), pool: pool,
		scaler:  optim.NewLossScaler(opts.LossScaleInit, opts.LossScaleUpInterval),
		stopper: optim.NewEarlyStopper(opts.Patience, opts.EpsImprove),
		sink:    metrics.NewSink(256), writer: writer, writerDone: make(chan error, 1),
		evalCache:   nn.NewCache(opts.SeqLen, cfg.EmbeddingDim, cfg.FFDim, cfg.VocabSize, cfg.NumHeads, cfg.NumLayers),
		evalScratch: make([]F, opts.SeqLen),
		log:         log,
	}

	go func() { d.writerDone <- d.writer.Run(d.sink) }()
	return d, nil
}

// Shutdown stops the scheduler's workers, closes the metrics sink, and
// waits for the writer goroutine to drain.
func (d *Driver) Shutdown() {
	d.sched.Shutdown()
	d.pool.Close()
	d.sink.Close()
	if err := <-d.writerDone; err != nil {
		d.log.Error("metrics writer exited with error", "error", err)
	}
	if err := d.writer.Close(); err != nil {
		d.log.Error("closing metrics writer", "error", err)
	}
}

// Run drives the training loop for opts.TotalSteps accumulation
// windows, evaluating against valSrc every opts.EvalInterval steps and
// honouring early stopping and the numeric-overflow escalation policy
// from spec.md §7.
func (d *Driver) Run(ctx context.Context, trainSrc, valSrc batch.Source) error {
	windowSize := max(d.sched.NumWorkers(), 1)
	it := batch.New(trainSrc, d.opts.BatchSize, d.opts.SeqLen, false)
	pre := batch.NewPrefetcher(ctx, it, windowSize*2)

	consecutiveOverflow := 0
	bestLoss := math.Inf(1)

	for step := 0; step < d.opts.TotalSteps; step++ {
		start := time.Now()

		batches, err := collectWindow(ctx, pre, windowSize)
		if err != nil {
			return err
		}

		loss, err := d.sched.RunWindow(ctx, batches, d.grad)
		for _, b := range batches {
			b.Release()
		}
		if err != nil {
			return err
		}

		lr := optim.GetLR(step, d.opts.WarmupSteps, d.opts.TotalSteps, d.opts.BaseLR, d.opts.MinLR)

		if optim.HasOverflow(d.grad.Data) {
			d.scaler.ReportOverflow()
			consecutiveOverflow++
			d.sink.EmitStep(metrics.StepRow{
				Step: int64(step), LR: float64(lr), Loss: loss,
				LossScale: float64(d.scaler.Scale()), ElapsedMs: elapsedMs(start),
			})
			if consecutiveOverflow >= d.opts.MaxConsecutiveOverflows {
				return errs.New(errs.Numeric, "loss scale exhausted after repeated gradient overflow")
			}
			continue
		}
		consecutiveOverflow = 0
		d.scaler.ReportGoodStep()

		gradNorm := optim.ClipByGlobalNorm(d.pool, d.grad.Data, d.opts.MaxNorm)
		d.opt.Step(d.pool, d.params.Data, d.grad.Data, lr)

		d.sink.EmitStep(metrics.StepRow{
			Step: int64(step), LR: float64(lr), Loss: loss, GradNorm: float64(gradNorm),
			LossScale: float64(d.scaler.Scale()), ElapsedMs: elapsedMs(start),
		})

		if (step+1)%d.opts.EvalInterval != 0 {
			continue
		}

		valLoss, err := d.evaluate(ctx, valSrc)
		if err != nil {
			return err
		}
		tokensPerSec := float64(windowSize*d.opts.BatchSize*d.opts.SeqLen) / time.Since(start).Seconds()
		d.sink.EmitEval(metrics.EvalRow{
			Step: int64(step), LR: float64(lr), TrainLoss: loss, ValLoss: valLoss,
			GradNorm: float64(gradNorm), LossScale: float64(d.scaler.Scale()), TokensPerSec: tokensPerSec,
		})
		d.log.Info("eval", "step", step, "lr", lr, "train_loss", loss, "val_loss", valLoss,
			"grad_norm", gradNorm, "loss_scale", d.scaler.Scale(), "tokens_per_sec", tokensPerSec)

		if err := d.saveCheckpoint(fmt.Sprintf("checkpoint_step_%d.bin", step+1), int64(step+1), loss); err != nil {
			return err
		}
		if valLoss < bestLoss {
			bestLoss = valLoss
			if err := d.saveCheckpoint("checkpoint_best.bin", int64(step+1), loss); err != nil {
				return err
			}
		}
		if d.stopper.Report(F(valLoss)) {
			d.log.Info("early stopping", "step", step, "best_val_loss", d.stopper.Best())
			break
		}
	}
	return nil
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// collectWindow reads exactly n real batches from the prefetcher,
// skipping the nil markers it emits on epoch boundaries.
func collectWindow(ctx context.Context, pre *batch.Prefetcher, n int) ([]*batch.Batch, error) {
	out := make([]*batch.Batch, 0, n)
	for len(out) < n {
		select {
		case b, ok := <-pre.Batches():
			if !ok {
				if err := pre.Wait(); err != nil {
					return nil, err
				}
				return nil, errs.New(errs.Data, "corpus exhausted before window could be filled")
			}
			if b == nil {
				continue // end-of-epoch marker; iterator already rolled over
			}
			out = append(out, b)
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, "collecting accumulation window", ctx.Err())
		}
	}
	return out, nil
}

// evaluate runs a forward-only pass over a handful of validation
// batches and returns the mean cross-entropy loss (spec.md §4.7's
// "validation loss computed every eval_interval steps").
func (d *Driver) evaluate(ctx context.Context, valSrc batch.Source) (float64, error) {
	it := batch.New(valSrc, 1, d.opts.SeqLen, true)
	var sum F
	var count int
	for i := 0; i < d.opts.EvalBatches; i++ {
		b, err := it.Next(ctx)
		if err == batch.EndOfEpoch {
			it.ResetEpoch()
			continue
		}
		if err != nil {
			return 0, err
		}
		engine.Forward(d.cfg, d.params, d.evalCache, b.InputIDs, b.Mask)
		loss := nn.CrossEntropyForward(d.evalCache.Logits, b.TargetIDs, b.Mask, len(b.InputIDs), d.cfg.VocabSize, d.evalCache.Loss, d.evalScratch)
		sum += loss
		count++
		b.Release()
	}
	if count == 0 {
		return 0, nil
	}
	return float64(sum) / float64(count), nil
}

func (d *Driver) saveCheckpoint(name string, step int64, loss F) error {
	path := filepath.Join(d.opts.CheckpointDir, name)
	state := optim.State{
		Cfg: d.cfg, Params: d.params.Data, OptKind: d.opts.OptimizerKind,
		OptState: make([]F, d.opt.StateSize()), Step: step, LossScale: d.scaler.Scale(),
	}
	d.opt.State(state.OptState)
	if err := optim.Save(path, state); err != nil {
		// Save writes to a temp file and only renames over path on
		// success (spec.md §6/§7): a failure here never touches path
		// itself, so whatever good checkpoint was already there is
		// untouched and there is nothing at path to mark corrupt.
		return err
	}
	d.log.Info("checkpoint saved", "path", path, "step", step, "loss", loss)
	return nil
}

// LoadCheckpoint restores params, the optimiser and the loss scaler from
// path, returning the step the run left off at.
func (d *Driver) LoadCheckpoint(path string) (step int64, err error) {
	state, err := optim.Load(path)
	if err != nil {
		return 0, err
	}
	copy(d.params.Data, state.Params)
	d.opt = optim.NewOptimizer(state.OptKind, d.cfg.NumWeights())
	d.opt.LoadState(state.OptState)
	d.scaler = optim.NewLossScaler(state.LossScale, d.opts.LossScaleUpInterval)
	return state.Step, nil
}
