// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements the training-run observability stream:
// a bounded-channel sink feeding a models/<name>/metrics.csv writer
// (spec.md §6/§7, component C8).
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/ajroetker/cllm/internal/errs"
)

// StepRow is one per-step record: (step, lr, loss, grad_norm,
// loss_scale, elapsed_ms), per spec.md §6.
type StepRow struct {
	Step      int64
	LR        float64
	Loss      float64
	GradNorm  float64
	LossScale float64
	ElapsedMs float64
}

// EvalRow is one per-eval-interval record: (step, lr, train_loss,
// val_loss, grad_norm, loss_scale, tokens_per_sec), per spec.md §7.
type EvalRow struct {
	Step         int64
	LR           float64
	TrainLoss    float64
	ValLoss      float64
	GradNorm     float64
	LossScale    float64
	TokensPerSec float64
}

// Sink is a bounded-channel fan-in for metrics rows, decoupling the
// training loop's hot path from the (possibly slow) CSV flush.
// Dropped rows when the channel is full are preferred over blocking
// the step loop; the drop count is available from Dropped.
type Sink struct {
	steps   chan StepRow
	evals   chan EvalRow
	dropped int64
}

// NewSink builds a Sink with the given per-channel buffer capacity.
func NewSink(capacity int) *Sink {
	return &Sink{
		steps: make(chan StepRow, capacity),
		evals: make(chan EvalRow, capacity),
	}
}

// EmitStep submits a per-step row, dropping it (and counting the drop)
// if the sink's buffer is full rather than blocking training.
func (s *Sink) EmitStep(r StepRow) {
	select {
	case s.steps <- r:
	default:
		s.dropped++
	}
}

// EmitEval submits a per-eval-interval row with the same non-blocking
// semantics as EmitStep.
func (s *Sink) EmitEval(r EvalRow) {
	select {
	case s.evals <- r:
	default:
		s.dropped++
	}
}

// Dropped returns the number of rows discarded due to a full buffer.
func (s *Sink) Dropped() int64 { return s.dropped }

// Close signals no further rows will be emitted.
func (s *Sink) Close() {
	close(s.steps)
	close(s.evals)
}

// Writer persists a Sink's rows to two CSV files under dir:
// metrics.csv (step rows) and eval.csv (evaluation rows), per spec.md
// §6's models/<name>/ layout.
type Writer struct {
	stepFile *os.File
	evalFile *os.File
	stepCSV  *csv.Writer
	evalCSV  *csv.Writer
}

var stepHeader = []string{"step", "lr", "loss", "grad_norm", "loss_scale", "elapsed_ms"}
var evalHeader = []string{"step", "lr", "train_loss", "val_loss", "grad_norm", "loss_scale", "tokens_per_sec"}

// NewWriter opens (creating if absent) metrics.csv and eval.csv in dir,
// writing headers only for newly created files.
func NewWriter(dir string) (*Writer, error) {
	stepFile, stepIsNew, err := openAppend(dir + "/metrics.csv")
	if err != nil {
		return nil, err
	}
	evalFile, evalIsNew, err := openAppend(dir + "/eval.csv")
	if err != nil {
		stepFile.Close()
		return nil, err
	}

	w := &Writer{
		stepFile: stepFile, evalFile: evalFile,
		stepCSV: csv.NewWriter(stepFile), evalCSV: csv.NewWriter(evalFile),
	}
	if stepIsNew {
		if err := w.stepCSV.Write(stepHeader); err != nil {
			return nil, errs.Wrap(errs.IO, "writing metrics.csv header", err)
		}
		w.stepCSV.Flush()
	}
	if evalIsNew {
		if err := w.evalCSV.Write(evalHeader); err != nil {
			return nil, errs.Wrap(errs.IO, "writing eval.csv header", err)
		}
		w.evalCSV.Flush()
	}
	return w, nil
}

func openAppend(path string) (*os.File, bool, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, errs.Wrap(errs.IO, "opening "+path, err)
	}
	return f, isNew, nil
}

// Run drains sink until it is closed, writing each row as it arrives.
// It is meant to run in its own goroutine for the training run's
// lifetime; the caller joins it after closing the sink.
func (w *Writer) Run(sink *Sink) error {
	stepsOpen, evalsOpen := true, true
	for stepsOpen || evalsOpen {
		select {
		case r, ok := <-sink.steps:
			if !ok {
				stepsOpen = false
				sink.steps = nil
				continue
			}
			if err := w.writeStep(r); err != nil {
				return err
			}
		case r, ok := <-sink.evals:
			if !ok {
				evalsOpen = false
				sink.evals = nil
				continue
			}
			if err := w.writeEval(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeStep(r StepRow) error {
	rec := []string{
		fmt.Sprint(r.Step), fmt.Sprint(r.LR), fmt.Sprint(r.Loss),
		fmt.Sprint(r.GradNorm), fmt.Sprint(r.LossScale), fmt.Sprint(r.ElapsedMs),
	}
	if err := w.stepCSV.Write(rec); err != nil {
		return errs.Wrap(errs.IO, "writing metrics.csv row", err)
	}
	w.stepCSV.Flush()
	return w.stepCSV.Error()
}

func (w *Writer) writeEval(r EvalRow) error {
	rec := []string{
		fmt.Sprint(r.Step), fmt.Sprint(r.LR), fmt.Sprint(r.TrainLoss), fmt.Sprint(r.ValLoss),
		fmt.Sprint(r.GradNorm), fmt.Sprint(r.LossScale), fmt.Sprint(r.TokensPerSec),
	}
	if err := w.evalCSV.Write(rec); err != nil {
		return errs.Wrap(errs.IO, "writing eval.csv row", err)
	}
	w.evalCSV.Flush()
	return w.evalCSV.Error()
}

// Close flushes and closes both underlying files.
func (w *Writer) Close() error {
	w.stepCSV.Flush()
	w.evalCSV.Flush()
	if err := w.stepFile.Close(); err != nil {
		return errs.Wrap(errs.IO, "closing metrics.csv", err)
	}
	if err := w.evalFile.Close(); err != nil {
		return errs.Wrap(errs.IO, "closing eval.csv", err)
	}
	return nil
}
