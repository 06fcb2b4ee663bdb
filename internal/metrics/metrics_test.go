// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriterWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.writeStep(StepRow{Step: 1, LR: 0.1, Loss: 2.5, GradNorm: 1.0, LossScale: 1024, ElapsedMs: 12}); err != nil {
		t.Fatalf("writeStep: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("reopen NewWriter: %v", err)
	}
	if err := w2.writeStep(StepRow{Step: 2, LR: 0.1, Loss: 2.4, GradNorm: 1.0, LossScale: 1024, ElapsedMs: 10}); err != nil {
		t.Fatalf("writeStep: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := splitLines(string(data))
	if lines[0] != "step,lr,loss,grad_norm,loss_scale,elapsed_ms" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if len(lines) != 3 { // header + 2 rows, no duplicate header
		t.Fatalf("expected 3 lines, got %d: %v", len(lines), lines)
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	s := NewSink(1)
	s.EmitStep(StepRow{Step: 1})
	s.EmitStep(StepRow{Step: 2}) // buffer full, should drop
	if s.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", s.Dropped())
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
