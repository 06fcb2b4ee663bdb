// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/cllm/internal/model"
)

func sampleState() State {
	cfg := model.Config{VocabSize: 12, EmbeddingDim: 8, NumHeads: 2, NumLayers: 1, FFDim: 16, MaxSeqLen: 4}
	params := make([]F, cfg.NumWeights())
	for i := range params {
		params[i] = F(i) * 0.01
	}
	return State{
		Cfg: cfg, Params: params, OptKind: Adam,
		OptState: []F{1, 2, 3, 4, 5, 6}, Step: 42, LossScale: 256,
	}
}

// TestCheckpointRoundTrip verifies Property 6: load(save(state)) == state.
func TestCheckpointRoundTrip(t *testing.T) {
	want := sampleState()
	path := filepath.Join(t.TempDir(), "checkpoint.bin")

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round-tripped state differs (-want +got):\n%s", diff)
	}
}

func TestCheckpointRejectsCorruption(t *testing.T) {
	state := sampleState()
	path := filepath.Join(t.TempDir(), "checkpoint.bin")
	if err := Save(path, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)-1] ^= 0xFF // flip a trailer byte
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded on corrupted checkpoint, want error")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupted checkpoint still at original path, want it quarantined to %s.corrupt", path)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected quarantined file at %s.corrupt: %v", path, err)
	}
}
