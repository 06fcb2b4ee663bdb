// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ajroetker/cllm/internal/errs"
)

// Source is the tokenised corpus the iterator draws from: a sequence of
// u32 token ids, "memory-mapped or streamed" per spec.md §7. FileSource
// below is the one concrete implementation; tests use a slice-backed
// Source directly.
type Source interface {
	// Len returns the total token count.
	Len() int
	// At returns the token id at position i.
	At(i int) uint32
}

// SliceSource adapts an in-memory token slice to Source, used by tests
// and by small corpora that fit comfortably in memory.
type SliceSource []uint32

func (s SliceSource) Len() int        { return len(s) }
func (s SliceSource) At(i int) uint32 { return s[i] }

// FileSource reads little-endian uint32 token ids concatenated across
// every *.bin file in a directory, sorted by filename so that shard
// ordering is deterministic across runs (spec.md §7's "tokenised
// corpus" layout). The whole corpus is loaded into memory; streaming
// from disk lazily is left for a future iteration once corpora outgrow
// a single machine's RAM.
type FileSource struct {
	tokens []uint32
}

// LoadFileSource reads every *.bin shard under dir into one flat token
// sequence.
func LoadFileSource(dir string) (*FileSource, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, errs.Wrap(errs.Data, "globbing corpus shards", err)
	}
	if len(matches) == 0 {
		return nil, errs.New(errs.Data, "no corpus shards (*.bin) found in "+dir)
	}
	sort.Strings(matches)

	var tokens []uint32
	for _, path := range matches {
		shard, err := readShard(path)
		if err != nil {
			return nil, errs.Wrap(errs.Data, "reading corpus shard "+path, err)
		}
		tokens = append(tokens, shard...)
	}
	return &FileSource{tokens: tokens}, nil
}

func readShard(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []uint32
	buf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, binary.LittleEndian.Uint32(buf))
	}
	return out, nil
}

func (s *FileSource) Len() int        { return len(s.tokens) }
func (s *FileSource) At(i int) uint32 { return s.tokens[i] }
