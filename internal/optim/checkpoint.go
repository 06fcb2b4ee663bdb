// Copyright 2025 The cllm Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/ajroetker/cllm/internal/errs"
	"github.com/ajroetker/cllm/internal/model"
)

// magic identifies a cllm checkpoint file (spec.md §6: 4-byte magic 'CLLM').
var magic = [4]byte{'C', 'L', 'L', 'M'}

// formatVersion is bumped whenever the on-disk layout changes.
const formatVersion uint32 = 1

// State is everything save/load round-trips (spec.md §6, Property 6):
// config, parameters, optimiser moments, and training metadata.
type State struct {
	Cfg       model.Config
	Params    []F
	OptKind   Kind
	OptState  []F
	Step      int64
	LossScale F
}

// Save writes state to path as a fixed little-endian binary layout:
// magic, version, flags, config block, parameter vector, optimiser
// state, step/loss-scale metadata, trailing CRC32 over everything
// before it. It writes to a temporary file in the same directory and
// renames atomically, so a crash mid-write never leaves a checkpoint
// load() could mistake for complete (spec.md §6/§7).
func Save(path string, state State) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IO, "creating temporary checkpoint file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	crcw := newCRCWriter(w)

	if err := writeCheckpoint(crcw, state); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "writing checkpoint body", err)
	}
	if err := binary.Write(w, binary.LittleEndian, crcw.Sum()); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "writing checkpoint CRC trailer", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "flushing checkpoint", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "syncing checkpoint", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.IO, "closing checkpoint", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.IO, "renaming checkpoint into place", err)
	}
	return nil
}

func writeCheckpoint(w io.Writer, state State) error {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	var flags uint32
	if err := binary.Write(w, binary.LittleEndian, flags); err != nil {
		return err
	}

	cfgFields := []int32{
		int32(state.Cfg.VocabSize), int32(state.Cfg.EmbeddingDim), int32(state.Cfg.NumHeads),
		int32(state.Cfg.NumLayers), int32(state.Cfg.FFDim), int32(state.Cfg.MaxSeqLen),
	}
	for _, v := range cfgFields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, state.Cfg.Dropout); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, int32(state.OptKind)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(state.Params))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, state.Params); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(state.OptState))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, state.OptState); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, state.Step); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, state.LossScale)
}

// Load reads and validates a checkpoint written by Save, returning
// IoError (kind, not type) on a magic/version/CRC mismatch or
// truncation (spec.md §7).
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint", err)
	}
	if len(data) < 8 {
		return State{}, errs.New(errs.IO, "checkpoint too short")
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]

	wantCRC := binary.LittleEndian.Uint64(trailer)
	gotCRC := crc32Pair(body)
	if gotCRC != wantCRC {
		_ = MarkCorrupt(path)
		return State{}, errs.New(errs.IO, "checkpoint CRC mismatch (truncated or corrupt)")
	}

	r := newByteReader(body)
	var gotMagic [4]byte
	if err := r.read(&gotMagic); err != nil || gotMagic != magic {
		return State{}, errs.New(errs.IO, "checkpoint magic mismatch")
	}
	var version uint32
	if err := r.read(&version); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint version", err)
	}
	if version != formatVersion {
		return State{}, errs.New(errs.IO, "unsupported checkpoint version")
	}
	var flags uint32
	if err := r.read(&flags); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint flags", err)
	}

	var cfgFields [6]int32
	if err := r.read(&cfgFields); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint config", err)
	}
	var dropout F
	if err := r.read(&dropout); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint dropout", err)
	}
	cfg := model.Config{
		VocabSize: int(cfgFields[0]), EmbeddingDim: int(cfgFields[1]), NumHeads: int(cfgFields[2]),
		NumLayers: int(cfgFields[3]), FFDim: int(cfgFields[4]), MaxSeqLen: int(cfgFields[5]), Dropout: dropout,
	}

	var optKind int32
	if err := r.read(&optKind); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint optimiser kind", err)
	}

	var numParams int64
	if err := r.read(&numParams); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint parameter count", err)
	}
	params := make([]F, numParams)
	if err := r.read(params); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint parameters", err)
	}

	var numOptState int64
	if err := r.read(&numOptState); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint optimiser state count", err)
	}
	optState := make([]F, numOptState)
	if err := r.read(optState); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint optimiser state", err)
	}

	var step int64
	if err := r.read(&step); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint step", err)
	}
	var lossScale F
	if err := r.read(&lossScale); err != nil {
		return State{}, errs.Wrap(errs.IO, "reading checkpoint loss scale", err)
	}

	return State{
		Cfg: cfg, Params: params, OptKind: Kind(optKind), OptState: optState,
		Step: step, LossScale: lossScale,
	}, nil
}

// MarkCorrupt renames a partially-written checkpoint path to path+".corrupt"
// instead of leaving it where a future Load might mistake it for good
// (spec.md §7 "the partially-written checkpoint... is removed or renamed").
func MarkCorrupt(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(path, path+".corrupt")
}

// crcWriter accumulates a CRC32 checksum of everything written through
// it while forwarding bytes unchanged, so Save can compute the trailer
// in one pass instead of buffering the whole body twice.
type crcWriter struct {
	w   io.Writer
	crc uint32
}

func newCRCWriter(w io.Writer) *crcWriter { return &crcWriter{w: w, crc: 0} }

func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	return c.w.Write(p)
}

// Sum returns the 8-byte trailer value: the CRC32 in the low 32 bits,
// zero in the high 32 bits (room for a future second checksum without
// another format version bump).
func (c *crcWriter) Sum() uint64 { return uint64(c.crc) }

func crc32Pair(data []byte) uint64 {
	return uint64(crc32.ChecksumIEEE(data))
}

// byteReader is a tiny cursor over an in-memory checkpoint body, used
// instead of bytes.Reader directly so read() can uniformly report
// truncation as io.ErrUnexpectedEOF by checking the remaining length
// itself before calling binary.Read.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) read(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return errs.New(errs.IO, "unsized checkpoint field")
	}
	if r.pos+n > len(r.data) {
		return io.ErrUnexpectedEOF
	}
	err := binary.Read(newSliceReader(r.data[r.pos:r.pos+n]), binary.LittleEndian, v)
	r.pos += n
	return err
}

func newSliceReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	off int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.off >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.off:])
	s.off += n
	return n, nil
}
