package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestRoundTripIdentityProducesNoAdds checks invariant 2: for any file T,
// build(T) followed by apply(control, seed=T) reproduces T exactly and
// emits zero add operations.
func TestRoundTripIdentityProducesNoAdds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 2048*5)
	rng.Read(data)

	var control bytes.Buffer
	if err := WriteControlFile(&control, bytes.NewReader(data), uint64(len(data))); err != nil {
		t.Fatalf("WriteControlFile: %v", err)
	}

	meta, idx, err := ReadControlFile(bytes.NewReader(control.Bytes()))
	if err != nil {
		t.Fatalf("ReadControlFile: %v", err)
	}

	result, err := NewMatcher(idx).Run(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("matcher Run: %v", err)
	}

	sink := &recordingSink{CollectingSink: CollectingSink{Seed: data}}
	checksum, err := NewPlanner(meta.BlockSize).Run(result, bytes.NewReader(data), meta.Length, sink)
	if err != nil {
		t.Fatalf("planner Run: %v", err)
	}

	if len(sink.adds) != 0 {
		t.Fatalf("expected zero add operations for an identical seed, got %d", len(sink.adds))
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("reconstructed file does not match original")
	}
	if checksum != sha1Hex(data) {
		t.Fatalf("checksum mismatch: got %s, want %s", checksum, sha1Hex(data))
	}
	if err := VerifyChecksum(checksum, meta.SHA1); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

// TestRoundTripNonAlignedLengthClampsFinalBlock checks invariants 2 and 5
// for a target whose length is not a multiple of the block size and whose
// final, partial block IS present in the seed (so the matcher confirms it
// via the zero-padded comparison window and, absent two full seq_matches
// neighbors, the single-rsum fallback chain). The planner must still treat
// that block's real target range as newLen-sized, not blockSize-sized: it
// must neither read past the seed's end for the move nor past the new
// file's end for the discard it skips.
func TestRoundTripNonAlignedLengthClampsFinalBlock(t *testing.T) {
	const blockSize = 2048
	const length = 5000 // 2 full blocks + a 904-byte tail (2*2048 = 4096)

	rng := rand.New(rand.NewSource(7))
	data := make([]byte, length)
	rng.Read(data)

	var control bytes.Buffer
	if err := WriteControlFileWithBlockSize(&control, bytes.NewReader(data), length, blockSize); err != nil {
		t.Fatalf("WriteControlFileWithBlockSize: %v", err)
	}

	meta, idx, err := ReadControlFile(bytes.NewReader(control.Bytes()))
	if err != nil {
		t.Fatalf("ReadControlFile: %v", err)
	}

	// Seed is identical to the target, so every block -- including the
	// partial tail -- is present and must be matched.
	result, err := NewMatcher(idx).Run(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("matcher Run: %v", err)
	}
	if len(result.Matches) != 3 {
		t.Fatalf("expected all 3 blocks (2 full, 1 partial) to match, got %d", len(result.Matches))
	}

	// The seed is byte-identical to the target, so all three blocks share
	// displacement 0 and coalesce into a single run. Unclamped, that run's
	// Size would be 3*blockSize = 6144: past both the seed's and the
	// target's actual length. The clamp must bring it down to exactly
	// length, not merely to a blockSize multiple.
	moves := coalesceMoves(result.Moves, blockSize, length)
	if len(moves) != 1 {
		t.Fatalf("expected the three same-displacement blocks to coalesce into one move, got %d: %+v", len(moves), moves)
	}
	mv := moves[0]
	if mv.From != 0 || mv.To != 0 {
		t.Fatalf("unexpected move shape: %+v", mv)
	}
	if mv.Size != length {
		t.Fatalf("move size = %d, want %d (clamped to the target's actual length)", mv.Size, length)
	}
	if mv.From+mv.Size > length {
		t.Fatalf("move reads past the seed's end: %+v (seed length %d)", mv, length)
	}
	if mv.To+mv.Size > length {
		t.Fatalf("move writes past the target's end: %+v (target length %d)", mv, length)
	}

	sink := &recordingSink{CollectingSink: CollectingSink{Seed: data}}
	checksum, err := NewPlanner(meta.BlockSize).Run(result, bytes.NewReader(data), meta.Length, sink)
	if err != nil {
		t.Fatalf("planner Run: %v", err)
	}

	if len(sink.adds) != 0 {
		t.Fatalf("expected zero add operations for an identical seed, got %d", len(sink.adds))
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("reconstructed file does not match original")
	}
	if checksum != sha1Hex(data) {
		t.Fatalf("checksum mismatch: got %s, want %s", checksum, sha1Hex(data))
	}
	if err := VerifyChecksum(checksum, meta.SHA1); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

// TestEmptySeedProducesSingleAdd checks invariant 3: with a seed of length
// 0, the planner emits a single add covering the whole new file and no
// moves.
func TestEmptySeedProducesSingleAdd(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 10000)
	rng.Read(data)

	var control bytes.Buffer
	if err := WriteControlFile(&control, bytes.NewReader(data), uint64(len(data))); err != nil {
		t.Fatalf("WriteControlFile: %v", err)
	}

	meta, idx, err := ReadControlFile(bytes.NewReader(control.Bytes()))
	if err != nil {
		t.Fatalf("ReadControlFile: %v", err)
	}

	result, err := NewMatcher(idx).Run(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("matcher Run: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Fatalf("expected no matches against an empty seed, got %d", len(result.Matches))
	}

	sink := &recordingSink{}
	checksum, err := NewPlanner(meta.BlockSize).Run(result, bytes.NewReader(data), meta.Length, sink)
	if err != nil {
		t.Fatalf("planner Run: %v", err)
	}

	if len(sink.moves) != 0 {
		t.Fatalf("expected no moves with an empty seed, got %d", len(sink.moves))
	}
	if len(sink.adds) != 1 {
		t.Fatalf("expected exactly one add, got %d", len(sink.adds))
	}
	if sink.adds[0].Offset != 0 || sink.adds[0].Size != uint64(len(data)) {
		t.Fatalf("expected add(0, %d, ...), got add(%d, %d, ...)", len(data), sink.adds[0].Offset, sink.adds[0].Size)
	}
	if !bytes.Equal(sink.adds[0].Data, data) {
		t.Fatal("add payload does not match the new file's content")
	}
	if checksum != sha1Hex(data) {
		t.Fatal("reconstructed checksum does not match original data")
	}
}
