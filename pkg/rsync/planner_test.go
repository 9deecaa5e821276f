package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestPlannerCoverageIsExactAndNonOverlapping checks invariant 5: the union
// of intervals covered by the planner's move and add calls is exactly
// [0, new_len), with no overlap.
func TestPlannerCoverageIsExactAndNonOverlapping(t *testing.T) {
	const blockSize = 16
	rng := rand.New(rand.NewSource(5))

	blockX := make([]byte, blockSize)
	blockY := make([]byte, blockSize)
	gap := []byte("between-blocks!!") // 16 bytes, deliberately not a match
	rng.Read(blockX)
	rng.Read(blockY)

	// target = blockX . gap . blockY; seed has blockY and blockX but no
	// copy of gap, so the middle block must come from an add.
	newFile := append(append(append([]byte{}, blockX...), gap...), blockY...)
	seed := append(append([]byte{}, blockY...), blockX...)

	result := MatchResult{
		Matches: []MatchRecord{
			{SeedOffset: blockSize, BlockID: 0}, // seed's blockX (offset 16) reproduces target block 0
			{SeedOffset: 0, BlockID: 2},         // seed's blockY (offset 0) reproduces target block 2
		},
		Moves: MoveMap{
			int64(blockSize):      {blockSize},
			-int64(2 * blockSize): {0},
		},
	}

	sink := &recordingSink{CollectingSink: CollectingSink{Seed: seed}}
	newLen := uint64(len(newFile))
	if _, err := NewPlanner(blockSize).Run(result, bytes.NewReader(newFile), newLen, sink); err != nil {
		t.Fatalf("planner Run: %v", err)
	}

	covered := make([]bool, newLen)
	mark := func(start, size uint64, label string) {
		for i := start; i < start+size; i++ {
			if covered[i] {
				t.Fatalf("%s covers offset %d twice", label, i)
			}
			covered[i] = true
		}
	}
	for _, mv := range sink.moves {
		mark(mv.To, mv.Size, "move")
	}
	for _, a := range sink.adds {
		mark(a.Offset, a.Size, "add")
	}
	for i, c := range covered {
		if !c {
			t.Fatalf("offset %d was never covered by a move or an add", i)
		}
	}

	if !bytes.Equal(sink.Bytes(), newFile) {
		t.Fatal("reconstructed file does not match the expected target")
	}
}

// TestDisplacementRunsCoalesceIntoOneMove checks invariant 6: k matches at
// offsets o, o+bs, ..., o+(k-1)bs sharing one displacement coalesce into a
// single move of size k*bs.
func TestDisplacementRunsCoalesceIntoOneMove(t *testing.T) {
	const blockSize = 2048
	// d is seedOffset - targetOffset (the MoveMap key, per Matcher.Run); a
	// run of seed offsets 3, 3+bs, ... all at d=3 reproduces target bytes
	// starting at offset 0 (seedOffset - d).
	const d = int64(3)

	moves := MoveMap{
		d: {3, 3 + blockSize, 3 + 2*blockSize, 3 + 3*blockSize},
	}

	ops := coalesceMoves(moves, blockSize, 4*blockSize)
	if len(ops) != 1 {
		t.Fatalf("expected exactly one coalesced move, got %d: %+v", len(ops), ops)
	}

	want := MoveOp{From: 3, To: 0, Size: 4 * blockSize}
	if ops[0] != want {
		t.Fatalf("got %+v, want %+v", ops[0], want)
	}
}

// TestDisplacementGapBreaksCoalescing makes sure a gap in an otherwise
// consecutive displacement run produces two separate moves rather than
// being silently merged across the gap.
func TestDisplacementGapBreaksCoalescing(t *testing.T) {
	const blockSize = 100
	const displacement = int64(0)

	moves := MoveMap{
		displacement: {0, blockSize, 3 * blockSize},
	}

	ops := coalesceMoves(moves, blockSize, 4*blockSize)
	if len(ops) != 2 {
		t.Fatalf("expected two moves across the gap, got %d: %+v", len(ops), ops)
	}
	if ops[0] != (MoveOp{From: 0, To: 0, Size: 2 * blockSize}) {
		t.Fatalf("unexpected first move: %+v", ops[0])
	}
	if ops[1] != (MoveOp{From: 3 * blockSize, To: 3 * blockSize, Size: blockSize}) {
		t.Fatalf("unexpected second move: %+v", ops[1])
	}
}
