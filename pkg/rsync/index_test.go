package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestBlockIndexDepletionMatchesRemovedCount checks invariant 4: after
// matching, the number of recorded matches equals the number of blocks
// removed from the index, no block id appears twice in the match list, and
// a removed block can no longer be found by a fresh lookup of its own rsum
// pair.
func TestBlockIndexDepletionMatchesRemovedCount(t *testing.T) {
	const blockSize = 64
	const nblocks = 20

	rng := rand.New(rand.NewSource(4))
	data := make([]byte, blockSize*nblocks)
	rng.Read(data)

	var control bytes.Buffer
	if err := WriteControlFileWithBlockSize(&control, bytes.NewReader(data), uint64(len(data)), blockSize); err != nil {
		t.Fatalf("WriteControlFileWithBlockSize: %v", err)
	}

	meta, idx, err := ReadControlFile(bytes.NewReader(control.Bytes()))
	if err != nil {
		t.Fatalf("ReadControlFile: %v", err)
	}

	result, err := NewMatcher(idx).Run(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("matcher Run: %v", err)
	}

	if len(result.Matches) != nblocks {
		t.Fatalf("expected all %d blocks to match an identical seed, got %d", nblocks, len(result.Matches))
	}

	seen := make(map[uint64]bool, len(result.Matches))
	for _, m := range result.Matches {
		if seen[m.BlockID] {
			t.Fatalf("block id %d appears twice in the match list", m.BlockID)
		}
		seen[m.BlockID] = true
	}
	if len(seen) != nblocks {
		t.Fatalf("expected %d distinct removed blocks, got %d", nblocks, len(seen))
	}
	if meta.BlockSize != blockSize {
		t.Fatalf("expected block size %d in parsed header, got %d", blockSize, meta.BlockSize)
	}

	// Every matched block's own rsum pair must no longer resolve to it: the
	// chain it lived in has been depleted.
	for id := uint64(0); id < uint64(nblocks); id++ {
		block := data[id*blockSize : (id+1)*blockSize]
		r0 := rsumBlock(block)
		var r1 Rsum
		if id+1 < uint64(nblocks) {
			r1 = rsumBlock(data[(id+1)*blockSize : (id+2)*blockSize])
		} else {
			r1 = Rsum{A: 0xffff, B: 0xffff}
		}

		head, ok := idx.Lookup(r0, r1)
		if !ok {
			continue
		}
		for cur := head; cur != noNext; cur = idx.Next(cur) {
			if uint64(cur) == id {
				t.Fatalf("block %d still reachable via chain walk after being matched and removed", id)
			}
		}
	}
}
