package rsync

import (
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

// MatchRecord is a single confirmed match: the offset in the seed stream at
// which a target block was found, and the id of the target block it
// reproduces. The matcher appends these in the order it finds them (seed
// offset ascending, by construction of the single forward scan); the
// planner re-sorts by block id before walking the target/new-file stream.
type MatchRecord struct {
	SeedOffset uint64
	BlockID    uint64
}

// MoveMap groups matches by displacement (seed_offset - block_id*blocksize),
// which is exactly what the planner needs to coalesce consecutive same-
// displacement matches into a single move operation.
type MoveMap map[int64][]uint64

// MatchResult is everything the matcher produces for a completed run: the
// ordered match list and the displacement-keyed move map derived from it.
// Per the data model's lifecycle note, both are meant to be consumed
// destructively by the planner.
type MatchResult struct {
	Matches []MatchRecord
	Moves   MoveMap
}

// Matcher streams a seed through a sliding window, probing idx for every
// offset and recording confirmed matches. It owns reusable buffers so a run
// allocates only for its output, not for per-probe scratch space.
type Matcher struct {
	index *BlockIndex

	blockSize  uint64
	blockShift uint
	seqMatches int

	hasher   hash.Hash
	scratch0 []byte
	scratch1 []byte
}

// NewMatcher creates a Matcher that probes idx. idx must already have had
// BuildHash called on it.
func NewMatcher(idx *BlockIndex) *Matcher {
	return &Matcher{
		index:      idx,
		blockSize:  idx.BlockSize(),
		blockShift: idx.blockShift,
		seqMatches: idx.SeqMatches(),
		hasher:     md4.New(),
		scratch0:   make([]byte, 0, strongDigestSize),
		scratch1:   make([]byte, 0, strongDigestSize),
	}
}

// windowCount is the number of blocks' worth of data held in the matcher's
// working buffer at once (16, per §4.3).
const windowCount = 16

// Run streams seed through the sliding window described in §4.3 and returns
// every confirmed match plus the move map derived from it. It mutates the
// Matcher's block index by removing each matched block's descriptor, so a
// given index can only be matched against once.
func (m *Matcher) Run(seed io.Reader) (MatchResult, error) {
	bs := m.blockSize
	context := bs * uint64(m.seqMatches)
	bufCap := bs * windowCount
	if bufCap < context*2 {
		// Guard against pathologically large block sizes relative to
		// the fixed window count: the buffer must always be able to
		// hold at least two windows of context.
		bufCap = context * 2
	}

	buf := make([]byte, bufCap)
	result := MatchResult{Moves: make(MoveMap)}

	var fileBase uint64
	var bufLen uint64 // valid (possibly zero-padded-at-EOF) bytes currently in buf
	var prevValid bool
	eof := false

	fill := func(carry uint64) error {
		if carry > 0 {
			copy(buf[:carry], buf[bufLen-carry:bufLen])
		}
		if eof {
			for i := carry; i < bufCap; i++ {
				buf[i] = 0
			}
			bufLen = carry + context
			if bufLen > bufCap {
				bufLen = bufCap
			}
			return nil
		}
		n, err := io.ReadFull(seed, buf[carry:])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return newError(KindIOError, "", errors.Wrap(err, "reading seed"))
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			eof = true
			// Zero-pad context bytes past the last real byte, per
			// the fill algorithm in §4.3 step 1.
			padTo := carry + uint64(n) + context
			if padTo > bufCap {
				padTo = bufCap
			}
			for i := carry + uint64(n); i < padTo; i++ {
				buf[i] = 0
			}
			bufLen = padTo
		} else {
			bufLen = carry + uint64(n)
		}
		return nil
	}

	if err := fill(0); err != nil {
		return result, err
	}

	var x uint64
	for {
		for x+context < bufLen {
			r0 := rsumBlock(buf[x : x+bs])
			var r1 Rsum
			haveR1 := m.seqMatches > 1
			if haveR1 {
				r1 = rsumBlock(buf[x+bs : x+2*bs])
			}

			head, ok := m.index.Lookup(r0, r1)
			matched := false
			if ok {
				mask := m.index.RsumAMask()
				for id := head; id != noNext; id = m.index.Next(id) {
					d := m.index.Descriptor(uint64(id))
					if r0.A&mask != d.Rsum.A&mask || r0.B != d.Rsum.B {
						continue
					}

					needAdjacent := !prevValid && haveR1
					if needAdjacent {
						d2 := m.index.Descriptor(uint64(id) + 1)
						if r1.A&mask != d2.Rsum.A&mask || r1.B != d2.Rsum.B {
							continue
						}
					}

					strong := strongChecksumInto(m.hasher, m.scratch0, buf[x:x+bs])
					cb := m.index.ChecksumBytes()
					if !bytesPrefixEqual(strong, d.Strong, cb) {
						continue
					}

					if needAdjacent {
						d2 := m.index.Descriptor(uint64(id) + 1)
						strong2 := strongChecksumInto(m.hasher, m.scratch1, buf[x+bs:x+2*bs])
						if !bytesPrefixEqual(strong2, d2.Strong, cb) {
							continue
						}
					}

					blockID := uint64(id)
					seedOffset := fileBase + x
					result.Matches = append(result.Matches, MatchRecord{SeedOffset: seedOffset, BlockID: blockID})
					target := blockID * bs
					dd := int64(seedOffset) - int64(target)
					result.Moves[dd] = append(result.Moves[dd], seedOffset)
					m.index.Remove(blockID)

					x += bs
					prevValid = true
					matched = true
					break
				}
			}

			if !matched {
				if head1, ok := m.index.LookupSingle(r0); ok {
					mask := m.index.RsumAMask()
					for id := head1; id != noNext; id = m.index.Next1(id) {
						d := m.index.Descriptor(uint64(id))
						if r0.A&mask != d.Rsum.A&mask || r0.B != d.Rsum.B {
							continue
						}

						strong := strongChecksumInto(m.hasher, m.scratch0, buf[x:x+bs])
						cb := m.index.ChecksumBytes()
						if !bytesPrefixEqual(strong, d.Strong, cb) {
							continue
						}

						blockID := uint64(id)
						seedOffset := fileBase + x
						result.Matches = append(result.Matches, MatchRecord{SeedOffset: seedOffset, BlockID: blockID})
						target := blockID * bs
						dd := int64(seedOffset) - int64(target)
						result.Moves[dd] = append(result.Moves[dd], seedOffset)
						m.index.Remove(blockID)

						x += bs
						prevValid = true
						matched = true
						break
					}
				}
			}

			if !matched {
				x++
				prevValid = false
			}
		}

		if eof {
			break
		}

		carry := bufLen - x
		fileBase += x
		if err := fill(carry); err != nil {
			return result, err
		}
		x = 0
	}

	return result, nil
}

// bytesPrefixEqual reports whether a and b agree over their first n bytes.
// Both slices are expected to hold at least n bytes; it exists because the
// control file may store fewer than a full MD4 digest's worth of bytes per
// block.
func bytesPrefixEqual(a, b []byte, n int) bool {
	if len(a) < n || len(b) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
