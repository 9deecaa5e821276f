package rsync

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

// defaultAddChunkSize bounds how much literal data the planner reads from
// the new file and hands to the sink in a single Add call. It is a
// sink-friendliness heuristic, not a protocol requirement.
const defaultAddChunkSize = 102400

// Sink is the transport the planner drives: four operations, called
// synchronously and in the fixed order Start, all Moves, all Adds, Done.
// The reference implementation is pkg/transport.HTTPSink; tests use
// CollectingSink.
type Sink interface {
	Start(totalSize uint64) error
	Move(from, to, size uint64) error
	Add(offset, size uint64, data []byte) error
	Done() (string, error)
}

// MoveOp is a single coalesced move emitted by the planner: the region
// [From, From+Size) in the seed reproduces [To, To+Size) in the target.
type MoveOp struct {
	From uint64
	To   uint64
	Size uint64
}

// Planner converts a matcher's results into the sink call sequence that
// reconstructs the target file from the seed plus a stream of literal
// bytes read from the new file.
type Planner struct {
	BlockSize uint64
	// ChunkSize overrides defaultAddChunkSize when non-zero; exposed for
	// tests that want to exercise multi-chunk Add sequences without
	// allocating hundreds of kilobytes of fixture data.
	ChunkSize int
}

// NewPlanner creates a Planner for the given block size, using the default
// add-chunk size.
func NewPlanner(blockSize uint64) *Planner {
	return &Planner{BlockSize: blockSize}
}

func (p *Planner) chunkSize() int {
	if p.ChunkSize > 0 {
		return p.ChunkSize
	}
	return defaultAddChunkSize
}

// Run drives sink through the full Start/Move/Add/Done sequence for the
// given match result, reading literal ("add") bytes sequentially from
// newFile as needed. newLen is the target file's total length. It returns
// whatever Done() returns, unmodified.
func (p *Planner) Run(result MatchResult, newFile io.Reader, newLen uint64, sink Sink) (string, error) {
	moves := coalesceMoves(result.Moves, p.BlockSize, newLen)

	// Matches are walked in target order (by block id, i.e. by the target
	// offset each match covers), not in seed order: the gaps between
	// matches are read sequentially from newFile, which is a stream over
	// the target file's own layout.
	matches := make([]MatchRecord, len(result.Matches))
	copy(matches, result.Matches)
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].BlockID < matches[j].BlockID
	})

	if err := sink.Start(newLen); err != nil {
		return "", newError(KindSinkFailure, "start", err)
	}
	for _, mv := range moves {
		if err := sink.Move(mv.From, mv.To, mv.Size); err != nil {
			return "", newError(KindSinkFailure, "move", err)
		}
	}

	var pos uint64
	for _, match := range matches {
		o := match.BlockID * p.BlockSize
		if o > pos {
			if err := streamAdd(newFile, sink, pos, o-pos, p.chunkSize()); err != nil {
				return "", err
			}
			pos = o
		}
		// The final block may be partial: newLen need not be a multiple of
		// BlockSize, even though the matcher always compares a full,
		// zero-padded block.
		blockLen := p.BlockSize
		if o+blockLen > newLen {
			blockLen = newLen - o
		}
		if err := discard(newFile, blockLen); err != nil {
			return "", err
		}
		pos += blockLen
	}
	if pos < newLen {
		if err := streamAdd(newFile, sink, pos, newLen-pos, p.chunkSize()); err != nil {
			return "", err
		}
	}

	sum, err := sink.Done()
	if err != nil {
		return "", newError(KindSinkFailure, "done", err)
	}
	return sum, nil
}

// streamAdd reads exactly length bytes from r, starting logically at
// offset, and hands them to sink.Add in chunkSize-bounded pieces so a large
// gap doesn't require buffering the whole thing at once.
func streamAdd(r io.Reader, sink Sink, offset, length uint64, chunkSize int) error {
	buf := make([]byte, chunkSize)
	remaining := length
	at := offset
	for remaining > 0 {
		n := uint64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return newError(KindShortRead, "", errors.Wrap(err, "reading new file"))
		}
		if err := sink.Add(at, n, buf[:n]); err != nil {
			return newError(KindSinkFailure, "add", err)
		}
		at += n
		remaining -= n
	}
	return nil
}

// discard reads and throws away exactly n bytes from r: the bytes
// corresponding to a matched block, whose content is reproduced via a move
// from the seed rather than from the new file.
func discard(r io.Reader, n uint64) error {
	copied, err := io.CopyN(io.Discard, r, int64(n))
	if err != nil {
		if copied < int64(n) {
			return newError(KindShortRead, "", errors.Wrap(err, "skipping matched block in new file"))
		}
	}
	return nil
}

// coalesceMoves walks moves by ascending displacement and, within each
// displacement's ordered offset list, merges maximal runs of consecutive
// (stride == blockSize) offsets into a single MoveOp. This is the
// compression win over emitting one move per matched block.
//
// moves is keyed by d = seedOffset - targetOffset (see Matcher.Run), so a
// run's target offset is runStart - d, not runStart + d.
//
// newLen clamps whichever run ends up covering the target's final block:
// the matcher always compares a full, zero-padded block, but that block's
// real target range can be shorter than blockSize when newLen isn't a
// multiple of it. Without this clamp a tail move would claim target bytes
// past newLen (and seed bytes the seed may not even have).
func coalesceMoves(moves MoveMap, blockSize, newLen uint64) []MoveOp {
	displacements := make([]int64, 0, len(moves))
	for d := range moves {
		displacements = append(displacements, d)
	}
	sort.Slice(displacements, func(i, j int) bool { return displacements[i] < displacements[j] })

	clamp := func(op MoveOp) MoveOp {
		if op.To+op.Size > newLen {
			op.Size = newLen - op.To
		}
		return op
	}

	var ops []MoveOp
	for _, d := range displacements {
		offsets := moves[d]
		if len(offsets) == 0 {
			continue
		}
		runStart := offsets[0]
		expected := runStart + blockSize
		for _, o := range offsets[1:] {
			if o == expected {
				expected += blockSize
				continue
			}
			ops = append(ops, clamp(MoveOp{
				From: runStart,
				To:   uint64(int64(runStart) - d),
				Size: expected - runStart,
			}))
			runStart = o
			expected = runStart + blockSize
		}
		ops = append(ops, clamp(MoveOp{
			From: runStart,
			To:   uint64(int64(runStart) - d),
			Size: expected - runStart,
		}))
	}
	return ops
}
