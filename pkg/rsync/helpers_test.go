package rsync

import (
	"crypto/sha1"
	"encoding/hex"
)

// recordingSink wraps CollectingSink and records every call it receives, so
// tests can assert on the exact sequence and arguments the planner emits,
// not just the reconstructed bytes.
type recordingSink struct {
	CollectingSink

	started    bool
	totalSize  uint64
	moves      []MoveOp
	adds       []addCall
	doneCalled bool
}

type addCall struct {
	Offset uint64
	Size   uint64
	Data   []byte
}

func (s *recordingSink) Start(totalSize uint64) error {
	s.started = true
	s.totalSize = totalSize
	return s.CollectingSink.Start(totalSize)
}

func (s *recordingSink) Move(from, to, size uint64) error {
	s.moves = append(s.moves, MoveOp{From: from, To: to, Size: size})
	return s.CollectingSink.Move(from, to, size)
}

func (s *recordingSink) Add(offset, size uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.adds = append(s.adds, addCall{Offset: offset, Size: size, Data: cp})
	return s.CollectingSink.Add(offset, size, data)
}

func (s *recordingSink) Done() (string, error) {
	s.doneCalled = true
	return s.CollectingSink.Done()
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
