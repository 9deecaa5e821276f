package rsync

import (
	"crypto/sha1"
	"encoding/hex"
)

// CollectingSink is an in-memory Sink that reconstructs the target file
// into a byte slice as operations arrive; Done() hashes that slice with
// SHA-1 so it returns a digest comparable against a control file's header.
// It is meant for tests and for any caller that wants local reconstruction
// without a network round trip.
type CollectingSink struct {
	// Seed supplies bytes for Move operations: Move reads
	// Seed[from:from+size] and writes it to the reconstructed buffer at
	// to.
	Seed []byte

	data []byte
}

// Start implements Sink.
func (s *CollectingSink) Start(totalSize uint64) error {
	s.data = make([]byte, totalSize)
	return nil
}

// Move implements Sink.
func (s *CollectingSink) Move(from, to, size uint64) error {
	if from+size > uint64(len(s.Seed)) {
		return newError(KindShortRead, "move source exceeds seed length", nil)
	}
	if to+size > uint64(len(s.data)) {
		return newError(KindBadHeader, "move destination exceeds declared total size", nil)
	}
	copy(s.data[to:to+size], s.Seed[from:from+size])
	return nil
}

// Add implements Sink.
func (s *CollectingSink) Add(offset, size uint64, data []byte) error {
	if uint64(len(data)) != size {
		return newError(KindShortRead, "add payload length mismatch", nil)
	}
	if offset+size > uint64(len(s.data)) {
		return newError(KindBadHeader, "add destination exceeds declared total size", nil)
	}
	copy(s.data[offset:offset+size], data)
	return nil
}

// Done implements Sink, returning the hex SHA-1 of the reconstructed data.
func (s *CollectingSink) Done() (string, error) {
	sum := sha1.Sum(s.data)
	return hex.EncodeToString(sum[:]), nil
}

// Bytes returns the reconstructed file content. Valid only after Done has
// been called.
func (s *CollectingSink) Bytes() []byte {
	return s.data
}
