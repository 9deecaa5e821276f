package rsync

import (
	"hash"

	"golang.org/x/crypto/md4"
)

// Rsum is the weak, rolling checksum used to find candidate block matches. It
// is a pair of 16-bit accumulators, computed as described in the rsync
// thesis: a is a simple byte sum, b is a position-weighted byte sum. Keeping
// the halves separate (rather than folding them into a single uint32, as is
// common in other rsync implementations) is required here because the
// on-disk block descriptor stores only the trailing bytes of the 4-byte
// A-then-B form, so A may be truncated or absent while B is kept, and the
// halves are compared separately (see encodeRsum and rsumAMaskFor).
type Rsum struct {
	A uint16
	B uint16
}

// rsumBlock computes the rsum of a single block of data from scratch. It is
// used when building the control file and by the matcher, which computes
// every window's rsum with it rather than rolling incrementally.
func rsumBlock(data []byte) Rsum {
	var a, b uint16
	length := len(data)
	for i, c := range data {
		a += uint16(c)
		b += uint16(length-i) * uint16(c)
	}
	return Rsum{A: a, B: b}
}

// rollRsum advances a previously-computed rsum by one byte: cOut leaves the
// window on the left, cIn enters it on the right. blockShift is log2 of the
// block size. This is the incremental update from the rsync thesis; it must
// produce results identical to calling rsumBlock on the shifted window.
func rollRsum(r Rsum, cOut, cIn byte, blockShift uint) Rsum {
	r.A += uint16(cIn) - uint16(cOut)
	r.B += r.A - uint16(cOut)<<blockShift
	return r
}

// strongDigestSize is the size, in bytes, of the MD4 digest used as the
// strong checksum. The control file never stores more than this many bytes
// of it (checksumBytes is clamped to [3,16]).
const strongDigestSize = md4.Size

// strongChecksum computes the MD4 digest of exactly one block's worth of
// data using a fresh hasher. The caller is responsible for zero-padding
// short final blocks to blockSize bytes before calling this, since the
// strong checksum (like the weak one) is always computed over a full block.
//
// Callers on a hot path (the matcher) should prefer a re-used md4.New()
// hasher via strongChecksumInto to avoid an allocation per probe.
func strongChecksum(data []byte) []byte {
	h := md4.New()
	h.Write(data)
	return h.Sum(nil)
}

// strongChecksumInto computes the MD4 digest of data using the provided
// hasher, resetting it first, and appends the digest to buf[:0]. This mirrors
// the teacher engine's strongHash method: the hasher and buffer are owned by
// the caller and reused across many calls to avoid per-probe allocation.
func strongChecksumInto(h hash.Hash, buf []byte, data []byte) []byte {
	h.Reset()
	h.Write(data)
	return h.Sum(buf[:0])
}
