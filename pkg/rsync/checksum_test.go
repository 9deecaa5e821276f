package rsync

import (
	"math/rand"
	"testing"
)

// TestRollingIdentityMatchesFreshComputation checks invariant 1: for every
// window position, incrementally rolling the rsum forward by one byte
// produces the same value as computing it fresh over the same bytes.
func TestRollingIdentityMatchesFreshComputation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const blockSize = 64
	const blockShift = 6 // log2(64)
	const bufLen = 4096

	buf := make([]byte, bufLen)
	rng.Read(buf)

	r := rsumBlock(buf[0:blockSize])
	for x := 0; x+blockSize < bufLen; x++ {
		fresh := rsumBlock(buf[x : x+blockSize])
		if r != fresh {
			t.Fatalf("window at %d: rolled %+v != fresh %+v", x, r, fresh)
		}
		r = rollRsum(r, buf[x], buf[x+blockSize], blockShift)
	}
}

func TestRsumBlockEmpty(t *testing.T) {
	r := rsumBlock(nil)
	if r != (Rsum{}) {
		t.Fatalf("expected zero rsum for empty block, got %+v", r)
	}
}

func TestStrongChecksumDeterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	a := strongChecksum(data)
	b := strongChecksum(data)
	if string(a) != string(b) {
		t.Fatal("strongChecksum is not deterministic")
	}
	if len(a) != strongDigestSize {
		t.Fatalf("expected digest of length %d, got %d", strongDigestSize, len(a))
	}
}
