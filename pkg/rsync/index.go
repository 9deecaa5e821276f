package rsync

import "math/bits"

// noNext marks the end of a hash chain, or an unset chain head. Block ids and
// chain links are stored as uint32 arena indices rather than pointers (per
// the design notes: "prefer arena-allocation of descriptors with u32 indices
// for chain links; removal is then an index swap and a bit clear, with no
// pointer invalidation concerns").
const noNext = ^uint32(0)

// BlockDescriptor is the per-block record the matcher probes against: the
// block's rsum and the leading bytes of its MD4 digest, as stored in (and
// read back from) the control file.
type BlockDescriptor struct {
	Rsum   Rsum
	Strong []byte
}

// rsumAMaskFor returns the mask applied to the A half of a candidate's rsum
// before comparing it against a stored descriptor, per the number of rsum
// bytes retained on disk. With fewer than 3 bytes stored, A isn't stored at
// all (and so never discriminates); with 3 it's masked to its low byte; with
// 4 it's compared in full. B is always compared over its full stored width,
// per §3.
func rsumAMaskFor(rsumBytes int) uint16 {
	switch {
	case rsumBytes < 3:
		return 0x0000
	case rsumBytes == 3:
		return 0x00ff
	default:
		return 0xffff
	}
}

// BlockIndex is the in-memory, ownership-exclusive structure that supports
// matching: an array of block descriptors (with seqMatches trailing
// sentinels so a consecutive-match probe never reads past the end), a hash
// chain keyed by a derived hash of the rsum pair, and a bit-filter
// pre-checked before ever touching the chain.
type BlockIndex struct {
	blockSize    uint64
	blockShift   uint
	seqMatches   int
	rsumBytes    int
	checksumBytes int
	nblocks      uint64

	rsumAMask uint16

	// blockHashes holds nblocks real descriptors followed by seqMatches
	// sentinel descriptors, indexed by block id.
	blockHashes []BlockDescriptor
	// chainNext[i] is the arena link for blockHashes[i]; noNext terminates
	// a chain.
	chainNext []uint32
	// chainHead[key & hashMask] is the first block id hashing to key, or
	// noNext if the bucket is empty.
	chainHead []uint32
	// bitHash is a bit array of 2^bitHashBits bits: a pre-filter checked
	// before the chain is touched. A clear bit guarantees no descriptor
	// hashes to that key.
	bitHash []byte

	// chainNext1/chainHead1/bitHash1 mirror the structures above but key
	// every block solely on its own rsum (ignoring the next block's rsum
	// entirely, even when seqMatches>1). The combined (r0,r1) key used by
	// chainHead can only ever be reproduced by a prober that has genuine
	// bytes for the following block; that's false for the target's own
	// last block (whose "next" is a sentinel) and false for a seed that
	// runs out of real data one block early (e.g. a pure append). This
	// single-rsum chain is the fallback Matcher.Run tries at every window
	// where the combined-key chain yields no accepted match (which covers
	// both cases), using the strong checksum alone (instead of the
	// adjacency check) to keep the false-positive rate acceptable.
	chainNext1 []uint32
	chainHead1 []uint32
	bitHash1   []byte

	hashMask    uint32
	bitHashMask uint32

	built bool
}

// NewBlockIndex creates an empty block index sized for nblocks descriptors.
// Blocks must be added in ascending block-id order via Add, then BuildHash
// must be called exactly once before Lookup or Remove are used.
func NewBlockIndex(nblocks uint64, blockSize uint64, rsumBytes, checksumBytes, seqMatches int) *BlockIndex {
	blockShift := uint(bits.TrailingZeros64(blockSize))

	total := nblocks + uint64(seqMatches)
	idx := &BlockIndex{
		blockSize:     blockSize,
		blockShift:    blockShift,
		seqMatches:    seqMatches,
		rsumBytes:     rsumBytes,
		checksumBytes: checksumBytes,
		nblocks:       nblocks,
		rsumAMask:     rsumAMaskFor(rsumBytes),
		blockHashes:   make([]BlockDescriptor, total),
		chainNext:     make([]uint32, total),
	}

	// Initialize sentinel tail entries so a seqMatches==2 lookup that
	// reads one block past the last real block never spuriously matches
	// real data (§9, resolving the "reference leaves sentinels
	// uninitialised" open question).
	sentinelStrong := make([]byte, strongDigestSize)
	for i := range sentinelStrong {
		sentinelStrong[i] = 0xff
	}
	for i := nblocks; i < total; i++ {
		idx.blockHashes[i] = BlockDescriptor{
			Rsum:   Rsum{A: 0xffff, B: 0xffff},
			Strong: sentinelStrong,
		}
	}

	return idx
}

// Add stores the descriptor for the given block id. BuildHash later links
// the blocks so that chains iterate in ascending block-id order, which is
// what gives earliest-block-wins tie-break semantics in the matcher.
func (idx *BlockIndex) Add(id uint64, descriptor BlockDescriptor) {
	idx.blockHashes[id] = descriptor
}

// hashKey derives the lookup key from a (possibly two-block) rsum pair, per
// §3: key = r0.B XOR (seqMatches>1 ? r1.B : 0).
func (idx *BlockIndex) hashKey(r0, r1 Rsum) uint32 {
	key := uint32(r0.B)
	if idx.seqMatches > 1 {
		key ^= uint32(r1.B)
	}
	return key
}

// BuildHash sizes and populates the hash chain and bit filter from the
// descriptors added via Add. It must be called exactly once, after all
// blocks have been added and before any Lookup/Remove call.
func (idx *BlockIndex) BuildHash() {
	// Size the chain table so that, on average, each bucket holds close to
	// one descriptor: the smallest power of two strictly greater than
	// nblocks (with a floor of 16 buckets so tiny files don't degenerate
	// to a single bucket).
	chainBits := bits.Len64(idx.nblocks)
	if chainBits < 4 {
		chainBits = 4
	}
	idx.hashMask = uint32(1)<<uint(chainBits) - 1

	// The bit filter is deliberately sparser than the chain table (one
	// extra bit of width, i.e. twice as many slots) since a clear bit
	// must short-circuit the overwhelming majority of per-byte probes
	// for this structure to be worth having.
	bitHashBits := chainBits + 1
	idx.bitHashMask = uint32(1)<<uint(bitHashBits) - 1
	idx.bitHash = make([]byte, (uint64(1)<<uint(bitHashBits))/8+1)

	idx.chainHead = make([]uint32, idx.hashMask+1)
	idx.chainHead1 = make([]uint32, idx.hashMask+1)
	for i := range idx.chainHead {
		idx.chainHead[i] = noNext
		idx.chainHead1[i] = noNext
	}
	for i := range idx.chainNext {
		idx.chainNext[i] = noNext
	}
	idx.chainNext1 = make([]uint32, len(idx.chainNext))
	for i := range idx.chainNext1 {
		idx.chainNext1[i] = noNext
	}
	idx.bitHash1 = make([]byte, len(idx.bitHash))

	// linkIn prepends to a chain, so linking in descending id order leaves
	// every chain in ascending block-id order.
	for id := idx.nblocks; id > 0; id-- {
		idx.linkIn(id - 1)
	}

	idx.built = true
}

// linkIn inserts block id into its hash chain and sets its bit filter bit. It
// is used both by BuildHash and is the inverse of Remove, so re-adding a
// block (not currently exercised by the matcher, but kept symmetric) is
// possible.
func (idx *BlockIndex) linkIn(id uint64) {
	d := idx.blockHashes[id]
	// The next block's rsum participates in the key for seqMatches>1, but
	// only real blocks (not sentinels) are linked, and the sentinel tail
	// guarantees blockHashes[id+1] is always valid to read.
	var next Rsum
	if idx.seqMatches > 1 {
		next = idx.blockHashes[id+1].Rsum
	}
	key := idx.hashKey(d.Rsum, next)
	bucket := key & idx.hashMask

	idx.chainNext[id] = idx.chainHead[bucket]
	idx.chainHead[bucket] = uint32(id)

	idx.setBit(idx.bitHash, key)

	key1 := idx.hashKey1(d.Rsum)
	bucket1 := key1 & idx.hashMask
	idx.chainNext1[id] = idx.chainHead1[bucket1]
	idx.chainHead1[bucket1] = uint32(id)
	idx.setBit(idx.bitHash1, key1)
}

// hashKey1 derives the single-rsum fallback key, ignoring any next-block
// rsum entirely.
func (idx *BlockIndex) hashKey1(r0 Rsum) uint32 {
	return uint32(r0.B)
}

func (idx *BlockIndex) setBit(table []byte, key uint32) {
	pos := key & idx.bitHashMask
	table[pos>>3] |= 1 << (pos & 7)
}

func (idx *BlockIndex) testBit(table []byte, key uint32) bool {
	pos := key & idx.bitHashMask
	return table[pos>>3]&(1<<(pos&7)) != 0
}

// clearBitIfChainEmpty clears the bit filter bit for key if, after a removal,
// no remaining descriptor maps to the same bit. Since multiple keys can
// collide into the same bit, this scans the (by construction, short) chain
// table bucket; every key sharing the bit also shares the bucket, because
// the bit filter's mask is one bit wider than the chain table's.
func (idx *BlockIndex) clearBitIfChainEmpty(key uint32) {
	bucket := key & idx.hashMask
	for cur := idx.chainHead[bucket]; cur != noNext; cur = idx.chainNext[cur] {
		if idx.keyForBlock(cur)&idx.bitHashMask == key&idx.bitHashMask {
			return
		}
	}
	idx.clearBit(idx.bitHash, key)
}

func (idx *BlockIndex) clearBitIfChainEmpty1(key uint32) {
	bucket := key & idx.hashMask
	for cur := idx.chainHead1[bucket]; cur != noNext; cur = idx.chainNext1[cur] {
		if idx.hashKey1(idx.blockHashes[cur].Rsum)&idx.bitHashMask == key&idx.bitHashMask {
			return
		}
	}
	idx.clearBit(idx.bitHash1, key)
}

func (idx *BlockIndex) clearBit(table []byte, key uint32) {
	pos := key & idx.bitHashMask
	table[pos>>3] &^= 1 << (pos & 7)
}

func (idx *BlockIndex) keyForBlock(id uint32) uint32 {
	d := idx.blockHashes[id]
	var next Rsum
	if idx.seqMatches > 1 {
		next = idx.blockHashes[uint64(id)+1].Rsum
	}
	return idx.hashKey(d.Rsum, next)
}

// ChainEntry is a single candidate returned while walking a lookup chain.
type ChainEntry struct {
	BlockID uint64
	Rsum    Rsum
	Strong  []byte
}

// Lookup consults the bit filter first; if clear, it returns immediately
// without touching the hash chain at all (the common case, evaluated once
// per byte of the seed). If set, it returns the head of the candidate chain
// for the given rsum pair so the matcher can walk it in block-id order.
func (idx *BlockIndex) Lookup(r0, r1 Rsum) (head uint32, ok bool) {
	key := idx.hashKey(r0, r1)
	if !idx.testBit(idx.bitHash, key) {
		return noNext, false
	}
	bucket := key & idx.hashMask
	head = idx.chainHead[bucket]
	return head, head != noNext
}

// Next advances a chain walk started by Lookup.
func (idx *BlockIndex) Next(id uint32) uint32 {
	return idx.chainNext[id]
}

// LookupSingle is the fallback lookup keyed on a block's own rsum alone,
// ignoring any next-block context. The matcher tries this when Lookup's
// combined-key chain doesn't yield an accepted match: the two cases where
// the combined key structurally can't be reproduced are a seed that runs
// out of real bytes before a full next block exists, and the target's own
// last block, whose stored "next" is the sentinel descriptor.
func (idx *BlockIndex) LookupSingle(r0 Rsum) (head uint32, ok bool) {
	key := idx.hashKey1(r0)
	if !idx.testBit(idx.bitHash1, key) {
		return noNext, false
	}
	bucket := key & idx.hashMask
	head = idx.chainHead1[bucket]
	return head, head != noNext
}

// Next1 advances a chain walk started by LookupSingle.
func (idx *BlockIndex) Next1(id uint32) uint32 {
	return idx.chainNext1[id]
}

// Descriptor returns the descriptor for a block id, including sentinel
// entries at id >= nblocks.
func (idx *BlockIndex) Descriptor(id uint64) BlockDescriptor {
	return idx.blockHashes[id]
}

// NumBlocks returns the number of real (non-sentinel) blocks in the index.
func (idx *BlockIndex) NumBlocks() uint64 {
	return idx.nblocks
}

// BlockSize returns the index's configured block size.
func (idx *BlockIndex) BlockSize() uint64 {
	return idx.blockSize
}

// RsumAMask returns the mask applied to the A half of an rsum before
// comparing it against a stored descriptor.
func (idx *BlockIndex) RsumAMask() uint16 {
	return idx.rsumAMask
}

// SeqMatches returns the configured consecutive-match requirement (1 or 2).
func (idx *BlockIndex) SeqMatches() int {
	return idx.seqMatches
}

// ChecksumBytes returns the number of leading MD4 bytes stored and compared
// per block.
func (idx *BlockIndex) ChecksumBytes() int {
	return idx.checksumBytes
}

// Remove unlinks the descriptor for block id from its chain, and clears its
// bit filter bit if no other descriptor remaining in the index shares that
// bit. This is the only mutation performed after BuildHash, and it enforces
// the invariant that a block can never match twice.
func (idx *BlockIndex) Remove(id uint64) {
	key := idx.keyForBlock(uint32(id))
	bucket := key & idx.hashMask

	if idx.chainHead[bucket] == uint32(id) {
		idx.chainHead[bucket] = idx.chainNext[id]
	} else {
		for cur := idx.chainHead[bucket]; cur != noNext; cur = idx.chainNext[cur] {
			if idx.chainNext[cur] == uint32(id) {
				idx.chainNext[cur] = idx.chainNext[id]
				break
			}
		}
	}
	idx.chainNext[id] = noNext
	idx.clearBitIfChainEmpty(key)

	key1 := idx.hashKey1(idx.blockHashes[id].Rsum)
	bucket1 := key1 & idx.hashMask

	if idx.chainHead1[bucket1] == uint32(id) {
		idx.chainHead1[bucket1] = idx.chainNext1[id]
	} else {
		for cur := idx.chainHead1[bucket1]; cur != noNext; cur = idx.chainNext1[cur] {
			if idx.chainNext1[cur] == uint32(id) {
				idx.chainNext1[cur] = idx.chainNext1[id]
				break
			}
		}
	}
	idx.chainNext1[id] = noNext
	idx.clearBitIfChainEmpty1(key1)
}
