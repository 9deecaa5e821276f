package rsync

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// controlFileVersion is the value written after "oc-zsync: " in every
// header this package writes. On read, the field must be present but its
// value is not checked.
const controlFileVersion = "1"

// ControlFileMeta holds the header fields of a parsed (or about-to-be-
// written) control file: everything except the descriptor table itself.
type ControlFileMeta struct {
	Version       string
	BlockSize     uint64
	Length        uint64
	SeqMatches    int
	RsumBytes     int
	ChecksumBytes int
	SHA1          string
}

// deriveParams computes blockSize, seqMatches, rsumBytes and checksumBytes
// from a target file length, per the builder derivation formulas (§4.5).
// Zero-length files are a degenerate case the formulas (which take log2 of
// the length) aren't defined for; they get the smallest legal parameters
// and zero blocks.
func deriveParams(length, blockSizeOverride uint64) (blockSize uint64, seqMatches, rsumBytes, checksumBytes int) {
	if length == 0 && blockSizeOverride == 0 {
		return 2048, 1, 2, 3
	}

	if blockSizeOverride != 0 {
		blockSize = blockSizeOverride
	} else if length < 100000000 {
		blockSize = 2048
	} else {
		blockSize = 4096
	}

	if length == 0 {
		return blockSize, 1, 2, 3
	}

	if length > blockSize {
		seqMatches = 2
	} else {
		seqMatches = 1
	}

	l2len := math.Log2(float64(length))
	l2bs := math.Log2(float64(blockSize))

	rb := math.Ceil(((l2len + l2bs - 8.6) / float64(seqMatches)) / 8)
	rsumBytes = clampInt(int(rb), 2, 4)

	ratio := 1 + float64(length)/float64(blockSize)
	candidate1 := math.Ceil((20 + l2len + math.Log2(ratio)) / float64(seqMatches) / 8)
	candidate2 := math.Ceil((7.9 + 20 + math.Log2(ratio)) / 8)
	cb := candidate1
	if candidate2 > cb {
		cb = candidate2
	}
	checksumBytes = clampInt(int(cb), 3, 16)

	return blockSize, seqMatches, rsumBytes, checksumBytes
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NumBlocksFor returns ceil(length / blockSize), the number of descriptor
// table rows a control file for a file of this length must carry.
func NumBlocksFor(length, blockSize uint64) uint64 {
	if length == 0 {
		return 0
	}
	return (length + blockSize - 1) / blockSize
}

// WriteControlFile computes per-block checksums of src (which must yield
// exactly length bytes) and writes the header plus binary descriptor table
// to w, deriving blockSize/seqMatches/rsumBytes/checksumBytes from length
// per deriveParams. It also streams a SHA-1 of src's content into the
// header's SHA-1 field, per §4.5 and §9's "scoped SHA context" note (the
// hasher here is local to this call, not process-wide state).
func WriteControlFile(w io.Writer, src io.Reader, length uint64) error {
	return writeControlFile(w, src, length, 0)
}

// WriteControlFileWithBlockSize is WriteControlFile with an explicit block
// size, overriding the derivation formula's choice of 2048/4096 (the
// builder CLI's --block-size flag). blockSize must be a positive power of
// two; seq_matches/rsum_bytes/checksum_bytes are still derived, using the
// given block size in place of the formula's own choice.
func WriteControlFileWithBlockSize(w io.Writer, src io.Reader, length, blockSize uint64) error {
	if blockSize == 0 || bits.OnesCount64(blockSize) != 1 {
		return newError(KindBadHeader, fmt.Sprintf("nonsensical blocksize %d", blockSize), nil)
	}
	return writeControlFile(w, src, length, blockSize)
}

func writeControlFile(w io.Writer, src io.Reader, length, blockSizeOverride uint64) error {
	blockSize, seqMatches, rsumBytes, checksumBytes := deriveParams(length, blockSizeOverride)
	nblocks := NumBlocksFor(length, blockSize)

	sha := sha1.New()

	bw := bufio.NewWriter(w)

	block := make([]byte, blockSize)
	table := make([]byte, 0, nblocks*uint64(rsumBytes+checksumBytes))

	for i := uint64(0); i < nblocks; i++ {
		n, err := io.ReadFull(src, block)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return newError(KindIOError, "", errors.Wrap(err, "reading input file"))
		}
		sha.Write(block[:n])
		for j := n; j < len(block); j++ {
			block[j] = 0
		}

		r := rsumBlock(block)
		strong := strongChecksum(block)

		table = append(table, encodeRsum(r, rsumBytes)...)
		table = append(table, strong[:checksumBytes]...)
	}

	sha1hex := fmt.Sprintf("%x", sha.Sum(nil))

	if _, err := fmt.Fprintf(bw, "oc-zsync: %s\n", controlFileVersion); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := fmt.Fprintf(bw, "Blocksize: %d\n", blockSize); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := fmt.Fprintf(bw, "Length: %d\n", length); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := fmt.Fprintf(bw, "Hash-Lengths: %d,%d,%d\n", seqMatches, rsumBytes, checksumBytes); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := fmt.Fprintf(bw, "SHA-1: %s\n", sha1hex); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return newError(KindIOError, "", err)
	}
	if _, err := bw.Write(table); err != nil {
		return newError(KindIOError, "", err)
	}

	return bw.Flush()
}

// encodeRsum renders r as the trailing n bytes of its 4-byte network-byte-
// order form (a in the high 16 bits, b in the low 16 bits): the low-order
// bytes carry more entropy in practice, so truncation drops from the top.
func encodeRsum(r Rsum, n int) []byte {
	var full [4]byte
	binary.BigEndian.PutUint16(full[0:2], r.A)
	binary.BigEndian.PutUint16(full[2:4], r.B)
	return full[4-n:]
}

// decodeRsum is the inverse of encodeRsum: it zero-extends n stored bytes
// back into a full (A,B) pair. Any bytes encodeRsum dropped come back as
// zero; callers must apply the index's rsum_a_mask before comparing, which
// this package always does (see BlockIndex.RsumAMask).
func decodeRsum(stored []byte) Rsum {
	var full [4]byte
	copy(full[4-len(stored):], stored)
	return Rsum{
		A: binary.BigEndian.Uint16(full[0:2]),
		B: binary.BigEndian.Uint16(full[2:4]),
	}
}

// ReadControlFile parses a control file from r: the text header, then the
// binary descriptor table, returning the header metadata and a BlockIndex
// already built (BuildHash has been called) and ready for matching.
func ReadControlFile(r io.Reader) (*ControlFileMeta, *BlockIndex, error) {
	br := bufio.NewReader(r)

	meta, _, err := readHeader(br)
	if err != nil {
		return nil, nil, err
	}

	idx := NewBlockIndex(NumBlocksFor(meta.Length, meta.BlockSize), meta.BlockSize, meta.RsumBytes, meta.ChecksumBytes, meta.SeqMatches)

	rowLen := meta.RsumBytes + meta.ChecksumBytes
	row := make([]byte, rowLen)
	nblocks := NumBlocksFor(meta.Length, meta.BlockSize)
	for id := uint64(0); id < nblocks; id++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, nil, newError(KindShortRead, fmt.Sprintf("block %d of %d", id, nblocks), err)
		}
		strong := make([]byte, meta.ChecksumBytes)
		copy(strong, row[meta.RsumBytes:])
		idx.Add(id, BlockDescriptor{
			Rsum:   decodeRsum(row[:meta.RsumBytes]),
			Strong: strong,
		})
	}

	idx.BuildHash()

	return meta, idx, nil
}

// readHeader parses the text header: one "Field: value" line per field up
// to the first blank line, which terminates it. Unknown fields are fatal
// unless listed (comma-separated) in a "Safe:" header line.
func readHeader(br *bufio.Reader) (*ControlFileMeta, map[string]bool, error) {
	meta := &ControlFileMeta{}
	safe := map[string]bool{}
	fields := map[string]string{}

	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, nil, newError(KindIOError, "", errors.Wrap(err, "reading control file header"))
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, nil, newError(KindBadHeader, fmt.Sprintf("malformed header line %q", line), nil)
		}
		fields[name] = value
		if name == "Safe" {
			for _, f := range strings.Split(value, ",") {
				safe[strings.TrimSpace(f)] = true
			}
		}
		if err == io.EOF {
			break
		}
	}

	version, ok := fields["oc-zsync"]
	if !ok {
		return nil, nil, newError(KindBadHeader, "missing oc-zsync field", nil)
	}
	meta.Version = version

	blockSize, err := parseUintField(fields, "Blocksize")
	if err != nil {
		return nil, nil, err
	}
	if blockSize == 0 || bits.OnesCount64(blockSize) != 1 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("nonsensical blocksize %d", blockSize), nil)
	}
	meta.BlockSize = blockSize

	length, err := parseUintField(fields, "Length")
	if err != nil {
		return nil, nil, err
	}
	meta.Length = length

	hashLengths, ok := fields["Hash-Lengths"]
	if !ok {
		return nil, nil, newError(KindBadHeader, "missing Hash-Lengths field", nil)
	}
	parts := strings.Split(hashLengths, ",")
	if len(parts) != 3 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("malformed Hash-Lengths %q", hashLengths), nil)
	}
	seqMatches, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	rsumBytes, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	checksumBytes, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("malformed Hash-Lengths %q", hashLengths), nil)
	}
	if seqMatches < 1 || seqMatches > 2 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("nonsensical seq_matches %d", seqMatches), nil)
	}
	if rsumBytes < 1 || rsumBytes > 4 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("nonsensical rsum_bytes %d", rsumBytes), nil)
	}
	if checksumBytes < 3 || checksumBytes > 16 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("nonsensical checksum_bytes %d", checksumBytes), nil)
	}
	meta.SeqMatches = seqMatches
	meta.RsumBytes = rsumBytes
	meta.ChecksumBytes = checksumBytes

	sha1, ok := fields["SHA-1"]
	if !ok {
		return nil, nil, newError(KindBadHeader, "missing SHA-1 field", nil)
	}
	if len(sha1) != 40 {
		return nil, nil, newError(KindBadHeader, fmt.Sprintf("malformed SHA-1 %q", sha1), nil)
	}
	meta.SHA1 = sha1

	for name := range fields {
		switch name {
		case "oc-zsync", "Blocksize", "Length", "Hash-Lengths", "SHA-1", "Safe":
			continue
		}
		if !safe[name] {
			return nil, nil, newError(KindBadHeader, fmt.Sprintf("unknown header field %q", name), nil)
		}
	}

	return meta, safe, nil
}

func parseUintField(fields map[string]string, name string) (uint64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, newError(KindBadHeader, fmt.Sprintf("missing %s field", name), nil)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, newError(KindBadHeader, fmt.Sprintf("malformed %s %q", name, v), nil)
	}
	return n, nil
}

// VerifyChecksum compares a digest obtained from the sink's Done() call
// against the control file's header SHA-1, the last gate described in §7:
// a mismatch is a hard failure regardless of how the rest of the session
// went.
func VerifyChecksum(got, want string) error {
	if !strings.EqualFold(got, want) {
		return newError(KindChecksumMismatch, fmt.Sprintf("got %s, want %s", got, want), nil)
	}
	return nil
}
