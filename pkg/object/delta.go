package object

import (
	"bytes"
	"fmt"
	"io"

	farm "github.com/dgryski/go-farm"
)

// Delta streams follow the Git delta format: a varint base size, a varint
// target size, then a sequence of copy and insert commands. A copy command
// (high bit set) carries little-endian partial offset/size bytes selected
// by the low seven flag bits; a size of zero means 65536. An insert
// command byte (1..127) is followed by that many literal bytes.

func encodeDeltaVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("delta varint truncated: %w", ErrDelta)
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large: %w", ErrDelta)
		}
	}
}

// encodeOfsDeltaDistance encodes a backward distance for OFS_DELTA entries.
func encodeOfsDeltaDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

func decodeOfsDeltaDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("ofs-delta distance truncated: %w", ErrCorrupt)
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) || i >= 10 {
			return 0, 0, fmt.Errorf("ofs-delta distance truncated: %w", ErrCorrupt)
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}

// ApplyDelta applies a delta stream to base and returns the reconstructed
// target. Any out-of-range copy, invalid command, truncation, or result
// size disagreement fails with ErrDelta.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("base size mismatch: declared %d, have %d: %w", baseSize, len(base), ErrDelta)
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()

		if cmd&0x80 != 0 { // copy
			var offset, size uint64
			for bit, shift := byte(0x01), uint(0); bit <= 0x08; bit, shift = bit<<1, shift+8 {
				if cmd&bit == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("copy offset truncated: %w", ErrDelta)
				}
				offset |= uint64(b) << shift
			}
			for bit, shift := byte(0x10), uint(0); bit <= 0x40; bit, shift = bit<<1, shift+8 {
				if cmd&bit == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("copy size truncated: %w", ErrDelta)
				}
				size |= uint64(b) << shift
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("copy out of bounds: offset %d size %d base %d: %w",
					offset, size, len(base), ErrDelta)
			}
			out = append(out, base[offset:offset+size]...)
			continue
		}

		if cmd == 0 {
			return nil, fmt.Errorf("zero command byte: %w", ErrDelta)
		}
		insert := make([]byte, int(cmd))
		if _, err := io.ReadFull(dr, insert); err != nil {
			return nil, fmt.Errorf("insert truncated: %w", ErrDelta)
		}
		out = append(out, insert...)
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("result size mismatch: got %d, declared %d: %w", len(out), resultSize, ErrDelta)
	}
	return out, nil
}

const (
	// deltaBlockSize is the granularity of the base block index. Matches
	// must cover at least one full block before a copy is worthwhile.
	deltaBlockSize = 16

	// maxCopySize is the largest run a single copy command can express
	// with three size bytes.
	maxCopySize = 0xffffff
)

// blockIndex maps a farm hash of each deltaBlockSize-aligned base block to
// the block's starting offsets. Built once per base buffer.
type blockIndex map[uint64][]int

func buildBlockIndex(base []byte) blockIndex {
	idx := make(blockIndex, len(base)/deltaBlockSize+1)
	for off := 0; off+deltaBlockSize <= len(base); off += deltaBlockSize {
		key := farm.Hash64(base[off : off+deltaBlockSize])
		idx[key] = append(idx[key], off)
	}
	return idx
}

// BuildDelta computes a delta stream that transforms base into target.
// The scan is greedy: at each position the longest verbatim run already
// present in base is taken whole, extended backward into any pending
// literal, and the scan resumes after it. The result is correct and
// reasonably compact, not globally minimal.
func BuildDelta(base, target []byte) []byte {
	var out bytes.Buffer
	out.Write(encodeDeltaVarint(uint64(len(base))))
	out.Write(encodeDeltaVarint(uint64(len(target))))

	index := buildBlockIndex(base)
	var lit []byte
	pos := 0
	for pos < len(target) {
		off, length := findMatch(index, base, target, pos)
		if length < deltaBlockSize {
			lit = append(lit, target[pos])
			pos++
			continue
		}

		// Fold trailing literal bytes into the copy when the base run
		// extends backward past the match start.
		for off > 0 && len(lit) > 0 && base[off-1] == target[pos-1] {
			off--
			pos--
			length++
			lit = lit[:len(lit)-1]
		}

		emitInsert(&out, lit)
		lit = lit[:0]
		emitCopy(&out, off, length)
		pos += length
	}
	emitInsert(&out, lit)
	return out.Bytes()
}

// findMatch returns the longest base run matching target[pos:], anchored
// on a full block hit at pos. A zero length means no block matched.
func findMatch(index blockIndex, base, target []byte, pos int) (off, length int) {
	if pos+deltaBlockSize > len(target) {
		return 0, 0
	}
	key := farm.Hash64(target[pos : pos+deltaBlockSize])
	for _, cand := range index[key] {
		if !bytes.Equal(base[cand:cand+deltaBlockSize], target[pos:pos+deltaBlockSize]) {
			continue // hash collision between distinct blocks
		}
		n := deltaBlockSize
		for cand+n < len(base) && pos+n < len(target) && base[cand+n] == target[pos+n] {
			n++
		}
		if n > length {
			off, length = cand, n
		}
	}
	return off, length
}

// emitCopy writes copy commands covering base[off:off+length], splitting
// runs longer than a single command can express.
func emitCopy(buf *bytes.Buffer, off, length int) {
	for length > 0 {
		chunk := length
		if chunk > maxCopySize {
			chunk = maxCopySize
		}
		writeCopyCommand(buf, uint32(off), uint32(chunk))
		off += chunk
		length -= chunk
	}
}

func writeCopyCommand(buf *bytes.Buffer, offset, size uint32) {
	cmd := byte(0x80)
	var args [6]byte
	n := 0

	for i, v := 0, offset; i < 4; i, v = i+1, v>>8 {
		if b := byte(v); b != 0 {
			cmd |= 1 << i
			args[n] = b
			n++
		}
	}
	if size != 0x10000 { // 65536 is implied by an absent size
		for i, v := 0, size; i < 3; i, v = i+1, v>>8 {
			if b := byte(v); b != 0 {
				cmd |= 0x10 << i
				args[n] = b
				n++
			}
		}
	}

	buf.WriteByte(cmd)
	buf.Write(args[:n])
}

// emitInsert writes literal data in insert commands of at most 127 bytes.
func emitInsert(buf *bytes.Buffer, data []byte) {
	for len(data) > 0 {
		chunk := len(data)
		if chunk > 127 {
			chunk = 127
		}
		buf.WriteByte(byte(chunk))
		buf.Write(data[:chunk])
		data = data[chunk:]
	}
}
