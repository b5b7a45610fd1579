package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	packIndexVersion        = 2
	packIndexHeaderSize     = 8
	packIndexFanoutSize     = 256 * 4
	packIndexLargeOffsetBit = uint32(1 << 31)
)

var packIndexMagic = [4]byte{0xff, 't', 'O', 'c'}

// PackIndexEntry is one row in a pack index file.
type PackIndexEntry struct {
	Hash   Hash
	Offset uint64
	CRC32  uint32
}

func normalizePackIndexEntries(algo HashAlgorithm, entries []PackIndexEntry) ([]PackIndexEntry, error) {
	out := make([]PackIndexEntry, len(entries))
	copy(out, entries)

	for i := range out {
		if _, err := ParseHash(algo, string(out[i].Hash)); err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hash < out[j].Hash
	})
	for i := 1; i < len(out); i++ {
		if out[i].Hash == out[i-1].Hash {
			return nil, fmt.Errorf("index entry %d: duplicate hash %s", i, out[i].Hash)
		}
	}
	return out, nil
}

// WritePackIndex writes an idx v2 style index for the provided entries and
// pack checksum. Layout: magic, version, 256-entry cumulative fanout,
// sorted raw digests, CRC32 table, 32-bit offsets with large-offset
// indirection, 64-bit large-offset table, pack checksum, index checksum.
// It returns the hex-encoded index checksum.
func WritePackIndex(w io.Writer, algo HashAlgorithm, entries []PackIndexEntry, packChecksum Hash) (Hash, error) {
	normalized, err := normalizePackIndexEntries(algo, entries)
	if err != nil {
		return "", err
	}
	if _, err := ParseHash(algo, string(packChecksum)); err != nil {
		return "", fmt.Errorf("pack checksum: %w", err)
	}
	packChecksumRaw, _ := packChecksum.Raw()

	var buf bytes.Buffer
	buf.Write(packIndexMagic[:])
	binary.Write(&buf, binary.BigEndian, uint32(packIndexVersion))

	fanout := buildPackIndexFanout(normalized)
	for i := 0; i < 256; i++ {
		binary.Write(&buf, binary.BigEndian, fanout[i])
	}

	for _, entry := range normalized {
		raw, _ := entry.Hash.Raw()
		buf.Write(raw)
	}
	for _, entry := range normalized {
		binary.Write(&buf, binary.BigEndian, entry.CRC32)
	}

	largeOffsets := make([]uint64, 0)
	for _, entry := range normalized {
		if entry.Offset < uint64(packIndexLargeOffsetBit) {
			binary.Write(&buf, binary.BigEndian, uint32(entry.Offset))
			continue
		}
		ref := packIndexLargeOffsetBit | uint32(len(largeOffsets))
		binary.Write(&buf, binary.BigEndian, ref)
		largeOffsets = append(largeOffsets, entry.Offset)
	}
	for _, offset := range largeOffsets {
		binary.Write(&buf, binary.BigEndian, offset)
	}

	buf.Write(packChecksumRaw)
	h := algo.New()
	h.Write(buf.Bytes())
	indexSum := h.Sum(nil)
	buf.Write(indexSum)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return "", fmt.Errorf("write pack index: %w", err)
	}
	return rawHash(indexSum), nil
}

func buildPackIndexFanout(entries []PackIndexEntry) [256]uint32 {
	var counts [256]uint32
	for _, entry := range entries {
		raw, _ := entry.Hash.Raw()
		counts[int(raw[0])]++
	}

	var fanout [256]uint32
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		fanout[i] = total
	}
	return fanout
}
