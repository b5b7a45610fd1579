package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PackIndex is an in-memory representation of an idx v2 file.
type PackIndex struct {
	algo          HashAlgorithm
	fanout        [256]uint32
	entries       []PackIndexEntry
	PackChecksum  Hash
	IndexChecksum Hash
}

// Entries returns a copy of all index entries in hash order.
func (idx *PackIndex) Entries() []PackIndexEntry {
	out := make([]PackIndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// NumEntries returns the count of indexed objects.
func (idx *PackIndex) NumEntries() int { return len(idx.entries) }

// Find performs fanout-bounded binary search for a hash. The fanout table
// narrows the search to the digests sharing the hash's first byte; only
// that window is binary-searched, never the whole table.
func (idx *PackIndex) Find(h Hash) (PackIndexEntry, bool) {
	raw, err := h.Raw()
	if err != nil || len(raw) != idx.algo.Size() {
		return PackIndexEntry{}, false
	}

	lo, hi := idx.fanoutWindow(raw[0])
	for lo < hi {
		mid := lo + (hi-lo)/2
		if idx.entries[mid].Hash < h {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(idx.entries) && idx.entries[lo].Hash == h {
		return idx.entries[lo], true
	}
	return PackIndexEntry{}, false
}

// fanoutWindow bounds the entry range for digests starting with first.
func (idx *PackIndex) fanoutWindow(first byte) (lo, hi int) {
	if first > 0 {
		lo = int(idx.fanout[first-1])
	}
	return lo, int(idx.fanout[first])
}

// FindPrefix returns the hashes starting with the given hex prefix, at
// most two of them; two is enough for callers to report ambiguity.
func (idx *PackIndex) FindPrefix(prefix string) []Hash {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return string(idx.entries[i].Hash) >= prefix
	})
	var out []Hash
	for ; i < len(idx.entries) && len(out) < 2; i++ {
		if !strings.HasPrefix(string(idx.entries[i].Hash), prefix) {
			break
		}
		out = append(out, idx.entries[i].Hash)
	}
	return out
}

// ReadPackIndexFromReader parses an idx v2 stream.
func ReadPackIndexFromReader(r io.Reader, algo HashAlgorithm) (*PackIndex, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack index stream: %w", err)
	}
	return ReadPackIndex(data, algo)
}

// ReadPackIndex parses and validates an idx v2 file. The trailing index
// checksum is verified before any entry is trusted.
func ReadPackIndex(data []byte, algo HashAlgorithm) (*PackIndex, error) {
	hs := algo.Size()
	minLen := packIndexHeaderSize + packIndexFanoutSize + 2*hs
	if len(data) < minLen {
		return nil, fmt.Errorf("pack index too short (%d bytes): %w", len(data), ErrCorrupt)
	}
	if string(data[:4]) != string(packIndexMagic[:]) {
		return nil, fmt.Errorf("invalid pack index magic %q: %w", data[:4], ErrCorrupt)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != packIndexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d: %w", version, ErrCorrupt)
	}

	storedSum := data[len(data)-hs:]
	h := algo.New()
	h.Write(data[:len(data)-hs])
	if !bytes.Equal(storedSum, h.Sum(nil)) {
		return nil, fmt.Errorf("pack index: %w", ErrChecksumMismatch)
	}

	var fanout [256]uint32
	cursor := packIndexHeaderSize
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, fmt.Errorf("pack index fanout not cumulative at byte %d: %w", i, ErrCorrupt)
		}
		cursor += 4
	}
	n := int(fanout[255])

	namesLen := n * hs
	crcLen := n * 4
	offsetLen := n * 4
	if cursor+namesLen+crcLen+offsetLen+2*hs > len(data) {
		return nil, fmt.Errorf("pack index truncated: %w", ErrCorrupt)
	}

	namesStart := cursor
	cursor += namesLen
	crcStart := cursor
	cursor += crcLen
	offsetStart := cursor
	cursor += offsetLen

	offset32 := make([]uint32, n)
	largeNeeded := uint32(0)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(data[offsetStart+(i*4):])
		offset32[i] = v
		if v&packIndexLargeOffsetBit != 0 {
			if ref := v & ^packIndexLargeOffsetBit; ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	largeOffsets := make([]uint64, largeNeeded)
	for i := uint32(0); i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*hs {
			return nil, fmt.Errorf("pack index large-offset table truncated: %w", ErrCorrupt)
		}
		largeOffsets[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}

	if cursor+2*hs != len(data) {
		return nil, fmt.Errorf("pack index has %d trailing bytes: %w", len(data)-(cursor+2*hs), ErrCorrupt)
	}

	packChecksumRaw := data[cursor : cursor+hs]
	indexChecksumRaw := data[cursor+hs:]

	entries := make([]PackIndexEntry, n)
	for i := 0; i < n; i++ {
		hashRaw := data[namesStart+(i*hs) : namesStart+((i+1)*hs)]
		offset := uint64(offset32[i])
		if offset32[i]&packIndexLargeOffsetBit != 0 {
			offset = largeOffsets[offset32[i]&^packIndexLargeOffsetBit]
		}
		entries[i] = PackIndexEntry{
			Hash:   rawHash(hashRaw),
			CRC32:  binary.BigEndian.Uint32(data[crcStart+(i*4):]),
			Offset: offset,
		}
		if i > 0 && entries[i].Hash <= entries[i-1].Hash {
			return nil, fmt.Errorf("pack index digests not strictly ascending at %d: %w", i, ErrCorrupt)
		}
	}

	return &PackIndex{
		algo:          algo,
		fanout:        fanout,
		entries:       entries,
		PackChecksum:  rawHash(packChecksumRaw),
		IndexChecksum: rawHash(indexChecksumRaw),
	}, nil
}
