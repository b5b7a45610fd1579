package object

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

func compressPackPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackWriter writes pack streams with zlib-compressed entries. The
// trailer checksum covers every byte preceding it. Each entry's CRC32 is
// computed over its full on-disk span so index writers can record it.
type PackWriter struct {
	out      io.Writer
	algo     HashAlgorithm
	hasher   hash.Hash
	offset   uint64
	expected uint32
	written  uint32
	lastCRC  uint32
	finished bool
}

// NewPackWriter initializes a writer and emits the fixed pack header.
func NewPackWriter(out io.Writer, algo HashAlgorithm, numObjects uint32) (*PackWriter, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("pack writer: unknown hash algorithm %q", algo)
	}
	pw := &PackWriter{
		out:      out,
		algo:     algo,
		hasher:   algo.New(),
		expected: numObjects,
	}
	header := PackHeader{
		Version:    supportedPackVersion,
		NumObjects: numObjects,
	}
	if err := pw.writeChunk(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the byte offset the next entry will start at.
func (p *PackWriter) CurrentOffset() uint64 { return p.offset }

// LastCRC returns the CRC32 of the most recently written entry's on-disk
// bytes.
func (p *PackWriter) LastCRC() uint32 { return p.lastCRC }

func (p *PackWriter) writeChunk(b []byte) error {
	if _, err := p.out.Write(b); err != nil {
		return err
	}
	p.hasher.Write(b)
	p.offset += uint64(len(b))
	return nil
}

func (p *PackWriter) writeEntry(entry []byte) error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	if err := p.writeChunk(entry); err != nil {
		return fmt.Errorf("write pack entry: %w", err)
	}
	p.lastCRC = crc32.ChecksumIEEE(entry)
	p.written++
	return nil
}

// WriteEntry appends one whole (non-delta) object entry.
func (p *PackWriter) WriteEntry(objType ObjectType, data []byte) error {
	packType, ok := packObjectType(objType)
	if !ok {
		return fmt.Errorf("pack writer: unknown object type %q", objType)
	}
	compressed, err := compressPackPayload(data)
	if err != nil {
		return fmt.Errorf("compress pack entry: %w", err)
	}
	entry := encodePackEntryHeader(packType, uint64(len(data)))
	entry = append(entry, compressed...)
	return p.writeEntry(entry)
}

// WriteOfsDelta writes an entry delta-encoded against the object that
// starts at baseOffset earlier in this same pack.
func (p *PackWriter) WriteOfsDelta(baseOffset uint64, baseData, targetData []byte) error {
	if baseOffset < packHeaderSize || baseOffset >= p.offset {
		return fmt.Errorf("ofs-delta base offset %d out of range [%d, %d)",
			baseOffset, packHeaderSize, p.offset)
	}
	delta := BuildDelta(baseData, targetData)
	compressed, err := compressPackPayload(delta)
	if err != nil {
		return fmt.Errorf("compress ofs-delta payload: %w", err)
	}
	entry := encodePackEntryHeader(PackOfsDelta, uint64(len(delta)))
	entry = append(entry, encodeOfsDeltaDistance(p.offset-baseOffset)...)
	entry = append(entry, compressed...)
	return p.writeEntry(entry)
}

// WriteRefDelta writes an entry delta-encoded against a base referenced
// by hash. The base need not live in this pack.
func (p *PackWriter) WriteRefDelta(baseHash Hash, baseData, targetData []byte) error {
	baseRaw, err := hashRawChecked(p.algo, baseHash)
	if err != nil {
		return fmt.Errorf("ref-delta base: %w", err)
	}
	delta := BuildDelta(baseData, targetData)
	compressed, err := compressPackPayload(delta)
	if err != nil {
		return fmt.Errorf("compress ref-delta payload: %w", err)
	}
	entry := encodePackEntryHeader(PackRefDelta, uint64(len(delta)))
	entry = append(entry, baseRaw...)
	entry = append(entry, compressed...)
	return p.writeEntry(entry)
}

// Finish validates the object count, writes the trailing checksum, and
// returns it as a hex digest.
func (p *PackWriter) Finish() (Hash, error) {
	if p.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return "", fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}
	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return "", fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	return rawHash(sum), nil
}
