package object

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// externalResolver lets a pack ask its owner for a ref-delta base that
// the pack itself does not contain. The base may be loose or live in
// another pack; the shared context keeps depth and cycle accounting
// across those hops.
type externalResolver func(h Hash, ctx *deltaContext) (ObjectType, []byte, error)

// packOffset identifies an entry by the pack it lives in, not by its
// bare numeric offset. A chain may legitimately visit the same offset in
// two different packs, most obviously the first entry at offset 12.
type packOffset struct {
	pack   *Pack
	offset uint64
}

/// deltaContext carries per-read state while a delta chain is replayed:
// the visited base hashes and per-pack offsets for cycle detection, and
// the chain's logical depth against the configured ceiling. A fresh
// context is created for every top-level read; it is shared across pack
// and loose-store hops, and a base served from the delta window charges
// its recorded chain depth, so over-depth failures do not depend on
// what was read earlier on the same handle.
type deltaContext struct {
	visited  map[Hash]bool
	offsets  map[packOffset]bool
	depth    int
	maxDepth int
}

func newDeltaContext(maxDepth int) *deltaContext {
	return &deltaContext{
		visited:  make(map[Hash]bool),
		offsets:  make(map[packOffset]bool),
		maxDepth: maxDepth,
	}
}

func (ctx *deltaContext) enterHash(h Hash) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("%w: max %d", ErrDeltaChainTooDeep, ctx.maxDepth)
	}
	if ctx.visited[h] {
		return fmt.Errorf("%w: base %s revisited", ErrDeltaCycle, h)
	}
	ctx.visited[h] = true
	ctx.depth++
	return nil
}

func (ctx *deltaContext) enterOffset(p *Pack, offset uint64) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("%w: max %d", ErrDeltaChainTooDeep, ctx.maxDepth)
	}
	key := packOffset{pack: p, offset: offset}
	if ctx.offsets[key] {
		return fmt.Errorf("%w: offset %d revisited", ErrDeltaCycle, offset)
	}
	ctx.offsets[key] = true
	ctx.depth++
	return nil
}

// addDepth charges the logical depth of an already-resolved base, so a
// chain trips the ceiling at the same point whether or not parts of it
// came from the delta window.
func (ctx *deltaContext) addDepth(n int) error {
	if ctx.depth+n > ctx.maxDepth {
		return fmt.Errorf("%w: max %d", ErrDeltaChainTooDeep, ctx.maxDepth)
	}
	ctx.depth += n
	return nil
}

// Pack is a read handle for one pack file and its paired index. The pack
// bytes are immutable once opened, so a Pack may be shared freely among
// concurrent readers.
type Pack struct {
	path     string
	algo     HashAlgorithm
	maxDepth int

	data       []byte
	trailerOff uint64
	header     PackHeader

	idx    *PackIndex
	window *deltaWindow

	resolveExternal externalResolver
}

// OpenPack opens a pack file, validates its header, and loads the paired
// .idx file. Opening fails if the index is absent, if the object counts
// disagree, or if the index was built for a different pack.
func OpenPack(path string, cfg Config) (*Pack, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}
	hs := cfg.Algorithm.Size()
	if len(data) < packHeaderSize+hs {
		return nil, fmt.Errorf("open pack %s: too short (%d bytes): %w", path, len(data), ErrCorrupt)
	}
	header, err := UnmarshalPackHeader(data)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}

	idxPath := strings.TrimSuffix(path, ".pack") + ".idx"
	idxData, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: missing index: %w", path, err)
	}
	idx, err := ReadPackIndex(idxData, cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}
	if uint32(idx.NumEntries()) != header.NumObjects {
		return nil, fmt.Errorf("open pack %s: index has %d entries, header says %d: %w",
			path, idx.NumEntries(), header.NumObjects, ErrCorrupt)
	}

	trailerOff := uint64(len(data) - hs)
	if idx.PackChecksum != rawHash(data[trailerOff:]) {
		return nil, fmt.Errorf("open pack %s: index names a different pack: %w", path, ErrChecksumMismatch)
	}

	window, err := newDeltaWindow()
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}

	return &Pack{
		path:       path,
		algo:       cfg.Algorithm,
		maxDepth:   cfg.MaxDeltaDepth,
		data:       data,
		trailerOff: trailerOff,
		header:     *header,
		idx:        idx,
		window:     window,
	}, nil
}

// Path returns the pack file path.
func (p *Pack) Path() string { return p.path }

// NumObjects returns the header object count without decoding anything.
func (p *Pack) NumObjects() int { return int(p.header.NumObjects) }

// Checksum returns the trailer digest.
func (p *Pack) Checksum() Hash { return rawHash(p.data[p.trailerOff:]) }

// Index exposes the paired index.
func (p *Pack) Index() *PackIndex { return p.idx }

// Has reports whether the pack indexes the given hash.
func (p *Pack) Has(h Hash) bool {
	_, ok := p.idx.Find(h)
	return ok
}

// VerifyChecksum recomputes the digest of every byte preceding the
// trailer and compares it against the stored trailer.
func (p *Pack) VerifyChecksum() error {
	h := p.algo.New()
	h.Write(p.data[:p.trailerOff])
	if !bytes.Equal(h.Sum(nil), p.data[p.trailerOff:]) {
		return fmt.Errorf("pack %s: %w", p.path, ErrChecksumMismatch)
	}
	return nil
}

// ReadObject resolves a hash to its type and full content, replaying any
// delta chain with a fresh bounded context.
func (p *Pack) ReadObject(h Hash) (ObjectType, []byte, error) {
	return p.readHash(h, newDeltaContext(p.maxDepth))
}

func (p *Pack) readHash(h Hash, ctx *deltaContext) (ObjectType, []byte, error) {
	entry, ok := p.idx.Find(h)
	if !ok {
		return "", nil, fmt.Errorf("pack %s: %s: %w", p.path, h, ErrNotFound)
	}
	objType, data, _, err := p.readAt(entry.Offset, ctx)
	if err != nil {
		return "", nil, err
	}
	if computed := HashObject(p.algo, objType, data); computed != h {
		return "", nil, fmt.Errorf("pack %s: object at offset %d hashes to %s, index says %s: %w",
			p.path, entry.Offset, computed, h, ErrCorrupt)
	}
	return objType, data, nil
}

// deltaLink records one delta entry encountered while walking down a
// chain toward its whole base.
type deltaLink struct {
	offset  uint64
	payload uint64
	size    uint64
}

// readAt decodes the entry starting at offset and reports the total
// on-disk entry length. Delta chains are resolved in two explicit
/// passes: walk the base references down to a whole (or cached, or
// external) object first, then replay the collected deltas forward. The
// chain never grows the stack, so the depth ceiling is the only limit.
func (p *Pack) readAt(offset uint64, ctx *deltaContext) (ObjectType, []byte, uint64, error) {
	if v, ok := p.window.lookup(offset); ok {
		if err := ctx.addDepth(v.depth); err != nil {
			return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, offset, err)
		}
		return v.objType, v.data, 0, nil
	}

	var (
		links     []deltaLink
		baseType  ObjectType
		baseData  []byte
		baseDepth int
	)
	cur := offset
walk:
	for {
		if cur < packHeaderSize || cur >= p.trailerOff {
			return "", nil, 0, fmt.Errorf("pack %s: entry offset %d out of range: %w", p.path, cur, ErrCorrupt)
		}
		if cur != offset {
			if v, ok := p.window.lookup(cur); ok {
				if err := ctx.addDepth(v.depth); err != nil {
					return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
				}
				baseType, baseData, baseDepth = v.objType, v.data, v.depth
				break walk
			}
		}
		span := p.data[cur:p.trailerOff]
		entryType, size, hdrLen, err := decodePackEntryHeader(span)
		if err != nil {
			return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
		}

		if !entryType.isDelta() {
			objType, ok := objectTypeOf(entryType)
			if !ok {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: unknown entry type %d: %w",
					p.path, cur, entryType, ErrCorrupt)
			}
			body, consumed, err := p.inflate(cur+uint64(hdrLen), size)
			if err != nil {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
			}
			p.window.add(cur, windowValue{objType: objType, data: body})
			if cur == offset {
				return objType, body, uint64(hdrLen) + consumed, nil
			}
			baseType, baseData = objType, body
			break walk
		}

		switch entryType {
		case PackOfsDelta:
			dist, dn, err := decodeOfsDeltaDistance(span[hdrLen:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
			}
			if dist == 0 || dist > cur-packHeaderSize {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: bad base distance %d: %w",
					p.path, cur, dist, ErrCorrupt)
			}
			links = append(links, deltaLink{offset: cur, payload: cur + uint64(hdrLen) + uint64(dn), size: size})
			baseOff := cur - dist
			if err := ctx.enterOffset(p, baseOff); err != nil {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
			}
			cur = baseOff

		case PackRefDelta:
			hs := uint64(p.algo.Size())
			if uint64(len(span))-uint64(hdrLen) < hs {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: truncated base reference: %w",
					p.path, cur, ErrCorrupt)
			}
			baseHash := rawHash(span[uint64(hdrLen) : uint64(hdrLen)+hs])
			links = append(links, deltaLink{offset: cur, payload: cur + uint64(hdrLen) + hs, size: size})
			if err := ctx.enterHash(baseHash); err != nil {
				return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, cur, err)
			}
			if entry, ok := p.idx.Find(baseHash); ok {
				cur = entry.Offset
				continue
			}
			if p.resolveExternal == nil {
				return "", nil, 0, fmt.Errorf("pack %s: delta base %s: %w", p.path, baseHash, ErrNotFound)
			}
			// The external resolver shares the context, so whatever depth
			// its own chain consumed is the base's logical depth.
			before := ctx.depth
			baseType, baseData, err = p.resolveExternal(baseHash, ctx)
			if err != nil {
				return "", nil, 0, err
			}
			baseDepth = ctx.depth - before
			break walk
		}
	}

	// Replay innermost delta first; the last iteration reconstructs the
	// entry originally asked for.
	var entryLen uint64
	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		delta, consumed, err := p.inflate(link.payload, link.size)
		if err != nil {
			return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, link.offset, err)
		}
		baseData, err = ApplyDelta(baseData, delta)
		if err != nil {
			return "", nil, 0, fmt.Errorf("pack %s: offset %d: %w", p.path, link.offset, err)
		}
		p.window.add(link.offset, windowValue{
			objType: baseType,
			data:    baseData,
			depth:   baseDepth + len(links) - i,
		})
		entryLen = (link.payload - link.offset) + consumed
	}
	return baseType, baseData, entryLen, nil
}

// inflate decompresses the zlib stream starting at off, expecting want
// decoded bytes, and reports how many compressed bytes it consumed.
func (p *Pack) inflate(off, want uint64) ([]byte, uint64, error) {
	if off >= p.trailerOff {
		return nil, 0, fmt.Errorf("compressed payload missing: %w", ErrCorrupt)
	}
	sub := bytes.NewReader(p.data[off:p.trailerOff])
	total := sub.Len()
	zr, err := zlib.NewReader(sub)
	if err != nil {
		return nil, 0, fmt.Errorf("zlib: %v: %w", err, ErrCorrupt)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, 0, fmt.Errorf("inflate: %v: %w", err, ErrCorrupt)
	}
	if err := zr.Close(); err != nil {
		return nil, 0, fmt.Errorf("inflate close: %v: %w", err, ErrCorrupt)
	}
	if uint64(len(raw)) != want {
		return nil, 0, fmt.Errorf("decoded size %d, header declared %d: %w", len(raw), want, ErrCorrupt)
	}
	return raw, uint64(total - sub.Len()), nil
}

// PackIter walks every entry of a pack in storage order, resolving deltas
// as it goes. Each call to Pack.Objects returns an independent iterator,
// and a consumer may simply stop calling Next to halt early.
type PackIter struct {
	p      *Pack
	offset uint64
	seen   uint32
	done   bool
}

// Objects returns a fresh iterator over (hash, type, content) triples.
func (p *Pack) Objects() *PackIter {
	return &PackIter{p: p, offset: packHeaderSize}
}

// Next returns the next decoded object. It returns io.EOF after the final
// object, and an error (not an early EOF) when the pack holds fewer
// decodable entries than its header promises or leaves undecoded bytes.
func (it *PackIter) Next() (Hash, ObjectType, []byte, error) {
	if it.done {
		return "", "", nil, io.EOF
	}
	if it.seen == it.p.header.NumObjects {
		it.done = true
		if it.offset != it.p.trailerOff {
			return "", "", nil, fmt.Errorf("pack %s: %d undecoded bytes after %d objects: %w",
				it.p.path, it.p.trailerOff-it.offset, it.seen, ErrCorrupt)
		}
		return "", "", nil, io.EOF
	}
	if it.offset >= it.p.trailerOff {
		it.done = true
		return "", "", nil, fmt.Errorf("pack %s: ran out of data after %d of %d objects: %w",
			it.p.path, it.seen, it.p.header.NumObjects, ErrCorrupt)
	}

	objType, body, entryLen, err := it.p.readAt(it.offset, newDeltaContext(it.p.maxDepth))
	if err != nil {
		it.done = true
		return "", "", nil, err
	}
	if entryLen == 0 {
		// The window served the object without touching disk layout; decode
		// the header again to learn the entry's span.
		entryLen, err = it.p.entrySpan(it.offset)
		if err != nil {
			it.done = true
			return "", "", nil, err
		}
	}
	it.offset += entryLen
	it.seen++
	return HashObject(it.p.algo, objType, body), objType, body, nil
}

// entrySpan computes the on-disk length of the entry at offset without
// resolving its content.
func (p *Pack) entrySpan(offset uint64) (uint64, error) {
	span := p.data[offset:p.trailerOff]
	entryType, size, hdrLen, err := decodePackEntryHeader(span)
	if err != nil {
		return 0, fmt.Errorf("pack %s: offset %d: %w", p.path, offset, err)
	}
	refLen := uint64(0)
	switch entryType {
	case PackOfsDelta:
		_, dn, err := decodeOfsDeltaDistance(span[hdrLen:])
		if err != nil {
			return 0, fmt.Errorf("pack %s: offset %d: %w", p.path, offset, err)
		}
		refLen = uint64(dn)
	case PackRefDelta:
		refLen = uint64(p.algo.Size())
	}
	_, consumed, err := p.inflate(offset+uint64(hdrLen)+refLen, size)
	if err != nil {
		return 0, fmt.Errorf("pack %s: offset %d: %w", p.path, offset, err)
	}
	return uint64(hdrLen) + refLen + consumed, nil
}
