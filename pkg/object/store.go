package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Store is the object database: a content-addressed loose store with a
// 2-character fan-out layout (objects/ab/cdef...) unified with zero or
// more immutable pack files. Reads consult loose storage first, then each
// pack in attachment order; writes always land loose. This surface
// (Read, Write, WriteRaw, Has, ResolvePrefix) is the entire contract
// consumers may depend on.
type Store struct {
	root  string
	cfg   Config
	packs []*Pack
}

// Open creates a store rooted at the given directory and attaches every
// pack found under objects/pack, in sorted filename order. The objects/
// tree is created lazily on first write.
func Open(root string, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Store{root: root, cfg: cfg}
	if err := s.refreshPacks(); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config { return s.cfg }

// refreshPacks rescans the pack directory and reattaches packs.
func (s *Store) refreshPacks() error {
	idxPaths, err := s.listPackIndexPaths()
	if err != nil {
		return err
	}
	packs := make([]*Pack, 0, len(idxPaths))
	for _, idxPath := range idxPaths {
		p, err := OpenPack(packPathForIndex(idxPath), s.cfg)
		if err != nil {
			return err
		}
		p.resolveExternal = s.resolveDeltaBase
		packs = append(packs, p)
	}
	s.packs = packs
	return nil
}

// Packs returns the attached packs in attachment order.
func (s *Store) Packs() []*Pack {
	out := make([]*Pack, len(s.packs))
	copy(out, s.packs)
	return out
}

// objectPath returns the loose filesystem path for a hash.
func (s *Store) objectPath(h Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// Has reports whether any backing store contains the hash. It never
// decompresses anything.
func (s *Store) Has(h Hash) bool {
	if _, err := ParseHash(s.cfg.Algorithm, string(h)); err != nil {
		return false
	}
	if _, err := os.Stat(s.objectPath(h)); err == nil {
		return true
	}
	for _, p := range s.packs {
		if p.Has(h) {
			return true
		}
	}
	return false
}

// Read retrieves an object by hash from loose storage or any attached
// pack; the first hit wins.
func (s *Store) Read(h Hash) (ObjectType, []byte, error) {
	if _, err := ParseHash(s.cfg.Algorithm, string(h)); err != nil {
		return "", nil, fmt.Errorf("object read: %w", err)
	}
	objType, content, err := s.readLoose(h)
	if err == nil {
		return objType, content, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}
	for _, p := range s.packs {
		if !p.Has(h) {
			continue
		}
		return p.ReadObject(h)
	}
	return "", nil, fmt.Errorf("object read %s: %w", h, ErrNotFound)
}

// resolveDeltaBase serves ref-delta bases that a pack cannot satisfy
// itself. The shared context keeps the chain depth and cycle accounting
// intact across loose storage and pack boundaries.
func (s *Store) resolveDeltaBase(h Hash, ctx *deltaContext) (ObjectType, []byte, error) {
	objType, content, err := s.readLoose(h)
	if err == nil {
		return objType, content, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}
	for _, p := range s.packs {
		if !p.Has(h) {
			continue
		}
		return p.readHash(h, ctx)
	}
	return "", nil, fmt.Errorf("delta base %s: %w", h, ErrNotFound)
}

// WriteRaw stores already-canonical object bytes and returns their hash.
// The on-disk loose format is zlib-compressed "type len\0content",
// written to a temp file and renamed into place so a concurrent reader
// never observes a partial object. Writing bytes that already exist is a
// no-op; a write whose hash exists with different content halts with
// ErrHashCollision rather than touching the store.
func (s *Store) WriteRaw(objType ObjectType, data []byte) (Hash, error) {
	if !validObjectType(objType) {
		return "", fmt.Errorf("object write: unknown type %q", objType)
	}
	h := HashObject(s.cfg.Algorithm, objType, data)

	if existingType, existing, err := s.Read(h); err == nil {
		if existingType != objType || !bytes.Equal(existing, data) {
			return "", fmt.Errorf("object write %s: %w", h, ErrHashCollision)
		}
		return h, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	dir := filepath.Join(s.root, "objects", string(h[:2]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	zw := zlib.NewWriter(tmp)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", objType, len(data)); err == nil {
		_, err = zw.Write(data)
	}
	if err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("object write: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("object write compress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("object write close: %w", err)
	}
	if err := os.Rename(tmpName, s.objectPath(h)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("object write rename: %w", err)
	}
	return h, nil
}

// Write serializes any object variant and stores it loose.
func (s *Store) Write(o Object) (Hash, error) {
	objType, data, err := MarshalObject(s.cfg.Algorithm, o)
	if err != nil {
		return "", err
	}
	return s.WriteRaw(objType, data)
}

// readLoose retrieves a loose object, verifying its envelope.
func (s *Store) readLoose(h Hash) (ObjectType, []byte, error) {
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("object read %s: %w", h, ErrNotFound)
		}
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: zlib: %v: %w", h, err, ErrCorrupt)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return "", nil, fmt.Errorf("object read %s: inflate: %v: %w", h, err, ErrCorrupt)
	}
	if err := zr.Close(); err != nil {
		return "", nil, fmt.Errorf("object read %s: inflate close: %v: %w", h, err, ErrCorrupt)
	}

	objType, content, err := parseObjectEnvelope(raw)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	return objType, content, nil
}

// parseObjectEnvelope splits "type len\0content" and verifies the
// declared length against the payload.
func parseObjectEnvelope(raw []byte) (ObjectType, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("envelope has no NUL: %w", ErrCorrupt)
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	typeName, lenText, ok := strings.Cut(header, " ")
	if !ok || !validObjectType(ObjectType(typeName)) {
		return "", nil, fmt.Errorf("bad envelope header %q: %w", header, ErrCorrupt)
	}
	length, err := strconv.Atoi(lenText)
	if err != nil || length < 0 {
		return "", nil, fmt.Errorf("bad envelope length %q: %w", lenText, ErrCorrupt)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("envelope length %d, payload %d: %w", length, len(content), ErrCorrupt)
	}
	return ObjectType(typeName), content, nil
}

// ResolvePrefix finds the unique object hash, across loose and packed
// storage, whose hex form starts with prefix.
func (s *Store) ResolvePrefix(prefix string) (Hash, error) {
	if len(prefix) < 2 {
		return "", fmt.Errorf("resolve prefix %q: need at least 2 characters: %w", prefix, ErrAmbiguousPrefix)
	}
	looseHashes, err := s.listLooseObjectHashes()
	if err != nil {
		return "", err
	}
	candidates := make([]Hash, 0, 4)
	for _, h := range looseHashes {
		if strings.HasPrefix(string(h), prefix) {
			candidates = append(candidates, h)
		}
	}
	for _, p := range s.packs {
		candidates = append(candidates, p.Index().FindPrefix(prefix)...)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return ResolvePrefix(candidates, prefix)
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

// WriteBlob serializes and stores a Blob.
func (s *Store) WriteBlob(b *Blob) (Hash, error) { return s.Write(b) }

// ReadBlob reads and deserializes a Blob.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	data, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteTree serializes and stores a TreeObj.
func (s *Store) WriteTree(tr *TreeObj) (Hash, error) { return s.Write(tr) }

// ReadTree reads and deserializes a TreeObj.
func (s *Store) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return UnmarshalTree(s.cfg.Algorithm, data)
}

// WriteCommit serializes and stores a CommitObj. Parents are not checked
// for existence: the store addresses content, not graph integrity.
func (s *Store) WriteCommit(c *CommitObj) (Hash, error) { return s.Write(c) }

// ReadCommit reads and deserializes a CommitObj.
func (s *Store) ReadCommit(h Hash) (*CommitObj, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommit(s.cfg.Algorithm, data)
}

// WriteTag serializes and stores a TagObj.
func (s *Store) WriteTag(t *TagObj) (Hash, error) { return s.Write(t) }

// ReadTag reads and deserializes a TagObj.
func (s *Store) ReadTag(h Hash) (*TagObj, error) {
	data, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return UnmarshalTag(s.cfg.Algorithm, data)
}

func (s *Store) readTyped(h Hash, want ObjectType) ([]byte, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, want)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// enumeration helpers
// ---------------------------------------------------------------------------

func (s *Store) listPackIndexPaths() ([]string, error) {
	packDir := filepath.Join(s.root, "objects", "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pack dir: %w", err)
	}

	idxPaths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".idx") {
			continue
		}
		idxPaths = append(idxPaths, filepath.Join(packDir, entry.Name()))
	}
	sort.Strings(idxPaths)
	return idxPaths, nil
}

func (s *Store) listLooseObjectHashes() ([]Hash, error) {
	objectsDir := filepath.Join(s.root, "objects")
	fanoutDirs, err := os.ReadDir(objectsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	suffixLen := s.cfg.Algorithm.HexSize() - 2
	hashes := make([]Hash, 0)
	for _, fanoutDir := range fanoutDirs {
		if !fanoutDir.IsDir() {
			continue
		}
		prefix := fanoutDir.Name()
		if prefix == "pack" || !isHexComponent(prefix, 2) {
			continue
		}
		objectEntries, err := os.ReadDir(filepath.Join(objectsDir, prefix))
		if err != nil {
			return nil, fmt.Errorf("read objects fanout %s: %w", prefix, err)
		}
		for _, objectEntry := range objectEntries {
			if objectEntry.IsDir() || !isHexComponent(objectEntry.Name(), suffixLen) {
				continue
			}
			hashes = append(hashes, Hash(prefix+objectEntry.Name()))
		}
	}

	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes, nil
}

func isHexComponent(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

func packPathForIndex(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}
