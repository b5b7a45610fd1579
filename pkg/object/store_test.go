package object

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func compressRaw(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func compressLooseEnvelope(t *testing.T, objType ObjectType, data []byte) []byte {
	t.Helper()
	env := fmt.Sprintf("%s %d\x00", objType, len(data))
	return compressRaw(t, append([]byte(env), data...))
}

func newTestStore(t *testing.T, algo HashAlgorithm) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Config{Algorithm: algo, MaxDeltaDepth: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	for _, algo := range []HashAlgorithm{AlgoSHA1, AlgoSHA256} {
		s := newTestStore(t, algo)

		blobHash, err := s.WriteBlob(&Blob{Data: []byte("file body\n")})
		if err != nil {
			t.Fatalf("%s: WriteBlob: %v", algo, err)
		}
		tree := &TreeObj{Entries: []TreeEntry{
			{Mode: ModeFile, Name: "file.txt", Target: blobHash},
		}}
		treeHash, err := s.WriteTree(tree)
		if err != nil {
			t.Fatalf("%s: WriteTree: %v", algo, err)
		}
		commit := &CommitObj{
			Tree:      treeHash,
			Author:    Signature{Name: "a", Email: "a@b", When: 1700000000, TZ: "+0000"},
			Committer: Signature{Name: "a", Email: "a@b", When: 1700000000, TZ: "+0000"},
			Message:   "initial\n",
		}
		commitHash, err := s.WriteCommit(commit)
		if err != nil {
			t.Fatalf("%s: WriteCommit: %v", algo, err)
		}
		tagHash, err := s.WriteTag(&TagObj{
			Target:     commitHash,
			TargetType: TypeCommit,
			Name:       "v1",
			Message:    "release\n",
		})
		if err != nil {
			t.Fatalf("%s: WriteTag: %v", algo, err)
		}

		for _, h := range []Hash{blobHash, treeHash, commitHash, tagHash} {
			if !s.Has(h) {
				t.Fatalf("%s: Has(%s) = false", algo, h)
			}
		}

		gotBlob, err := s.ReadBlob(blobHash)
		if err != nil {
			t.Fatalf("%s: ReadBlob: %v", algo, err)
		}
		if string(gotBlob.Data) != "file body\n" {
			t.Fatalf("%s: blob content %q", algo, gotBlob.Data)
		}
		gotTree, err := s.ReadTree(treeHash)
		if err != nil {
			t.Fatalf("%s: ReadTree: %v", algo, err)
		}
		if len(gotTree.Entries) != 1 || gotTree.Entries[0].Target != blobHash {
			t.Fatalf("%s: tree %+v", algo, gotTree)
		}
		gotCommit, err := s.ReadCommit(commitHash)
		if err != nil {
			t.Fatalf("%s: ReadCommit: %v", algo, err)
		}
		if gotCommit.Tree != treeHash {
			t.Fatalf("%s: commit tree %s", algo, gotCommit.Tree)
		}
		gotTag, err := s.ReadTag(tagHash)
		if err != nil {
			t.Fatalf("%s: ReadTag: %v", algo, err)
		}
		if gotTag.Target != commitHash || gotTag.Name != "v1" {
			t.Fatalf("%s: tag %+v", algo, gotTag)
		}
	}
}

func TestStoreReadTypedMismatch(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	h, err := s.WriteBlob(&Blob{Data: []byte("not a tree")})
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if _, err := s.ReadTree(h); err == nil {
		t.Fatal("ReadTree accepted a blob")
	}
}

func TestStoreCommitWithAbsentParents(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	algo := s.Config().Algorithm
	// The store addresses content only; a dangling parent is not its
	// concern.
	commit := &CommitObj{
		Tree:      HashBytes(algo, []byte("tree")),
		Parents:   []Hash{HashBytes(algo, []byte("parent nobody wrote"))},
		Author:    Signature{Name: "a", Email: "a@b", When: 1, TZ: "+0000"},
		Committer: Signature{Name: "a", Email: "a@b", When: 1, TZ: "+0000"},
		Message:   "dangling\n",
	}
	h, err := s.WriteCommit(commit)
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	got, err := s.ReadCommit(h)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(got.Parents) != 1 || s.Has(got.Parents[0]) {
		t.Fatalf("parents: %v", got.Parents)
	}
}

func TestStoreWriteRawIdempotentAndCollision(t *testing.T) {
	s := newTestStore(t, AlgoSHA1)

	h1, err := s.WriteRaw(TypeBlob, []byte("payload"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	h2, err := s.WriteRaw(TypeBlob, []byte("payload"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("idempotent write: %s then %s", h1, h2)
	}

	// Plant different content at the path another payload hashes to.
	victim := HashObject(AlgoSHA1, TypeBlob, []byte("original"))
	path := s.objectPath(victim)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	planted := compressLooseEnvelope(t, TypeBlob, []byte("imposter"))
	if err := os.WriteFile(path, planted, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteRaw(TypeBlob, []byte("original")); !errors.Is(err, ErrHashCollision) {
		t.Fatalf("collision: got %v, want ErrHashCollision", err)
	}
}

func TestStoreReadErrors(t *testing.T) {
	s := newTestStore(t, AlgoSHA1)

	absent := HashBytes(AlgoSHA1, []byte("absent"))
	if _, _, err := s.Read(absent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent: got %v, want ErrNotFound", err)
	}
	if s.Has(absent) {
		t.Fatal("Has reported an absent object")
	}
	if _, _, err := s.Read(Hash("nothex")); !errors.Is(err, ErrInvalidHexLength) {
		t.Fatalf("bad hash: got %v", err)
	}

	// A loose file that is not a zlib stream.
	h := HashBytes(AlgoSHA1, []byte("corrupt"))
	path := s.objectPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not zlib at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Read(h); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("corrupt loose: got %v, want ErrCorrupt", err)
	}

	// A valid stream whose envelope lies about its length.
	h2 := HashBytes(AlgoSHA1, []byte("short"))
	path2 := s.objectPath(h2)
	if err := os.MkdirAll(filepath.Dir(path2), 0o755); err != nil {
		t.Fatal(err)
	}
	lying := compressRaw(t, []byte("blob 99\x00tiny"))
	if err := os.WriteFile(path2, lying, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Read(h2); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("lying envelope: got %v, want ErrCorrupt", err)
	}
}

func TestStoreResolvePrefix(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)

	var hashes []Hash
	for _, body := range []string{"one", "two", "three", "four"} {
		h, err := s.WriteBlob(&Blob{Data: []byte(body)})
		if err != nil {
			t.Fatalf("WriteBlob %s: %v", body, err)
		}
		hashes = append(hashes, h)
	}

	full := string(hashes[0])
	got, err := s.ResolvePrefix(full[:12])
	if err != nil {
		t.Fatalf("ResolvePrefix: %v", err)
	}
	if got != hashes[0] {
		t.Fatalf("ResolvePrefix: got %s, want %s", got, hashes[0])
	}

	if _, err := s.ResolvePrefix(full[:1]); !errors.Is(err, ErrAmbiguousPrefix) {
		t.Fatalf("1-char prefix: got %v, want ErrAmbiguousPrefix", err)
	}
	if _, err := s.ResolvePrefix("ffffffffff"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent prefix: got %v, want ErrNotFound", err)
	}
}

func TestStoreReadsFromPack(t *testing.T) {
	algo := AlgoSHA1
	root := t.TempDir()
	s, err := Open(root, Config{Algorithm: algo, MaxDeltaDepth: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := testBlobData(512)
	h := HashObject(algo, TypeBlob, content)
	packDir := filepath.Join(root, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writePackFiles(t, packDir, algo, 1, func(pw *PackWriter) []PackIndexEntry {
		off := pw.CurrentOffset()
		if err := pw.WriteEntry(TypeBlob, content); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		return []PackIndexEntry{{Hash: h, Offset: off, CRC32: pw.LastCRC()}}
	})

	// Reopen so the pack is attached.
	s, err = Open(root, s.Config())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(s.Packs()) != 1 {
		t.Fatalf("packs attached: %d", len(s.Packs()))
	}
	if !s.Has(h) {
		t.Fatal("Has missed a packed object")
	}
	objType, data, err := s.Read(h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if objType != TypeBlob || !bytes.Equal(data, content) {
		t.Fatalf("packed read: type %q, %d bytes", objType, len(data))
	}
}

func TestStoreResolvesExternalDeltaBase(t *testing.T) {
	algo := AlgoSHA1
	root := t.TempDir()
	s, err := Open(root, Config{Algorithm: algo, MaxDeltaDepth: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The base lives loose; the pack holds only a ref-delta against it.
	base := testBlobData(2048)
	baseHash, err := s.WriteRaw(TypeBlob, base)
	if err != nil {
		t.Fatalf("write base: %v", err)
	}
	target := append(append([]byte{}, base...), []byte(" delta tail")...)
	targetHash := HashObject(algo, TypeBlob, target)

	packDir := filepath.Join(root, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writePackFiles(t, packDir, algo, 1, func(pw *PackWriter) []PackIndexEntry {
		off := pw.CurrentOffset()
		if err := pw.WriteRefDelta(baseHash, base, target); err != nil {
			t.Fatalf("WriteRefDelta: %v", err)
		}
		return []PackIndexEntry{{Hash: targetHash, Offset: off, CRC32: pw.LastCRC()}}
	})

	s, err = Open(root, s.Config())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	objType, data, err := s.Read(targetHash)
	if err != nil {
		t.Fatalf("Read through external base: %v", err)
	}
	if objType != TypeBlob || !bytes.Equal(data, target) {
		t.Fatalf("external base read: type %q, %d bytes", objType, len(data))
	}

	// Without the loose base the chain has nowhere to go.
	if err := os.Remove(s.objectPath(baseHash)); err != nil {
		t.Fatal(err)
	}
	s, err = Open(root, s.Config())
	if err != nil {
		t.Fatalf("reopen without base: %v", err)
	}
	if _, _, err := s.Read(targetHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing base: got %v, want ErrNotFound", err)
	}
}

func TestStoreResolvesDeltaChainAcrossPacks(t *testing.T) {
	algo := AlgoSHA1
	root := t.TempDir()
	s, err := Open(root, Config{Algorithm: algo, MaxDeltaDepth: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	packDir := filepath.Join(root, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Pack b: a whole base at the first entry offset plus an ofs-delta on
	// it. Pack a: a ref-delta on pack b's delta object, also at the first
	// entry offset, plus an ofs-delta on that. Resolving the deepest
	// object therefore visits the first entry offset in both packs, which
	// must not be mistaken for a cycle.
	b0 := testBlobData(1024)
	bTarget := append(append([]byte{}, b0...), []byte(" layer one")...)
	bTargetHash := HashObject(algo, TypeBlob, bTarget)

	writeNamedPackFiles(t, packDir, "pack-b", algo, 2, func(pw *PackWriter) []PackIndexEntry {
		var entries []PackIndexEntry
		baseOff := pw.CurrentOffset()
		if err := pw.WriteEntry(TypeBlob, b0); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		entries = append(entries, PackIndexEntry{Hash: HashObject(algo, TypeBlob, b0), Offset: baseOff, CRC32: pw.LastCRC()})
		off := pw.CurrentOffset()
		if err := pw.WriteOfsDelta(baseOff, b0, bTarget); err != nil {
			t.Fatalf("WriteOfsDelta: %v", err)
		}
		entries = append(entries, PackIndexEntry{Hash: bTargetHash, Offset: off, CRC32: pw.LastCRC()})
		return entries
	})

	a1 := append(append([]byte{}, bTarget...), []byte(" layer two")...)
	a2 := append(append([]byte{}, a1...), []byte(" layer three")...)
	a1Hash := HashObject(algo, TypeBlob, a1)
	a2Hash := HashObject(algo, TypeBlob, a2)

	writeNamedPackFiles(t, packDir, "pack-a", algo, 2, func(pw *PackWriter) []PackIndexEntry {
		var entries []PackIndexEntry
		refOff := pw.CurrentOffset()
		if err := pw.WriteRefDelta(bTargetHash, bTarget, a1); err != nil {
			t.Fatalf("WriteRefDelta: %v", err)
		}
		entries = append(entries, PackIndexEntry{Hash: a1Hash, Offset: refOff, CRC32: pw.LastCRC()})
		off := pw.CurrentOffset()
		if err := pw.WriteOfsDelta(refOff, a1, a2); err != nil {
			t.Fatalf("WriteOfsDelta: %v", err)
		}
		entries = append(entries, PackIndexEntry{Hash: a2Hash, Offset: off, CRC32: pw.LastCRC()})
		return entries
	})

	s, err = Open(root, s.Config())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(s.Packs()) != 2 {
		t.Fatalf("packs attached: %d", len(s.Packs()))
	}

	objType, data, err := s.Read(a2Hash)
	if err != nil {
		t.Fatalf("Read across packs: %v", err)
	}
	if objType != TypeBlob || !bytes.Equal(data, a2) {
		t.Fatalf("cross-pack read: type %q, %d bytes", objType, len(data))
	}
}
