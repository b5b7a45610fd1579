package object

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestGCPacksLooseObjects(t *testing.T) {
	algo := AlgoSHA256
	root := t.TempDir()
	s, err := Open(root, Config{Algorithm: algo, MaxDeltaDepth: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Two similar blobs, so whichever packs first, the other lands as a
	// delta against it.
	base := testBlobData(4096)
	variant := append(append([]byte{}, base...), []byte(" appended tail")...)

	var hashes []Hash
	for _, body := range [][]byte{base, variant} {
		h, err := s.WriteRaw(TypeBlob, body)
		if err != nil {
			t.Fatalf("WriteRaw: %v", err)
		}
		hashes = append(hashes, h)
	}
	treeHash, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{
		{Mode: ModeFile, Name: "f", Target: hashes[0]},
	}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	hashes = append(hashes, treeHash)

	summary, err := s.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if summary.PackedObjects != len(hashes) {
		t.Fatalf("PackedObjects: got %d, want %d", summary.PackedObjects, len(hashes))
	}
	if summary.DeltaObjects < 1 {
		t.Fatalf("DeltaObjects: got %d, want at least 1", summary.DeltaObjects)
	}
	if !strings.HasPrefix(summary.PackFile, "pack-") || !strings.HasSuffix(summary.IndexFile, ".idx") {
		t.Fatalf("pack naming: %q / %q", summary.PackFile, summary.IndexFile)
	}
	if len(s.Packs()) != 1 {
		t.Fatalf("packs after GC: %d", len(s.Packs()))
	}

	// GC is non-destructive, so everything is now present twice. Remove
	// the loose copies and each object must still read from the pack.
	for _, h := range hashes {
		if err := os.Remove(s.objectPath(h)); err != nil {
			t.Fatalf("remove loose %s: %v", h, err)
		}
	}
	for i, want := range [][]byte{base, variant} {
		_, data, err := s.Read(hashes[i])
		if err != nil {
			t.Fatalf("Read %s after GC: %v", hashes[i], err)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("content of %s changed across GC", hashes[i])
		}
	}
	if _, err := s.ReadTree(treeHash); err != nil {
		t.Fatalf("ReadTree after GC: %v", err)
	}
}

func TestGCSecondRunIsNoOp(t *testing.T) {
	s := newTestStore(t, AlgoSHA1)
	if _, err := s.WriteRaw(TypeBlob, []byte("once")); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if _, err := s.GC(); err != nil {
		t.Fatalf("first GC: %v", err)
	}
	summary, err := s.GC()
	if err != nil {
		t.Fatalf("second GC: %v", err)
	}
	if summary.PackedObjects != 0 || summary.PackFile != "" {
		t.Fatalf("second GC packed objects: %+v", summary)
	}
	if len(s.Packs()) != 1 {
		t.Fatalf("packs after repeat GC: %d", len(s.Packs()))
	}
}

func TestVerifyCleanStore(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	for _, body := range []string{"a", "b", "c"} {
		if _, err := s.WriteRaw(TypeBlob, []byte(body)); err != nil {
			t.Fatalf("WriteRaw: %v", err)
		}
	}
	if _, err := s.GC(); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if _, err := s.WriteRaw(TypeBlob, []byte("loose only")); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	// The three packed blobs are still loose too.
	if report.LooseObjects != 4 {
		t.Fatalf("LooseObjects: got %d, want 4", report.LooseObjects)
	}
	if report.PackFiles != 1 || report.PackObjects != 3 {
		t.Fatalf("pack counts: %+v", report)
	}
}

func TestVerifyDetectsTamperedLooseObject(t *testing.T) {
	s := newTestStore(t, AlgoSHA1)
	h, err := s.WriteRaw(TypeBlob, []byte("authentic"))
	if err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	// Replace the content behind the name. The envelope stays coherent so
	// only rehashing can notice.
	forged := compressLooseEnvelope(t, TypeBlob, []byte("falsified"))
	if err := os.WriteFile(s.objectPath(h), forged, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("tampered loose: got %v, want ErrCorrupt", err)
	}
}

func TestVerifyDetectsTamperedPack(t *testing.T) {
	s := newTestStore(t, AlgoSHA1)
	if _, err := s.WriteRaw(TypeBlob, testBlobData(1024)); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	summary, err := s.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}

	packPath := s.Packs()[0].Path()
	data, err := os.ReadFile(packPath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(packPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	// Reopen so the tampered bytes are what gets verified.
	s2, err := Open(s.root, s.Config())
	if err != nil {
		t.Fatalf("reopen after tamper (%s): %v", summary.PackFile, err)
	}
	if _, err := s2.Verify(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("tampered pack: got %v, want ErrChecksumMismatch", err)
	}
}
