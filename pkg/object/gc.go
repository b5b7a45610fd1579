package object

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// GCSummary reports the outcome of Store.GC.
type GCSummary struct {
	PackedObjects int
	DeltaObjects  int
	PackFile      string
	IndexFile     string
}

// VerifySummary reports the outcome of Store.Verify.
type VerifySummary struct {
	LooseObjects int
	PackFiles    int
	PackObjects  int
}

// deltaWorthwhile reports whether storing a delta beats storing the
// whole object. The margin keeps tiny savings from paying the chain
// resolution cost on every future read.
func deltaWorthwhile(delta, whole []byte) bool {
	return len(delta) < len(whole)*3/4
}

// GC packs loose objects that are not already indexed by an existing
// pack. Consecutive objects of the same type are delta-encoded against
// their predecessor when the delta is worthwhile. GC is non-destructive:
// loose objects remain on disk and remain readable throughout.
func (s *Store) GC() (*GCSummary, error) {
	looseHashes, err := s.listLooseObjectHashes()
	if err != nil {
		return nil, err
	}

	toPack := make([]Hash, 0, len(looseHashes))
	for _, h := range looseHashes {
		packed := false
		for _, p := range s.packs {
			if p.Has(h) {
				packed = true
				break
			}
		}
		if !packed {
			toPack = append(toPack, h)
		}
	}
	if len(toPack) == 0 {
		return &GCSummary{}, nil
	}

	packDir := filepath.Join(s.root, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return nil, fmt.Errorf("gc: mkdir pack dir: %w", err)
	}

	packTmp, err := os.CreateTemp(packDir, ".tmp-pack-*.pack")
	if err != nil {
		return nil, fmt.Errorf("gc: create pack temp file: %w", err)
	}
	packTmpPath := packTmp.Name()
	packTmpRemoved := false
	defer func() {
		if !packTmpRemoved {
			os.Remove(packTmpPath)
		}
	}()

	pw, err := NewPackWriter(packTmp, s.cfg.Algorithm, uint32(len(toPack)))
	if err != nil {
		packTmp.Close()
		return nil, fmt.Errorf("gc: create pack writer: %w", err)
	}

	// Previous whole-ish object of each type is the delta base candidate
	// for the next one.
	type baseCandidate struct {
		offset uint64
		data   []byte
	}
	lastOfType := make(map[ObjectType]baseCandidate)

	summary := &GCSummary{}
	indexEntries := make([]PackIndexEntry, 0, len(toPack))
	for _, h := range toPack {
		objType, content, err := s.readLoose(h)
		if err != nil {
			packTmp.Close()
			return nil, fmt.Errorf("gc: read loose object %s: %w", h, err)
		}

		offset := pw.CurrentOffset()
		base, haveBase := lastOfType[objType]
		if haveBase {
			if delta := BuildDelta(base.data, content); deltaWorthwhile(delta, content) {
				if err := pw.WriteOfsDelta(base.offset, base.data, content); err != nil {
					packTmp.Close()
					return nil, fmt.Errorf("gc: write delta entry %s: %w", h, err)
				}
				summary.DeltaObjects++
				indexEntries = append(indexEntries, PackIndexEntry{Hash: h, Offset: offset, CRC32: pw.LastCRC()})
				continue
			}
		}
		if err := pw.WriteEntry(objType, content); err != nil {
			packTmp.Close()
			return nil, fmt.Errorf("gc: write pack entry %s: %w", h, err)
		}
		lastOfType[objType] = baseCandidate{offset: offset, data: content}
		indexEntries = append(indexEntries, PackIndexEntry{Hash: h, Offset: offset, CRC32: pw.LastCRC()})
	}

	packChecksum, err := pw.Finish()
	if err != nil {
		packTmp.Close()
		return nil, fmt.Errorf("gc: finalize pack: %w", err)
	}
	if err := packTmp.Close(); err != nil {
		return nil, fmt.Errorf("gc: close pack temp file: %w", err)
	}

	packBase := "pack-" + string(packChecksum)
	packPath := filepath.Join(packDir, packBase+".pack")
	idxPath := filepath.Join(packDir, packBase+".idx")
	if err := os.Rename(packTmpPath, packPath); err != nil {
		return nil, fmt.Errorf("gc: rename pack file: %w", err)
	}
	packTmpRemoved = true

	idxTmp, err := os.CreateTemp(packDir, ".tmp-pack-*.idx")
	if err != nil {
		os.Remove(packPath)
		return nil, fmt.Errorf("gc: create index temp file: %w", err)
	}
	idxTmpPath := idxTmp.Name()
	idxTmpRemoved := false
	defer func() {
		if !idxTmpRemoved {
			os.Remove(idxTmpPath)
		}
	}()

	if _, err := WritePackIndex(idxTmp, s.cfg.Algorithm, indexEntries, packChecksum); err != nil {
		idxTmp.Close()
		os.Remove(packPath)
		return nil, fmt.Errorf("gc: write pack index: %w", err)
	}
	if err := idxTmp.Close(); err != nil {
		os.Remove(packPath)
		return nil, fmt.Errorf("gc: close index temp file: %w", err)
	}
	if err := os.Rename(idxTmpPath, idxPath); err != nil {
		os.Remove(packPath)
		return nil, fmt.Errorf("gc: rename index file: %w", err)
	}
	idxTmpRemoved = true

	if err := s.refreshPacks(); err != nil {
		return nil, fmt.Errorf("gc: reattach packs: %w", err)
	}

	summary.PackedObjects = len(toPack)
	summary.PackFile = filepath.Base(packPath)
	summary.IndexFile = filepath.Base(idxPath)
	return summary, nil
}

// Verify checks integrity across every backing store: each loose object
// must hash to its own name, each pack trailer must match its bytes, and
// every indexed entry must decode to an object hashing to its index row.
func (s *Store) Verify() (*VerifySummary, error) {
	report := &VerifySummary{}

	looseHashes, err := s.listLooseObjectHashes()
	if err != nil {
		return nil, err
	}
	for _, h := range looseHashes {
		objType, content, err := s.readLoose(h)
		if err != nil {
			return nil, fmt.Errorf("verify loose %s: %w", h, err)
		}
		if actual := HashObject(s.cfg.Algorithm, objType, content); actual != h {
			return nil, fmt.Errorf("verify loose %s: hashes to %s: %w", h, actual, ErrCorrupt)
		}
		report.LooseObjects++
	}

	for _, p := range s.packs {
		if err := p.VerifyChecksum(); err != nil {
			return nil, fmt.Errorf("verify pack: %w", err)
		}
		it := p.Objects()
		for {
			h, _, _, err := it.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("verify pack: %w", err)
			}
			if !p.Has(h) {
				return nil, fmt.Errorf("verify pack %s: object %s missing from index: %w",
					p.Path(), h, ErrCorrupt)
			}
			report.PackObjects++
		}
		report.PackFiles++
	}

	return report, nil
}
