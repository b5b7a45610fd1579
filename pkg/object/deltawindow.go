package object

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// windowEntries bounds how many resolved bases a pack keeps around.
	windowEntries = 256

	// windowMaxObject skips caching of objects large enough to evict the
	// whole working set.
	windowMaxObject = 8 << 20
)

// windowValue is a fully resolved object kept for delta chain reuse.
// depth records how many delta hops the object sits above its whole
// base, so serving it from the window charges the same chain depth a
// cold resolution would.
type windowValue struct {
	objType ObjectType
	data    []byte
	depth   int
}

// deltaWindow caches recently resolved objects by pack offset while delta
// chains are replayed. It is a pure optimization: eviction or a cold
// cache never changes results. The window lives exactly as long as its
// Pack handle and the underlying cache is safe for concurrent readers.
type deltaWindow struct {
	entries *lru.Cache[uint64, windowValue]
}

func newDeltaWindow() (*deltaWindow, error) {
	cache, err := lru.New[uint64, windowValue](windowEntries)
	if err != nil {
		return nil, err
	}
	return &deltaWindow{entries: cache}, nil
}

func (w *deltaWindow) lookup(offset uint64) (windowValue, bool) {
	return w.entries.Get(offset)
}

func (w *deltaWindow) add(offset uint64, v windowValue) {
	if len(v.data) > windowMaxObject {
		return
	}
	w.entries.Add(offset, v)
}
