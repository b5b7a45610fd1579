package object

import "errors"

// Sentinel errors returned by the store. All are wrapped with context
// (path, hash, offset) via fmt.Errorf("...: %w", ...) and should be
// matched with errors.Is.
var (
	// ErrNotFound reports that a hash is absent from every backing store.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupt reports a malformed loose object, pack entry, or index:
	// bad envelope, length mismatch, truncated data.
	ErrCorrupt = errors.New("corrupt object data")

	// ErrChecksumMismatch reports a pack or index trailer that disagrees
	// with the recomputed digest. No object from that file can be trusted.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrDelta reports a malformed delta stream: out-of-range copy, zero
	// command byte, truncation, or a result size disagreement.
	ErrDelta = errors.New("invalid delta")

	// ErrDeltaChainTooDeep reports a delta chain exceeding the configured
	// depth ceiling.
	ErrDeltaChainTooDeep = errors.New("delta chain too deep")

	// ErrDeltaCycle reports a delta whose base resolves back to an object
	// already on the current resolution path.
	ErrDeltaCycle = errors.New("delta cycle detected")

	// ErrAmbiguousPrefix reports a prefix matching two or more hashes.
	ErrAmbiguousPrefix = errors.New("ambiguous hash prefix")

	// ErrHashCollision reports two distinct contents hashing equal. The
	// offending write is halted; the stored object is never replaced.
	ErrHashCollision = errors.New("hash collision")

	// ErrInvalidHexLength reports hex text whose length does not match the
	// algorithm's digest width.
	ErrInvalidHexLength = errors.New("invalid hash length")

	// ErrInvalidHex reports a non-hex character in hash text.
	ErrInvalidHex = errors.New("invalid hash character")
)
