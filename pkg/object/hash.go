package object

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// HashAlgorithm selects the repository-wide digest function. It is fixed
// per store and affects every hash, path, pack, and index width.
type HashAlgorithm string

const (
	AlgoSHA1   HashAlgorithm = "sha1"
	AlgoSHA256 HashAlgorithm = "sha256"
)

// Size returns the raw digest width in bytes.
func (a HashAlgorithm) Size() int {
	if a == AlgoSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

// HexSize returns the hex text width of a digest.
func (a HashAlgorithm) HexSize() int { return a.Size() * 2 }

// New returns a fresh hash.Hash for the algorithm.
func (a HashAlgorithm) New() hash.Hash {
	if a == AlgoSHA1 {
		return sha1.New()
	}
	return sha256.New()
}

// Valid reports whether a names a supported algorithm.
func (a HashAlgorithm) Valid() bool { return a == AlgoSHA1 || a == AlgoSHA256 }

// HashBytes computes the raw digest of data and returns it hex-encoded.
func HashBytes(algo HashAlgorithm, data []byte) Hash {
	h := algo.New()
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// HashObject computes the digest of the envelope "type len\0content". The
// envelope digest is the object's identity; it is derived, never assigned.
func HashObject(algo HashAlgorithm, objType ObjectType, data []byte) Hash {
	h := algo.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(data))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// ParseHash validates hex text against the algorithm's width and character
// set and returns it as a Hash.
func ParseHash(algo HashAlgorithm, s string) (Hash, error) {
	if len(s) != algo.HexSize() {
		return "", fmt.Errorf("%w: got %d chars, want %d", ErrInvalidHexLength, len(s), algo.HexSize())
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return "", fmt.Errorf("%w: %q at position %d", ErrInvalidHex, s[i], i)
		}
	}
	return Hash(s), nil
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f'
}

// Raw decodes the hash into its raw digest bytes.
func (h Hash) Raw() ([]byte, error) {
	raw, err := hex.DecodeString(string(h))
	if err != nil {
		return nil, fmt.Errorf("%w: hash %q", ErrInvalidHex, h)
	}
	return raw, nil
}

// rawHash converts a raw digest to its hex Hash form.
func rawHash(raw []byte) Hash { return Hash(hex.EncodeToString(raw)) }

// ResolvePrefix finds the unique hash in the sorted candidate list whose
// hex form starts with prefix. It returns ErrNotFound when nothing
// matches and ErrAmbiguousPrefix when two or more hashes do.
func ResolvePrefix(sorted []Hash, prefix string) (Hash, error) {
	for i := 0; i < len(prefix); i++ {
		if !isHexDigit(prefix[i]) {
			return "", fmt.Errorf("%w: %q at position %d", ErrInvalidHex, prefix[i], i)
		}
	}
	i := sort.Search(len(sorted), func(i int) bool {
		return string(sorted[i]) >= prefix
	})
	var matches []Hash
	for ; i < len(sorted) && strings.HasPrefix(string(sorted[i]), prefix); i++ {
		if len(matches) > 0 && matches[len(matches)-1] == sorted[i] {
			continue // same object known to several backing stores
		}
		matches = append(matches, sorted[i])
		if len(matches) > 1 {
			return "", fmt.Errorf("%w: %q", ErrAmbiguousPrefix, prefix)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: prefix %q", ErrNotFound, prefix)
	}
	return matches[0], nil
}
