package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// This file implements the canonical byte form of each object kind. The
// envelope digest is computed over exactly these bytes, so marshal and
// unmarshal must round-trip byte-identically.

// MarshalObject serializes any object variant and reports its type tag.
func MarshalObject(algo HashAlgorithm, o Object) (ObjectType, []byte, error) {
	switch v := o.(type) {
	case *Blob:
		return TypeBlob, MarshalBlob(v), nil
	case *TreeObj:
		data, err := MarshalTree(algo, v)
		return TypeTree, data, err
	case *CommitObj:
		data, err := MarshalCommit(algo, v)
		return TypeCommit, data, err
	case *TagObj:
		data, err := MarshalTag(algo, v)
		return TypeTag, data, err
	}
	return "", nil, fmt.Errorf("marshal: unknown object variant %T", o)
}

// ParseObject is the type-directed decode for any object kind.
func ParseObject(algo HashAlgorithm, objType ObjectType, data []byte) (Object, error) {
	switch objType {
	case TypeBlob:
		return UnmarshalBlob(data)
	case TypeTree:
		return UnmarshalTree(algo, data)
	case TypeCommit:
		return UnmarshalCommit(algo, data)
	case TypeTag:
		return UnmarshalTag(algo, data)
	}
	return nil, fmt.Errorf("parse: unknown object type %q: %w", objType, ErrCorrupt)
}

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// treeSortKey orders entries the way the digest expects: directory names
// compare as if suffixed with the path separator, so "foo" (dir) sorts
// after "foo.txt" and before "foo0".
func treeSortKey(e TreeEntry) string {
	if e.Mode.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// SortTree puts entries into canonical order.
func SortTree(tr *TreeObj) {
	sort.Slice(tr.Entries, func(i, j int) bool {
		return treeSortKey(tr.Entries[i]) < treeSortKey(tr.Entries[j])
	})
}

// MarshalTree serializes a TreeObj. Each entry is
//
//	<octal mode> <name>\0<raw digest>
//
// with entries in canonical order. Entries are sorted on a copy, so the
// argument is never mutated.
func MarshalTree(algo HashAlgorithm, tr *TreeObj) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	var buf bytes.Buffer
	for i, e := range sorted {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("marshal tree: bad entry name %q", e.Name)
		}
		if i > 0 && treeSortKey(sorted[i-1]) == treeSortKey(e) {
			return nil, fmt.Errorf("marshal tree: duplicate entry %q", e.Name)
		}
		raw, err := hashRawChecked(algo, e.Target)
		if err != nil {
			return nil, fmt.Errorf("marshal tree entry %q: %w", e.Name, err)
		}
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// UnmarshalTree parses a TreeObj from its canonical form. Out-of-order or
// malformed entries are rejected so that re-marshaling reproduces the
// input bytes.
func UnmarshalTree(algo HashAlgorithm, data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	rest := data
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("parse tree: truncated mode: %w", ErrCorrupt)
		}
		mode, err := strconv.ParseUint(string(rest[:sp]), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("parse tree: bad mode %q: %w", rest[:sp], ErrCorrupt)
		}
		rest = rest[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul <= 0 {
			return nil, fmt.Errorf("parse tree: truncated name: %w", ErrCorrupt)
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]

		if len(rest) < algo.Size() {
			return nil, fmt.Errorf("parse tree: truncated digest for %q: %w", name, ErrCorrupt)
		}
		entry := TreeEntry{
			Mode:   Mode(mode),
			Name:   name,
			Target: rawHash(rest[:algo.Size()]),
		}
		rest = rest[algo.Size():]

		if n := len(tr.Entries); n > 0 && treeSortKey(tr.Entries[n-1]) >= treeSortKey(entry) {
			return nil, fmt.Errorf("parse tree: entries not in canonical order at %q: %w", name, ErrCorrupt)
		}
		tr.Entries = append(tr.Entries, entry)
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// Signature
// ---------------------------------------------------------------------------

// String formats the signature as an identity line.
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When, s.TZ)
}

func parseSignature(val string) (Signature, error) {
	lt := strings.Index(val, " <")
	gt := strings.Index(val, "> ")
	if lt < 0 || gt < lt {
		return Signature{}, fmt.Errorf("bad identity %q: %w", val, ErrCorrupt)
	}
	sig := Signature{
		Name:  val[:lt],
		Email: val[lt+2 : gt],
	}
	rest := val[gt+2:]
	when, tz, ok := strings.Cut(rest, " ")
	if !ok {
		return Signature{}, fmt.Errorf("bad identity timestamp %q: %w", rest, ErrCorrupt)
	}
	ts, err := strconv.ParseInt(when, 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("bad identity timestamp %q: %w", when, ErrCorrupt)
	}
	sig.When = ts
	sig.TZ = tz
	return sig, nil
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// MarshalCommit serializes a CommitObj:
//
//	tree H
//	parent H      (zero or more)
//	author SIG
//	committer SIG
//	extra headers (verbatim, continuation lines space-prefixed)
//
//	message
func MarshalCommit(algo HashAlgorithm, c *CommitObj) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ParseHash(algo, string(c.Tree)); err != nil {
		return nil, fmt.Errorf("marshal commit tree: %w", err)
	}
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		if _, err := ParseHash(algo, string(p)); err != nil {
			return nil, fmt.Errorf("marshal commit parent: %w", err)
		}
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	for _, h := range c.Extra {
		if h.Key == "" || strings.ContainsAny(h.Key, " \n") {
			return nil, fmt.Errorf("marshal commit: bad header key %q", h.Key)
		}
		fmt.Fprintf(&buf, "%s %s\n", h.Key, strings.ReplaceAll(h.Value, "\n", "\n "))
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

// UnmarshalCommit parses a CommitObj. Required headers must appear in
// canonical order; unknown headers are preserved verbatim in Extra.
func UnmarshalCommit(algo HashAlgorithm, data []byte) (*CommitObj, error) {
	header, message, err := splitHeaderBlock(data)
	if err != nil {
		return nil, fmt.Errorf("parse commit: %w", err)
	}
	c := &CommitObj{Message: message}

	sawTree, sawAuthor, sawCommitter := false, false, false
	for _, line := range headerLines(header) {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("parse commit: malformed header line %q: %w", line, ErrCorrupt)
		}
		switch key {
		case "tree":
			if sawTree {
				return nil, fmt.Errorf("parse commit: duplicate tree header: %w", ErrCorrupt)
			}
			if c.Tree, err = ParseHash(algo, val); err != nil {
				return nil, fmt.Errorf("parse commit tree: %w", err)
			}
			sawTree = true
		case "parent":
			p, err := ParseHash(algo, val)
			if err != nil {
				return nil, fmt.Errorf("parse commit parent: %w", err)
			}
			c.Parents = append(c.Parents, p)
		case "author":
			if sawAuthor {
				return nil, fmt.Errorf("parse commit: duplicate author header: %w", ErrCorrupt)
			}
			if c.Author, err = parseSignature(val); err != nil {
				return nil, fmt.Errorf("parse commit author: %w", err)
			}
			sawAuthor = true
		case "committer":
			if sawCommitter {
				return nil, fmt.Errorf("parse commit: duplicate committer header: %w", ErrCorrupt)
			}
			if c.Committer, err = parseSignature(val); err != nil {
				return nil, fmt.Errorf("parse commit committer: %w", err)
			}
			sawCommitter = true
		default:
			c.Extra = append(c.Extra, ExtraHeader{Key: key, Value: val})
		}
	}
	if !sawTree || !sawAuthor || !sawCommitter {
		return nil, fmt.Errorf("parse commit: missing required header: %w", ErrCorrupt)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// TagObj
// ---------------------------------------------------------------------------

// MarshalTag serializes a TagObj:
//
//	object H
//	type T
//	tag NAME
//	tagger SIG    (optional)
//
//	message
func MarshalTag(algo HashAlgorithm, t *TagObj) ([]byte, error) {
	if _, err := ParseHash(algo, string(t.Target)); err != nil {
		return nil, fmt.Errorf("marshal tag target: %w", err)
	}
	if !validObjectType(t.TargetType) {
		return nil, fmt.Errorf("marshal tag: bad target type %q", t.TargetType)
	}
	if t.Name == "" || strings.ContainsAny(t.Name, " \n") {
		return nil, fmt.Errorf("marshal tag: bad tag name %q", t.Name)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Target)
	fmt.Fprintf(&buf, "type %s\n", t.TargetType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != nil {
		fmt.Fprintf(&buf, "tagger %s\n", *t.Tagger)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

// UnmarshalTag parses a TagObj from its canonical form.
func UnmarshalTag(algo HashAlgorithm, data []byte) (*TagObj, error) {
	header, message, err := splitHeaderBlock(data)
	if err != nil {
		return nil, fmt.Errorf("parse tag: %w", err)
	}
	t := &TagObj{Message: message}
	for _, line := range headerLines(header) {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("parse tag: malformed header line %q: %w", line, ErrCorrupt)
		}
		switch key {
		case "object":
			if t.Target, err = ParseHash(algo, val); err != nil {
				return nil, fmt.Errorf("parse tag object: %w", err)
			}
		case "type":
			if !validObjectType(ObjectType(val)) {
				return nil, fmt.Errorf("parse tag: bad target type %q: %w", val, ErrCorrupt)
			}
			t.TargetType = ObjectType(val)
		case "tag":
			t.Name = val
		case "tagger":
			sig, err := parseSignature(val)
			if err != nil {
				return nil, fmt.Errorf("parse tag tagger: %w", err)
			}
			t.Tagger = &sig
		default:
			return nil, fmt.Errorf("parse tag: unknown header key %q: %w", key, ErrCorrupt)
		}
	}
	if t.Target == "" || t.TargetType == "" || t.Name == "" {
		return nil, fmt.Errorf("parse tag: missing required header: %w", ErrCorrupt)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// shared header framing
// ---------------------------------------------------------------------------

// splitHeaderBlock separates the header lines from the message at the
// first blank line.
func splitHeaderBlock(data []byte) (header, message string, err error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return "", "", fmt.Errorf("missing header/message separator: %w", ErrCorrupt)
	}
	return string(data[:idx]), string(data[idx+2:]), nil
}

// headerLines splits a header block into logical lines, folding
// space-prefixed continuation lines into their parent.
func headerLines(header string) []string {
	var out []string
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, " ") && len(out) > 0 {
			out[len(out)-1] += "\n" + line[1:]
			continue
		}
		out = append(out, line)
	}
	return out
}

// hashRawChecked validates h against the algorithm and decodes it.
func hashRawChecked(algo HashAlgorithm, h Hash) ([]byte, error) {
	if _, err := ParseHash(algo, string(h)); err != nil {
		return nil, err
	}
	return h.Raw()
}
