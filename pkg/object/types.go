package object

// Hash is a lowercase hex-encoded content digest. Its length depends on the
// repository hash algorithm: 40 characters for SHA-1, 64 for SHA-256.
// Lexicographic order of the hex text equals byte order of the raw digest.
type Hash string

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

// validObjectType reports whether t is one of the four storable kinds.
func validObjectType(t ObjectType) bool {
	switch t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return true
	}
	return false
}

// Mode is a tree entry file mode, stored as the usual octal value.
type Mode uint32

const (
	ModeFile       Mode = 0o100644
	ModeExecutable Mode = 0o100755
	ModeSymlink    Mode = 0o120000
	ModeDir        Mode = 0o040000
	ModeGitlink    Mode = 0o160000
)

// IsDir reports whether the mode describes a subdirectory.
func (m Mode) IsDir() bool { return m&0o170000 == ModeDir }

// Object is the closed set of storable variants. Only the four concrete
// types in this package implement it.
type Object interface {
	Type() ObjectType
}

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

func (*Blob) Type() ObjectType { return TypeBlob }

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Mode   Mode
	Name   string
	Target Hash
}

// TreeObj holds a list of tree entries in canonical order.
type TreeObj struct {
	Entries []TreeEntry
}

func (*TreeObj) Type() ObjectType { return TypeTree }

// Signature is an identity plus timestamp line, as in
// "A U Thor <author@example.com> 1700000000 +0100".
type Signature struct {
	Name  string
	Email string
	When  int64
	TZ    string
}

// ExtraHeader is a commit header line this package does not interpret
// (for example gpgsig). Value keeps embedded newlines for continuation
// lines so the commit round-trips byte-identically.
type ExtraHeader struct {
	Key   string
	Value string
}

// CommitObj represents a commit pointing to a tree with metadata.
type CommitObj struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Extra     []ExtraHeader
	Message   string
}

func (*CommitObj) Type() ObjectType { return TypeCommit }

// TagObj is an annotated tag pointing at another object.
type TagObj struct {
	Target     Hash
	TargetType ObjectType
	Name       string
	Tagger     *Signature
	Message    string
}

func (*TagObj) Type() ObjectType { return TypeTag }
