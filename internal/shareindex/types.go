// Package shareindex implements the Share Indexer (C4): it scans configured
// roots into a full-text-searchable catalog keyed by a masked path, and
// serves Search/Browse/Resolve against an atomically-swapped snapshot.
package shareindex

// Mask is the stable token substituted for a configured root's absolute
// path in every externally visible filename.
type Mask string

// FileAttributes carries the subset of audio/file metadata the Soulseek
// protocol advertises alongside a search or browse result.
type FileAttributes struct {
	Bitrate         int
	LengthSeconds   int
	SampleRate      int
	BitDepth        int
	VariableBitrate bool
	Lossless        bool
}

// FileRecord is one entry in the index: a masked filename plus its size and
// attributes.
type FileRecord struct {
	Filename   string // masked path, backslash-separated on the wire
	Size       uint64
	Extension  string
	Attributes FileAttributes
}

// Directory is one browse-view entry: a masked directory name plus the
// files directly inside it.
type Directory struct {
	MaskedName string
	Files      []FileRecord
}

// Share describes one configured root as advertised to readers: its host
// (empty for the local process, an agent name when relayed), its mask, its
// absolute root and the filter rules applied to it.
type Share struct {
	Host    string
	Mask    Mask
	Root    string
	Filters FilterSet
}

// CollisionPolicy controls what happens when two roots produce the same
// masked relative path during a Fill (§9 open question #2).
type CollisionPolicy int

const (
	// LastWriteWins logs the collision and keeps the later insertion.
	LastWriteWins CollisionPolicy = iota
	// FailBuild aborts the Fill entirely on the first collision.
	FailBuild
)

// RootConfig is one configured share root, as supplied by the Options Store.
type RootConfig struct {
	Host    string
	Root    string
	Filters FilterSet
}
