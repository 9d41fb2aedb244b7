// Package tarlayer builds deterministic, reproducible tar archives for OCI
// image layers and describes the filesystem entries that go into them.
package tarlayer

// EntryKind classifies an FsEntry for tar header purposes.
type EntryKind int

const (
	// KindDirectory is a directory entry.
	KindDirectory EntryKind = iota
	// KindRegular is a regular file with content.
	KindRegular
	// KindSymlink stores a raw link target, never dereferenced.
	KindSymlink
	// KindHardlink points at the first-seen archive path for the same inode.
	KindHardlink
	// KindCharDevice is a character device node.
	KindCharDevice
	// KindBlockDevice is a block device node.
	KindBlockDevice
	// KindFIFO is a named pipe.
	KindFIFO
	// KindWhiteout deletes a path present in a parent layer.
	KindWhiteout
	// KindOpaqueWhiteout clears all parent entries under a directory.
	KindOpaqueWhiteout
)

// Fingerprint is the per-entry dedup key described in spec.md §4.4.
//
// For regular files it is (size, mode, uid, gid, xattrs, content digest).
// For every other kind it is (kind, mode, uid, gid, link-target-or-device,
// xattrs); a hardlink additionally carries the Size and ContentDigest of the
// regular file it links to. ContentDigest is empty for all other
// non-regular entries.
type Fingerprint struct {
	Kind          EntryKind
	Size          int64
	Mode          uint32
	UID           int
	GID           int
	LinkOrDevice  string
	XattrsDigest  string
	ContentDigest string
}

// FsEntry is one filesystem object ready for tar serialization.
type FsEntry struct {
	// Path is the archive path: relative, no leading "./" or "/", forward slashes.
	Path string
	Kind EntryKind
	Mode uint32
	UID  int
	GID  int
	// Size is the byte count for regular files; zero otherwise.
	Size int64
	// LinkTarget is the symlink target, the hardlink's first-seen archive
	// path, or empty.
	LinkTarget string
	// DevMajor/DevMinor are set only for KindCharDevice/KindBlockDevice.
	DevMajor int64
	DevMinor int64
	// Xattrs holds extended attribute name/value pairs, unsorted; the tar
	// writer sorts them by name before emission.
	Xattrs map[string][]byte
	// Open, when non-nil, returns a fresh reader over the entry's content.
	// Only set for KindRegular. Must support being called more than once
	// (the planner may dedup without ever calling it, and the orchestrator
	// calls it exactly once when it keeps the entry).
	Open func() (ReadCloser, error)
	// Fingerprint is computed once during scanning and reused by the planner.
	Fingerprint Fingerprint
}

// ReadCloser is the minimal interface FsEntry.Open must return; satisfied by *os.File.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// IsDir reports whether the entry is a directory.
func (e FsEntry) IsDir() bool { return e.Kind == KindDirectory }

// whiteoutPrefix is the conventional marker prefix for deleted paths.
const whiteoutPrefix = ".wh."

// OpaqueWhiteoutName is the marker file indicating a directory's parent
// contents have been entirely replaced.
const OpaqueWhiteoutName = whiteoutPrefix + whiteoutPrefix + ".opq"
