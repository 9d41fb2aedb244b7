package tarlayer

import (
	"archive/tar"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// DefaultBufferSize is the write buffer used when streaming entry content,
// matching spec.md §4.2's "configurable write buffer (default 128 KiB)".
const DefaultBufferSize = 128 * 1024

// Writer appends FsEntry values to an underlying io.Writer as a POSIX ustar
// archive, normalizing every field spec.md §4.2 requires for byte-level
// reproducibility. The caller is responsible for presenting entries in
// byte-ascending archive-path order; Writer does not sort.
type Writer struct {
	tw        *tar.Writer
	epoch     time.Time
	skipXattr bool
	buf       []byte
	seen      map[string]bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithSkipXattrs suppresses PAX xattr record emission entirely.
func WithSkipXattrs(skip bool) Option {
	return func(w *Writer) { w.skipXattr = skip }
}

// WithBufferSize overrides the streaming copy buffer size.
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.buf = make([]byte, n)
		}
	}
}

// NewWriter returns a Writer that stamps every entry's mtime with epoch.
func NewWriter(w io.Writer, epoch time.Time, opts ...Option) *Writer {
	tw := &Writer{
		tw:    tar.NewWriter(w),
		epoch: epoch,
		buf:   make([]byte, DefaultBufferSize),
		seen:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tw)
	}
	return tw
}

// Append writes one entry and its payload, streamed from entry.Open (never
// loaded whole into memory).
func (w *Writer) Append(entry FsEntry) error {
	if w.seen[entry.Path] {
		return errors.Errorf("tarlayer: duplicate archive path %q", entry.Path)
	}
	w.seen[entry.Path] = true

	hdr, err := w.header(entry)
	if err != nil {
		return errors.Wrapf(err, "building tar header for %q", entry.Path)
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing tar header for %q", entry.Path)
	}
	if entry.Kind != KindRegular || entry.Open == nil {
		return nil
	}
	src, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "opening content for %q", entry.Path)
	}
	defer src.Close()

	written, err := io.CopyBuffer(w.tw, src, w.buf)
	if err != nil {
		return errors.Wrapf(err, "streaming content for %q", entry.Path)
	}
	if written != entry.Size {
		return errors.Errorf("tarlayer: size mismatch for %q: header says %d, wrote %d", entry.Path, entry.Size, written)
	}
	return nil
}

// Close writes the archive terminator (two 512-byte zero blocks).
func (w *Writer) Close() error {
	return w.tw.Close()
}

func (w *Writer) header(e FsEntry) (*tar.Header, error) {
	hdr := &tar.Header{
		Name:       e.Path,
		Mode:       int64(e.Mode),
		Uid:        e.UID,
		Gid:        e.GID,
		ModTime:    w.epoch,
		Format:     tar.FormatPAX,
		PAXRecords: map[string]string{},
	}

	switch e.Kind {
	case KindDirectory:
		hdr.Typeflag = tar.TypeDir
		if len(e.Path) == 0 || e.Path[len(e.Path)-1] != '/' {
			hdr.Name += "/"
		}
		hdr.Size = 0
	case KindRegular, KindWhiteout, KindOpaqueWhiteout:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
		hdr.Size = 0
	case KindHardlink:
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = e.LinkTarget
		hdr.Size = 0
	case KindCharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor = e.DevMajor
		hdr.Devminor = e.DevMinor
	case KindBlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor = e.DevMajor
		hdr.Devminor = e.DevMinor
	case KindFIFO:
		hdr.Typeflag = tar.TypeFifo
	default:
		return nil, errors.Errorf("unsupported entry kind %d", e.Kind)
	}

	if !w.skipXattr {
		names := make([]string, 0, len(e.Xattrs))
		for name := range e.Xattrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			hdr.PAXRecords["SCHILY.xattr."+name] = string(e.Xattrs[name])
		}
	}
	if len(hdr.PAXRecords) == 0 {
		hdr.PAXRecords = nil
	}

	return hdr, nil
}
