// Package blobstore implements the content-addressed blobs/sha256 directory:
// streamed writes through a temp file, committed by atomic rename onto the
// SHA-256 of the bytes written. Grounded on oci_dest.go's PutBlob/blobPath
// convention and directory_dest.go's create-write-sync pattern, generalized
// for multi-writer safety (our worker pool writes many blobs concurrently,
// the teacher's single-writer call sites did not need that).
package blobstore

import (
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/containers/ocibuild/internal/digestsink"
)

// Store is a blobs/sha256 directory rooted at a given OCI layout directory.
type Store struct {
	root string // the blobs/sha256 directory
}

// New ensures root/blobs/sha256 exists and returns a Store for it.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, "blobs", "sha256")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating blob directory %q", dir)
	}
	return &Store{root: dir}, nil
}

// Writer streams bytes to a unique temp file while hashing them.
type Writer struct {
	store *Store
	file  *os.File
	sink  *digestsink.Sink
}

// Begin opens a new writer backed by a temp file inside the blob directory.
func (s *Store) Begin() (*Writer, error) {
	f, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating blob temp file")
	}
	return &Writer{store: s, file: f, sink: digestsink.New(f)}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.sink.Write(p)
}

// Finalize renames the temp file to the hex digest of the bytes written and
// returns the digest and size. If a blob with that digest already exists
// (e.g. two images sharing an identical config), the temp file is discarded
// and the existing file is reused. Failures leave no file behind.
func (w *Writer) Finalize() (digest.Digest, int64, error) {
	d, size := w.sink.Finalize()
	if err := w.file.Sync(); err != nil {
		w.abort()
		return "", 0, errors.Wrap(err, "syncing blob temp file")
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return "", 0, errors.Wrap(err, "closing blob temp file")
	}

	dest := filepath.Join(w.store.root, d.Encoded())
	if _, err := os.Stat(dest); err == nil {
		logrus.WithField("digest", d).Debug("blob already present, discarding duplicate temp file")
		if rmErr := os.Remove(w.file.Name()); rmErr != nil {
			return "", 0, errors.Wrap(rmErr, "removing duplicate blob temp file")
		}
		return d, size, nil
	}

	if err := os.Rename(w.file.Name(), dest); err != nil {
		os.Remove(w.file.Name())
		return "", 0, errors.Wrapf(err, "committing blob %s", d)
	}
	return d, size, nil
}

// Abort discards an in-progress write, removing its temp file.
func (w *Writer) Abort() {
	w.abort()
}

func (w *Writer) abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}

// PutBytes is a convenience for committing a small, already-materialized blob.
func (s *Store) PutBytes(b []byte) (digest.Digest, int64, error) {
	w, err := s.Begin()
	if err != nil {
		return "", 0, err
	}
	if _, err := w.Write(b); err != nil {
		w.Abort()
		return "", 0, errors.Wrap(err, "writing blob bytes")
	}
	return w.Finalize()
}

// Path returns the on-disk path for an already-committed blob digest.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, d.Encoded())
}

// Open returns a reader over an already-committed blob.
func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(d))
	if err != nil {
		return nil, errors.Wrapf(err, "opening blob %s", d)
	}
	return f, nil
}
