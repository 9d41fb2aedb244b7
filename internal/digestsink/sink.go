// Package digestsink provides a write-through SHA-256 digest accumulator,
// the building block the layer pipeline tees bytes through twice: once for
// the uncompressed diff-id, once for the compressed blob digest.
package digestsink

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// Sink forwards every write to an underlying io.Writer while maintaining a
// running SHA-256 of the bytes observed.
type Sink struct {
	dest    io.Writer
	hasher  digest.Digester
	written int64
}

// New wraps dest. If dest is nil, the sink only hashes (counts) bytes and
// discards them, useful when nothing downstream needs the stream itself.
func New(dest io.Writer) *Sink {
	if dest == nil {
		dest = io.Discard
	}
	return &Sink{dest: dest, hasher: digest.Canonical.Digester()}
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.dest.Write(p)
	if n > 0 {
		if _, herr := s.hasher.Hash().Write(p[:n]); herr != nil {
			return n, herr
		}
		s.written += int64(n)
	}
	return n, err
}

// Finalize returns the accumulated digest and byte count. Safe to call more
// than once; the result does not change after the last Write.
func (s *Sink) Finalize() (digest.Digest, int64) {
	return s.hasher.Digest(), s.written
}
