// Package compressor implements the optional compression stage between the
// tar writer's diff-id tee and the blob-hash sink: identity, gzip, or zstd,
// each at a tunable level, pinned to deterministic output per spec.md §4.3
// and §9: zstd runs a single encoder stream, and gzip compresses fixed-size
// blocks in parallel so its output does not depend on scheduling.
package compressor

import (
	"compress/gzip"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// Kind selects a compression backend.
type Kind string

const (
	Identity Kind = "disabled"
	Gzip     Kind = "gzip"
	Zstd     Kind = "zstd"
)

const (
	mediaTypeTar     = "application/vnd.oci.image.layer.v1.tar"
	mediaTypeTarGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	mediaTypeTarZstd = "application/vnd.oci.image.layer.v1.tar+zstd"

	gzipBlockSize = 256 * 1024 // fixed block boundary: output depends only on input+level, not goroutine count
	gzipBlocks    = 4

	// unknownOS is RFC 1952's "unknown" OS byte; used so two machines
	// building the same input produce byte-identical gzip headers.
	unknownOS = 255
)

// MediaType returns the OCI layer media type for kind.
func MediaType(kind Kind) string {
	switch kind {
	case Gzip:
		return mediaTypeTarGzip
	case Zstd:
		return mediaTypeTarZstd
	default:
		return mediaTypeTar
	}
}

// DefaultLevel returns the spec.md §6 default compression-level for kind.
func DefaultLevel(kind Kind) int {
	switch kind {
	case Gzip:
		return 5
	case Zstd:
		return 3
	default:
		return 0
	}
}

// ValidateLevel checks level is in range for kind.
func ValidateLevel(kind Kind, level int) error {
	switch kind {
	case Gzip:
		if level < 1 || level > 9 {
			return errors.Errorf("gzip compression-level must be 1-9, got %d", level)
		}
	case Zstd:
		if level < 1 || level > 22 {
			return errors.Errorf("zstd compression-level must be 1-22, got %d", level)
		}
	case Identity:
		if level != 0 {
			return errors.Errorf("compression-level is not applicable to disabled compression")
		}
	default:
		return errors.Errorf("unknown compression kind %q", kind)
	}
	return nil
}

// ParseKind validates a YAML "compression" value.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Gzip, Zstd, Identity:
		return Kind(s), nil
	default:
		return "", errors.Errorf("unknown compression %q: expected gzip, zstd, or disabled", s)
	}
}

// Encoder is a compressing io.WriteCloser. Close finalizes the stream
// (writing footers/epilogues) without closing the underlying writer.
type Encoder interface {
	io.Writer
	Close() error
}

// New returns an Encoder of the given kind writing compressed bytes to dest.
// epoch stamps the gzip header mtime (zstd frames carry no timestamp).
func New(dest io.Writer, kind Kind, level int, epoch time.Time) (Encoder, error) {
	if err := ValidateLevel(kind, level); err != nil {
		return nil, err
	}
	switch kind {
	case Identity:
		return identityEncoder{dest}, nil
	case Gzip:
		zw, err := pgzip.NewWriterLevel(dest, level)
		if err != nil {
			return nil, errors.Wrap(err, "creating gzip encoder")
		}
		if err := zw.SetConcurrency(gzipBlockSize, gzipBlocks); err != nil {
			return nil, errors.Wrap(err, "configuring gzip concurrency")
		}
		zw.Header = gzip.Header{
			ModTime: epoch,
			OS:      unknownOS,
		}
		return zw, nil
	case Zstd:
		zw, err := zstd.NewWriter(dest,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1), // pinned: multi-threaded zstd frames are not bit-reproducible
		)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd encoder")
		}
		return zw, nil
	default:
		return nil, errors.Errorf("unknown compression kind %q", kind)
	}
}

type identityEncoder struct {
	dest io.Writer
}

func (e identityEncoder) Write(p []byte) (int, error) { return e.dest.Write(p) }
func (e identityEncoder) Close() error                { return nil }
