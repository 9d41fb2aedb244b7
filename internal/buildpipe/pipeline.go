// Package buildpipe wires the single-pass streaming pipeline spec.md §4.7
// describes: scan -> dedup plan -> tar writer -> diff-id digest -> optional
// compression -> blob digest -> content-addressed store, all in one pass
// with no whole-layer buffering. Grounded on containers/image's
// copy/blob.go copyBlobFromStream (digestingReader tee'd around a
// compression stage) generalized from "copy an existing blob" to "build a
// new one from scratch", and on zeroimage's internal/tarlayer/tarlayer.go
// for the dual-digest-via-io.MultiWriter shape.
package buildpipe

import (
	"time"

	"github.com/pkg/errors"

	"github.com/containers/ocibuild/internal/blobstore"
	"github.com/containers/ocibuild/internal/compressor"
	"github.com/containers/ocibuild/internal/digestsink"
	"github.com/containers/ocibuild/internal/fsscan"
	"github.com/containers/ocibuild/internal/imagebuild"
	"github.com/containers/ocibuild/internal/layerplan"
	"github.com/containers/ocibuild/internal/parentlayer"
	"github.com/containers/ocibuild/internal/tarlayer"
)

// Options configures one layer build.
type Options struct {
	ScanRoot         string
	Parent           *parentlayer.Index
	Store            *blobstore.Store
	Compression      compressor.Kind
	CompressionLevel int
	Epoch            time.Time
	ScanOptions      fsscan.Options
}

// BuildLayer scans Options.ScanRoot, dedups against Options.Parent, and, if
// anything changed, streams a new compressed layer blob into Options.Store.
// An unchanged filesystem, or an Options.ScanRoot left empty (spec.md §3's
// "optional layer source path"), yields a LayerResult with Empty set and no
// blob written, matching spec.md §4.9's empty_layer history entries.
func BuildLayer(opts Options) (imagebuild.LayerResult, error) {
	if opts.ScanRoot == "" {
		return imagebuild.LayerResult{Empty: true, HistoryNote: "no changes"}, nil
	}

	scanned, err := fsscan.Scan(opts.ScanRoot, opts.ScanOptions)
	if err != nil {
		return imagebuild.LayerResult{}, errors.Wrapf(err, "scanning %q", opts.ScanRoot)
	}

	plan := layerplan.Build(scanned, opts.Parent)
	if plan.Empty {
		return imagebuild.LayerResult{Empty: true, HistoryNote: "no changes"}, nil
	}

	w, err := opts.Store.Begin()
	if err != nil {
		return imagebuild.LayerResult{}, errors.Wrap(err, "opening blob writer")
	}

	result, err := stream(w, plan, opts)
	if err != nil {
		w.Abort()
		return imagebuild.LayerResult{}, err
	}
	return result, nil
}

func stream(w *blobstore.Writer, plan layerplan.Plan, opts Options) (imagebuild.LayerResult, error) {
	blobSink := digestsink.New(w)

	encoder, err := compressor.New(blobSink, opts.Compression, effectiveLevel(opts), opts.Epoch)
	if err != nil {
		return imagebuild.LayerResult{}, errors.Wrap(err, "creating compression encoder")
	}

	diffSink := digestsink.New(encoder)
	tw := tarlayer.NewWriter(diffSink, opts.Epoch)

	for _, entry := range plan.Entries {
		if err := tw.Append(entry); err != nil {
			return imagebuild.LayerResult{}, errors.Wrapf(err, "appending %q to layer tar", entry.Path)
		}
	}
	if err := tw.Close(); err != nil {
		return imagebuild.LayerResult{}, errors.Wrap(err, "closing layer tar")
	}
	if err := encoder.Close(); err != nil {
		return imagebuild.LayerResult{}, errors.Wrap(err, "closing compression encoder")
	}

	diffID, _ := diffSink.Finalize()
	blobDigest, size, err := w.Finalize()
	if err != nil {
		return imagebuild.LayerResult{}, errors.Wrap(err, "committing layer blob")
	}

	return imagebuild.LayerResult{
		DiffID:      diffID,
		BlobDigest:  blobDigest,
		Size:        size,
		MediaType:   compressor.MediaType(opts.Compression),
		HistoryNote: "build layer",
	}, nil
}

func effectiveLevel(opts Options) int {
	if opts.CompressionLevel != 0 {
		return opts.CompressionLevel
	}
	return compressor.DefaultLevel(opts.Compression)
}
