// Package ociindex writes the two files that make an output directory a
// valid OCI Image Layout: the oci-layout marker and index.json, listing
// every built image's manifest in input order regardless of which image's
// build goroutine finished first. Grounded on containers/image's
// oci/oci_dest.go (blobPath/ociLayoutPath, PutManifest's index.json
// read-modify-write) and manifest/list.go's descriptor shaping.
package ociindex

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const layoutVersion = "1.0.0"

// Entry is one image's manifest descriptor destined for index.json.
// Annotations here are the descriptor's own (spec.md §6's
// "index-annotations"), distinct from the manifest blob's own annotations.
type Entry struct {
	Digest       digest.Digest
	Size         int64
	Architecture string
	OS           string
	Variant      string
	Annotations  map[string]string
}

// Write creates (or overwrites) oci-layout and index.json inside root,
// listing entries in the given order. topLevelAnnotations land on
// index.json's own annotations object (spec.md §6's top-level "annotations"
// key), separate from any entry's own Annotations.
func Write(root string, entries []Entry, topLevelAnnotations map[string]string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %q", root)
	}

	layout := imgspecv1.ImageLayout{Version: layoutVersion}
	layoutBytes, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling oci-layout")
	}
	if err := os.WriteFile(filepath.Join(root, "oci-layout"), layoutBytes, 0o644); err != nil {
		return errors.Wrap(err, "writing oci-layout")
	}

	index := imgspecv1.Index{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   imgspecv1.MediaTypeImageIndex,
		Annotations: topLevelAnnotations,
	}
	for _, e := range entries {
		desc := imgspecv1.Descriptor{
			MediaType:   imgspecv1.MediaTypeImageManifest,
			Digest:      e.Digest,
			Size:        e.Size,
			Annotations: e.Annotations,
		}
		if e.Architecture != "" || e.OS != "" {
			desc.Platform = &imgspecv1.Platform{
				Architecture: e.Architecture,
				OS:           e.OS,
				Variant:      e.Variant,
			}
		}
		index.Manifests = append(index.Manifests, desc)
	}

	indexBytes, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling index.json")
	}
	if err := os.WriteFile(filepath.Join(root, "index.json"), indexBytes, 0o644); err != nil {
		return errors.Wrap(err, "writing index.json")
	}
	return nil
}
