// Package imagebuild assembles the OCI image config and manifest JSON
// documents from a completed set of layer results, per spec.md §4.9.
// Grounded on containers/image's image/oci.go manifestOCI1/toGenericManifest
// conversions and manifest/docker_schema2.go's config/history shaping,
// rebound to opencontainers/image-spec's specs-go/v1 types directly instead
// of the teacher's internal partial-image abstraction (which exists to
// support many source formats we do not read).
package imagebuild

import (
	"encoding/json"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/containers/ocibuild/internal/buildconfig"
	"github.com/containers/ocibuild/internal/epoch"
)

// LayerResult is one built (or deduped-to-empty) layer, in build order.
type LayerResult struct {
	DiffID      digest.Digest
	BlobDigest  digest.Digest
	Size        int64
	MediaType   string
	Empty       bool
	HistoryNote string
}

// BuildImageConfig assembles the image config JSON for one image, chaining
// onto a parent's diff_ids and history when present.
func BuildImageConfig(spec buildconfig.ImageSpec, layers []LayerResult, parent *imgspecv1.Image, created time.Time) (imgspecv1.Image, error) {
	var cfg imgspecv1.Image
	if parent != nil {
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, parent.RootFS.DiffIDs...)
		cfg.History = append(cfg.History, parent.History...)
	}
	cfg.RootFS.Type = "layers"

	createdCopy := created
	cfg.Created = &createdCopy
	cfg.Author = spec.Author
	cfg.Architecture = spec.Architecture
	cfg.OS = spec.OS
	cfg.Variant = spec.Variant

	imageConfig, err := decodeImageConfig(spec.Config)
	if err != nil {
		return cfg, errors.Wrapf(err, "decoding config passthrough for image %q", spec.Name)
	}
	cfg.Config = imageConfig

	for _, l := range layers {
		h := imgspecv1.History{
			Created:    &createdCopy,
			CreatedBy:  l.HistoryNote,
			Author:     spec.Author,
			Comment:    spec.Comment,
			EmptyLayer: l.Empty,
		}
		cfg.History = append(cfg.History, h)
		if !l.Empty {
			cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, l.DiffID)
		}
	}

	return cfg, nil
}

// decodeImageConfig round-trips the YAML passthrough map through JSON into
// the strongly typed OCI ImageConfig, so field names and nesting must match
// the spec's JSON field names exactly (the same contract Docker's own
// config JSON has always had).
func decodeImageConfig(raw map[string]interface{}) (imgspecv1.ImageConfig, error) {
	var cfg imgspecv1.ImageConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, errors.Wrap(err, "re-marshaling config passthrough")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshaling config passthrough")
	}
	return cfg, nil
}

// FormattedCreated is a convenience for log lines and annotations.
func FormattedCreated(t time.Time) string {
	return epoch.Format(t)
}
