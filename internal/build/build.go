// Package build is the top-level orchestrator: it fans a BuildConfig's
// images out across a bounded worker pool, builds each image's layer(s),
// config, and manifest, and writes the final index.json preserving the
// config's image order regardless of which image finished building first.
// Grounded on buildah's imagebuildah.Build fan-out-with-ordered-results
// shape, generalized from "build many images from Dockerfiles" to "build
// many images from filesystem contexts".
package build

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/containers/ocibuild/internal/blobstore"
	"github.com/containers/ocibuild/internal/buildconfig"
	"github.com/containers/ocibuild/internal/buildpipe"
	"github.com/containers/ocibuild/internal/compressor"
	"github.com/containers/ocibuild/internal/epoch"
	"github.com/containers/ocibuild/internal/fsscan"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containers/ocibuild/internal/imagebuild"
	"github.com/containers/ocibuild/internal/ociindex"
	"github.com/containers/ocibuild/internal/parentlayer"
	"github.com/containers/ocibuild/internal/workerpool"
)

// Run executes cfg: every image in cfg.Images is built and the resulting
// index.json is written to cfg.OutputDir in the same order they appear in
// cfg.Images.
func Run(cfg *buildconfig.BuildConfig) error {
	effectiveEpoch, err := epoch.Resolve(time.Now())
	if err != nil {
		return errors.Wrap(err, "resolving build epoch")
	}

	compKind, err := compressor.ParseKind(cfg.Compression)
	if err != nil {
		return errors.Wrap(err, "parsing compression configuration")
	}

	store, err := blobstore.New(cfg.OutputDir)
	if err != nil {
		return err
	}

	entries := make([]ociindex.Entry, len(cfg.Images))
	group, _ := workerpool.New(context.Background(), workerpool.Resolve(cfg.Workers))

	for i, spec := range cfg.Images {
		i, spec := i, spec
		group.Go(func() error {
			logrus.WithField("image", spec.Name).Info("building image")
			entry, err := buildImage(spec, store, compKind, cfg.CompressionLevel, cfg.SkipXattrs, effectiveEpoch)
			if err != nil {
				return errors.Wrapf(err, "building image %q", spec.Name)
			}
			entries[i] = entry
			logrus.WithFields(logrus.Fields{
				"image":  spec.Name,
				"digest": entry.Digest,
			}).Info("image built")
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	if err := ociindex.Write(cfg.OutputDir, entries, cfg.Annotations); err != nil {
		return errors.Wrap(err, "writing output index")
	}
	return nil
}

func buildImage(spec buildconfig.ImageSpec, store *blobstore.Store, compKind compressor.Kind, level int, skipXattrs bool, effectiveEpoch time.Time) (ociindex.Entry, error) {
	var parentIndex *parentlayer.Index
	var parentConfig *imgspecv1.Image

	if spec.Parent != nil {
		p, err := parentlayer.Load(*spec.Parent)
		if err != nil {
			return ociindex.Entry{}, errors.Wrapf(err, "loading parent for image %q", spec.Name)
		}
		parentIndex = p.Index
		parentConfig = &p.Config
	}

	layerResult, err := buildpipe.BuildLayer(buildpipe.Options{
		ScanRoot:         spec.Layer,
		Parent:           parentIndex,
		Store:            store,
		Compression:      compKind,
		CompressionLevel: level,
		Epoch:            effectiveEpoch,
		ScanOptions:      fsscan.Options{SkipXattrs: skipXattrs},
	})
	if err != nil {
		return ociindex.Entry{}, errors.Wrapf(err, "building layer for image %q", spec.Name)
	}
	layers := []imagebuild.LayerResult{layerResult}

	imgConfig, err := imagebuild.BuildImageConfig(spec, layers, parentConfig, effectiveEpoch)
	if err != nil {
		return ociindex.Entry{}, err
	}
	configBytes, err := json.Marshal(imgConfig)
	if err != nil {
		return ociindex.Entry{}, errors.Wrapf(err, "marshaling config for image %q", spec.Name)
	}
	configDigest, configSize, err := store.PutBytes(configBytes)
	if err != nil {
		return ociindex.Entry{}, errors.Wrapf(err, "storing config for image %q", spec.Name)
	}

	manifest := imagebuild.BuildManifest(spec, configDigest, configSize, layers)
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return ociindex.Entry{}, errors.Wrapf(err, "marshaling manifest for image %q", spec.Name)
	}
	manifestDigest, manifestSize, err := store.PutBytes(manifestBytes)
	if err != nil {
		return ociindex.Entry{}, errors.Wrapf(err, "storing manifest for image %q", spec.Name)
	}

	return ociindex.Entry{
		Digest:       manifestDigest,
		Size:         manifestSize,
		Architecture: spec.Architecture,
		OS:           spec.OS,
		Variant:      spec.Variant,
		Annotations:  spec.IndexAnnotations,
	}, nil
}
