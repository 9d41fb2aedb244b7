package imagebuild

import (
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containers/ocibuild/internal/buildconfig"
)

// BuildManifest assembles the image manifest JSON referencing a committed
// config blob and the layer blobs in rootfs order.
func BuildManifest(spec buildconfig.ImageSpec, configDigest digest.Digest, configSize int64, layers []LayerResult) imgspecv1.Manifest {
	m := imgspecv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: imgspecv1.MediaTypeImageManifest,
		Config: imgspecv1.Descriptor{
			MediaType: imgspecv1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
		Annotations: spec.Annotations,
	}

	for _, l := range layers {
		if l.Empty {
			continue
		}
		m.Layers = append(m.Layers, imgspecv1.Descriptor{
			MediaType: l.MediaType,
			Digest:    l.BlobDigest,
			Size:      l.Size,
		})
	}

	return m
}
