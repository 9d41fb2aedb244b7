package imagebuild

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/ocibuild/internal/buildconfig"
)

func TestBuildManifestSkipsEmptyLayers(t *testing.T) {
	spec := buildconfig.ImageSpec{Annotations: map[string]string{"org.opencontainers.image.title": "my-image"}}
	configDigest := digest.FromString("config")
	layers := []LayerResult{
		{Empty: true},
		{BlobDigest: digest.FromString("layer"), Size: 42, MediaType: "application/vnd.oci.image.layer.v1.tar+gzip"},
	}

	m := BuildManifest(spec, configDigest, 10, layers)

	assert.Equal(t, 2, m.SchemaVersion)
	assert.Equal(t, "application/vnd.oci.image.manifest.v1+json", m.MediaType)
	assert.Equal(t, configDigest, m.Config.Digest)
	require.Len(t, m.Layers, 1)
	assert.Equal(t, int64(42), m.Layers[0].Size)
	assert.Equal(t, "my-image", m.Annotations["org.opencontainers.image.title"])
}
