package buildconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadValidConfig(t *testing.T) {
	doc := `
compression: gzip
images:
  - architecture: amd64
    os: linux
    layer: ./layer-a
    author: test-suite
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "gzip", cfg.Compression)
	assert.Equal(t, ".", cfg.OutputDir)
	require.Len(t, cfg.Images, 1)
	assert.Equal(t, "amd64", cfg.Images[0].Architecture)
}

func TestLoadDefaultsCompressionToGzip(t *testing.T) {
	doc := `
images:
  - architecture: amd64
    os: linux
    layer: ./layer-a
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "gzip", cfg.Compression)
}

func TestLoadRejectsUnknownCompression(t *testing.T) {
	doc := `
compression: lz4
images:
  - architecture: amd64
    os: linux
    layer: ./a
`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	doc := `
images:
  - os: linux
    layer: ./a
`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsEmptyImagesList(t *testing.T) {
	doc := `images: []`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("images: [this is not valid: : :"))
	assert.Error(t, err)
}

func TestLoadParsesParentRef(t *testing.T) {
	doc := `
images:
  - architecture: arm64
    os: linux
    layer: ./a
    parent:
      image: ../base
      index: 1
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.NotNil(t, cfg.Images[0].Parent)
	assert.Equal(t, "../base", cfg.Images[0].Parent.Image)
	assert.Equal(t, 1, cfg.Images[0].Parent.Index)
}

func TestLoadPassesThroughConfigMap(t *testing.T) {
	doc := `
images:
  - architecture: amd64
    os: linux
    layer: ./a
    config:
      Env:
        - PATH=/usr/bin
      WorkingDir: /app
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "/app", cfg.Images[0].Config["WorkingDir"])
}
