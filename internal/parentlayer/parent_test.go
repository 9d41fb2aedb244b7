package parentlayer

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/containers/ocibuild/internal/buildconfig"
	"github.com/containers/ocibuild/internal/tarlayer"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  []byte
	linkname string
	mode     int64
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.content) > 0 {
			_, err := tw.Write(e.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// writeLayout assembles a minimal OCI layout at dir with a single manifest
// composed of one blob per entry in layerTars, in order.
func writeLayout(t *testing.T, dir string, layerTars [][]byte) {
	t.Helper()
	blobDir := filepath.Join(dir, "blobs", "sha256")
	require.NoError(t, os.MkdirAll(blobDir, 0o755))

	putBlob := func(b []byte) digest.Digest {
		d := digest.FromBytes(b)
		require.NoError(t, os.WriteFile(filepath.Join(blobDir, d.Encoded()), b, 0o644))
		return d
	}

	var layers []imgspecv1.Descriptor
	for _, lt := range layerTars {
		d := putBlob(lt)
		layers = append(layers, imgspecv1.Descriptor{
			MediaType: "application/vnd.oci.image.layer.v1.tar",
			Digest:    d,
			Size:      int64(len(lt)),
		})
	}

	cfg := imgspecv1.Image{Architecture: "amd64", OS: "linux"}
	cfgBytes, err := json.Marshal(cfg)
	require.NoError(t, err)
	cfgDigest := putBlob(cfgBytes)

	manifest := imgspecv1.Manifest{
		MediaType: "application/vnd.oci.image.manifest.v1+json",
		Config: imgspecv1.Descriptor{
			MediaType: "application/vnd.oci.image.config.v1+json",
			Digest:    cfgDigest,
			Size:      int64(len(cfgBytes)),
		},
		Layers: layers,
	}
	manifest.SchemaVersion = 2
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := putBlob(manifestBytes)

	index := imgspecv1.Index{
		Manifests: []imgspecv1.Descriptor{
			{
				MediaType: "application/vnd.oci.image.manifest.v1+json",
				Digest:    manifestDigest,
				Size:      int64(len(manifestBytes)),
			},
		},
	}
	index.SchemaVersion = 2
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), indexBytes, 0o644))
}

func TestLoadReplaysSingleLayer(t *testing.T) {
	dir := t.TempDir()
	content := []byte("myhostname")
	layer := buildTar(t, []tarEntry{
		{name: "etc", typeflag: tar.TypeDir, mode: 0o755},
		{name: "etc/hostname", typeflag: tar.TypeReg, content: content, mode: 0o644},
	})
	writeLayout(t, dir, [][]byte{layer})

	p, err := Load(buildconfig.ParentRef{Image: dir})
	require.NoError(t, err)

	fp, ok := p.Index.Lookup("etc/hostname")
	require.True(t, ok)
	require.Equal(t, tarlayer.KindRegular, fp.Kind)
	require.Equal(t, digest.FromBytes(content).String(), fp.ContentDigest)

	dirFp, ok := p.Index.Lookup("etc")
	require.True(t, ok)
	require.Equal(t, tarlayer.KindDirectory, dirFp.Kind)
}

func TestLoadAppliesWhiteoutAcrossLayers(t *testing.T) {
	dir := t.TempDir()
	layer1 := buildTar(t, []tarEntry{
		{name: "a", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/b", typeflag: tar.TypeReg, content: []byte("x"), mode: 0o644},
	})
	layer2 := buildTar(t, []tarEntry{
		{name: "a/.wh.b", typeflag: tar.TypeReg, mode: 0o644},
	})
	writeLayout(t, dir, [][]byte{layer1, layer2})

	p, err := Load(buildconfig.ParentRef{Image: dir})
	require.NoError(t, err)

	_, ok := p.Index.Lookup("a/b")
	require.False(t, ok)
	_, ok = p.Index.Lookup("a")
	require.True(t, ok, "whiteout of a/b must not remove sibling directory a")
}

func TestLoadOpaqueWhiteoutClearsSubtree(t *testing.T) {
	dir := t.TempDir()
	layer1 := buildTar(t, []tarEntry{
		{name: "a", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/b", typeflag: tar.TypeReg, content: []byte("x"), mode: 0o644},
		{name: "a/c", typeflag: tar.TypeReg, content: []byte("y"), mode: 0o644},
	})
	layer2 := buildTar(t, []tarEntry{
		{name: "a/.wh..wh..opq", typeflag: tar.TypeReg, mode: 0o644},
		{name: "a/c", typeflag: tar.TypeReg, content: []byte("new"), mode: 0o644},
	})
	writeLayout(t, dir, [][]byte{layer1, layer2})

	p, err := Load(buildconfig.ParentRef{Image: dir})
	require.NoError(t, err)

	_, ok := p.Index.Lookup("a/b")
	require.False(t, ok)
	fp, ok := p.Index.Lookup("a/c")
	require.True(t, ok, "a/c was re-added after the opaque whiteout cleared it")
	require.Equal(t, digest.FromBytes([]byte("new")).String(), fp.ContentDigest)
}

func TestLoadResolvesHardlinkFingerprint(t *testing.T) {
	dir := t.TempDir()
	content := []byte("shared content")
	layer := buildTar(t, []tarEntry{
		{name: "f1", typeflag: tar.TypeReg, content: content, mode: 0o644},
		{name: "f2", typeflag: tar.TypeLink, linkname: "f1"},
	})
	writeLayout(t, dir, [][]byte{layer})

	p, err := Load(buildconfig.ParentRef{Image: dir})
	require.NoError(t, err)

	f1, ok := p.Index.Lookup("f1")
	require.True(t, ok)
	f2, ok := p.Index.Lookup("f2")
	require.True(t, ok)
	require.Equal(t, tarlayer.KindHardlink, f2.Kind)
	require.Equal(t, f1.ContentDigest, f2.ContentDigest)
	require.Equal(t, f1.Size, f2.Size)
}

func TestLoadRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	writeLayout(t, dir, [][]byte{buildTar(t, nil)})

	_, err := Load(buildconfig.ParentRef{Image: dir, Index: 5})
	require.Error(t, err)
}
