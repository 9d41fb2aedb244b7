// Package parentlayer reads an existing OCI image directory (a build's
// optional parent) and replays its layer tars into a path->Fingerprint
// index the dedup planner compares new filesystem entries against.
//
// Grounded on containers/image's oci/oci_dest.go blob-path convention and
// oci/archive/reader.go's index.json + manifest + config read order,
// generalized from "copy this blob to a destination" into "replay this
// blob's tar entries into an in-memory index". Parent tars are read with
// stdlib archive/tar directly: vbatts/tar-split exists to support
// byte-exact tar stream reconstruction (docker save/load round-tripping),
// which a read-only fingerprint pass never needs. Per spec.md §4.11, every
// layer's tar is parsed concurrently (bounded by internal/workerpool); only
// the cheap in-memory join that applies each layer's effects to the shared
// index runs in manifest order.
package parentlayer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/containers/ocibuild/internal/buildconfig"
	"github.com/containers/ocibuild/internal/tarlayer"
	"github.com/containers/ocibuild/internal/workerpool"
)

// Index maps an archive path to the fingerprint of the parent's final
// version of that path, after replaying every layer in order.
type Index struct {
	entries map[string]tarlayer.Fingerprint
}

// NewIndex returns an empty Index, for tests and for callers composing one
// outside of Load (e.g. a from-scratch image still wanting whiteout
// semantics against a hand-built baseline).
func NewIndex() *Index {
	return &Index{entries: make(map[string]tarlayer.Fingerprint)}
}

// Add records path's fingerprint, overwriting any prior entry for path.
func (idx *Index) Add(path string, fp tarlayer.Fingerprint) {
	if idx.entries == nil {
		idx.entries = make(map[string]tarlayer.Fingerprint)
	}
	idx.entries[path] = fp
}

// Lookup returns the parent's fingerprint for path, if any.
func (idx *Index) Lookup(p string) (tarlayer.Fingerprint, bool) {
	fp, ok := idx.entries[p]
	return fp, ok
}

// Paths returns every path known to the parent, for whiteout emission when
// a new build omits something the parent had.
func (idx *Index) Paths() []string {
	out := make([]string, 0, len(idx.entries))
	for p := range idx.entries {
		out = append(out, p)
	}
	return out
}

// Parent is a fully-loaded parent image: its config (for history/diff_id
// inheritance) and the composed entry index (for dedup).
type Parent struct {
	Manifest imgspecv1.Manifest
	Config   imgspecv1.Image
	Index    *Index
}

// Load opens the OCI layout at ref.Image, selects manifest ref.Index from
// its index.json, and replays every layer in rootfs order.
func Load(ref buildconfig.ParentRef) (*Parent, error) {
	rawIndex, err := os.ReadFile(filepath.Join(ref.Image, "index.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "reading parent index.json at %q", ref.Image)
	}
	var index imgspecv1.Index
	if err := json.Unmarshal(rawIndex, &index); err != nil {
		return nil, errors.Wrapf(err, "parsing parent index.json at %q", ref.Image)
	}
	if ref.Index < 0 || ref.Index >= len(index.Manifests) {
		return nil, errors.Errorf("parent index %d out of range (index.json has %d manifests)", ref.Index, len(index.Manifests))
	}
	manifestDesc := index.Manifests[ref.Index]

	manifest, err := readManifest(ref.Image, manifestDesc.Digest)
	if err != nil {
		return nil, err
	}
	config, err := readConfig(ref.Image, manifest.Config.Digest)
	if err != nil {
		return nil, err
	}

	idx, err := replayLayers(ref.Image, manifest.Layers)
	if err != nil {
		return nil, err
	}

	return &Parent{Manifest: manifest, Config: config, Index: idx}, nil
}

// replayLayers parses every layer's tar in parallel (spec.md §4.11's
// "parent-layer reader parallelizes multi-layer parent analysis, one task
// per parent layer") and then applies each layer's ops sequentially, in
// manifest order, onto one shared Index. Parsing a layer's tar stream is
// independent of every other layer's content; only the join step, which
// decides what a later layer's whiteout or overwrite erases, is order
// sensitive.
func replayLayers(root string, layers []imgspecv1.Descriptor) (*Index, error) {
	opsByLayer := make([][]layerOp, len(layers))

	group, _ := workerpool.New(context.Background(), workerpool.Resolve(0))
	for i, layerDesc := range layers {
		i, layerDesc := i, layerDesc
		group.Go(func() error {
			ops, err := parseLayer(root, layerDesc)
			if err != nil {
				return errors.Wrapf(err, "parsing parent layer %s", layerDesc.Digest)
			}
			opsByLayer[i] = ops
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{entries: make(map[string]tarlayer.Fingerprint)}
	for _, ops := range opsByLayer {
		for _, op := range ops {
			op.apply(idx)
		}
	}
	return idx, nil
}

func blobPath(root string, d digest.Digest) string {
	return filepath.Join(root, "blobs", d.Algorithm().String(), d.Encoded())
}

func readManifest(root string, d digest.Digest) (imgspecv1.Manifest, error) {
	var m imgspecv1.Manifest
	raw, err := os.ReadFile(blobPath(root, d))
	if err != nil {
		return m, errors.Wrapf(err, "reading parent manifest %s", d)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, errors.Wrapf(err, "parsing parent manifest %s", d)
	}
	return m, nil
}

func readConfig(root string, d digest.Digest) (imgspecv1.Image, error) {
	var c imgspecv1.Image
	raw, err := os.ReadFile(blobPath(root, d))
	if err != nil {
		return c, errors.Wrapf(err, "reading parent config %s", d)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, errors.Wrapf(err, "parsing parent config %s", d)
	}
	return c, nil
}

// opKind identifies what a layerOp does to the shared Index at join time.
type opKind int

const (
	opUpsert opKind = iota
	opWhiteout
	opOpaque
)

// layerOp is one tar entry's effect on the composed parent index, captured
// during a layer's (parallel) parse so the join step can replay it against
// shared state without re-reading or re-decompressing anything.
type layerOp struct {
	kind opKind
	path string // upsert/whiteout target, or the directory an opaque marker clears
	fp   tarlayer.Fingerprint
}

func (op layerOp) apply(idx *Index) {
	switch op.kind {
	case opUpsert:
		idx.entries[op.path] = op.fp
	case opWhiteout:
		clearSubtree(idx, op.path) // a whited-out directory takes its contents with it
	case opOpaque:
		clearSubtree(idx, op.path)
	}
}

// parseLayer reads and decompresses one layer blob and returns its ops in
// tar order. It touches no shared state: hardlinks are resolved against a
// layer-local index, since a tar hardlink always targets a path earlier in
// the same archive, never a different layer.
func parseLayer(root string, desc imgspecv1.Descriptor) ([]layerOp, error) {
	f, err := os.Open(blobPath(root, desc.Digest))
	if err != nil {
		return nil, errors.Wrapf(err, "opening layer blob %s", desc.Digest)
	}
	defer f.Close()

	dr, err := decompress(f, desc.MediaType)
	if err != nil {
		return nil, err
	}
	if c, ok := dr.(io.Closer); ok {
		defer c.Close()
	}

	local := &Index{entries: make(map[string]tarlayer.Fingerprint)}
	var ops []layerOp

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar header")
		}
		name := path.Clean("/" + filepath.ToSlash(hdr.Name))
		name = strings.TrimPrefix(name, "/")
		base := path.Base(name)
		dir := path.Dir(name)

		if base == tarlayer.OpaqueWhiteoutName {
			ops = append(ops, layerOp{kind: opOpaque, path: dir})
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			deleted := base[len(".wh."):]
			target := deleted
			if dir != "." {
				target = dir + "/" + deleted
			}
			ops = append(ops, layerOp{kind: opWhiteout, path: target})
			continue
		}

		fp, err := fingerprintHeader(hdr, tr, local)
		if err != nil {
			return nil, err
		}
		local.entries[name] = fp
		ops = append(ops, layerOp{kind: opUpsert, path: name, fp: fp})
	}
	return ops, nil
}

func clearSubtree(idx *Index, dir string) {
	prefix := dir + "/"
	for p := range idx.entries {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(idx.entries, p)
		}
	}
}

func fingerprintHeader(hdr *tar.Header, r io.Reader, local *Index) (tarlayer.Fingerprint, error) {
	fp := tarlayer.Fingerprint{
		Mode: uint32(hdr.Mode),
		UID:  hdr.Uid,
		GID:  hdr.Gid,
	}
	if len(hdr.PAXRecords) > 0 {
		fp.XattrsDigest = xattrRecordsDigest(hdr.PAXRecords)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		fp.Kind = tarlayer.KindDirectory
	case tar.TypeReg, tar.TypeRegA:
		fp.Kind = tarlayer.KindRegular
		fp.Size = hdr.Size
		h := digest.Canonical.Digester()
		if _, err := io.Copy(h.Hash(), r); err != nil {
			return fp, errors.Wrap(err, "hashing parent layer content")
		}
		fp.ContentDigest = h.Digest().String()
	case tar.TypeSymlink:
		fp.Kind = tarlayer.KindSymlink
		fp.LinkOrDevice = hdr.Linkname
	case tar.TypeLink:
		fp.Kind = tarlayer.KindHardlink
		fp.LinkOrDevice = hdr.Linkname
		if target, ok := local.Lookup(strings.TrimPrefix(path.Clean("/"+hdr.Linkname), "/")); ok {
			fp.ContentDigest = target.ContentDigest
			fp.Size = target.Size
		}
	case tar.TypeChar:
		fp.Kind = tarlayer.KindCharDevice
		fp.LinkOrDevice = devKey(hdr.Devmajor, hdr.Devminor)
	case tar.TypeBlock:
		fp.Kind = tarlayer.KindBlockDevice
		fp.LinkOrDevice = devKey(hdr.Devmajor, hdr.Devminor)
	case tar.TypeFifo:
		fp.Kind = tarlayer.KindFIFO
	default:
		return fp, errors.Errorf("unsupported tar entry type %q in parent layer", string(hdr.Typeflag))
	}
	return fp, nil
}

func devKey(major, minor int64) string {
	return "dev:" + strconv.FormatInt(major, 10) + ":" + strconv.FormatInt(minor, 10)
}

// xattrRecordsDigest must hash the same (name, value) pairs the same way
// fsscan.xattrsDigest does, so a fingerprint computed by replaying a
// parent's tar matches one computed by scanning a live filesystem with the
// same xattrs.
func xattrRecordsDigest(records map[string]string) string {
	const prefix = "SCHILY.xattr."
	names := make([]string, 0, len(records))
	plain := make(map[string]string, len(records))
	for k, v := range records {
		if strings.HasPrefix(k, prefix) {
			name := k[len(prefix):]
			names = append(names, name)
			plain[name] = v
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	h := digest.Canonical.Digester()
	for _, n := range names {
		h.Hash().Write([]byte(n))
		h.Hash().Write([]byte{0})
		h.Hash().Write([]byte(plain[n]))
		h.Hash().Write([]byte{0})
	}
	return h.Digest().String()
}

func decompress(r io.Reader, mediaType string) (io.Reader, error) {
	switch {
	case strings.HasSuffix(mediaType, "+gzip"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip layer")
		}
		return gr, nil
	case strings.HasSuffix(mediaType, "+zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "opening zstd layer")
		}
		return zstdReadCloser{zr}, nil
	default:
		return r, nil
	}
}

// zstdReadCloser adapts *zstd.Decoder (whose Close returns no value on some
// versions of the API surface) to io.Closer for the defer in parseLayer.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
