package tarlayer

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contentEntry(path string, data []byte) FsEntry {
	return FsEntry{
		Path: path,
		Kind: KindRegular,
		Mode: 0o644,
		Size: int64(len(data)),
		Open: func() (ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func TestWriterRoundTrip(t *testing.T) {
	epoch := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	var buf bytes.Buffer
	w := NewWriter(&buf, epoch)

	require.NoError(t, w.Append(FsEntry{Path: "etc", Kind: KindDirectory, Mode: 0o755}))
	require.NoError(t, w.Append(contentEntry("etc/hostname", []byte("test-container\n"))))
	require.NoError(t, w.Append(FsEntry{Path: "usr/bin/hi", Kind: KindSymlink, LinkTarget: "/usr/bin/hello"}))
	require.NoError(t, w.Close())

	tr := tar.NewReader(&buf)

	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "etc/", hdr.Name)
	assert.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
	assert.True(t, hdr.ModTime.Equal(epoch))

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "etc/hostname", hdr.Name)
	data, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "test-container\n", string(data))

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "usr/bin/hi", hdr.Name)
	assert.Equal(t, "/usr/bin/hello", hdr.Linkname)

	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterRejectsDuplicatePath(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Unix(0, 0))
	require.NoError(t, w.Append(FsEntry{Path: "a", Kind: KindDirectory}))
	err := w.Append(FsEntry{Path: "a", Kind: KindDirectory})
	assert.Error(t, err)
}

func TestWriterSortsXattrRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Unix(0, 0))
	entry := FsEntry{
		Path: "f",
		Kind: KindRegular,
		Xattrs: map[string][]byte{
			"user.zzz": []byte("1"),
			"user.aaa": []byte("2"),
		},
		Open: func() (ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil },
	}
	require.NoError(t, w.Append(entry))
	require.NoError(t, w.Close())

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", hdr.PAXRecords["SCHILY.xattr.user.aaa"])
	assert.Equal(t, "1", hdr.PAXRecords["SCHILY.xattr.user.zzz"])

	raw := buf.Bytes()
	aaa := bytes.Index(raw, []byte("SCHILY.xattr.user.aaa"))
	zzz := bytes.Index(raw, []byte("SCHILY.xattr.user.zzz"))
	require.GreaterOrEqual(t, aaa, 0)
	assert.Less(t, aaa, zzz, "xattr records must be emitted in byte-ascending name order")
}

func TestWriterDeterministicForSameInput(t *testing.T) {
	build := func() []byte {
		epoch := time.Unix(1700000000, 0).UTC()
		var buf bytes.Buffer
		w := NewWriter(&buf, epoch)
		_ = w.Append(FsEntry{Path: "a", Kind: KindDirectory, Mode: 0o755})
		_ = w.Append(contentEntry("a/b.txt", []byte("hello")))
		_ = w.Close()
		return buf.Bytes()
	}
	first := build()
	second := build()
	assert.Equal(t, first, second)
}

func TestWriterSizeMismatchFails(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Unix(0, 0))
	entry := FsEntry{
		Path: "f",
		Kind: KindRegular,
		Size: 100,
		Open: func() (ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("short"))), nil },
	}
	err := w.Append(entry)
	assert.Error(t, err)
}
