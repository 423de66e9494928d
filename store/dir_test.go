// store/dir_test.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steeb-k/imaging-utility/image"
)

func TestDirRoundTrip(t *testing.T) {
	d, err := NewDir(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)

	content := make([]byte, 128*1024)
	rand.New(rand.NewSource(1)).Read(content)

	n, err := Upload(d, bytes.NewReader(content), "host1/sda.img")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	r, size, err := d.Open("host1/sda.img")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	got := make([]byte, len(content))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

func TestDirList(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"a/one.img", "a/two.img", "b/three.img"} {
		_, err := Upload(d, bytes.NewReader([]byte(name)), name)
		require.NoError(t, err)
	}

	var names []string
	err = d.List("a/", func(name string, size int64, created time.Time) {
		names = append(names, name)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/one.img", "a/two.img"}, names)
}

func TestDirConflictsAndRemoval(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	_, err = Upload(d, bytes.NewReader([]byte("x")), "img")
	require.NoError(t, err)

	_, err = d.Create("img")
	assert.ErrorIs(t, err, ErrExists)

	_, _, err = d.Open("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Remove("img"))
	assert.ErrorIs(t, d.Remove("img"), ErrNotFound)
}

func TestDirRejectsEscapingNames(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	_, err = d.Create("../evil")
	assert.Error(t, err)
	_, _, err = d.Open("/etc/passwd")
	assert.Error(t, err)
}

// A container stored in a repository is readable in place through the
// store's ReaderAt.
func TestStoredImageServesRandomAccess(t *testing.T) {
	dir := t.TempDir()
	src := make([]byte, 512*1024)
	rand.New(rand.NewSource(2)).Read(src)

	dev := filepath.Join(dir, "dev.bin")
	require.NoError(t, os.WriteFile(dev, src, 0666))

	blk, err := image.OpenFileBlockReader(dev, 512)
	require.NoError(t, err)
	defer blk.Close()

	imgPath := filepath.Join(dir, "dev.img")
	w, err := image.Create(imgPath, 512, 64*1024, blk.TotalSize(), "raw")
	require.NoError(t, err)
	_, _, err = w.WriteFrom(context.Background(), blk, image.CaptureOptions{Parallel: 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d, err := NewDir(filepath.Join(dir, "repo"))
	require.NoError(t, err)
	f, err := os.Open(imgPath)
	require.NoError(t, err)
	_, err = Upload(d, f, "dev.img")
	f.Close()
	require.NoError(t, err)

	ra, size, err := d.Open("dev.img")
	require.NoError(t, err)
	r, err := image.NewReader(ra, size)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, len(src))
	n, err := r.ReadAt(got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	require.Equal(t, len(src), n)
	assert.Equal(t, src, got)
}
