// cmd/imgutil/mount.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

// Additional infrastructure to expose a captured image through FUSE as a
// single read-only file carrying the uncompressed device bytes. Tools
// that expect a flat device (partition probers, loop mounts, hex
// editors) can then work against the image directly.

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	_ "bazil.org/fuse/fs/fstestutil"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/steeb-k/imaging-utility/image"
)

var mountCmd = &cobra.Command{
	Use:   "mount <image> <mountpoint>",
	Short: "Mount an image as a read-only virtual device file (FUSE)",
	Long: `Mount exposes <mountpoint>/<image-name> as a flat read-only file whose
contents are the uncompressed device. Reads decompress only the chunks
they touch. Unmount with fusermount -u (or umount on macOS).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(imagePath, dir string) error {
	r, err := image.Open(imagePath)
	if err != nil {
		return err
	}
	defer r.Close()

	name := filepath.Base(imagePath)
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("imgfs"),
		fuse.Subtype("imgfs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Print("%s: mounted at %s/%s", imagePath, dir, name)
	root := &imageDir{name: name, file: &imageFile{r: r, mtime: time.Now()}}
	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// imageDir is the mountpoint's root: a directory holding exactly one
// entry, the device file.
type imageDir struct {
	name string
	file *imageFile
}

func (d *imageDir) Root() (fs.Node, error) {
	return d, nil
}

func (d *imageDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (d *imageDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if name == d.name {
		return d.file, nil
	}
	return nil, fuse.ENOENT
}

func (d *imageDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{{Name: d.name, Type: fuse.DT_File}}, nil
}

// imageFile serves the flat device bytes out of the random-access
// reader.
type imageFile struct {
	r     *image.Reader
	mtime time.Time
}

func (f *imageFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Size = uint64(f.r.DeviceLength())
	a.Mode = 0400
	a.Mtime = f.mtime
	return nil
}

// Implements fs.HandleReader.
func (f *imageFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := f.r.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return err
	}
	resp.Data = buf[:n]
	return nil
}
