// store/gcs.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSOptions configure a Google Cloud Storage image store.
type GCSOptions struct {
	BucketName string
	ProjectID  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// GCS is a Store keeping container files as bucket objects. Open hands
// out a ReaderAt built on ranged object reads, so the random-access
// reader can serve device reads directly from the bucket without
// fetching the whole container.
type GCS struct {
	ctx     context.Context
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	name    string
	limiter *Limiter
}

// NewGCS opens (creating if needed) the configured bucket.
func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		ctx:     ctx,
		client:  client,
		bucket:  client.Bucket(options.BucketName),
		name:    options.BucketName,
		limiter: NewLimiter(options.MaxUploadBytesPerSecond, options.MaxDownloadBytesPerSecond),
	}

	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectID == "" {
			return nil, fmt.Errorf("gs://%s: bucket does not exist and no project id given", options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectID, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

func (g *GCS) Open(name string) (io.ReaderAt, int64, error) {
	obj := g.bucket.Object(name)
	attrs, err := obj.Attrs(g.ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return &gcsReaderAt{g: g, obj: obj, size: attrs.Size}, attrs.Size, nil
}

// gcsReaderAt serves positional reads with ranged object requests. Each
// read retries on temporary failures the way all GCS traffic here does.
type gcsReaderAt struct {
	g    *GCS
	obj  *gcs.ObjectHandle
	size int64
}

func (r *gcsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	short := false
	if off+want > r.size {
		want = r.size - off
		short = true
	}

	var n int
	err := retry(r.obj.ObjectName(), func() error {
		rd, err := r.obj.NewRangeReader(r.g.ctx, off, want)
		if err != nil {
			return err
		}
		defer rd.Close()
		n, err = io.ReadFull(r.g.limiter.DownloadReader(rd), p[:want])
		return err
	})
	if err != nil {
		return n, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func (g *GCS) Create(name string) (io.WriteCloser, error) {
	// Checking for existence by grabbing the attrs is much cheaper than
	// catching the conflict at Close time.
	if _, err := g.bucket.Object(name).Attrs(g.ctx); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrExists)
	}
	return &gcsWriter{name: name, g: g}, nil
}

// gcsWriter buffers the entire contents before uploading in Close, which
// makes it easy to retry the whole upload on temporary failures.
type gcsWriter struct {
	buf  bytes.Buffer
	name string
	g    *GCS
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	return gw.buf.Write(b)
}

func (gw *gcsWriter) Close() error {
	return retry(gw.name, func() error {
		return gw.g.upload(gw.name, gw.buf.Bytes())
	})
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// upload writes buf to a temporary object, cross-checks the CRC32C that
// GCS computed against a local one, and only then copies the object to
// its final name.
func (g *GCS) upload(name string, buf []byte) error {
	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)
	defer tmpObj.Delete(g.ctx)

	log.Verbose("%s: starting upload (%d bytes)", name, len(buf))

	w := tmpObj.NewWriter(g.ctx)
	// Upload along the way rather than waiting for the rate limiter to
	// dole out the entire buffer.
	w.ChunkSize = 256 * 1024

	r := g.limiter.UploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return fmt.Errorf("%s: CRC32C mismatch after upload: local %d, remote %d",
			tmpName, localCrc, gcsCrc)
	}

	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	_, err := copier.Run(g.ctx)
	if err == nil {
		log.Verbose("%s: finished upload", name)
	}
	return err
}

func (g *GCS) List(prefix string, f func(name string, size int64, created time.Time)) error {
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		f(obj.Name, obj.Size, obj.Created)
	}
}

func (g *GCS) Remove(name string) error {
	err := g.bucket.Object(name).Delete(g.ctx)
	if err == gcs.ErrObjectNotExist {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return err
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
