// image/reader.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Reader serves random-access reads over a container without extracting
// it. Device ranges absent from the index, and reads past the device
// end, return zeros. Safe for concurrent use; chunk cache mutations are
// serialized under one lock.
type Reader struct {
	src    io.ReaderAt
	closer io.Closer // nil when the caller owns src

	header       Header
	entries      []IndexEntry
	deviceLength int64

	dec *zstd.Decoder

	mu    sync.Mutex
	cache *chunkCache
}

// Open opens a container file and parses its header, locator, and index.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}

	r, err := NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader parses a container served by any io.ReaderAt (a local file,
// an object-store range reader, ...) of the given total size.
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	hdr, err := readHeader(io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, err
	}
	locator, err := readLocator(src, size)
	if err != nil {
		return nil, err
	}
	entries, err := readIndex(src, locator, size)
	if err != nil {
		return nil, err
	}

	deviceLength := hdr.DeviceLength
	if hdr.Version == Version1 && len(entries) > 0 {
		// Version 1 headers lack the device length; the last entry's end
		// is the best available bound.
		deviceLength = int64(entries[len(entries)-1].end())
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Reader{
		src:          src,
		header:       hdr,
		entries:      entries,
		deviceLength: deviceLength,
		dec:          dec,
		cache:        newChunkCache(DefaultCacheCapacity),
	}, nil
}

// SetCacheCapacity resizes the decompressed-chunk cache. Capacities
// below one are raised to one.
func (r *Reader) SetCacheCapacity(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.setCapacity(n)
}

// Header returns the parsed container header.
func (r *Reader) Header() Header {
	return r.header
}

// DeviceLength returns the captured device's length in bytes.
func (r *Reader) DeviceLength() int64 {
	return r.deviceLength
}

// NumChunks returns the number of chunks in the container.
func (r *Reader) NumChunks() int {
	return len(r.entries)
}

// Entries returns a copy of the container's index.
func (r *Reader) Entries() []IndexEntry {
	out := make([]IndexEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ResumePoint returns the device offset and chunk index a resumed
// capture of this container would continue from.
func (r *Reader) ResumePoint() (nextDeviceOffset int64, nextChunkIndex uint32) {
	if len(r.entries) == 0 {
		return 0, 0
	}
	last := &r.entries[len(r.entries)-1]
	return int64(last.end()), uint32(len(r.entries))
}

// ComputeResumePoint parses the container at path and returns where a
// resumed capture would continue. A container without a valid footer
// fails with ErrMissingTail (it cannot be resumed through this path).
func ComputeResumePoint(path string) (nextDeviceOffset int64, nextChunkIndex uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	_, entries, _, err := parseContainer(f)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	last := &entries[len(entries)-1]
	return int64(last.end()), uint32(len(entries)), nil
}

// ReadAt reads from the flat device address space. The buffer is
// pre-zeroed, so unmapped ranges (gaps) read as zeros; reads extending
// past the device end return the in-range byte count and io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrIo)
	}
	if off >= r.deviceLength {
		return 0, io.EOF
	}

	n := len(p)
	short := false
	if off+int64(n) > r.deviceLength {
		n = int(r.deviceLength - off)
		short = true
	}

	pos := off
	remaining := n
	for remaining > 0 {
		// First entry covering or following pos.
		i := sort.Search(len(r.entries), func(i int) bool {
			return r.entries[i].end() > uint64(pos)
		})
		if i == len(r.entries) {
			// Trailing gap; the buffer is already zero.
			break
		}

		e := &r.entries[i]
		if int64(e.DeviceOffset) > pos {
			// Gap before the next chunk: skip zeros.
			skip := int64(e.DeviceOffset) - pos
			if skip > int64(remaining) {
				skip = int64(remaining)
			}
			pos += skip
			remaining -= int(skip)
			continue
		}

		chunk, err := r.chunk(i)
		if err != nil {
			return n - remaining, err
		}
		within := pos - int64(e.DeviceOffset)
		m := len(chunk) - int(within)
		if m > remaining {
			m = remaining
		}
		copy(p[n-remaining:], chunk[within:int(within)+m])
		pos += int64(m)
		remaining -= m
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// chunk returns the decompressed bytes of entry i, from cache or by
// loading and decompressing the frame. Lock-and-load: the cache lock is
// held across the load, which serializes misses but keeps the cache's
// resident set strictly bounded.
func (r *Reader) chunk(i int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.cache.get(i); ok {
		return b, nil
	}

	e := &r.entries[i]
	if !plausibleLength(e.CompressedLength, r.header.ChunkSize) ||
		!plausibleLength(e.UncompressedLength, r.header.ChunkSize) {
		return nil, fmt.Errorf("%w: chunk %d", ErrTruncatedFrame, i)
	}

	comp := make([]byte, e.CompressedLength)
	if err := readFullAt(r.src, comp, int64(e.FileOffset)); err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}

	b, err := r.dec.DecodeAll(comp, make([]byte, 0, e.UncompressedLength))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrDecode, i, err)
	}
	if len(b) != int(e.UncompressedLength) {
		return nil, fmt.Errorf("%w: chunk %d decoded to %d bytes, want %d",
			ErrLengthMismatch, i, len(b), e.UncompressedLength)
	}

	r.cache.add(i, b)
	return b, nil
}

// Close releases the underlying file if the reader owns it.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// chunkCache

// chunkCache is a bounded LRU of decompressed chunks keyed by chunk
// index. Callers hold the Reader's lock.
type chunkCache struct {
	capacity int
	ll       *list.List
	m        map[int]*list.Element
}

type cacheItem struct {
	index int
	data  []byte
}

func newChunkCache(capacity int) *chunkCache {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkCache{
		capacity: capacity,
		ll:       list.New(),
		m:        make(map[int]*list.Element),
	}
}

func (c *chunkCache) get(index int) ([]byte, bool) {
	el, ok := c.m[index]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheItem).data, true
}

func (c *chunkCache) add(index int, data []byte) {
	if el, ok := c.m[index]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheItem).data = data
		return
	}
	c.m[index] = c.ll.PushFront(&cacheItem{index, data})
	c.evict()
}

func (c *chunkCache) setCapacity(n int) {
	if n < 1 {
		n = 1
	}
	c.capacity = n
	c.evict()
}

func (c *chunkCache) evict() {
	for c.ll.Len() > c.capacity {
		el := c.ll.Back()
		c.ll.Remove(el)
		delete(c.m, el.Value.(*cacheItem).index)
	}
}
