// image/reader_test.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// captureAllocated writes an allocated-only container for dev.
func captureAllocated(t *testing.T, path string, dev *memDevice, chunkSize uint32) (int, int64) {
	t.Helper()

	w, err := Create(path, dev.SectorSize(), chunkSize, dev.TotalSize(), "testfs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	chunks, bytesWritten, err := w.WriteAllocatedOnly(context.Background(), dev, CaptureOptions{Parallel: 2})
	if err != nil {
		t.Fatalf("WriteAllocatedOnly: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return chunks, bytesWritten
}

func TestAllocatedOnlyCapture(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	dev := &memDevice{
		data: genDevice(rng, 10*mib),
		ranges: []span{
			{0, mib},
			{8 * mib, 2 * mib},
		},
	}
	path := filepath.Join(t.TempDir(), "dev.img")

	chunks, bytesWritten := captureAllocated(t, path, dev, mib)
	if chunks != 3 {
		t.Errorf("wrote %d chunks, want 3", chunks)
	}
	if bytesWritten != 3*mib {
		t.Errorf("wrote %d bytes, want %d", bytesWritten, 3*mib)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	entries := r.Entries()
	want := []IndexEntry{
		{DeviceOffset: 0, UncompressedLength: mib},
		{DeviceOffset: 8 * mib, UncompressedLength: mib},
		{DeviceOffset: 9 * mib, UncompressedLength: mib},
	}
	if len(entries) != len(want) {
		t.Fatalf("index has %d entries, want %d", len(entries), len(want))
	}
	for i := range want {
		if entries[i].DeviceOffset != want[i].DeviceOffset ||
			entries[i].UncompressedLength != want[i].UncompressedLength {
			t.Errorf("entry %d = %+v, want offset %d length %d", i, entries[i],
				want[i].DeviceOffset, want[i].UncompressedLength)
		}
	}

	// A read inside the gap is pure zero-fill.
	buf := make([]byte, 65536)
	n, err := r.ReadAt(buf, 4*mib)
	if err != nil || n != len(buf) {
		t.Fatalf("gap read = (%d, %v)", n, err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("gap byte %d = %#x, want 0", i, b)
		}
	}
}

func TestZeroFillSemantics(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	dev := &memDevice{
		data: genDevice(rng, 10*mib),
		ranges: []span{
			{0, mib},
			{8 * mib, 2 * mib},
		},
	}
	path := filepath.Join(t.TempDir(), "dev.img")
	captureAllocated(t, path, dev, mib)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	// One read spanning live data, the gap, live data again, and past
	// the device end. The effective read stops at the device length but
	// the whole buffer is zeroed first.
	buf := make([]byte, 12*mib)
	n, err := r.ReadAt(buf, 0)
	if err != io.EOF {
		t.Fatalf("spanning read error = %v, want EOF", err)
	}
	if n != 10*mib {
		t.Fatalf("spanning read = %d bytes, want %d", n, 10*mib)
	}

	if !bytes.Equal(buf[:mib], dev.data[:mib]) {
		t.Errorf("bytes 0..1MiB differ from source")
	}
	for i := mib; i < 8*mib; i++ {
		if buf[i] != 0 {
			t.Fatalf("gap byte %d nonzero", i)
		}
	}
	if !bytes.Equal(buf[8*mib:10*mib], dev.data[8*mib:10*mib]) {
		t.Errorf("bytes 8..10MiB differ from source")
	}
	for i := 10 * mib; i < 12*mib; i++ {
		if buf[i] != 0 {
			t.Fatalf("past-EOF byte %d nonzero", i)
		}
	}
}

func TestReadSpansChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	dev := &memDevice{data: genDevice(rng, 2*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")
	captureFull(t, path, dev, 256*1024, CaptureOptions{Parallel: 2})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	// Unaligned reads crossing chunk boundaries.
	for i := 0; i < 100; i++ {
		off := rng.Int63n(2 * mib)
		count := 1 + rng.Intn(512*1024)
		buf := make([]byte, count)
		n, err := r.ReadAt(buf, off)

		wantN := count
		if off+int64(count) > 2*mib {
			wantN = int(2*mib - off)
			if err != io.EOF {
				t.Fatalf("read(%d, %d): err = %v, want EOF", off, count, err)
			}
		} else if err != nil {
			t.Fatalf("read(%d, %d): %v", off, count, err)
		}
		if n != wantN {
			t.Fatalf("read(%d, %d) = %d bytes, want %d", off, count, n, wantN)
		}
		if !bytes.Equal(buf[:n], dev.data[off:off+int64(n)]) {
			t.Fatalf("read(%d, %d): bytes differ", off, count)
		}
	}
}

func TestConcurrentReads(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	dev := &memDevice{data: genDevice(rng, 2*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")

	// 32 chunks of 64 KiB, cache capacity 4.
	captureFull(t, path, dev, 64*1024, CaptureOptions{Parallel: 2})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.NumChunks() != 32 {
		t.Fatalf("container has %d chunks, want 32", r.NumChunks())
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, 128*1024)
			for i := 0; i < 125; i++ {
				off := rng.Int63n(2 * mib)
				count := 1 + rng.Intn(len(buf))
				n, err := r.ReadAt(buf[:count], off)
				if err != nil && err != io.EOF {
					errs <- err
					return
				}
				if !bytes.Equal(buf[:n], dev.data[off:off+int64(n)]) {
					errs <- errors.New("concurrent read returned wrong bytes")
					return
				}
			}
		}(int64(100 + g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// The cache never holds more than its capacity.
	r.mu.Lock()
	if n := r.cache.ll.Len(); n > DefaultCacheCapacity {
		t.Errorf("cache holds %d chunks, capacity %d", n, DefaultCacheCapacity)
	}
	r.mu.Unlock()
}

func TestCacheCapacity(t *testing.T) {
	c := newChunkCache(2)
	c.add(0, []byte{0})
	c.add(1, []byte{1})
	c.add(2, []byte{2})

	if _, ok := c.get(0); ok {
		t.Errorf("least-recently-used chunk survived eviction")
	}
	if _, ok := c.get(1); !ok {
		t.Errorf("chunk 1 evicted early")
	}

	// Touching 1 makes 2 the eviction candidate.
	c.add(3, []byte{3})
	if _, ok := c.get(2); ok {
		t.Errorf("recently-added chunk 2 should have been evicted after touch of 1")
	}
	if _, ok := c.get(1); !ok {
		t.Errorf("touched chunk 1 evicted")
	}

	c.setCapacity(1)
	if c.ll.Len() != 1 {
		t.Errorf("cache holds %d chunks after shrink to 1", c.ll.Len())
	}
}

// readerDevice adapts a Reader so a captured image can itself be
// captured again.
type readerDevice struct {
	r *Reader
}

func (d *readerDevice) ReadAt(p []byte, off int64) (int, error) { return d.r.ReadAt(p, off) }
func (d *readerDevice) TotalSize() int64                        { return d.r.DeviceLength() }
func (d *readerDevice) SectorSize() uint32                      { return d.r.Header().SectorSize }
func (d *readerDevice) EnumerateAllocatedRanges(func(int64, int64)) (int64, bool, error) {
	return 0, false, nil
}

func TestRecapture(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	dev := &memDevice{data: genDevice(rng, 3 * mib)}
	dir := t.TempDir()

	first := filepath.Join(dir, "first.img")
	captureFull(t, first, dev, 512*1024, CaptureOptions{Parallel: 2})

	r1, err := Open(first)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r1.Close()

	// Capture the reader's flat view as if it were the device.
	second := filepath.Join(dir, "second.img")
	w, err := Create(second, 512, 512*1024, r1.DeviceLength(), "testfs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := w.WriteFrom(context.Background(), &readerDevice{r1}, CaptureOptions{Parallel: 2}); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close()

	got := make([]byte, len(dev.data))
	if _, err := r2.ReadAt(got, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, dev.data) {
		t.Errorf("twice-captured bytes differ from the original device")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, 4096), 0666); err != nil {
		t.Fatalf("%v", err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("got %v, want ErrBadMagic", err)
	}
}
