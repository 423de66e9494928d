// image/writer_test.go
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
	"sync/atomic"
	"testing"
)

const (
	mib = 1024 * 1024
)

func captureFull(t *testing.T, path string, dev *memDevice, chunkSize uint32, opts CaptureOptions) (int, int64) {
	t.Helper()

	w, err := Create(path, dev.SectorSize(), chunkSize, dev.TotalSize(), "testfs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	chunks, last, err := w.WriteFrom(context.Background(), dev, opts)
	if err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return chunks, last
}

func TestFullCapture(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dev := &memDevice{data: genDevice(rng, 10*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")

	chunks, last := captureFull(t, path, dev, 4*mib, CaptureOptions{Parallel: 2, PipelineDepth: 2})
	if chunks != 3 {
		t.Errorf("wrote %d chunks, want 3", chunks)
	}
	if last != 10*mib {
		t.Errorf("last device offset %d, want %d", last, 10*mib)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	entries := r.Entries()
	wantOff := []uint64{0, 4 * mib, 8 * mib}
	wantLen := []uint32{4 * mib, 4 * mib, 2 * mib}
	if len(entries) != 3 {
		t.Fatalf("index has %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.DeviceOffset != wantOff[i] || e.UncompressedLength != wantLen[i] {
			t.Errorf("entry %d = (%d, %d), want (%d, %d)", i,
				e.DeviceOffset, e.UncompressedLength, wantOff[i], wantLen[i])
		}
	}

	// The tail locator must point at the IDX1 immediately after the last
	// payload.
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer f.Close()
	fi, _ := f.Stat()
	locator, err := readLocator(f, fi.Size())
	if err != nil {
		t.Fatalf("readLocator: %v", err)
	}
	lastEnd := int64(entries[2].FileOffset) + int64(entries[2].CompressedLength)
	if locator != lastEnd {
		t.Errorf("locator = %d, want end of last payload %d", locator, lastEnd)
	}

	// Frame headers must agree with the index.
	for i, e := range entries {
		var hdr [FrameHeaderSize]byte
		if _, err := f.ReadAt(hdr[:], int64(e.FileOffset)-FrameHeaderSize); err != nil {
			t.Fatalf("frame header %d: %v", i, err)
		}
		fh := parseFrameHeader(hdr[:])
		if fh.ChunkIndex != uint32(i) || fh.DeviceOffset != e.DeviceOffset ||
			fh.UncompressedLength != e.UncompressedLength ||
			fh.CompressedLength != e.CompressedLength {
			t.Errorf("frame header %d disagrees with index: %+v vs %+v", i, fh, e)
		}
	}

	// Round trip: every byte reads back identically.
	got := make([]byte, len(dev.data))
	n, err := r.ReadAt(got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(dev.data) {
		t.Fatalf("read %d bytes, want %d", n, len(dev.data))
	}
	if !bytes.Equal(got, dev.data) {
		t.Errorf("read-back bytes differ from device")
	}
}

func TestCaptureHeaderFields(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	dev := &memDevice{data: genDevice(rng, mib), sectorSize: 4096}
	path := filepath.Join(t.TempDir(), "dev.img")

	captureFull(t, path, dev, mib, CaptureOptions{Parallel: 1})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	h := r.Header()
	if h.Version != CurrentVersion || h.SectorSize != 4096 || h.ChunkSize != mib ||
		h.DeviceLength != mib || h.FSTag != "testfs" {
		t.Errorf("header = %+v", h)
	}
}

func TestCreateRejectsMisalignedChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	_, err := Create(path, 4096, 4096+512, 0, "")
	if !errors.Is(err, ErrBadHeader) {
		t.Errorf("got %v, want ErrBadHeader", err)
	}
}

func TestCaptureMaxBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	dev := &memDevice{data: genDevice(rng, 4*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")

	w, err := Create(path, 512, mib, dev.TotalSize(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	chunks, last, err := w.WriteFrom(context.Background(), dev,
		CaptureOptions{StartOffset: mib, MaxBytes: 2 * mib, Parallel: 2})
	if err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if chunks != 2 || last != 3*mib {
		t.Errorf("got %d chunks ending at %d, want 2 ending at %d", chunks, last, 3*mib)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	entries := r.Entries()
	if len(entries) != 2 || entries[0].DeviceOffset != mib || entries[1].DeviceOffset != 2*mib {
		t.Errorf("entries = %+v", entries)
	}
}

func TestEmptyDevice(t *testing.T) {
	dev := &memDevice{}
	path := filepath.Join(t.TempDir(), "dev.img")

	chunks, _ := captureFull(t, path, dev, mib, CaptureOptions{Parallel: 1})
	if chunks != 0 {
		t.Errorf("wrote %d chunks for an empty device", chunks)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.NumChunks() != 0 || r.DeviceLength() != 0 {
		t.Errorf("chunks=%d length=%d", r.NumChunks(), r.DeviceLength())
	}

	buf := make([]byte, 128)
	if n, err := r.ReadAt(buf, 0); n != 0 || err != io.EOF {
		t.Errorf("ReadAt on empty device = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestResume(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	dev := &memDevice{data: genDevice(rng, 10*mib)}
	dir := t.TempDir()

	// Uninterrupted capture for comparison.
	whole := filepath.Join(dir, "whole.img")
	captureFull(t, whole, dev, 4*mib, CaptureOptions{Parallel: 2})

	// An aborted capture never writes the footer; the file cannot be
	// resumed through the index.
	aborted := filepath.Join(dir, "aborted.img")
	w, err := Create(aborted, 512, 4*mib, dev.TotalSize(), "testfs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := w.WriteFrom(context.Background(), dev, CaptureOptions{MaxBytes: 4 * mib, Parallel: 1}); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if err := w.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, _, err := ComputeResumePoint(aborted); !errors.Is(err, ErrMissingTail) {
		t.Errorf("resume point of tail-less file: got %v, want ErrMissingTail", err)
	}

	// A cleanly closed partial capture resumes.
	part := filepath.Join(dir, "part.img")
	w, err = Create(part, 512, 4*mib, dev.TotalSize(), "testfs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := w.WriteFrom(context.Background(), dev, CaptureOptions{MaxBytes: 4 * mib, Parallel: 1}); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	off, idx, err := ComputeResumePoint(part)
	if err != nil {
		t.Fatalf("ComputeResumePoint: %v", err)
	}
	if off != 4*mib || idx != 1 {
		t.Fatalf("resume point = (%d, %d), want (%d, 1)", off, idx, 4*mib)
	}

	w, err = OpenResume(part)
	if err != nil {
		t.Fatalf("OpenResume: %v", err)
	}
	roff, ridx := w.ResumePoint()
	if roff != off || ridx != idx {
		t.Errorf("writer resume point = (%d, %d), want (%d, %d)", roff, ridx, off, idx)
	}
	chunks, last, err := w.WriteFrom(context.Background(), dev, CaptureOptions{StartOffset: roff, Parallel: 2})
	if err != nil {
		t.Fatalf("resumed WriteFrom: %v", err)
	}
	if chunks != 2 || last != 10*mib {
		t.Errorf("resumed capture wrote %d chunks to %d", chunks, last)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The resumed container must be byte-identical to the uninterrupted
	// one: same chunking, same compression level, same header.
	a, err := os.ReadFile(whole)
	if err != nil {
		t.Fatalf("%v", err)
	}
	b, err := os.ReadFile(part)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("resumed container differs from uninterrupted capture (%d vs %d bytes)", len(b), len(a))
	}
}

func TestCaptureCancel(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	dev := &memDevice{data: genDevice(rng, 8*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")

	w, err := Create(path, 512, 256*1024, dev.TotalSize(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var reads int32
	_, _, err = w.WriteFrom(ctx, dev, CaptureOptions{
		Parallel: 2,
		Progress: func(done, total int64) {
			if atomic.AddInt32(&reads, 1) == 4 {
				cancel()
			}
		},
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// No footer after a cancelled capture.
	if _, _, err := ComputeResumePoint(path); !errors.Is(err, ErrMissingTail) {
		t.Errorf("got %v, want ErrMissingTail", err)
	}
}

func TestCaptureReadError(t *testing.T) {
	dev := &failingDevice{size: 8 * mib, failAt: 2 * mib}
	path := filepath.Join(t.TempDir(), "dev.img")

	w, err := Create(path, 512, mib, dev.TotalSize(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _, err = w.WriteFrom(context.Background(), dev, CaptureOptions{Parallel: 2})
	if !errors.Is(err, ErrIo) {
		t.Fatalf("got %v, want ErrIo", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := ComputeResumePoint(path); !errors.Is(err, ErrMissingTail) {
		t.Errorf("got %v, want ErrMissingTail after failed capture", err)
	}
}

// failingDevice errors on reads at or past failAt.
type failingDevice struct {
	size   int64
	failAt int64
}

func (d *failingDevice) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.failAt {
		return 0, errors.New("simulated medium error")
	}
	for i := range p {
		p[i] = byte(off >> 9)
	}
	return len(p), nil
}

func (d *failingDevice) TotalSize() int64    { return d.size }
func (d *failingDevice) SectorSize() uint32  { return 512 }
func (d *failingDevice) EnumerateAllocatedRanges(func(int64, int64)) (int64, bool, error) {
	return 0, false, nil
}

func TestDynamicParallelism(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	dev := &memDevice{data: genDevice(rng, 4*mib)}
	path := filepath.Join(t.TempDir(), "dev.img")

	w, err := Create(path, 512, 64*1024, dev.TotalSize(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var polls int32
	chunks, _, err := w.WriteFrom(context.Background(), dev, CaptureOptions{
		PipelineDepth: 2,
		DesiredParallel: func() int {
			atomic.AddInt32(&polls, 1)
			return 3
		},
	})
	if err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if chunks != 64 {
		t.Errorf("wrote %d chunks, want 64", chunks)
	}
	if atomic.LoadInt32(&polls) < 1 {
		t.Errorf("desired-parallelism provider was never consulted")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
