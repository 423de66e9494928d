// image/writer.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	u "github.com/steeb-k/imaging-utility/util"
)

// ErrIo wraps failures of the upstream BlockReader or the container
// file itself.
var ErrIo = errors.New("i/o error")

// ErrNoAllocationMap is returned by WriteAllocatedOnly when the device's
// filesystem exposes no allocation map; callers fall back to a
// full-range capture.
var ErrNoAllocationMap = errors.New("device exposes no allocation map")

// CaptureOptions control a single WriteFrom or WriteAllocatedOnly call.
type CaptureOptions struct {
	// StartOffset is the first device byte to capture (full-range mode
	// only). A resumed capture passes the writer's ResumePoint offset.
	StartOffset int64

	// MaxBytes caps the captured range at StartOffset+MaxBytes; zero
	// means "to the end of the device".
	MaxBytes int64

	// Parallel is the initial number of compression workers. Zero
	// selects DefaultParallelism().
	Parallel int

	// PipelineDepth controls queue capacity between the pipeline stages:
	// max(2, workers*depth). Zero selects DefaultPipelineDepth; values
	// are clamped to 1..8.
	PipelineDepth int

	// DesiredParallel, if non-nil, is polled once per second; when its
	// value changes the worker pool is resized to match. It also
	// supplies the initial worker count, overriding Parallel.
	DesiredParallel func() int

	// Progress, if non-nil, receives device bytes read so far and the
	// total this capture will read.
	Progress ProgressFunc
}

// Writer captures a device into a container file. Frames are appended in
// strictly ascending chunk order by a single writer thread; the index
// and tail are written by Close.
type Writer struct {
	f       *os.File
	path    string
	header  Header
	entries []IndexEntry
	offset  int64  // next append position in the container
	next    uint32 // next chunk index to assign and emit
	broken  bool   // a capture failed; Close must not write a footer
}

// Create starts a new container at path. chunkSize must be a positive
// multiple of sectorSize; fsTag names the source filesystem and may be
// empty. The file must not already exist.
func Create(path string, sectorSize, chunkSize uint32, deviceLength int64, fsTag string) (*Writer, error) {
	if sectorSize == 0 {
		sectorSize = 512
	}
	if chunkSize == 0 || chunkSize%sectorSize != 0 {
		return nil, fmt.Errorf("%w: chunk size %d not a multiple of sector size %d",
			ErrBadHeader, chunkSize, sectorSize)
	}
	if len(fsTag) > maxFSTagLen {
		return nil, fmt.Errorf("%w: filesystem tag is %d bytes", ErrBadHeader, len(fsTag))
	}
	if deviceLength < 0 {
		return nil, fmt.Errorf("%w: negative device length", ErrBadHeader)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		f:    f,
		path: path,
		header: Header{
			Version:      CurrentVersion,
			SectorSize:   sectorSize,
			ChunkSize:    chunkSize,
			DeviceLength: deviceLength,
			FSTag:        fsTag,
		},
	}
	if err := writeHeader(f, &w.header); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	w.offset = w.header.encodedSize()
	return w, nil
}

// OpenResume reopens an interrupted-but-cleanly-closed container for
// further capture. The existing index is parsed read-only and then
// truncated away together with the tail; Close rebuilds both. The header
// is never rewritten.
//
// A container whose capture died before Close has no tail; OpenResume
// fails with ErrMissingTail in that case.
func OpenResume(path string) (*Writer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	hdr, entries, locator, err := parseContainer(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	wf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := wf.Truncate(locator); err != nil {
		wf.Close()
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	if _, err := wf.Seek(locator, io.SeekStart); err != nil {
		wf.Close()
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}

	log.Verbose("%s: resuming with %d existing chunks", path, len(entries))
	return &Writer{
		f:       wf,
		path:    path,
		header:  hdr,
		entries: entries,
		offset:  locator,
		next:    uint32(len(entries)),
	}, nil
}

// parseContainer reads the header, locator, and index of a container
// through an *os.File.
func parseContainer(f *os.File) (Header, []IndexEntry, int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return Header{}, nil, 0, fmt.Errorf("%w: %v", ErrIo, err)
	}
	size := fi.Size()

	hdr, err := readHeader(io.NewSectionReader(f, 0, size))
	if err != nil {
		return Header{}, nil, 0, err
	}
	locator, err := readLocator(f, size)
	if err != nil {
		return Header{}, nil, 0, err
	}
	entries, err := readIndex(f, locator, size)
	if err != nil {
		return Header{}, nil, 0, err
	}
	return hdr, entries, locator, nil
}

// Header returns the container's header.
func (w *Writer) Header() Header {
	return w.header
}

// Entries returns a snapshot of the in-memory index. Valid once a
// capture call has returned; the pipeline mutates the index only from
// its writer thread.
func (w *Writer) Entries() []IndexEntry {
	out := make([]IndexEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// ResumePoint returns the device offset and chunk index the next capture
// should continue from.
func (w *Writer) ResumePoint() (nextDeviceOffset int64, nextChunkIndex uint32) {
	if len(w.entries) == 0 {
		return 0, 0
	}
	last := &w.entries[len(w.entries)-1]
	return int64(last.end()), uint32(len(w.entries))
}

// span is a contiguous device range the producer tiles into chunks.
// Chunks never straddle span boundaries.
type span struct {
	offset, length int64
}

// WriteFrom captures the device range [StartOffset, min(deviceSize,
// StartOffset+MaxBytes)) into the container. It returns the number of
// chunks written and the device offset one past the last captured byte.
func (w *Writer) WriteFrom(ctx context.Context, dev BlockReader, opts CaptureOptions) (int, int64, error) {
	limit := dev.TotalSize()
	if opts.MaxBytes > 0 && opts.StartOffset+opts.MaxBytes < limit {
		limit = opts.StartOffset + opts.MaxBytes
	}
	start := opts.StartOffset
	if start > limit {
		start = limit
	}

	chunks, lastEnd, _, err := w.capture(ctx, dev, []span{{start, limit - start}}, opts)
	if chunks == 0 {
		lastEnd = start
	}
	return chunks, lastEnd, err
}

// WriteAllocatedOnly captures only the device ranges the upstream
// filesystem reports as allocated. Gaps between ranges are simply absent
// from the index and read back as zeros. It returns the number of chunks
// written and the total uncompressed bytes captured.
func (w *Writer) WriteAllocatedOnly(ctx context.Context, dev BlockReader, opts CaptureOptions) (int, int64, error) {
	var spans []span
	total, ok, err := dev.EnumerateAllocatedRanges(func(offset, length int64) {
		spans = append(spans, span{offset, length})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: enumerating allocated ranges: %v", ErrIo, err)
	}
	if !ok {
		return 0, 0, ErrNoAllocationMap
	}

	var sum int64
	for i := range spans {
		s := &spans[i]
		if s.length <= 0 || s.offset < 0 {
			return 0, 0, fmt.Errorf("allocation map: bad range (%d, %d)", s.offset, s.length)
		}
		if i > 0 && spans[i-1].offset+spans[i-1].length > s.offset {
			return 0, 0, fmt.Errorf("allocation map: ranges out of order at %d", s.offset)
		}
		sum += s.length
	}
	if sum != total {
		log.Warning("allocation map reported %d bytes but ranges sum to %d", total, sum)
	}

	chunks, _, emitted, err := w.capture(ctx, dev, spans, opts)
	return chunks, emitted, err
}

// capture runs the shared pipeline: a single producer reading the spans
// chunk by chunk, the compressor pool, and an in-order writer (this
// goroutine) restoring global chunk order through a reorder map.
func (w *Writer) capture(ctx context.Context, dev BlockReader, spans []span, opts CaptureOptions) (int, int64, int64, error) {
	if w.f == nil {
		return 0, 0, 0, errors.New("writer is closed")
	}
	if w.broken {
		return 0, 0, 0, errors.New("writer had a failed capture")
	}

	workers := opts.Parallel
	if opts.DesiredParallel != nil {
		workers = opts.DesiredParallel()
	}
	if workers < 1 {
		if opts.Parallel >= 1 {
			workers = opts.Parallel
		} else {
			workers = DefaultParallelism()
		}
	}
	depth := opts.PipelineDepth
	if depth <= 0 {
		depth = DefaultPipelineDepth
	} else if depth > maxPipelineDepth {
		depth = maxPipelineDepth
	}
	queueCap := workers * depth
	if queueCap < 2 {
		queueCap = 2
	}

	var total int64
	for _, s := range spans {
		total += s.length
	}
	log.Verbose("%s: capturing %s in %d-byte chunks, %d workers, depth %d",
		w.path, u.FmtBytes(total), w.header.ChunkSize, workers, depth)

	// First error wins; everything else observes done and unwinds.
	var errMu sync.Mutex
	var firstErr error
	done := make(chan struct{})
	var once sync.Once
	abort := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		once.Do(func() { close(done) })
	}

	pool := newCompressorPool(queueCap, done, abort)
	pool.SetDegree(workers)

	// Producer: reads the device sequentially, assigns chunk indices.
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		var read int64
		idx := w.next
		for _, s := range spans {
			off, rem := s.offset, s.length
			for rem > 0 {
				if ctx.Err() != nil {
					abort(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
					return
				}

				n := int64(w.header.ChunkSize)
				if n > rem {
					n = rem
				}
				buf := make([]byte, n)
				if err := readFullAt(dev, buf, off); err != nil {
					abort(err)
					return
				}

				select {
				case pool.in <- chunkJob{index: idx, deviceOffset: off, data: buf}:
				case <-done:
					return
				case <-ctx.Done():
					abort(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
					return
				}

				idx++
				off += n
				rem -= n
				read += n
				if opts.Progress != nil {
					opts.Progress(read, total)
				}
			}
		}
	}()

	// Control monitor: polls the desired parallelism at 1 Hz and resizes
	// the pool when it changes.
	monitorStop := make(chan struct{})
	monitorDone := make(chan struct{})
	if opts.DesiredParallel != nil {
		go func() {
			defer close(monitorDone)
			tick := time.NewTicker(time.Second)
			defer tick.Stop()
			last := workers
			for {
				select {
				case <-monitorStop:
					return
				case <-done:
					return
				case <-tick.C:
					if d := opts.DesiredParallel(); d >= 1 && d != last {
						log.Verbose("resizing compressor pool %d -> %d", last, d)
						pool.SetDegree(d)
						last = d
					}
				}
			}
		}()
	} else {
		close(monitorDone)
	}

	// Once the producer is done (or aborted), stop resizing, then drain
	// the pool and close the compressed queue.
	go func() {
		<-producerDone
		close(monitorStop)
		<-monitorDone
		pool.Close()
	}()

	// Ordered writer: buffers out-of-order completions and emits frames
	// in strictly ascending chunk order. On cancellation it still emits
	// the in-order frames already buffered.
	pending := make(map[uint32]compressedChunk)
	nextEmit := w.next
	chunks := 0
	var lastEnd, emitted int64
	writeFailed := false
	for c := range pool.out {
		pending[c.index] = c
		for !writeFailed {
			cc, ok := pending[nextEmit]
			if !ok {
				break
			}
			if err := w.emit(&cc); err != nil {
				abort(fmt.Errorf("%w: %v", ErrIo, err))
				writeFailed = true
				break
			}
			delete(pending, nextEmit)
			nextEmit++
			chunks++
			lastEnd = cc.deviceOffset + int64(cc.uncompressedLen)
			emitted += int64(cc.uncompressedLen)
		}
	}

	errMu.Lock()
	err := firstErr
	errMu.Unlock()

	if err != nil {
		// Withhold the footer so the container does not look cleanly
		// closed. Its complete frames stay on disk, but OpenResume rejects
		// the tail-less file with ErrMissingTail.
		w.broken = true
		w.next = nextEmit
		return chunks, lastEnd, emitted, err
	}

	w.next = nextEmit
	log.Verbose("%s: wrote %d chunks (%s uncompressed)", w.path, chunks, u.FmtBytes(emitted))
	return chunks, lastEnd, emitted, nil
}

// emit appends one frame and records its index entry. A frame that fails
// partway is truncated away so the container never holds a torn frame.
func (w *Writer) emit(c *compressedChunk) error {
	fh := FrameHeader{
		ChunkIndex:         c.index,
		DeviceOffset:       uint64(c.deviceOffset),
		UncompressedLength: uint32(c.uncompressedLen),
		CompressedLength:   uint32(len(c.data)),
		Digest:             c.digest,
	}
	if err := writeFrame(w.f, &fh, c.data); err != nil {
		if terr := w.f.Truncate(w.offset); terr == nil {
			w.f.Seek(w.offset, io.SeekStart)
		}
		return err
	}

	w.entries = append(w.entries, IndexEntry{
		DeviceOffset:       uint64(c.deviceOffset),
		FileOffset:         uint64(w.offset) + FrameHeaderSize,
		UncompressedLength: uint32(c.uncompressedLen),
		CompressedLength:   uint32(len(c.data)),
	})
	w.offset += FrameHeaderSize + int64(len(c.data))
	return nil
}

// Close writes the index and tail and closes the container. After a
// failed capture the footer is withheld, leaving the complete frames on
// disk without an index (OpenResume then fails with ErrMissingTail); the
// capture call already surfaced the error, so Close only releases the
// handle in that case.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil

	if w.broken {
		return f.Close()
	}

	if err := writeFooter(f, w.offset, w.entries); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	return f.Close()
}

// Discard closes the container without writing a footer, regardless of
// capture state.
func (w *Writer) Discard() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	return f.Close()
}

// readFullAt reads exactly len(buf) bytes at off, looping over short
// reads. EOF before the buffer fills is an error: the device is shorter
// than it claimed.
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	n := 0
	for n < len(buf) {
		m, err := r.ReadAt(buf[n:], off+int64(n))
		n += m
		if err != nil {
			if err == io.EOF && n == len(buf) {
				break
			}
			return fmt.Errorf("%w: read at %d: %v", ErrIo, off, err)
		}
	}
	return nil
}
