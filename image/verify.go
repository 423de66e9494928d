// image/verify.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
)

// VerifyOptions control a VerifyFull or VerifyQuick call.
type VerifyOptions struct {
	// Parallel is the number of checking workers. Zero selects
	// DefaultParallelism().
	Parallel int

	// Progress, if non-nil, receives compressed bytes checked so far and
	// the total compressed bytes of the sample set.
	Progress ProgressFunc
}

// VerifyFull checks every chunk in file order: the frame header must
// match the index entry, the payload must decompress to exactly the
// recorded length, and the SHA-256 of the decompressed bytes must equal
// the stored digest. The first failure cancels the remaining work; the
// returned error wraps the failure kind (ErrDigestMismatch,
// ErrLengthMismatch, ErrDecode, or ErrTruncatedFrame) and names the
// chunk.
func (r *Reader) VerifyFull(ctx context.Context, opts VerifyOptions) (bool, error) {
	sample := make([]int, len(r.entries))
	for i := range sample {
		sample[i] = i
	}
	return r.verify(ctx, sample, opts)
}

// VerifyQuick checks a strided sample of chunks with the same predicate
// as VerifyFull. The first and last chunks are always sampled.
func (r *Reader) VerifyQuick(ctx context.Context, opts VerifyOptions) (bool, error) {
	return r.verify(ctx, quickSample(len(r.entries)), opts)
}

// quickSample returns the chunk indices a quick verify covers: both
// endpoints plus every stride'th chunk in between. The stride widens
// with the container: 10 up to 200 chunks, 25 up to 1000, 50 beyond.
func quickSample(n int) []int {
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []int{0}
	}

	stride := 50
	switch {
	case n <= 200:
		stride = 10
	case n <= 1000:
		stride = 25
	}

	sample := []int{0}
	for i := stride; i <= n-2; i += stride {
		sample = append(sample, i)
	}
	return append(sample, n-1)
}

type verifyItem struct {
	index           int
	uncompressedLen uint32
	digest          [DigestSize]byte
	data            []byte
}

func (r *Reader) verify(ctx context.Context, sample []int, opts VerifyOptions) (bool, error) {
	parallel := opts.Parallel
	if parallel < 1 {
		parallel = DefaultParallelism()
	}

	var total int64
	for _, i := range sample {
		total += int64(r.entries[i].CompressedLength)
	}

	queueCap := parallel * 2
	if queueCap < 2 {
		queueCap = 2
	}
	queue := make(chan verifyItem, queueCap)

	var failMu sync.Mutex
	var firstErr error
	done := make(chan struct{})
	var once sync.Once
	fail := func(err error) {
		failMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		failMu.Unlock()
		once.Do(func() { close(done) })
	}

	var processed int64

	var wg sync.WaitGroup
	wg.Add(parallel)
	for i := 0; i < parallel; i++ {
		go func() {
			defer wg.Done()
			for item := range queue {
				select {
				case <-done:
					continue // drain without checking
				default:
				}

				b, err := r.dec.DecodeAll(item.data, make([]byte, 0, item.uncompressedLen))
				if err != nil {
					fail(fmt.Errorf("%w: chunk %d: %v", ErrDecode, item.index, err))
					continue
				}
				if len(b) != int(item.uncompressedLen) {
					fail(fmt.Errorf("%w: chunk %d decoded to %d bytes, want %d",
						ErrLengthMismatch, item.index, len(b), item.uncompressedLen))
					continue
				}
				if sha256.Sum256(b) != item.digest {
					fail(fmt.Errorf("%w: chunk %d", ErrDigestMismatch, item.index))
					continue
				}

				n := atomic.AddInt64(&processed, int64(len(item.data)))
				if opts.Progress != nil {
					opts.Progress(n, total)
				}
			}
		}()
	}

	// Feed frames in file order, re-reading each frame header and
	// checking it against the index entry before handing the payload to
	// the workers.
feed:
	for _, i := range sample {
		select {
		case <-done:
			break feed
		default:
		}
		if ctx.Err() != nil {
			fail(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
			break
		}

		e := &r.entries[i]
		if !plausibleLength(e.CompressedLength, r.header.ChunkSize) ||
			!plausibleLength(e.UncompressedLength, r.header.ChunkSize) {
			fail(fmt.Errorf("%w: chunk %d", ErrTruncatedFrame, i))
			break
		}

		var hdr [FrameHeaderSize]byte
		if err := readFullAt(r.src, hdr[:], int64(e.FileOffset)-FrameHeaderSize); err != nil {
			fail(fmt.Errorf("%w: chunk %d frame header", ErrTruncatedFrame, i))
			break
		}
		fh := parseFrameHeader(hdr[:])
		if fh.ChunkIndex != uint32(i) || fh.DeviceOffset != e.DeviceOffset ||
			fh.UncompressedLength != e.UncompressedLength ||
			fh.CompressedLength != e.CompressedLength {
			fail(fmt.Errorf("%w: chunk %d frame header disagrees with index", ErrTruncatedFrame, i))
			break
		}

		data := make([]byte, e.CompressedLength)
		if err := readFullAt(r.src, data, int64(e.FileOffset)); err != nil {
			fail(fmt.Errorf("%w: chunk %d payload", ErrTruncatedFrame, i))
			break
		}

		select {
		case queue <- verifyItem{index: i, uncompressedLen: e.UncompressedLength, digest: fh.Digest, data: data}:
		case <-done:
			break feed
		}
	}
	close(queue)
	wg.Wait()

	failMu.Lock()
	err := firstErr
	failMu.Unlock()
	if err != nil {
		log.Verbose("verify failed: %v", err)
		return false, err
	}
	return true, nil
}
