// image/pool.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"crypto/sha256"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// chunkJob is one uncompressed chunk handed to the compressor pool.
type chunkJob struct {
	index        uint32
	deviceOffset int64
	data         []byte
}

// compressedChunk is the pool's output: the chunk's digest and its zstd
// frame, ready for the ordered writer.
type compressedChunk struct {
	index           uint32
	deviceOffset    int64
	uncompressedLen int
	digest          [DigestSize]byte
	data            []byte
}

// compressorPool is a dynamically sized set of workers draining a
// bounded input queue of raw chunks into a bounded output queue of
// hashed, compressed chunks. Workers may complete items out of order;
// the pipeline's writer restores order.
//
// Resizing is cooperative: shrinking arms retire tokens that workers
// consume at their next loop boundary, never mid-item.
type compressorPool struct {
	in   chan chunkJob
	out  chan compressedChunk
	done <-chan struct{}
	fail func(error)

	wg sync.WaitGroup

	mu     sync.Mutex
	active int
	retire int
}

func newCompressorPool(queueCap int, done <-chan struct{}, fail func(error)) *compressorPool {
	return &compressorPool{
		in:   make(chan chunkJob, queueCap),
		out:  make(chan compressedChunk, queueCap),
		done: done,
		fail: fail,
	}
}

// SetDegree grows or shrinks the worker set to d live workers. Growth
// first cancels pending retire tokens, then spawns; shrinking arms
// tokens so that the excess workers exit after their current item.
func (p *compressorPool) SetDegree(d int) {
	if d < 1 {
		d = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.active - p.retire
	for live < d && p.retire > 0 {
		p.retire--
		live++
	}
	for live < d {
		p.spawnLocked()
		live++
	}
	if live > d {
		p.retire += live - d
	}
}

// Degree returns the number of live (non-retiring) workers.
func (p *compressorPool) Degree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active - p.retire
}

func (p *compressorPool) spawnLocked() {
	p.active++
	p.wg.Add(1)
	go p.worker()
}

func (p *compressorPool) exit() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// retireOne consumes a retire token if any are armed.
func (p *compressorPool) retireOne() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retire > 0 {
		p.retire--
		p.active--
		return true
	}
	return false
}

func (p *compressorPool) worker() {
	defer p.wg.Done()

	// Each worker owns its compressor; zstd encoders are not shared.
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		p.fail(err)
		p.exit()
		return
	}
	defer enc.Close()

	for {
		job, ok := <-p.in
		if !ok {
			p.exit()
			return
		}

		c := compressedChunk{
			index:           job.index,
			deviceOffset:    job.deviceOffset,
			uncompressedLen: len(job.data),
			digest:          sha256.Sum256(job.data),
			data:            enc.EncodeAll(job.data, nil),
		}

		select {
		case p.out <- c:
		case <-p.done:
			p.exit()
			return
		}

		if p.retireOne() {
			return
		}
	}
}

// Close closes the input queue, waits for every worker to retire
// naturally, and then closes the output queue. The caller must have
// stopped resizing first.
func (p *compressorPool) Close() {
	close(p.in)
	p.wg.Wait()
	close(p.out)
}
