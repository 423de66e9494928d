// image/image.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

// Package image implements a compressed, verifiable, resumable container
// format for block-device captures, along with the parallel pipeline that
// writes it and a random-access reader that serves reads out of it
// without extracting.
//
// A container is a single append-only file: a fixed header, a series of
// chunk frames (each a SHA-256 digest plus an independently decodable
// zstd frame), a trailing index mapping device offsets to frame
// locations, and a 12-byte tail pointing at the index. Device ranges
// absent from the index read back as zeros, which is how captures
// restricted to filesystem-allocated extents stay sparse.
package image

import (
	"runtime"

	u "github.com/steeb-k/imaging-utility/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Configuration

const (
	// DefaultChunkSize is the target uncompressed bytes per chunk.
	DefaultChunkSize = 512 * 1024 * 1024

	// FallbackChunkSize is a smaller chunk size for memory-constrained
	// hosts; each in-flight chunk pins one uncompressed buffer.
	FallbackChunkSize = 64 * 1024 * 1024

	// DefaultPipelineDepth controls how many chunks each worker may have
	// queued between the pipeline stages.
	DefaultPipelineDepth = 2

	maxPipelineDepth = 8

	// DefaultCacheCapacity is the number of decompressed chunks the
	// random-access reader keeps resident.
	DefaultCacheCapacity = 4

	// compressionLevel is the zstd level applied to every chunk. Fixed so
	// that identical captures produce identical containers.
	compressionLevel = 3
)

// DefaultParallelism returns the default number of compression workers:
// half the hardware concurrency, and at least one.
func DefaultParallelism() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ProgressFunc receives the number of bytes processed so far and the
// total the operation will process: device bytes for captures,
// compressed bytes for verification. Implementations must be safe for
// repeated invocation from the pipeline's threads.
type ProgressFunc func(done, total int64)
