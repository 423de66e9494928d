// image/pool_test.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestPoolCompressesAndHashes(t *testing.T) {
	rng := rand.New(rand.NewSource(30))

	done := make(chan struct{})
	defer close(done)
	pool := newCompressorPool(8, done, func(err error) { t.Errorf("pool failure: %v", err) })
	pool.SetDegree(3)

	const n = 40
	jobs := make([][]byte, n)
	for i := range jobs {
		jobs[i] = genDevice(rng, 16*1024+rng.Intn(16*1024))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, data := range jobs {
			pool.in <- chunkJob{index: uint32(i), deviceOffset: int64(i) * 32 * 1024, data: data}
		}
		pool.Close()
	}()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer dec.Close()

	seen := make(map[uint32]bool)
	for c := range pool.out {
		if seen[c.index] {
			t.Fatalf("chunk %d delivered twice", c.index)
		}
		seen[c.index] = true

		src := jobs[c.index]
		if c.uncompressedLen != len(src) {
			t.Errorf("chunk %d: uncompressed length %d, want %d", c.index, c.uncompressedLen, len(src))
		}
		if c.digest != sha256.Sum256(src) {
			t.Errorf("chunk %d: digest mismatch", c.index)
		}
		b, err := dec.DecodeAll(c.data, nil)
		if err != nil {
			t.Errorf("chunk %d: decode: %v", c.index, err)
		} else if !bytes.Equal(b, src) {
			t.Errorf("chunk %d: round trip mismatch", c.index)
		}
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("got %d chunks back, want %d", len(seen), n)
	}
	if pool.active != 0 {
		t.Errorf("%d workers still active after Close", pool.active)
	}
}

func TestPoolResize(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	pool := newCompressorPool(4, done, func(err error) { t.Errorf("pool failure: %v", err) })

	pool.SetDegree(4)
	if d := pool.Degree(); d != 4 {
		t.Fatalf("degree = %d after grow, want 4", d)
	}

	// Shrinking arms retire tokens; the live degree drops immediately
	// even though workers exit only at their next loop boundary.
	pool.SetDegree(1)
	if d := pool.Degree(); d != 1 {
		t.Fatalf("degree = %d after shrink, want 1", d)
	}

	// Growing again consumes armed tokens before spawning.
	pool.SetDegree(3)
	if d := pool.Degree(); d != 3 {
		t.Fatalf("degree = %d after regrow, want 3", d)
	}

	// Push work through so retiring workers get their loop boundary.
	go func() {
		for i := 0; i < 16; i++ {
			pool.in <- chunkJob{index: uint32(i), data: []byte("some bytes to compress")}
		}
		pool.Close()
	}()
	n := 0
	for range pool.out {
		n++
	}
	if n != 16 {
		t.Errorf("drained %d chunks, want 16", n)
	}
	if pool.active != 0 {
		t.Errorf("%d workers active after drain", pool.active)
	}
}
