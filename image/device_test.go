// image/device_test.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"io"
	"math/rand"
)

// memDevice is an in-memory BlockReader for tests. If ranges is non-nil
// it reports them as the filesystem allocation map.
type memDevice struct {
	data       []byte
	sectorSize uint32
	ranges     []span
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) TotalSize() int64 {
	return int64(len(d.data))
}

func (d *memDevice) SectorSize() uint32 {
	if d.sectorSize == 0 {
		return 512
	}
	return d.sectorSize
}

func (d *memDevice) EnumerateAllocatedRanges(emit func(offset, length int64)) (int64, bool, error) {
	if d.ranges == nil {
		return 0, false, nil
	}
	var total int64
	for _, r := range d.ranges {
		emit(r.offset, r.length)
		total += r.length
	}
	return total, true, nil
}

// genDevice returns n bytes mixing compressible runs with random data,
// so captures exercise both sides of the compressor.
func genDevice(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for off := 0; off < n; {
		run := 4096 + rng.Intn(64*1024)
		if off+run > n {
			run = n - off
		}
		if rng.Intn(2) == 0 {
			fill := byte(rng.Intn(256))
			for i := 0; i < run; i++ {
				b[off+i] = fill
			}
		} else {
			rng.Read(b[off : off+run])
		}
		off += run
	}
	return b
}
