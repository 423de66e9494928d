// parity/parity.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

// Package parity protects container files against silent corruption with
// Reed-Solomon sidecars, based on github.com/klauspost/reedsolomon. A
// finished image is sharded, parity shards are computed, and the parity
// plus per-block SHA-256 digests are stored in a companion .rs file.
// Check locates damaged blocks by digest; Restore rebuilds them from
// parity as long as no more blocks are damaged than there are parity
// shards.
package parity

import (
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"

	u "github.com/steeb-k/imaging-utility/util"
)

var (
	ErrCorrupt       = errors.New("file does not match its parity sidecar")
	ErrUnrecoverable = errors.New("too many damaged blocks to recover")
)

// DigestSize is the number of bytes in a block digest (SHA-256).
const DigestSize = 32

type digest [DigestSize]byte

func digestBytes(b []byte) digest {
	return sha256.Sum256(b)
}

// Sidecar is the gob-encoded content of a .rs companion file.
type Sidecar struct {
	// Size of the protected file.
	FileSize                   int64
	NDataShards, NParityShards int
	// HashRate is the block granularity at which damage is located.
	HashRate int64
	// Digests holds one digest per HashRate-sized block, first for the
	// data shards and then for the parity shards.
	Digests      [][]digest
	ParityShards [][]byte
}

// Defaults used by the CLI when no explicit geometry is given.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024
)

// Encode reads size bytes from r, computes parity over nData data shards
// with nParity parity shards, and writes the sidecar to w.
func Encode(r io.Reader, size int64, w io.Writer, nData, nParity int, hashRate int64) error {
	sc := Sidecar{
		FileSize:      size,
		NDataShards:   nData,
		NParityShards: nParity,
		HashRate:      hashRate,
	}

	dataShards, err := readAndShard(r, size, nData)
	if err != nil {
		return err
	}

	for i := 0; i < nParity; i++ {
		sc.ParityShards = append(sc.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return err
	}
	allShards := append(dataShards, sc.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return fmt.Errorf("parity self-check failed: %v", err)
	}

	for _, s := range allShards {
		sc.Digests = append(sc.Digests, digestBlocks(blocks(s, hashRate)))
	}

	return gob.NewEncoder(w).Encode(&sc)
}

// EncodeFile writes the sidecar for fn to rsfn.
func EncodeFile(fn, rsfn string, nData, nParity int, hashRate int64) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, nData, nParity, hashRate); err != nil {
		out.Close()
		os.Remove(rsfn)
		return err
	}
	return out.Close()
}

// Check verifies size bytes of data against the sidecar read from rs.
// Damaged blocks are logged; any damage yields ErrCorrupt.
func Check(data io.Reader, size int64, rs io.Reader, log *u.Logger) error {
	_, _, errs, err := scan(data, size, rs, log)
	if err != nil {
		return err
	}
	if errs > 0 {
		return ErrCorrupt
	}
	return nil
}

// CheckFile verifies fn against its sidecar rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	return checkOrRestoreFile(fn, rsfn, log, false)
}

// Restore reads size bytes of possibly-damaged data plus its sidecar and
// writes a reconstructed copy to out. At most NParityShards damaged
// blocks per block column can be rebuilt; beyond that it returns
// ErrUnrecoverable.
func Restore(data io.Reader, size int64, rs io.Reader, out io.Writer, log *u.Logger) error {
	sc, allShards, errs, err := scan(data, size, rs, log)
	if err != nil {
		return err
	}

	dataShards := allShards[:sc.NDataShards]
	if errs > 0 {
		enc, err := reedsolomon.New(sc.NDataShards, sc.NParityShards)
		if err != nil {
			return err
		}

		nBlocks := len(allShards[0])
		for blk := 0; blk < nBlocks; blk++ {
			recon := make([][]byte, len(allShards))
			missing := 0
			for s := range allShards {
				recon[s] = allShards[s][blk]
				if recon[s] == nil {
					missing++
				}
			}
			if missing == 0 {
				continue
			}
			if err := enc.Reconstruct(recon); err != nil {
				return fmt.Errorf("%w: block %d: %v", ErrUnrecoverable, blk, err)
			}
			for s := range dataShards {
				dataShards[s][blk] = recon[s]
			}
		}
	}

	// Write the data shards back out, trimming the zero padding on the
	// last one.
	w := &limitedWriter{out, sc.FileSize}
	for _, shard := range dataShards {
		for _, blk := range shard {
			if _, err := w.Write(blk); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestoreFile reconstructs fn from rsfn into fn+".recovered".
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	return checkOrRestoreFile(fn, rsfn, log, true)
}

func checkOrRestoreFile(fn, rsfn string, log *u.Logger, restore bool) error {
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	if !restore {
		return Check(f, fi.Size(), rs, log)
	}

	out, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	if err := Restore(f, fi.Size(), rs, out, log); err != nil {
		out.Close()
		os.Remove(fn + ".recovered")
		return err
	}
	return out.Close()
}

// scan reads the sidecar and the data, splits everything into blocks,
// and nils out the blocks whose digests do not match. It returns the
// sidecar, the per-shard block slices (data then parity), and the number
// of damaged blocks.
func scan(data io.Reader, size int64, rs io.Reader, log *u.Logger) (Sidecar, [][][]byte, int, error) {
	var sc Sidecar
	if err := gob.NewDecoder(rs).Decode(&sc); err != nil {
		return sc, nil, 0, fmt.Errorf("reading parity sidecar: %w", err)
	}
	if size != sc.FileSize {
		if log != nil {
			log.Warning("file is %d bytes; sidecar was built over %d", size, sc.FileSize)
		}
		return sc, nil, 0, ErrCorrupt
	}

	dataShards, err := readAndShard(data, size, sc.NDataShards)
	if err != nil {
		return sc, nil, 0, err
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, blocks(s, sc.HashRate))
	}
	for _, s := range sc.ParityShards {
		allShards = append(allShards, blocks(s, sc.HashRate))
	}

	errs := 0
	nBlocks := len(allShards[0])
	for blk := 0; blk < nBlocks; blk++ {
		for s := range allShards {
			if digestBytes(allShards[s][blk]) == sc.Digests[s][blk] {
				continue
			}
			if log != nil {
				if s < sc.NDataShards {
					log.Warning("data shard %d block %d damaged", s, blk)
				} else {
					log.Warning("parity shard %d block %d damaged", s-sc.NDataShards, blk)
				}
			}
			errs++
			allShards[s][blk] = nil
		}
	}
	return sc, allShards, errs, nil
}

// readAndShard reads size bytes and splits them into nShards equal
// shards, zero-padding the tail so every shard has the same length.
func readAndShard(r io.Reader, size int64, nShards int) ([][]byte, error) {
	shardSize := (size + int64(nShards) - 1) / int64(nShards)
	buf := make([]byte, int64(nShards)*shardSize)
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return nil, err
	}

	shards := make([][]byte, nShards)
	for i := range shards {
		shards[i] = buf[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	return shards, nil
}

// blocks splits b into HashRate-sized pieces; the last may be shorter.
func blocks(b []byte, size int64) (out [][]byte) {
	for int64(len(b)) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	return append(out, b)
}

func digestBlocks(b [][]byte) (digests []digest) {
	for _, blk := range b {
		digests = append(digests, digestBytes(blk))
	}
	return
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if w.N <= 0 {
		return len(data), nil
	}
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}
