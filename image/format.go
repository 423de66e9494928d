// image/format.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

/*
File format spec:
- Header: the 4-byte magic "IMG1", then the format version, the source
  device's sector size, the target uncompressed chunk size (all uint32),
  the device length in bytes (uint64, version >= 2), and a
  length-prefixed UTF-8 filesystem tag (version >= 3).
- Chunk frame: chunk index (uint32), device offset (uint64), uncompressed
  and compressed lengths (uint32 each), the SHA-256 digest of the
  uncompressed bytes, then the zstd-compressed payload. The frame header
  is exactly 52 bytes.
- Index: the magic "IDX1", an entry count (uint32), then 24 bytes per
  entry: device offset, file offset of the payload start (uint64 each),
  uncompressed and compressed lengths (uint32 each). Entries are sorted
  by ascending device offset and never overlap.
- Tail: the magic "TAIL" and the absolute file offset of the index
  (uint64); always the last 12 bytes of the file.

All integers are little-endian. Frames can be enumerated without the
index, so the index is reconstructible from a tail-less file.
*/

var (
	imageMagic = [4]byte{'I', 'M', 'G', '1'}
	indexMagic = [4]byte{'I', 'D', 'X', '1'}
	tailMagic  = [4]byte{'T', 'A', 'I', 'L'}
)

const (
	// Version1 containers lack the device length in the header; it is
	// derived from the last index entry instead.
	Version1 = 1
	// Version2 adds the device length.
	Version2 = 2
	// Version3 adds the filesystem tag. New containers are written at
	// this version.
	Version3 = 3

	CurrentVersion = Version3

	// DigestSize is the number of bytes in a chunk digest (SHA-256).
	DigestSize = 32

	// FrameHeaderSize is the fixed size of the header preceding each
	// chunk's compressed payload.
	FrameHeaderSize = 52

	indexEntrySize = 24
	tailSize       = 12

	maxFSTagLen = 65536
)

var (
	ErrBadMagic           = errors.New("not an image file (bad magic)")
	ErrUnsupportedVersion = errors.New("unsupported image version")
	ErrBadHeader          = errors.New("malformed image header")
	ErrMissingTail        = errors.New("image tail missing or damaged")
	ErrBadIndex           = errors.New("malformed image index")
	ErrTruncatedFrame     = errors.New("truncated or implausible chunk frame")
	ErrLengthMismatch     = errors.New("chunk length mismatch")
	ErrDigestMismatch     = errors.New("chunk digest mismatch")
	ErrDecode             = errors.New("chunk decompression failed")
	ErrCancelled          = errors.New("operation cancelled")
)

///////////////////////////////////////////////////////////////////////////
// Header

// Header is the fixed prefix of a container file. It is written once at
// capture start and never rewritten, including across resumes.
type Header struct {
	Version      uint32
	SectorSize   uint32
	ChunkSize    uint32
	DeviceLength int64
	FSTag        string
}

// encodedSize returns the on-disk size of the header for its version.
func (h *Header) encodedSize() int64 {
	switch h.Version {
	case Version1:
		return 16
	case Version2:
		return 24
	default:
		return 28 + int64(len(h.FSTag))
	}
}

func writeHeader(w io.Writer, h *Header) error {
	if len(h.FSTag) > maxFSTagLen {
		return fmt.Errorf("%w: filesystem tag is %d bytes", ErrBadHeader, len(h.FSTag))
	}

	buf := make([]byte, 0, 28+len(h.FSTag))
	buf = append(buf, imageMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, CurrentVersion)
	buf = binary.LittleEndian.AppendUint32(buf, h.SectorSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.ChunkSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.DeviceLength))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.FSTag)))
	buf = append(buf, h.FSTag...)

	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (Header, error) {
	var h Header

	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if [4]byte(fixed[:4]) != imageMagic {
		return h, ErrBadMagic
	}

	h.Version = binary.LittleEndian.Uint32(fixed[4:])
	if h.Version == 0 || h.Version > CurrentVersion {
		return h, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, h.Version)
	}
	h.SectorSize = binary.LittleEndian.Uint32(fixed[8:])
	h.ChunkSize = binary.LittleEndian.Uint32(fixed[12:])
	if h.ChunkSize == 0 {
		return h, fmt.Errorf("%w: zero chunk size", ErrBadHeader)
	}

	if h.Version >= Version2 {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		h.DeviceLength = int64(binary.LittleEndian.Uint64(b[:]))
		if h.DeviceLength < 0 {
			return h, fmt.Errorf("%w: negative device length", ErrBadHeader)
		}
	}

	if h.Version >= Version3 {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		n := binary.LittleEndian.Uint32(b[:])
		if n > maxFSTagLen {
			return h, fmt.Errorf("%w: filesystem tag is %d bytes", ErrBadHeader, n)
		}
		tag := make([]byte, n)
		if _, err := io.ReadFull(r, tag); err != nil {
			return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		h.FSTag = string(tag)
	}

	return h, nil
}

///////////////////////////////////////////////////////////////////////////
// Chunk frames

// FrameHeader precedes each chunk's compressed payload in the container.
type FrameHeader struct {
	ChunkIndex         uint32
	DeviceOffset       uint64
	UncompressedLength uint32
	CompressedLength   uint32
	Digest             [DigestSize]byte
}

func putFrameHeader(b []byte, fh *FrameHeader) {
	binary.LittleEndian.PutUint32(b[0:], fh.ChunkIndex)
	binary.LittleEndian.PutUint64(b[4:], fh.DeviceOffset)
	binary.LittleEndian.PutUint32(b[12:], fh.UncompressedLength)
	binary.LittleEndian.PutUint32(b[16:], fh.CompressedLength)
	copy(b[20:], fh.Digest[:])
}

func parseFrameHeader(b []byte) FrameHeader {
	var fh FrameHeader
	fh.ChunkIndex = binary.LittleEndian.Uint32(b[0:])
	fh.DeviceOffset = binary.LittleEndian.Uint64(b[4:])
	fh.UncompressedLength = binary.LittleEndian.Uint32(b[12:])
	fh.CompressedLength = binary.LittleEndian.Uint32(b[16:])
	copy(fh.Digest[:], b[20:])
	return fh
}

func writeFrame(w io.Writer, fh *FrameHeader, compressed []byte) error {
	var hdr [FrameHeaderSize]byte
	putFrameHeader(hdr[:], fh)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

// plausibleLength reports whether a frame length field could belong to a
// well-formed container with the given chunk size. Incompressible chunks
// can grow slightly under compression, so allow up to twice the chunk
// size before declaring corruption.
func plausibleLength(n uint32, chunkSize uint32) bool {
	return n <= 2*chunkSize
}

///////////////////////////////////////////////////////////////////////////
// Index and tail

// IndexEntry locates one chunk: the device range it covers and where its
// payload starts in the container file. FileOffset is the byte
// immediately after the chunk's frame header.
type IndexEntry struct {
	DeviceOffset       uint64
	FileOffset         uint64
	UncompressedLength uint32
	CompressedLength   uint32
}

// end returns the device offset one past the last byte the entry covers.
func (e *IndexEntry) end() uint64 {
	return e.DeviceOffset + uint64(e.UncompressedLength)
}

// writeFooter appends the index and tail for the given entries.
// indexStart must be the file offset at which the write begins.
func writeFooter(w io.Writer, indexStart int64, entries []IndexEntry) error {
	buf := make([]byte, 0, 8+indexEntrySize*len(entries)+tailSize)
	buf = append(buf, indexMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for i := range entries {
		e := &entries[i]
		buf = binary.LittleEndian.AppendUint64(buf, e.DeviceOffset)
		buf = binary.LittleEndian.AppendUint64(buf, e.FileOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.UncompressedLength)
		buf = binary.LittleEndian.AppendUint32(buf, e.CompressedLength)
	}
	buf = append(buf, tailMagic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(indexStart))

	_, err := w.Write(buf)
	return err
}

// readLocator validates the tail at the end of the file and returns the
// absolute offset of the index.
func readLocator(r io.ReaderAt, fileSize int64) (int64, error) {
	if fileSize < tailSize {
		return 0, ErrMissingTail
	}
	var tail [tailSize]byte
	if _, err := r.ReadAt(tail[:], fileSize-tailSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingTail, err)
	}
	if [4]byte(tail[:4]) != tailMagic {
		return 0, ErrMissingTail
	}
	locator := int64(binary.LittleEndian.Uint64(tail[4:]))
	if locator < 0 || locator > fileSize-tailSize {
		return 0, ErrMissingTail
	}
	return locator, nil
}

// readIndex reads the index the locator points at.
func readIndex(r io.ReaderAt, locator, fileSize int64) ([]IndexEntry, error) {
	var fixed [8]byte
	if _, err := r.ReadAt(fixed[:], locator); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIndex, err)
	}
	if [4]byte(fixed[:4]) != indexMagic {
		return nil, ErrBadIndex
	}
	count := binary.LittleEndian.Uint32(fixed[4:])

	// The whole index plus the tail must fit between the locator and EOF.
	if int64(count) > (fileSize-locator-8-tailSize)/indexEntrySize {
		return nil, fmt.Errorf("%w: truncated (%d entries)", ErrBadIndex, count)
	}

	buf := make([]byte, int64(count)*indexEntrySize)
	if _, err := r.ReadAt(buf, locator+8); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIndex, err)
	}

	entries := make([]IndexEntry, count)
	for i := range entries {
		b := buf[i*indexEntrySize:]
		entries[i] = IndexEntry{
			DeviceOffset:       binary.LittleEndian.Uint64(b[0:]),
			FileOffset:         binary.LittleEndian.Uint64(b[8:]),
			UncompressedLength: binary.LittleEndian.Uint32(b[16:]),
			CompressedLength:   binary.LittleEndian.Uint32(b[20:]),
		}
	}

	if err := validateEntries(entries, locator); err != nil {
		return nil, err
	}
	return entries, nil
}

// validateEntries enforces the index invariants: strictly ascending,
// non-overlapping device ranges, and payload offsets that leave room for
// a frame header.
func validateEntries(entries []IndexEntry, locator int64) error {
	for i := range entries {
		e := &entries[i]
		if e.FileOffset < FrameHeaderSize {
			return fmt.Errorf("%w: entry %d file offset %d", ErrBadIndex, i, e.FileOffset)
		}
		if int64(e.FileOffset)+int64(e.CompressedLength) > locator {
			return fmt.Errorf("%w: entry %d payload overruns index", ErrBadIndex, i)
		}
		if i > 0 {
			prev := &entries[i-1]
			if prev.end() > e.DeviceOffset {
				return fmt.Errorf("%w: entries %d and %d overlap", ErrBadIndex, i-1, i)
			}
		}
	}
	return nil
}
