// cmd/imgutil/readme.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format-doc",
	Short: "Print the on-disk image format documentation",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(readmeText)
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}

var readmeText = `

This document describes the image container format in enough detail that
a captured device can be recovered even without the imgutil source code.
All multi-byte integers are little-endian.

# Header

Every image starts with the 4-byte magic "IMG1", followed by:

  uint32  format version (current is 3)
  uint32  sector size of the source device, in bytes
  uint32  chunk size: target uncompressed bytes per chunk
  uint64  device length in bytes           (version >= 2)
  uint32  filesystem tag length            (version >= 3)
  bytes   filesystem tag, UTF-8            (version >= 3)

Version 1 images lack the device length; derive it from the last index
entry (device offset + uncompressed length).

# Chunk frames

After the header come the chunk frames, one per captured chunk, in
strictly ascending chunk-index order. Each frame is a 52-byte header
followed by the compressed payload:

  uint32    chunk index (0, 1, 2, ...)
  uint64    device offset of the chunk's first byte
  uint32    uncompressed length
  uint32    compressed length
  32 bytes  SHA-256 of the uncompressed bytes
  bytes     payload: one complete zstd frame

Decompressing a payload must yield exactly the uncompressed length, and
its SHA-256 must match the stored digest. Frames are self-describing, so
a truncated image (one that lost its index) can still be recovered by
walking frames from the end of the header.

# Index and tail

The last 12 bytes of a complete image are the tail: the magic "TAIL" and
a uint64 absolute file offset of the index. At that offset sits the
magic "IDX1", a uint32 entry count, and then 24 bytes per entry:

  uint64  device offset
  uint64  file offset of the payload (the byte after the frame header)
  uint32  uncompressed length
  uint32  compressed length

Entries are sorted by ascending device offset and never overlap. Device
ranges not covered by any entry (unallocated space in a --used-only
capture) read back as zeros. A used-only image therefore reconstructs
the full device: copy each chunk to its device offset and leave the
rest zeroed.

# Sidecars

<image>.sum holds the hex SHAKE256 digest of the entire image file.
<image>.rs holds Reed-Solomon parity (see "imgutil parity --help"); it
is a gob-encoded structure with per-block SHA-256 digests for damage
location and parity shards for repair.

`
