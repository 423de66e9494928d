// cmd/imgutil/info.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steeb-k/imaging-utility/image"
	u "github.com/steeb-k/imaging-utility/util"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show an image's header and index summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(args[0])
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(imagePath string) error {
	r, err := image.Open(imagePath)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("%s:\n", imagePath)
	fmt.Printf("  format version  %d\n", h.Version)
	fmt.Printf("  sector size     %d\n", h.SectorSize)
	fmt.Printf("  chunk size      %s\n", u.FmtBytes(int64(h.ChunkSize)))
	fmt.Printf("  device length   %s (%d bytes)\n", u.FmtBytes(r.DeviceLength()), r.DeviceLength())
	if h.FSTag != "" {
		fmt.Printf("  filesystem      %s\n", h.FSTag)
	}

	entries := r.Entries()
	var stored, compressed int64
	gaps := 0
	var cursor uint64
	for i := range entries {
		e := &entries[i]
		stored += int64(e.UncompressedLength)
		compressed += int64(e.CompressedLength)
		if e.DeviceOffset > cursor {
			gaps++
		}
		cursor = e.DeviceOffset + uint64(e.UncompressedLength)
	}
	if int64(cursor) < r.DeviceLength() {
		gaps++
	}

	fmt.Printf("  chunks          %d\n", len(entries))
	fmt.Printf("  stored data     %s\n", u.FmtBytes(stored))
	fmt.Printf("  compressed      %s", u.FmtBytes(compressed))
	if stored > 0 {
		fmt.Printf(" (%.1f%%)", 100.*float64(compressed)/float64(stored))
	}
	fmt.Printf("\n")
	fmt.Printf("  sparse regions  %d\n", gaps)
	return nil
}
