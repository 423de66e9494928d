// cmd/imgutil/extract.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steeb-k/imaging-utility/image"
	u "github.com/steeb-k/imaging-utility/util"
)

var (
	extractOut    string
	extractOffset int64
	extractLength int64
)

var extractCmd = &cobra.Command{
	Use:   "extract <image>",
	Short: "Copy a device byte range (or everything) out of an image",
	Long: `Extract streams uncompressed device bytes out of an image, to a file or
to stdout. Ranges not present in the image (unallocated space) come out
as zeros, so extracting everything reproduces the full device.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(args[0])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractOut, "output", "o", "-", "output file (- for stdout)")
	extractCmd.Flags().Int64Var(&extractOffset, "offset", 0, "first device byte to extract")
	extractCmd.Flags().Int64Var(&extractLength, "length", 0, "bytes to extract (0 = to the device end)")
}

func runExtract(imagePath string) error {
	r, err := image.Open(imagePath)
	if err != nil {
		return err
	}
	defer r.Close()

	length := extractLength
	if length == 0 || extractOffset+length > r.DeviceLength() {
		length = r.DeviceLength() - extractOffset
	}
	if length < 0 {
		length = 0
	}

	out := io.Writer(os.Stdout)
	if extractOut != "-" {
		f, err := os.Create(extractOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	meter := &u.ProgressMeter{Msg: imagePath}
	src := io.NewSectionReader(r, extractOffset, length)
	buf := make([]byte, 1024*1024)
	var copied int64
	for copied < length {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			copied += int64(n)
			meter.Update(copied, length)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	meter.Finish()
	return nil
}
