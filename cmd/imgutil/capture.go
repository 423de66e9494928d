// cmd/imgutil/capture.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steeb-k/imaging-utility/image"
	u "github.com/steeb-k/imaging-utility/util"
)

var (
	captureChunkSize    int64
	captureSectorSize   uint32
	captureFSTag        string
	captureUsedOnly     bool
	captureResume       bool
	captureLowMemory    bool
	captureMaxBytes     int64
	captureStartOffset  int64
	captureParallel     int
	captureDepth        int
	captureParallelFile string
)

var captureCmd = &cobra.Command{
	Use:   "capture <device> <image>",
	Short: "Capture a device or volume into an image",
	Long: `Capture reads a device (or any file standing in for one) and writes a
compressed image container.

With --used-only, only the ranges the source filesystem reports as
allocated are captured; everything else reads back as zeros. With
--resume, an interrupted capture that was cleanly closed is continued
from its last chunk. Resuming a --used-only capture falls back to
capturing the full remaining range, which stays correct but may store
unallocated space.

Interrupting a capture (SIGINT) leaves the image without its trailing
index, and --resume refuses such an image.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapture(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().Int64Var(&captureChunkSize, "chunk-size", 0, "uncompressed bytes per chunk (default from config, 512 MiB)")
	captureCmd.Flags().Uint32Var(&captureSectorSize, "sector-size", 0, "device sector size in bytes (default from config, 512)")
	captureCmd.Flags().StringVar(&captureFSTag, "fs-tag", "", "filesystem tag recorded in the image header")
	captureCmd.Flags().BoolVar(&captureUsedOnly, "used-only", false, "capture only filesystem-allocated ranges")
	captureCmd.Flags().BoolVar(&captureResume, "resume", false, "resume a partial capture that was closed cleanly")
	captureCmd.Flags().BoolVar(&captureLowMemory, "low-memory", false, "use small chunks to bound memory use")
	captureCmd.Flags().Int64Var(&captureMaxBytes, "max-bytes", 0, "stop after this many device bytes (0 = to the end)")
	captureCmd.Flags().Int64Var(&captureStartOffset, "start-offset", 0, "first device byte to capture")
	captureCmd.Flags().IntVarP(&captureParallel, "parallel", "j", 0, "compression workers (default from config)")
	captureCmd.Flags().IntVar(&captureDepth, "pipeline-depth", 0, "queued chunks per worker, 1..8 (default from config)")
	captureCmd.Flags().StringVar(&captureParallelFile, "parallel-file", "", "poll this file once per second for a new worker count")
	captureCmd.MarkFlagsMutuallyExclusive("chunk-size", "low-memory")
	captureCmd.MarkFlagsMutuallyExclusive("resume", "start-offset")
}

func runCapture(devicePath, imagePath string) error {
	sectorSize := captureSectorSize
	if sectorSize == 0 {
		sectorSize = viper.GetUint32("sector-size")
	}

	dev, err := image.OpenFileBlockReader(devicePath, sectorSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	chunkSize := captureChunkSize
	if captureLowMemory {
		chunkSize = image.FallbackChunkSize
	}
	if chunkSize == 0 {
		chunkSize = viper.GetInt64("chunk-size")
	}
	if chunkSize > dev.TotalSize() && dev.TotalSize() >= int64(sectorSize) {
		// No point holding buffers larger than the device.
		chunkSize = alignDown(dev.TotalSize(), int64(sectorSize))
	}

	opts := image.CaptureOptions{
		StartOffset:   captureStartOffset,
		MaxBytes:      captureMaxBytes,
		Parallel:      intOr(captureParallel, viper.GetInt("parallel")),
		PipelineDepth: intOr(captureDepth, viper.GetInt("pipeline-depth")),
	}
	if captureParallelFile != "" {
		opts.DesiredParallel = fileParallelism(captureParallelFile, opts.Parallel)
	}

	meter := &u.ProgressMeter{Msg: devicePath}
	opts.Progress = meter.Update

	var w *image.Writer
	if captureResume {
		w, err = image.OpenResume(imagePath)
		if err != nil {
			return err
		}
		off, idx := w.ResumePoint()
		log.Print("%s: resuming at device offset %s (chunk %d)", imagePath, u.FmtBytes(off), idx)
		opts.StartOffset = off
		if captureUsedOnly {
			log.Warning("resumed captures always cover the full remaining range")
			captureUsedOnly = false
		}
	} else {
		w, err = image.Create(imagePath, sectorSize, uint32(chunkSize), dev.TotalSize(), captureFSTag)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var chunks int
	var captured int64
	if captureUsedOnly {
		chunks, captured, err = w.WriteAllocatedOnly(ctx, dev, opts)
		if errors.Is(err, image.ErrNoAllocationMap) {
			log.Warning("%s: no allocation map available; capturing the full range", devicePath)
			chunks, captured, err = w.WriteFrom(ctx, dev, opts)
			captured -= opts.StartOffset
		}
	} else {
		var last int64
		chunks, last, err = w.WriteFrom(ctx, dev, opts)
		captured = last - opts.StartOffset
	}

	if err != nil {
		// Leave the tail-less file on disk with its complete frames;
		// --resume cannot continue it.
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	meter.Finish()
	log.Print("%s: captured %s in %d chunks", imagePath, u.FmtBytes(captured), chunks)
	return nil
}

// fileParallelism returns a provider that re-reads path for an updated
// worker count; parse failures keep the last good value.
func fileParallelism(path string, fallback int) func() int {
	last := fallback
	return func() int {
		b, err := os.ReadFile(path)
		if err != nil {
			return last
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || n < 1 {
			return last
		}
		last = n
		return n
	}
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func alignDown(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	if r := n % align; r != 0 {
		n -= r
	}
	if n < align {
		n = align
	}
	return n
}
