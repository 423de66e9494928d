// cmd/imgutil/verify.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steeb-k/imaging-utility/image"
	u "github.com/steeb-k/imaging-utility/util"
)

var (
	verifyQuick    bool
	verifyParallel int
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Check an image's integrity against its chunk digests",
	Long: `Verify decompresses chunks and compares their SHA-256 digests with the
ones recorded at capture time. The default checks every chunk; --quick
samples a strided subset (always including the first and last chunks),
which catches gross corruption at a fraction of the cost.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(args[0])
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().BoolVarP(&verifyQuick, "quick", "q", false, "verify a sample of chunks instead of all of them")
	verifyCmd.Flags().IntVarP(&verifyParallel, "parallel", "j", 0, "checking workers (default from config)")
}

func runVerify(imagePath string) error {
	r, err := image.Open(imagePath)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	meter := &u.ProgressMeter{Msg: imagePath}
	opts := image.VerifyOptions{
		Parallel: intOr(verifyParallel, viper.GetInt("parallel")),
		Progress: meter.Update,
	}

	var ok bool
	if verifyQuick {
		ok, err = r.VerifyQuick(ctx, opts)
	} else {
		ok, err = r.VerifyFull(ctx, opts)
	}
	meter.Finish()

	if !ok {
		if err != nil {
			return fmt.Errorf("%s: %w", imagePath, err)
		}
		return fmt.Errorf("%s: verification failed", imagePath)
	}
	log.Print("%s: ok (%d chunks)", imagePath, r.NumChunks())
	return nil
}
