// cmd/imgutil/parity.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/steeb-k/imaging-utility/parity"
)

var (
	parityDataShards int
	parityShards     int
	parityHashRate   int64
)

var parityCmd = &cobra.Command{
	Use:   "parity",
	Short: "Maintain Reed-Solomon parity sidecars",
	Long: `Parity sidecars (.rs files) let a damaged image be repaired in place:
check locates damaged blocks by digest, and restore rebuilds them from
parity as long as no more blocks are damaged than there are parity
shards.`,
}

var parityCreateCmd = &cobra.Command{
	Use:   "create <image>...",
	Short: "Write an <image>.rs parity sidecar",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, fn := range args {
			if strings.HasSuffix(fn, ".rs") {
				log.Warning("%s: skipping parity encoding of an .rs file", fn)
				continue
			}
			if err := parity.EncodeFile(fn, fn+".rs", parityDataShards, parityShards, parityHashRate); err != nil {
				return err
			}
			log.Print("%s.rs: written", fn)
		}
		return nil
	},
}

var parityCheckCmd = &cobra.Command{
	Use:   "check <image>...",
	Short: "Check files against their .rs sidecars",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, fn := range args {
			if err := parity.CheckFile(fn, fn+".rs", log); err != nil {
				return err
			}
			log.Print("%s: ok", fn)
		}
		return nil
	},
}

var parityRestoreCmd = &cobra.Command{
	Use:   "restore <image>...",
	Short: "Rebuild damaged files into <image>.recovered",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, fn := range args {
			if err := parity.RestoreFile(fn, fn+".rs", log); err != nil {
				return err
			}
			log.Print("%s.recovered: written", fn)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(parityCmd)
	parityCmd.AddCommand(parityCreateCmd)
	parityCmd.AddCommand(parityCheckCmd)
	parityCmd.AddCommand(parityRestoreCmd)

	parityCreateCmd.Flags().IntVar(&parityDataShards, "nshards", parity.DefaultDataShards, "number of data shards")
	parityCreateCmd.Flags().IntVar(&parityShards, "nparity", parity.DefaultParityShards, "number of parity shards")
	parityCreateCmd.Flags().Int64Var(&parityHashRate, "hashrate", parity.DefaultHashRate, "block size for damage location")
}
