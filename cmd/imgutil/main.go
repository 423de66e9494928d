// cmd/imgutil/main.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steeb-k/imaging-utility/image"
	"github.com/steeb-k/imaging-utility/store"
	u "github.com/steeb-k/imaging-utility/util"
)

var (
	verbose      bool
	debugLogging bool
	cfgFile      string

	log *u.Logger
)

var rootCmd = &cobra.Command{
	Use:   "imgutil",
	Short: "Capture, verify, and serve compressed block-device images",
	Long: `imgutil captures block devices (whole disks or single volumes) into
compressed, verifiable, resumable image containers and serves
random-access reads over them without extracting.

A container stores independently decompressable zstd chunks with
per-chunk SHA-256 digests and a trailing index, so reads at any device
offset touch only the chunks involved. Captures can be restricted to
filesystem-allocated extents, and a partial capture that was closed
cleanly (for example one limited with --max-bytes) can be resumed.

Commands:
  capture     Capture a device or volume into an image
  verify      Check an image's integrity against its chunk digests
  info        Show an image's header and index summary
  extract     Copy a device byte range (or everything) out of an image
  serve       Serve the device address space over HTTP with Range support
  mount       Mount an image as a read-only virtual device file (FUSE)
  digest      Maintain whole-file digest sidecars
  parity      Maintain Reed-Solomon parity sidecars
  push        Copy an image into a repository (directory or gs:// bucket)
  images      List images in a repository`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = u.NewLogger(verbose, debugLogging)
		image.SetLogger(log)
		store.SetLogger(log)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debugging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.imgutil.yaml)")
}

// initConfig layers defaults under the config file and IMGUTIL_*
// environment variables; flags still win where both are given.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".imgutil")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("IMGUTIL")
	viper.AutomaticEnv()

	viper.SetDefault("chunk-size", int64(image.DefaultChunkSize))
	viper.SetDefault("sector-size", 512)
	viper.SetDefault("parallel", image.DefaultParallelism())
	viper.SetDefault("pipeline-depth", image.DefaultPipelineDepth)
	viper.SetDefault("cache-chunks", image.DefaultCacheCapacity)
	viper.SetDefault("gcs-project", "")

	_ = viper.ReadInConfig()
}
