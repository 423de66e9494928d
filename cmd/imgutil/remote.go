// cmd/imgutil/remote.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steeb-k/imaging-utility/store"
	u "github.com/steeb-k/imaging-utility/util"
)

var pushName string

var pushCmd = &cobra.Command{
	Use:   "push <image> <repo>",
	Short: "Copy an image into a repository (directory or gs:// bucket)",
	Long: `Push uploads a finished image into a repository. Uploads to gs://
buckets are retried on temporary failures and cross-checked with CRC32C
before the object becomes visible. Once pushed, the image can be served
or inspected in place with "serve --repo".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPush(args[0], args[1])
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images <repo> [prefix]",
	Short: "List images in a repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 2 {
			prefix = args[1]
		}
		return runImages(args[0], prefix)
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(imagesCmd)

	pushCmd.Flags().StringVar(&pushName, "name", "", "name in the repository (default: the file's base name)")
}

func runPush(imagePath, repo string) error {
	s, err := openStore(context.Background(), repo)
	if err != nil {
		return err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer f.Close()

	name := pushName
	if name == "" {
		name = filepath.Base(imagePath)
	}

	start := time.Now()
	n, err := store.Upload(s, f, name)
	if err != nil {
		return err
	}
	log.Print("%s: pushed %s to %s in %s", name, u.FmtBytes(n), s, time.Since(start).Round(time.Second))
	return nil
}

func runImages(repo, prefix string) error {
	s, err := openStore(context.Background(), repo)
	if err != nil {
		return err
	}

	return s.List(prefix, func(name string, size int64, created time.Time) {
		log.Print("%-50s %10s  %s", name, u.FmtBytes(size), created.Format("2006-01-02 15:04"))
	})
}
