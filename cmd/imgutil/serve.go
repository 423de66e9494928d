// cmd/imgutil/serve.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steeb-k/imaging-utility/image"
	"github.com/steeb-k/imaging-utility/store"
)

var (
	serveAddr string
	serveRepo string
)

var serveCmd = &cobra.Command{
	Use:   "serve <image>",
	Short: "Serve the device address space over HTTP with Range support",
	Long: `Serve exposes the uncompressed device bytes of an image at /device,
honoring HTTP Range requests, so other tooling can read arbitrary
offsets without extracting the image. /info reports the image header.

With --repo, <image> names an object in a repository (a directory or a
gs:// bucket) and reads are served straight out of it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0])
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8825", "listen address")
	serveCmd.Flags().StringVar(&serveRepo, "repo", "", "repository holding the image (directory or gs://bucket)")
}

func runServe(name string) error {
	var r *image.Reader
	var err error
	if serveRepo == "" {
		r, err = image.Open(name)
	} else {
		var s store.Store
		s, err = openStore(context.Background(), serveRepo)
		if err != nil {
			return err
		}
		var src io.ReaderAt
		var size int64
		src, size, err = s.Open(name)
		if err != nil {
			return err
		}
		r, err = image.NewReader(src, size)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	started := time.Now()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	if verbose {
		router.Use(middleware.Logger)
	}

	device := func(w http.ResponseWriter, req *http.Request) {
		// SectionReaders are stateless over the image's ReaderAt, so
		// each request gets its own and concurrent reads are fine.
		src := io.NewSectionReader(r, 0, r.DeviceLength())
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, req, "device.img", started, src)
	}
	router.Get("/device", device)
	// chi routes HEAD separately; ServeContent suppresses the body and
	// still reports the device length.
	router.Head("/device", device)

	router.Get("/info", func(w http.ResponseWriter, req *http.Request) {
		h := r.Header()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version":      h.Version,
			"sectorSize":   h.SectorSize,
			"chunkSize":    h.ChunkSize,
			"deviceLength": r.DeviceLength(),
			"fsTag":        h.FSTag,
			"chunks":       r.NumChunks(),
		})
	})

	log.Print("serving %s on %s", name, serveAddr)
	return http.ListenAndServe(serveAddr, router)
}

// openStore resolves a repository reference: gs://bucket selects Google
// Cloud Storage (project from config when the bucket must be created);
// anything else is a local directory.
func openStore(ctx context.Context, repo string) (store.Store, error) {
	const gsPrefix = "gs://"
	if len(repo) > len(gsPrefix) && repo[:len(gsPrefix)] == gsPrefix {
		return store.NewGCS(ctx, store.GCSOptions{
			BucketName:                repo[len(gsPrefix):],
			ProjectID:                 viper.GetString("gcs-project"),
			MaxUploadBytesPerSecond:   viper.GetInt("max-upload-bps"),
			MaxDownloadBytesPerSecond: viper.GetInt("max-download-bps"),
		})
	}
	return store.NewDir(repo)
}
