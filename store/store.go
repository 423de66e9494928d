// store/store.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

// Package store abstracts where finished container files live. A Store
// hands out random-access readers, so the image package can serve reads
// straight out of a local repository directory or a Google Cloud Storage
// bucket without downloading the container first.
package store

import (
	"errors"
	"io"
	"time"

	u "github.com/steeb-k/imaging-utility/util"
)

var (
	ErrNotFound = errors.New("image not found in store")
	ErrExists   = errors.New("image already exists in store")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Store is a repository of named container files.
//
// Open returns a random-access reader; its ReadAt must be safe for
// concurrent use. Create returns a writer whose Close commits the image
// under its name; a failed or abandoned upload must not leave a
// partially visible image.
type Store interface {
	String() string

	Open(name string) (io.ReaderAt, int64, error)
	Create(name string) (io.WriteCloser, error)
	List(prefix string, f func(name string, size int64, created time.Time)) error
	Remove(name string) error
}

// Upload copies a finished local file into the store under name.
func Upload(s Store, r io.Reader, name string) (int64, error) {
	w, err := s.Create(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		// Abandon the writer: Close would commit the partial image.
		return n, err
	}
	return n, w.Close()
}
