// store/ratelimit.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

// Bandwidth limiting derived from skicka: gdrive/readers.go. (c)2015,
// Google, Inc. (BSD Licensed).

package store

import (
	"io"
	"sync"
	"time"
)

// Limiter caps upload and download bandwidth for one store. A refill
// task doles out budget eight times a second; readers block until budget
// is available. Zero limits mean unlimited.
type Limiter struct {
	mu   sync.Mutex
	cond *sync.Cond

	uploadPerSec, downloadPerSec int
	availUpload, availDownload   int
}

// NewLimiter returns a Limiter enforcing the given per-second byte
// budgets and starts its refill task.
func NewLimiter(uploadBytesPerSecond, downloadBytesPerSecond int) *Limiter {
	l := &Limiter{
		uploadPerSec:   uploadBytesPerSecond,
		downloadPerSec: downloadBytesPerSecond,
	}
	l.cond = sync.NewCond(&l.mu)

	if uploadBytesPerSecond > 0 || downloadBytesPerSecond > 0 {
		go l.refill()
	}
	return l
}

func (l *Limiter) refill() {
	// 1/8th of a second. The 94/100 factor adds some slop for TCP/IP and
	// HTTP overhead so actual wire usage stays near the requested limit.
	ticker := time.NewTicker(125 * time.Millisecond)
	for range ticker.C {
		l.mu.Lock()
		l.availUpload += l.uploadPerSec * 94 / 100 / 8
		if l.availUpload > l.uploadPerSec {
			// Never queue up more than one second's worth.
			l.availUpload = l.uploadPerSec
		}
		l.availDownload += l.downloadPerSec * 94 / 100 / 8
		if l.availDownload > l.downloadPerSec {
			l.availDownload = l.downloadPerSec
		}
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// UploadReader wraps r so reads from it consume upload budget.
func (l *Limiter) UploadReader(r io.Reader) io.Reader {
	if l == nil || l.uploadPerSec == 0 {
		return r
	}
	return &limitedReader{r: r, l: l, avail: &l.availUpload}
}

// DownloadReader wraps r so reads from it consume download budget.
func (l *Limiter) DownloadReader(r io.Reader) io.Reader {
	if l == nil || l.downloadPerSec == 0 {
		return r
	}
	return &limitedReader{r: r, l: l, avail: &l.availDownload}
}

// limitedReader returns no more bytes per Read than the current budget
// allows, blocking when the budget is exhausted.
type limitedReader struct {
	r     io.Reader
	l     *Limiter
	avail *int
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	lr.l.mu.Lock()
	for *lr.avail <= 0 {
		lr.l.cond.Wait()
	}

	n := len(dst)
	if n > *lr.avail {
		n = *lr.avail
	}
	*lr.avail -= n
	lr.l.mu.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		// Return the budget we reserved but didn't use.
		lr.l.mu.Lock()
		*lr.avail += n - read
		lr.l.mu.Unlock()
	}
	return read, err
}
