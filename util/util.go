// util/util.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"log"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ProgressMeter

// ProgressMeter periodically logs how many bytes of a larger operation
// have been processed and the rate of processing them in bytes / second.
// It is fed via Update() callbacks rather than wrapping an io.Reader,
// since the capture pipeline reports progress from its producer thread.
type ProgressMeter struct {
	Msg string

	mu      sync.Mutex
	start   time.Time
	next    int64
	done    int64
	total   int64
	stopped bool
}

const reportFrequency = 128 * 1024 * 1024

// Update records that done of total bytes have been processed so far.
// Safe for concurrent use.
func (p *ProgressMeter) Update(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.start.IsZero() {
		p.start = time.Now()
		p.next = reportFrequency
	}

	p.done, p.total = done, total
	if p.done >= p.next {
		p.report("")
		for p.next <= p.done {
			p.next += reportFrequency
		}
	}
}

func (p *ProgressMeter) report(prefix string) {
	delta := time.Since(p.start)
	bytesPerSec := int64(float64(p.done) / delta.Seconds())
	if p.total > 0 {
		log.Printf("%s%s %s / %s [%s/s]", prefix, p.Msg, FmtBytes(p.done),
			FmtBytes(p.total), FmtBytes(bytesPerSec))
	} else {
		log.Printf("%s%s %s [%s/s]", prefix, p.Msg, FmtBytes(p.done),
			FmtBytes(bytesPerSec))
	}
}

// Finish logs a final report. Further Updates are ignored.
func (p *ProgressMeter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.start.IsZero() {
		p.stopped = true
		return
	}
	p.report("Finished. ")
	p.stopped = true
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
