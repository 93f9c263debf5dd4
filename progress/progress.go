// Package progress reports transferred bytes.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Reporter receives the progress of one transfer.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
}

// Bar renders a byte progress bar.
type Bar struct {
	writer io.Writer
	bar    *progressbar.ProgressBar
}

// NewBar creates a Bar writing to stderr.
func NewBar() *Bar {
	return NewBarWithWriter(os.Stderr)
}

// NewBarWithWriter creates a Bar writing to w.
func NewBarWithWriter(w io.Writer) *Bar {
	return &Bar{writer: w}
}

// Start ...
func (b *Bar) Start(total int64, description string) {
	b.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(b.writer),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(b.writer, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update ...
func (b *Bar) Update(current int64) {
	if b.bar != nil {
		_ = b.bar.Set64(current)
	}
}

// Finish ...
func (b *Bar) Finish() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}

// NoOp discards progress.
type NoOp struct{}

func (NoOp) Start(int64, string) {}
func (NoOp) Update(int64)        {}
func (NoOp) Finish()             {}

// Func adapts a Reporter to the transfer engine's progress callback.
func Func(reporter Reporter) func(written, total int64) {
	return func(written, _ int64) {
		reporter.Update(written)
	}
}
