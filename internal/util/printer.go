package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Printer serialises user-facing output so lines from concurrent tasks never interleave.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

var Default = NewPrinter(os.Stdout)

func NewPrinter(w io.Writer) *Printer { return &Printer{w: w} }

// SetOutput redirects the printer.
func (p *Printer) SetOutput(w io.Writer) {
	p.mu.Lock()
	p.w = w
	p.mu.Unlock()
}

func (p *Printer) Printf(format string, a ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, a...)
}

func (p *Printer) Println(a ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, a...)
}

// PrintBlock writes block, adding a trailing newline if it lacks one.
func (p *Printer) PrintBlock(block string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	io.WriteString(p.w, block)
}
