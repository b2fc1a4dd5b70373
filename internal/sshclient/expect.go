package sshclient

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
)

// maxExpectBuffer caps unmatched output kept while waiting for a pattern.
const maxExpectBuffer = 16 * 1024

// expecter pumps a PTY output stream in the background and lets callers wait for
// regular expressions to appear in the cleaned text.
type expecter struct {
	data     chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	clean    *outputCleaner
	buf      []byte
	eof      bool
}

func newExpecter(r io.Reader) *expecter {
	x := &expecter{
		data:  make(chan []byte, 32),
		quit:  make(chan struct{}),
		clean: newOutputCleaner(),
	}
	go x.pump(r)
	return x
}

func (x *expecter) pump(r io.Reader) {
	defer close(x.data)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b := make([]byte, n)
			copy(b, chunk[:n])
			select {
			case x.data <- b:
			case <-x.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// fill appends the next chunk of output to the buffer. It returns io.EOF once the
// stream has ended and ctx.Err() if the context finishes first.
func (x *expecter) fill(ctx context.Context) error {
	if x.eof {
		return io.EOF
	}
	select {
	case b, ok := <-x.data:
		if !ok {
			x.eof = true
			x.buf = append(x.buf, x.clean.Flush()...)
			return io.EOF
		}
		x.buf = append(x.buf, x.clean.Clean(b)...)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expect waits until one of res matches the buffered output. The earliest match wins;
// the buffer is consumed up to the end of that match and its submatches returned.
func (x *expecter) expect(ctx context.Context, res ...*regexp.Regexp) (int, []string, error) {
	for {
		if idx, m, ok := x.match(res); ok {
			return idx, m, nil
		}
		if err := x.fill(ctx); err != nil {
			return -1, nil, err
		}
	}
}

func (x *expecter) match(res []*regexp.Regexp) (int, []string, bool) {
	if len(x.buf) == 0 {
		return -1, nil, false
	}
	chosen, start, end := -1, -1, -1
	var groups []string
	for i, re := range res {
		loc := re.FindSubmatchIndex(x.buf)
		if loc == nil {
			continue
		}
		if chosen == -1 || loc[0] < start {
			chosen, start, end = i, loc[0], loc[1]
			groups = submatches(x.buf, loc)
		}
	}
	if chosen == -1 {
		if len(x.buf) > maxExpectBuffer {
			x.buf = append([]byte(nil), x.buf[len(x.buf)-maxExpectBuffer:]...)
		}
		return -1, nil, false
	}
	x.buf = x.buf[end:]
	return chosen, groups, true
}

func submatches(b []byte, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = string(b[loc[2*i]:loc[2*i+1]])
		}
	}
	return out
}

// take removes and returns the first n buffered bytes.
func (x *expecter) take(n int) []byte {
	if n > len(x.buf) {
		n = len(x.buf)
	}
	out := append([]byte(nil), x.buf[:n]...)
	x.buf = x.buf[n:]
	return out
}

// lastLine returns the last non-empty line of buffered output, for error messages.
func (x *expecter) lastLine() string {
	lines := strings.Split(strings.TrimSpace(string(x.buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func (x *expecter) close() {
	x.quitOnce.Do(func() { close(x.quit) })
}
