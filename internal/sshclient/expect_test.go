package sshclient

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"
)

func TestOutputCleanerAcrossChunks(t *testing.T) {
	c := newOutputCleaner()
	var out []byte
	for _, chunk := range []string{"\x1b[01;3", "2mgreen\x1b[0m\r", "\nnext\x1b]0;title\x07 line\r", "\n"} {
		out = append(out, c.Clean([]byte(chunk))...)
	}
	out = append(out, c.Flush()...)
	if got, want := string(out), "green\nnext line\n"; got != want {
		t.Fatalf("Clean = %q, want %q", got, want)
	}
}

func TestExpectEarliestMatchWins(t *testing.T) {
	r, w := io.Pipe()
	x := newExpecter(r)
	defer x.close()
	go func() {
		io.WriteString(w, "banner\nPassword: ")
		w.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	idx, _, err := x.expect(ctx, regexp.MustCompile(`denied`), regexp.MustCompile(`banner`), regexp.MustCompile(`Password: $`))
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1 (earliest)", idx)
	}
	idx, _, err = x.expect(ctx, regexp.MustCompile(`Password: $`))
	if err != nil || idx != 0 {
		t.Fatalf("second expect = %d %v", idx, err)
	}
}

func TestExpectReportsEOFWithLastLine(t *testing.T) {
	r, w := io.Pipe()
	x := newExpecter(r)
	defer x.close()
	go func() {
		io.WriteString(w, "\r\nsu: Authentication failure\r\n")
		w.Close()
	}()

	_, _, err := x.expect(context.Background(), regexp.MustCompile(`never`))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
	if got := x.lastLine(); got != "su: Authentication failure" {
		t.Fatalf("lastLine = %q", got)
	}
}

func TestExpectHonoursContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	x := newExpecter(r)
	defer x.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := x.expect(ctx, regexp.MustCompile(`never`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
