package executor

import (
	"bytes"
	"io"
	"sync"
)

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 4 << 20

const truncatedNote = "\n[output truncated]\n"

// capture collects one output stream. It is written by the session's copy goroutine and
// may still receive bytes after a timeout while the result is being read, hence the lock.
// Bytes beyond limit are dropped; the optional tee still sees everything.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	tee       io.Writer
}

func newCapture(limit int, tee io.Writer) *capture {
	return &capture{limit: limit, tee: tee}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.limit <= 0 || c.buf.Len()+len(p) <= c.limit {
		c.buf.Write(p)
	} else {
		if room := c.limit - c.buf.Len(); room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
	}
	c.mu.Unlock()
	if c.tee != nil {
		// A failing tee must not abort the remote command.
		_, _ = c.tee.Write(p)
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncatedNote
	}
	return c.buf.String()
}
