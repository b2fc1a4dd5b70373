package sshclient

import "io"

// Terminal output from a PTY shell carries prompt colouring, bracketed-paste toggles and
// CRLF line endings. outputCleaner turns it back into plain text so sentinel markers can be
// matched. It keeps state between calls because escape sequences and CRLF pairs can span
// read boundaries.

const (
	cleanNormal = iota
	cleanEsc
	cleanCSI
	cleanString // OSC, DCS, APC, PM: terminated by BEL or ST (ESC \)
)

type outputCleaner struct {
	state     int
	stringEsc bool
	pendingCR bool
}

func newOutputCleaner() *outputCleaner { return &outputCleaner{} }

// Clean returns b with control sequences removed and CRLF folded to LF.
func (c *outputCleaner) Clean(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, ch := range b {
		switch c.state {
		case cleanNormal:
			if c.pendingCR {
				c.pendingCR = false
				if ch != '\n' {
					out = append(out, '\r')
				}
			}
			switch {
			case ch == 0x1b:
				c.state = cleanEsc
			case ch == '\r':
				c.pendingCR = true
			case ch == '\n' || ch == '\t':
				out = append(out, ch)
			case ch < 0x20 || ch == 0x7f:
				// BEL, backspace and friends carry no text
			default:
				out = append(out, ch)
			}

		case cleanEsc:
			switch ch {
			case '[':
				c.state = cleanCSI
			case ']', 'P', '_', '^':
				c.state = cleanString
				c.stringEsc = false
			default:
				c.state = cleanNormal
			}

		case cleanCSI:
			if ch >= 0x40 && ch <= 0x7e {
				c.state = cleanNormal
			}

		case cleanString:
			switch {
			case ch == 0x07:
				c.state = cleanNormal
			case c.stringEsc:
				if ch == '\\' {
					c.state = cleanNormal
				}
				c.stringEsc = false
			case ch == 0x1b:
				c.stringEsc = true
			}
		}
	}
	return out
}

// Flush returns any byte held back waiting for a possible CRLF pair.
func (c *outputCleaner) Flush() []byte {
	if c.pendingCR {
		c.pendingCR = false
		return []byte{'\r'}
	}
	return nil
}

// cleanWriter cleans PTY output on its way to w.
type cleanWriter struct {
	w io.Writer
	c *outputCleaner
}

func (cw *cleanWriter) Write(p []byte) (int, error) {
	if _, err := cw.w.Write(cw.c.Clean(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (cw *cleanWriter) flush() {
	if b := cw.c.Flush(); len(b) > 0 {
		cw.w.Write(b)
	}
}
