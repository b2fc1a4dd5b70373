package sshclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"rexec/internal/types"
)

// markerPrefix starts every sentinel line. The shell prints markers with
// printf '%s%s' so the echoed command line never contains the joined marker.
const markerPrefix = "__RX"

// Shell is an interactive PTY shell on the remote host. Elevators drive it with Send
// and Expect; once elevated it runs exactly one framed command.
type Shell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	out   *expecter
	path  string // shell used for `<path> -c <command>`
}

func openShell(client *ssh.Client) (*Shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.ONLCR:         0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &Shell{sess: sess, stdin: stdin, out: newExpecter(stdout), path: "/bin/sh"}, nil
}

// Send writes text to the shell's input.
func (s *Shell) Send(text string) error {
	_, err := io.WriteString(s.stdin, text)
	return err
}

// Expect waits for the earliest of res to appear in the shell output. It returns
// io.EOF when the shell exits first.
func (s *Shell) Expect(ctx context.Context, res ...*regexp.Regexp) (int, []string, error) {
	return s.out.expect(ctx, res...)
}

// LastLine returns the most recent non-empty line of unconsumed output.
func (s *Shell) LastLine() string { return s.out.lastLine() }

// SetCommandShell selects the shell used to run the command once elevated.
func (s *Shell) SetCommandShell(path string) {
	if path != "" {
		s.path = path
	}
}

func (s *Shell) kill() {
	_, _ = s.stdin.Write([]byte{0x03})
	_ = s.sess.Signal(ssh.SIGKILL)
	_ = s.sess.Close()
}

func (s *Shell) close() error {
	s.out.close()
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// newNonce returns a random token for sentinel markers.
func newNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// printMarker returns a shell snippet printing markerPrefix+tag on its own line.
func printMarker(tag string) string {
	return fmt.Sprintf(`printf '\n%%s%%s\n' %s %s`, markerPrefix, ShellQuote(tag))
}

// maxInputLine bounds each line typed into the shell. Terminals in canonical mode
// drop input past 4095 bytes per line.
const maxInputLine = 1024

// framedCommand wraps cmd so its stdout, exit status and stderr come back between
// markers on the PTY stream. The command is first written to a temp file in short
// printf lines, then run once. stderr is spooled to a second temp file because a PTY has
// a single output stream; without mktemp it falls back to the terminal.
func (s *Shell) framedCommand(cmd, nonce string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `__rx_c=$(mktemp 2>/dev/null || echo "${TMPDIR:-/tmp}/.rx%s"); (umask 077; : >"$__rx_c")`+"\n", nonce)
	writeCommandFile(&b, cmd, `"$__rx_c"`)
	fmt.Fprintf(&b,
		`__rx_e=$(mktemp 2>/dev/null); %s; %s "$__rx_c" </dev/null 2>"${__rx_e:-/dev/stdout}"; __rx_rc=$?; rm -f "$__rx_c"; printf '\n%%s%%s:%%d\n' %s %s "$__rx_rc"; [ -n "$__rx_e" ] && cat "$__rx_e" && rm -f "$__rx_e"; %s`+"\n",
		printMarker("B"+nonce+"__"), ShellQuote(s.path), markerPrefix, ShellQuote("E"+nonce), printMarker("X"+nonce+"__"),
	)
	return b.String()
}

// writeCommandFile emits printf lines appending cmd to file. Quotes, backslashes,
// control and non-ASCII bytes travel as octal escapes so the terminal line discipline
// never interprets them.
func writeCommandFile(b *strings.Builder, cmd, file string) {
	var line strings.Builder
	flush := func() {
		if line.Len() > 0 {
			fmt.Fprintf(b, "printf '%s' >>%s\n", line.String(), file)
			line.Reset()
		}
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '%':
			line.WriteString("%%")
		case c == '\\', c == '\'', c < 0x20, c >= 0x7f, c == '-' && line.Len() == 0:
			fmt.Fprintf(&line, `\%03o`, c)
		default:
			line.WriteByte(c)
		}
		if line.Len() >= maxInputLine {
			flush()
		}
	}
	flush()
}

// run executes cmd in the (elevated) shell. Output before the end marker is streamed to
// stdout as it arrives; stderr is delivered after the command finishes.
func (s *Shell) run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	nonce := newNonce()
	begin := regexp.MustCompile(regexp.QuoteMeta("\n"+markerPrefix+"B"+nonce+"__") + "\n")
	end := regexp.MustCompile(regexp.QuoteMeta("\n"+markerPrefix+"E"+nonce+":") + `(-?\d+)\n`)
	stop := regexp.MustCompile(`(?s)^(.*?)` + regexp.QuoteMeta("\n"+markerPrefix+"X"+nonce+"__") + "\n")
	// Bytes that may be the start of the end marker are held back from stdout.
	holdBack := len(markerPrefix) + len(nonce) + 16

	if err := s.Send(s.framedCommand(cmd, nonce)); err != nil {
		return -1, types.Wrap(types.KindUnreachable, err, "send command")
	}
	if _, _, err := s.out.expect(ctx, begin); err != nil {
		return -1, s.runError(ctx, err, "waiting for command start")
	}

	code := -1
	for {
		if loc := end.FindSubmatchIndex(s.out.buf); loc != nil {
			stdout.Write(s.out.take(loc[0]))
			code, _ = strconv.Atoi(string(s.out.buf[loc[2]-loc[0] : loc[3]-loc[0]]))
			s.out.take(loc[1] - loc[0])
			break
		}
		if n := len(s.out.buf) - holdBack; n > 0 {
			stdout.Write(s.out.take(n))
		}
		if err := s.out.fill(ctx); err != nil {
			stdout.Write(s.out.take(len(s.out.buf)))
			return -1, s.runError(ctx, err, "waiting for command exit")
		}
	}

	_, m, err := s.out.expect(ctx, stop)
	if err != nil {
		return code, s.runError(ctx, err, "collecting stderr")
	}
	stderr.Write([]byte(m[1]))
	return code, nil
}

func (s *Shell) runError(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return types.TimeoutError(types.PhaseCommand, "%s: %v", what, ctx.Err())
	}
	if errors.Is(err, io.EOF) {
		return types.Errorf(types.KindUnreachable, "remote shell closed while %s", what)
	}
	return types.Wrap(types.KindUnreachable, err, "%s", what)
}
