//go:build linux

// Package sshtest runs an in-process SSH server backed by the local /bin/sh, for tests
// that need a real remote end.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sys/unix"

	"rexec/internal/pty"
)

// Config describes the accounts the server accepts.
type Config struct {
	User     string
	Password string
	// AuthorizedKey, when set, is accepted for User.
	AuthorizedKey ssh.PublicKey
	// SuSecret is the password the fake su accepts. Empty disables su.
	SuSecret string
}

// Server is a running test SSH server.
type Server struct {
	cfg      Config
	sshCfg   *ssh.ServerConfig
	hostKey  ssh.Signer
	listener net.Listener
	binDir   string

	active atomic.Int32
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a server on a random loopback port. dir receives the fake su and id
// helpers; pass t.TempDir().
func New(cfg Config, dir string) (*Server, error) {
	if cfg.User == "" {
		return nil, errors.New("sshtest: user required")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	binDir := filepath.Join(dir, "bin")
	if err := writeHelpers(binDir); err != nil {
		return nil, fmt.Errorf("write helpers: %w", err)
	}

	s := &Server{cfg: cfg, hostKey: signer, binDir: binDir}
	s.sshCfg = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if cfg.Password != "" && conn.User() == cfg.User && string(pw) == cfg.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if cfg.AuthorizedKey != nil && conn.User() == cfg.User &&
				string(key.Marshal()) == string(cfg.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized key for %s", conn.User())
		},
	}
	s.sshCfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// HostPort splits Addr.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return host, p
}

// HostKey is the server's public host key.
func (s *Server) HostKey() ssh.PublicKey { return s.hostKey.PublicKey() }

// KnownHostsLine renders a known_hosts entry for this server.
func (s *Server) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Addr())}, s.HostKey())
}

// ActiveConns counts authenticated connections that are still open.
func (s *Server) ActiveConns() int { return int(s.active.Load()) }

// WaitIdle polls until no connection is open or d elapses.
func (s *Server) WaitIdle(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.ActiveConns() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.ActiveConns() == 0
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()
	sshConn, channels, requests, err := ssh.NewServerConn(netConn, s.sshCfg)
	if err != nil {
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)
	defer sshConn.Close()
	go ssh.DiscardRequests(requests)

	var procs procSet
	defer procs.killAll()
	for nc := range channels {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(sshConn.User(), ch, reqs, &procs)
	}
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type session struct {
	srv   *Server
	user  string
	ch    ssh.Channel
	procs *procSet
	pty   *ptyRequest

	mu      sync.Mutex
	running *exec.Cmd
	term    pty.PTY
}

func (s *Server) handleSession(user string, ch ssh.Channel, reqs <-chan *ssh.Request, procs *procSet) {
	sess := &session{srv: s, user: user, ch: ch, procs: procs}
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			sess.pty = &p
			req.Reply(true, nil)
		case "env":
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go sess.run(exec.Command("/bin/sh", "-c", payload.Command))
		case "shell":
			req.Reply(true, nil)
			go sess.run(exec.Command("/bin/sh"))
		case "signal":
			var payload struct{ Signal string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			sess.signal(payload.Signal)
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	sess.kill()
}

func (sess *session) env() []string {
	return []string{
		"PATH=" + sess.srv.binDir + string(os.PathListSeparator) + os.Getenv("PATH"),
		"HOME=" + os.TempDir(),
		"PS1=$ ",
		"REXEC_TEST_USER=" + sess.user,
		"REXEC_TEST_SU_SECRET=" + sess.srv.cfg.SuSecret,
	}
}

func (sess *session) run(cmd *exec.Cmd) {
	defer sess.ch.Close()
	cmd.Env = sess.env()
	var code int
	var err error
	if sess.pty != nil {
		code, err = sess.runPTY(cmd)
	} else {
		code, err = sess.runPipes(cmd)
	}
	if err != nil {
		fmt.Fprintf(sess.ch.Stderr(), "sshtest: %v\n", err)
		code = 127
	}
	_, _ = sess.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (sess *session) runPipes(cmd *exec.Cmd) (int, error) {
	cmd.Stdout = sess.ch
	cmd.Stderr = sess.ch.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return -1, err
	}
	sess.track(cmd, nil)
	defer sess.procs.remove(cmd)
	return pty.ExitCode(cmd.Wait())
}

func (sess *session) runPTY(cmd *exec.Cmd) (int, error) {
	t, err := pty.Start(cmd, int(sess.pty.Rows), int(sess.pty.Columns))
	if err != nil {
		return -1, err
	}
	if echoDisabled(sess.pty.Modes) {
		disableEcho(t.File())
	}
	sess.track(cmd, t)
	defer sess.procs.remove(cmd)
	defer t.Close()

	go io.Copy(t, sess.ch)
	copied := make(chan struct{})
	go func() {
		io.Copy(sess.ch, t)
		close(copied)
	}()
	code, err := t.Wait()
	// Background children may keep the slave open; do not wait on them forever.
	select {
	case <-copied:
	case <-time.After(200 * time.Millisecond):
	}
	return code, err
}

func (sess *session) track(cmd *exec.Cmd, t pty.PTY) {
	sess.mu.Lock()
	sess.running = cmd
	sess.term = t
	sess.mu.Unlock()
	sess.procs.add(cmd)
}

func (sess *session) signal(name string) {
	sig := unix.SignalNum("SIG" + name)
	if sig == 0 {
		return
	}
	sess.mu.Lock()
	cmd := sess.running
	sess.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = pty.KillGroup(cmd.Process.Pid, sig)
	}
}

func (sess *session) kill() {
	sess.mu.Lock()
	cmd, t := sess.running, sess.term
	sess.mu.Unlock()
	if t != nil {
		_ = t.Close()
	} else if cmd != nil && cmd.Process != nil {
		_ = pty.KillGroup(cmd.Process.Pid, unix.SIGKILL)
	}
}

// procSet tracks every process started on a connection so they die with it.
type procSet struct {
	mu    sync.Mutex
	procs map[*exec.Cmd]struct{}
}

func (p *procSet) add(cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.procs == nil {
		p.procs = make(map[*exec.Cmd]struct{})
	}
	p.procs[cmd] = struct{}{}
}

func (p *procSet) remove(cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, cmd)
}

func (p *procSet) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for cmd := range p.procs {
		if cmd.Process != nil {
			_ = pty.KillGroup(cmd.Process.Pid, unix.SIGKILL)
		}
	}
}

// echoDisabled reports whether the encoded terminal modes turn ECHO off.
func echoDisabled(modes string) bool {
	b := []byte(modes)
	for len(b) >= 5 {
		op := b[0]
		if op == 0 || op >= 160 {
			return false
		}
		val := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
		if op == ssh.ECHO {
			return val == 0
		}
		b = b[5:]
	}
	return false
}

func disableEcho(f *os.File) {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	t.Lflag &^= unix.ECHO
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
