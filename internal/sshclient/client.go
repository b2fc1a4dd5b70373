package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"rexec/internal/types"
)

// DefaultKillGrace bounds how long teardown waits for a killed remote command.
const DefaultKillGrace = 2 * time.Second

// ShellQuote escapes s for safe single-quoted inclusion in a POSIX shell command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Config configures a Dialer.
type Config struct {
	// KnownHostsPath enables host key verification against an OpenSSH known_hosts file.
	KnownHostsPath string
	// InsecureIgnoreHostKey accepts any host key. Used only when KnownHostsPath is empty.
	InsecureIgnoreHostKey bool
	// KillGrace bounds the wait for a killed command before the session is abandoned.
	KillGrace time.Duration
	// Elevator performs the su switch; nil selects SuElevator.
	Elevator Elevator
}

// Dialer opens sessions to hosts.
type Dialer struct {
	hostKeys  ssh.HostKeyCallback
	elevator  Elevator
	killGrace time.Duration
}

// NewDialer creates a Dialer. A host key policy is required.
func NewDialer(cfg Config) (*Dialer, error) {
	var cb ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		var err error
		cb, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	case cfg.InsecureIgnoreHostKey:
		cb = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("no host key policy: set known_hosts or insecure_ignore_host_key")
	}
	d := &Dialer{hostKeys: cb, elevator: cfg.Elevator, killGrace: cfg.KillGrace}
	if d.elevator == nil {
		d.elevator = SuElevator{}
	}
	if d.killGrace <= 0 {
		d.killGrace = DefaultKillGrace
	}
	return d, nil
}

// authMethods picks exactly one authentication mode. A private key wins over a password
// and the password is not offered as a fallback.
func authMethods(cred types.Credential) ([]ssh.AuthMethod, error) {
	if cred.HasKey() {
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, types.Errorf(types.KindHostConfiguration, "private key is encrypted and no passphrase is stored")
			}
			return nil, types.Errorf(types.KindHostConfiguration, "unable to parse private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if cred.Password != "" {
		pw := cred.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	}
	return nil, types.Errorf(types.KindHostConfiguration, "no login secret: set a password or private key")
}

// Connect dials host, authenticates and performs elevation when the host's policy asks
// for it, all within timeout (0 means no limit beyond ctx). The returned Session must be
// closed by the caller; on error nothing is left open.
func (d *Dialer) Connect(ctx context.Context, host types.Host, cred types.Credential, timeout time.Duration) (*Session, error) {
	auth, err := authMethods(cred)
	if err != nil {
		return nil, err
	}
	if host.Elevation.Enabled() && cred.ElevationSecret == "" {
		return nil, types.Errorf(types.KindHostConfiguration, "host %s has su elevation but no elevation secret", host.ID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return nil, types.Wrap(types.KindUnreachable, err, "dial %s", host.Addr())
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Closing the socket is the only way to interrupt a blocked handshake.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	cfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, host.Addr(), cfg)
	if err != nil {
		stop()
		conn.Close()
		return nil, classifyHandshake(ctx, host, err)
	}
	s := &Session{client: ssh.NewClient(c, chans, reqs), host: host, killGrace: d.killGrace}

	if host.Elevation.Enabled() {
		sh, err := openShell(s.client)
		if err != nil {
			stop()
			s.Close()
			if ctx.Err() != nil {
				return nil, types.TimeoutError(types.PhaseConnect, "opening shell on %s", host.Addr())
			}
			return nil, types.Wrap(types.KindUnreachable, err, "open shell on %s", host.Addr())
		}
		s.shell = sh
		if err := d.elevator.Elevate(ctx, sh, host.Elevation, cred.ElevationSecret); err != nil {
			stop()
			s.Close()
			return nil, err
		}
		s.elevated = true
	}

	if !stop() {
		s.Close()
		return nil, types.TimeoutError(types.PhaseConnect, "connecting to %s", host.Addr())
	}
	_ = conn.SetDeadline(time.Time{})
	return s, nil
}

func classifyHandshake(ctx context.Context, host types.Host, err error) error {
	if ctx.Err() != nil {
		return types.TimeoutError(types.PhaseConnect, "ssh handshake with %s", host.Addr())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.TimeoutError(types.PhaseConnect, "ssh handshake with %s", host.Addr())
	}
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return types.Wrap(types.KindAuthFailed, err, "host key verification failed for %s", host.Addr())
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return types.Errorf(types.KindAuthFailed, "authentication rejected by %s as %q", host.Addr(), host.Username)
	}
	return types.Wrap(types.KindUnreachable, err, "ssh handshake with %s", host.Addr())
}

// Session is a live, authenticated connection that runs one command.
type Session struct {
	client    *ssh.Client
	host      types.Host
	shell     *Shell // set once elevated
	elevated  bool
	killGrace time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Elevated reports whether the session runs commands as the elevation target user.
func (s *Session) Elevated() bool { return s.elevated }

// Run executes cmd, streaming output into stdout and stderr, and returns the remote exit
// code. When ctx ends first the remote command is killed, the session closed and a
// command-phase Timeout returned; output captured so far remains in the writers.
func (s *Session) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	if s.shell != nil {
		code, err := s.shell.run(ctx, cmd, stdout, stderr)
		if err != nil && ctx.Err() != nil {
			s.shell.kill()
			s.Close()
		}
		return code, err
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return -1, types.Wrap(types.KindUnreachable, err, "open session on %s", s.host.Addr())
	}
	defer sess.Close()
	sess.Stdout = stdout
	sess.Stderr = stderr
	if s.host.Kind == types.HostKindApplianceSSH {
		// Appliance shells refuse exec without a terminal. A PTY merges stderr into stdout.
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
			return -1, types.Wrap(types.KindUnreachable, err, "request pty on %s", s.host.Addr())
		}
		sess.Stdout = &cleanWriter{w: stdout, c: newOutputCleaner()}
	}
	if err := sess.Start(cmd); err != nil {
		return -1, types.Wrap(types.KindUnreachable, err, "start command on %s", s.host.Addr())
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		if cw, ok := sess.Stdout.(*cleanWriter); ok {
			cw.flush()
		}
		return exitCode(err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		s.Close()
		select {
		case <-done:
		case <-time.After(s.killGrace):
		}
		return -1, types.TimeoutError(types.PhaseCommand, "command on %s: %v", s.host.Addr(), ctx.Err())
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, types.Errorf(types.KindUnreachable, "remote command ended without an exit status")
	}
	return -1, types.Wrap(types.KindUnreachable, err, "remote command")
}

// Close releases the shell channel and the TCP connection. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.shell != nil {
			_ = s.shell.close()
		}
		err := s.client.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
