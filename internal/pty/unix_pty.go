//go:build !windows

package pty

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// unixPTY wraps *os.File returned by creack/pty
type unixPTY struct {
	f    *os.File
	cmd  *exec.Cmd
	once sync.Once
}

// Start runs cmd on a new PTY sized rows x cols. The process leads its own session, so
// Signal and Close reach everything it spawns.
func Start(cmd *exec.Cmd, rows, cols int) (PTY, error) {
	ws := &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	f, err := creackpty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f, cmd: cmd}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) File() *os.File              { return p.f }

func (p *unixPTY) Wait() (int, error) {
	err := p.cmd.Wait()
	return ExitCode(err)
}

func (p *unixPTY) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok || p.cmd.Process == nil {
		return errors.New("pty: unsupported signal")
	}
	return KillGroup(p.cmd.Process.Pid, s)
}

func (p *unixPTY) Close() error {
	var err error
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = KillGroup(p.cmd.Process.Pid, unix.SIGKILL)
		}
		err = p.f.Close()
	})
	return err
}

func (p *unixPTY) SetSize(rows, cols int) error {
	return creackpty.Setsize(p.f, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// KillGroup signals the process group led by pid, falling back to pid alone.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return unix.Kill(pid, sig)
}

// ExitCode maps the error from exec.Cmd.Wait to a shell-style exit code.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
