package pty

import "os"

// PTY is a process attached to a pseudo-terminal.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Close closes the master side and kills the process group.
	Close() error
	// Wait waits for the process and returns its exit code.
	Wait() (int, error)
	// Signal delivers sig to the whole process group.
	Signal(sig os.Signal) error
	SetSize(rows, cols int) error
	File() *os.File
}
