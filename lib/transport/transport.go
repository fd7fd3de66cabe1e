// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen backlog for self-managed sockets.
const DefaultBacklog = 128

// maxSocketPathLength is the usable length of sockaddr_un.sun_path on
// Linux (108 bytes including the terminating NUL).
const maxSocketPathLength = 107

var (
	// ErrIdentityInUse is returned when another live process holds the
	// lock for the same socket path.
	ErrIdentityInUse = errors.New("transport: identity already in use")

	// ErrSocketPathTooLong is returned when the socket path does not
	// fit in sockaddr_un.
	ErrSocketPathTooLong = errors.New("transport: socket path too long")
)

// Mode records how an endpoint was acquired.
type Mode int

const (
	// ModeSelfManaged endpoints were created by this process.
	ModeSelfManaged Mode = iota

	// ModeInherited endpoints were passed in by a supervisor.
	ModeInherited
)

func (m Mode) String() string {
	switch m {
	case ModeSelfManaged:
		return "self-managed"
	case ModeInherited:
		return "inherited"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Config selects and parameterizes the bootstrap mode.
type Config struct {
	// Inherited, when non-nil, is an already bound and listening Unix
	// stream socket. Acquire takes ownership of the file and closes it
	// after duplicating the descriptor.
	Inherited *os.File

	// SocketPath is an explicit socket path for self-managed mode.
	// Takes precedence over SocketDir and Identity.
	SocketPath string

	// SocketDir is the directory holding <Identity>.sock.
	SocketDir string

	// Identity is the cell's name.
	Identity string

	// Backlog is the listen backlog. Zero means DefaultBacklog.
	Backlog int
}

// path resolves the self-managed socket path.
func (c Config) path() (string, error) {
	if c.SocketPath != "" {
		return c.SocketPath, nil
	}
	directory := c.SocketDir
	if directory == "" {
		directory = DefaultSocketDir
	}
	return SocketPath(directory, c.Identity)
}

// Endpoint is a listening socket owned by one server.
type Endpoint struct {
	listener net.Listener
	mode     Mode
	path     string
	lock     *identityLock

	closeOnce sync.Once
	closeErr  error
}

// Acquire obtains a listening endpoint according to cfg.
func Acquire(cfg Config) (*Endpoint, error) {
	if cfg.Inherited != nil {
		return adopt(cfg.Inherited)
	}

	path, err := cfg.path()
	if err != nil {
		return nil, err
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return create(path, backlog)
}

// adopt wraps an inherited listening socket.
func adopt(file *os.File) (*Endpoint, error) {
	// FileListener dups the fd internally, so we close the original.
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("adopting inherited socket %s: %w", file.Name(), err)
	}
	path := ""
	if address, ok := listener.Addr().(*net.UnixAddr); ok {
		path = address.Name
	}
	return &Endpoint{listener: listener, mode: ModeInherited, path: path}, nil
}

// create binds and listens on a fresh socket at path.
func create(path string, backlog int) (*Endpoint, error) {
	if len(path) > maxSocketPathLength {
		return nil, fmt.Errorf("%w: %s is %d bytes (maximum %d)", ErrSocketPathTooLong, path, len(path), maxSocketPathLength)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	lock, err := acquireLock(lockPath(path))
	if err != nil {
		return nil, err
	}

	listener, err := listenUnix(path, backlog)
	if err != nil {
		lock.release()
		return nil, err
	}

	return &Endpoint{listener: listener, mode: ModeSelfManaged, path: path, lock: lock}, nil
}

// listenUnix removes a stale socket at path, then creates, binds,
// restricts, and listens on a new one.
func listenUnix(path string, backlog int) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}
	file := os.NewFile(uintptr(fd), path)
	defer file.Close()

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		return nil, fmt.Errorf("binding %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("restricting %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	listener, err := net.FileListener(file)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("wrapping listener for %s: %w", path, err)
	}
	return listener, nil
}

// lockPath derives the identity lock path from a socket path:
// <dir>/<identity>.sock locks <dir>/<identity>.lock.
func lockPath(socketPath string) string {
	return strings.TrimSuffix(socketPath, ".sock") + ".lock"
}

// Accept waits for and returns the next connection. After Close it
// returns an error wrapping net.ErrClosed.
func (e *Endpoint) Accept() (net.Conn, error) {
	return e.listener.Accept()
}

// Addr returns the listener's address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Path returns the socket's filesystem path. Empty for an inherited
// socket without a bound name.
func (e *Endpoint) Path() string {
	return e.path
}

// Mode reports how the endpoint was acquired.
func (e *Endpoint) Mode() Mode {
	return e.mode
}

// Close stops listening. Any goroutine blocked in Accept returns. A
// self-managed endpoint also removes its socket file and identity
// lock. Close is idempotent; later calls return the first result.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		err := e.listener.Close()
		if e.mode == ModeSelfManaged {
			if removeErr := os.Remove(e.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
				err = fmt.Errorf("removing socket %s: %w", e.path, removeErr)
			}
			if e.lock != nil {
				e.lock.release()
			}
		}
		e.closeErr = err
	})
	return e.closeErr
}
