// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/cell/lib/testutil"
)

// acceptOne dials endpoint and returns the accepted server side.
func acceptOne(t *testing.T, endpoint *Endpoint, path string) (client, server net.Conn) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := endpoint.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	server = testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for Accept")
	return client, server
}

func TestAcquireSelfManaged(t *testing.T) {
	directory := testutil.SocketDir(t)
	identity := testutil.UniqueID("reverse")

	endpoint, err := Acquire(Config{SocketDir: directory, Identity: identity})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer endpoint.Close()

	path := filepath.Join(directory, identity+".sock")
	if endpoint.Path() != path {
		t.Errorf("Path = %q, want %q", endpoint.Path(), path)
	}
	if endpoint.Mode() != ModeSelfManaged {
		t.Errorf("Mode = %v, want self-managed", endpoint.Mode())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("%s is not a socket: %v", path, info.Mode())
	}
	if permissions := info.Mode().Perm(); permissions != 0o600 {
		t.Errorf("socket permissions = %o, want 600", permissions)
	}

	client, server := acceptOne(t, endpoint, path)
	client.Close()
	server.Close()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	directory := filepath.Join(testutil.SocketDir(t), "nested")
	endpoint, err := Acquire(Config{SocketDir: directory, Identity: "a"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer endpoint.Close()

	if _, err := os.Stat(directory); err != nil {
		t.Errorf("socket directory not created: %v", err)
	}
}

func TestAcquireReplacesStaleSocket(t *testing.T) {
	directory := testutil.SocketDir(t)
	path := filepath.Join(directory, "stale.sock")
	if err := os.WriteFile(path, []byte("left behind"), 0o600); err != nil {
		t.Fatal(err)
	}

	endpoint, err := Acquire(Config{SocketDir: directory, Identity: "stale"})
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer endpoint.Close()

	client, server := acceptOne(t, endpoint, path)
	client.Close()
	server.Close()
}

func TestAcquireRejectsDuplicateIdentity(t *testing.T) {
	directory := testutil.SocketDir(t)

	first, err := Acquire(Config{SocketDir: directory, Identity: "solo"})
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(Config{SocketDir: directory, Identity: "solo"}); !errors.Is(err, ErrIdentityInUse) {
		t.Fatalf("second Acquire = %v, want ErrIdentityInUse", err)
	}

	// The loser must not have disturbed the winner's socket.
	client, server := acceptOne(t, first, first.Path())
	client.Close()
	server.Close()

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again, err := Acquire(Config{SocketDir: directory, Identity: "solo"})
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again.Close()
}

func TestLockRejectsUnlinkedInode(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "reverse.lock")

	holder, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	// A contender opens the file while the holder still owns it.
	contender, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("opening lock: %v", err)
	}
	defer contender.Close()

	holder.release()

	successor, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
	defer successor.release()

	// The contender can flock its orphaned inode but must not treat
	// that as owning the identity.
	held, err := lockFile(contender, path)
	if err != nil {
		t.Fatalf("lockFile: %v", err)
	}
	if held {
		t.Fatal("two holders of the identity lock")
	}
	if _, err := acquireLock(path); !errors.Is(err, ErrIdentityInUse) {
		t.Fatalf("third acquireLock = %v, want ErrIdentityInUse", err)
	}
}

func TestLockRejectsRemovedPath(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "reverse.lock")

	holder, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	contender, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening lock: %v", err)
	}
	defer contender.Close()
	holder.release()

	held, err := lockFile(contender, path)
	if err != nil || held {
		t.Fatalf("lockFile on removed path = %v, %v; want false, nil", held, err)
	}

	again, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock on fresh path: %v", err)
	}
	again.release()
}

func TestCloseRemovesSocketAndLock(t *testing.T) {
	directory := testutil.SocketDir(t)
	endpoint, err := Acquire(Config{SocketDir: directory, Identity: "gone"})
	if err != nil {
		t.Fatal(err)
	}

	accepted := make(chan error, 1)
	go func() {
		_, err := endpoint.Accept()
		accepted <- err
	}()

	if err := endpoint.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := endpoint.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	acceptErr := testutil.RequireReceive(t, accepted, 5*time.Second, "Accept should unblock on Close")
	if !errors.Is(acceptErr, net.ErrClosed) {
		t.Errorf("Accept after Close = %v, want net.ErrClosed", acceptErr)
	}

	for _, name := range []string{"gone.sock", "gone.lock"} {
		if _, err := os.Stat(filepath.Join(directory, name)); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Close (stat err %v)", name, err)
		}
	}
}

func TestAcquireInherited(t *testing.T) {
	path := testutil.SocketPath(t, "supervised")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	file, err := listener.(*net.UnixListener).File()
	if err != nil {
		t.Fatal(err)
	}

	endpoint, err := Acquire(Config{Inherited: file, Identity: "ignored"})
	if err != nil {
		t.Fatalf("Acquire inherited: %v", err)
	}
	if endpoint.Mode() != ModeInherited {
		t.Errorf("Mode = %v, want inherited", endpoint.Mode())
	}
	if endpoint.Path() != path {
		t.Errorf("Path = %q, want %q", endpoint.Path(), path)
	}

	client, server := acceptOne(t, endpoint, path)
	client.Close()
	server.Close()

	if err := endpoint.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("inherited socket was unlinked by Close: %v", err)
	}
}

func TestAcquireRejectsLongPath(t *testing.T) {
	path := "/tmp/" + strings.Repeat("x", 120) + ".sock"
	if _, err := Acquire(Config{SocketPath: path}); !errors.Is(err, ErrSocketPathTooLong) {
		t.Fatalf("Acquire = %v, want ErrSocketPathTooLong", err)
	}
}

func TestSocketPath(t *testing.T) {
	path, err := SocketPath("/tmp/cell", "reverse")
	if err != nil || path != "/tmp/cell/reverse.sock" {
		t.Errorf("SocketPath = %q, %v", path, err)
	}
	for _, identity := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if _, err := SocketPath("/tmp/cell", identity); err == nil {
			t.Errorf("SocketPath accepted identity %q", identity)
		}
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(EnvSocketFD, "")
	t.Setenv(EnvSocketPath, "")
	t.Setenv(EnvSocketDir, "")

	cfg, err := FromEnvironment("reverse")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketDir != DefaultSocketDir || cfg.Inherited != nil || cfg.Identity != "reverse" {
		t.Errorf("defaults = %+v", cfg)
	}

	t.Setenv(EnvSocketDir, "/run/cells")
	t.Setenv(EnvSocketPath, "/run/cells/custom.sock")
	cfg, err = FromEnvironment("reverse")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketDir != "/run/cells" || cfg.SocketPath != "/run/cells/custom.sock" {
		t.Errorf("overrides = %+v", cfg)
	}
	if path, _ := cfg.path(); path != "/run/cells/custom.sock" {
		t.Errorf("explicit path not preferred: %q", path)
	}

	t.Setenv(EnvSocketFD, "not-a-number")
	if _, err := FromEnvironment("reverse"); err == nil {
		t.Error("FromEnvironment accepted a malformed fd")
	}
}

func TestLockPath(t *testing.T) {
	if got := lockPath("/tmp/cell/reverse.sock"); got != "/tmp/cell/reverse.lock" {
		t.Errorf("lockPath = %q", got)
	}
}
