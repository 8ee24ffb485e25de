package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning means a live daemon already owns the control socket.
var ErrAlreadyRunning = errors.New("undertone daemon already running")

// RuntimeSocketPath resolves $XDG_RUNTIME_DIR/undertone/daemon.sock.
func RuntimeSocketPath() (string, error) {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "undertone", "daemon.sock"), nil
}

// Acquire binds the control socket with owner-only permissions, probing
// and removing a stale socket left by a dead daemon.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err == nil {
		_ = os.Chmod(path, 0o600)
		return listener, nil
	}
	if !isAddrInUse(err) {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}

	alive, probeErr := Probe(ctx, path, probeTimeout)
	if alive {
		return nil, ErrAlreadyRunning
	}
	if probeErr != nil {
		return nil, fmt.Errorf("probe existing socket %s: %w", path, probeErr)
	}

	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, removeErr)
	}

	listener, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	_ = os.Chmod(path, 0o600)
	return listener, nil
}

// Probe reports whether a responsive daemon is listening on path.
func Probe(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	client, err := DialTimeout(ctx, path, timeout)
	if err != nil {
		if isSocketMissing(err) || isConnectionRefused(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe socket: %w", err)
	}
	defer client.Close()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.Call(probeCtx, TypeOnly{Type: MethodGetState}); err != nil {
		var info *ErrorInfo
		// Any structured response means a live daemon.
		if errors.As(err, &info) {
			return true, nil
		}
		return false, nil
	}
	return true, nil
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

func isSocketMissing(err error) bool {
	return err != nil && (errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory"))
}

func isConnectionRefused(err error) bool {
	return err != nil && errors.Is(err, syscall.ECONNREFUSED)
}
