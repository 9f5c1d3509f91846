// Package restart hands the listening socket to a fresh copy of the binary
// so the relay can be replaced without refusing connections.
package restart

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	envInherit = "RELAY_INHERIT_FD"
	envFD      = "RELAY_FD"
)

type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
	Log      *zap.Logger
}

// Restart starts the new process with the listener on fd 3. The caller is
// expected to drain and exit once it returns.
func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return errors.New("listener not set")
	}
	if len(r.Args) == 0 {
		return errors.New("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(childEnv(r.Env), envInherit+"=1", envFD+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	if r.Log != nil {
		r.Log.Info("started replacement process", zap.Int("pid", cmd.Process.Pid))
	}
	return cmd.Process.Release()
}

// childEnv drops inherited fd hints so the child only sees the ones we set.
func childEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, envInherit+"=") || strings.HasPrefix(kv, envFD+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func listenerFile(listener net.Listener) (*os.File, error) {
	ln, ok := listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
	file, err := ln.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return file, nil
}

// ListenerFromEnv returns the listener passed down by a restarting parent,
// or nil when this process was started normally.
func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(envInherit) != "1" {
		return nil, nil
	}
	fd := 3
	if s := os.Getenv(envFD); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listener fd: %w", err)
		}
		fd = n
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, errors.New("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// Listen prefers an inherited listener and otherwise binds addr.
func Listen(addr string) (ln net.Listener, inherited bool, err error) {
	ln, err = ListenerFromEnv()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}
