// Package supervisor manages the on-disk PID files for the management
// endpoint and the per-cache substituter endpoints, runs the management
// endpoint in the foreground (Listen), and offers a Supervisor type that
// can host cache listeners as goroutines inside one process. The stash
// CLI runs each cache endpoint in its own detached process instead; in
// both cases there is one PID file per cache, which `stash cache stop`
// and friends read.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/log"
)

// ManagementName is the PID-file key for the management endpoint.
const ManagementName = "stash"

// RunDir returns (creating if needed) the directory PID files live
// under.
func RunDir(base string) (string, error) {
	dir := base
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apierr.Wrap(apierr.IOFailure, err, "creating run directory %s", dir)
	}
	return dir, nil
}

// pidPath returns the PID file path for name ("stash" for the
// management endpoint, the cache's key for a substituter endpoint; the
// stash CLI keys caches by their ID).
func pidPath(runDir, name string) string {
	return filepath.Join(runDir, name+".pid")
}

// WritePID records the current process's PID under name.
func WritePID(runDir, name string) error {
	path := pidPath(runDir, name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "writing pid file %s", path)
	}
	return nil
}

// RemovePID deletes the PID file for name, if present.
func RemovePID(runDir, name string) {
	_ = os.Remove(pidPath(runDir, name))
}

// ReadPID returns the PID recorded for name. It returns apierr.NotFound
// if no such process is currently tracked, removing the PID file first
// if the recorded process is no longer alive.
func ReadPID(runDir, name string) (int, error) {
	path := pidPath(runDir, name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, apierr.New(apierr.NotFound, "%s is not running", name)
	}
	if err != nil {
		return 0, apierr.Wrap(apierr.IOFailure, err, "reading pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, apierr.Wrap(apierr.BadRequest, err, "pid file %s is corrupt", path)
	}
	if !alive(pid) {
		_ = os.Remove(path)
		return 0, apierr.New(apierr.NotFound, "%s is not running", name)
	}
	return pid, nil
}

// alive reports whether pid refers to a live process, using the
// signal-0 probe convention.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM to the process recorded for name and removes
// its PID file.
func Terminate(runDir, name string) error {
	pid, err := ReadPID(runDir, name)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "finding process %d", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "signaling process %d", pid)
	}
	RemovePID(runDir, name)
	return nil
}

// Listener is one goroutine-backed cache endpoint tracked by the
// supervisor.
type Listener struct {
	Name   string
	server *http.Server
	done   chan struct{}
}

// Supervisor owns the set of running cache listeners alongside the
// run directory their PID files live in.
type Supervisor struct {
	mu        sync.Mutex
	runDir    string
	listeners map[string]*Listener
}

// New builds a Supervisor rooted at runDir.
func New(runDir string) *Supervisor {
	return &Supervisor{runDir: runDir, listeners: make(map[string]*Listener)}
}

// StartCache binds addr and serves handler for a named cache, tracked
// under its own PID file. It returns once the listener is bound; the
// server itself runs in a background goroutine.
func (s *Supervisor) StartCache(name, addr string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listeners[name]; exists {
		return apierr.New(apierr.AlreadyExists, "cache %s is already running", name)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "binding %s for cache %s", addr, name)
	}

	srv := &http.Server{Handler: handler}
	l := &Listener{Name: name, server: srv, done: make(chan struct{})}

	if err := WritePID(s.runDir, name); err != nil {
		ln.Close()
		return err
	}

	go func() {
		defer close(l.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithCache(name).Error().Err(err).Msg("substituter listener stopped")
		}
	}()

	s.listeners[name] = l
	return nil
}

// StopCache gracefully shuts down a running cache's listener and
// removes its PID file.
func (s *Supervisor) StopCache(ctx context.Context, name string) error {
	s.mu.Lock()
	l, ok := s.listeners[name]
	if ok {
		delete(s.listeners, name)
	}
	s.mu.Unlock()

	if !ok {
		return apierr.New(apierr.NotFound, "cache %s is not running", name)
	}

	err := l.server.Shutdown(ctx)
	<-l.done
	RemovePID(s.runDir, name)
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "shutting down cache %s", name)
	}
	return nil
}

// Running reports whether name currently has a goroutine-backed
// listener registered.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[name]
	return ok
}

// StopAll shuts down every tracked cache listener, used during
// management-endpoint shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.listeners))
	for name := range s.listeners {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.StopCache(ctx, name); err != nil {
			log.WithCache(name).Warn().Err(err).Msg("error stopping cache during shutdown")
		}
	}
}

// Listen runs srv in the foreground, writing the management PID file
// on entry and blocking until ctx is canceled, at which point it shuts
// srv down (with a bounded grace period) and removes the PID file.
func Listen(ctx context.Context, runDir string, srv *http.Server) error {
	if err := WritePID(runDir, ManagementName); err != nil {
		return err
	}
	defer RemovePID(runDir, ManagementName)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return apierr.Wrap(apierr.IOFailure, err, "shutting down management endpoint")
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return apierr.Wrap(apierr.IOFailure, err, "management endpoint listener")
		}
		return nil
	}
}

// StatusLine renders a human-readable running/stopped line for name.
func StatusLine(runDir, name string) string {
	if pid, err := ReadPID(runDir, name); err == nil {
		return fmt.Sprintf("%s: running (pid %d)", name, pid)
	}
	return fmt.Sprintf("%s: stopped", name)
}
