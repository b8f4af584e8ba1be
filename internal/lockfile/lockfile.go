// Package lockfile keeps two OrderPipe processes from sharing one state
// directory (SQLite database, whatsmeow session).
//
// The lock is an flock on <state-dir>/orderpipe.lock; the kernel drops it when
// the process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "orderpipe.lock"

// Holder describes the process that wrote a lock file.
type Holder struct {
	PID     int
	Started time.Time
	Addr    string // API listen address, when known
}

func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	if h.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", h.Addr)
	}
	return b.String()
}

// parseHolder reads the key=value lines of a lock file. Unknown keys and
// malformed values are skipped.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				h.Started = ts
			}
		case "addr":
			h.Addr = val
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory when
// needed. addr is recorded for the error another process would see.
func Acquire(stateDir, addr string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not truncated on open: the current holder's record must survive a failed attempt.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		lockErr := &LockError{Path: path, Holder: readHolder(path), Cause: err}
		slog.Error("lockfile.Acquire: state directory in use", "lock_path", path, "holder_pid", lockErr.Holder.PID)
		return nil, lockErr
	}

	h := Holder{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := writeHolder(f, h); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", h.PID)
	return &Lock{file: f, path: path}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "lock_path", f.Name(), "error", err)
	}
	return nil
}

func readHolder(path string) Holder {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	return parseHolder(string(data))
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "lock_path", l.path, "error", err)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another OrderPipe process is using this state directory (lock file %s)", e.Path)
	if e.Holder.PID > 0 {
		state := "running"
		if !processAlive(e.Holder.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; held by pid %d (%s)", e.Holder.PID, state)
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, " since %s", e.Holder.Started.Format(time.RFC3339))
		}
		if e.Holder.Addr != "" {
			fmt.Fprintf(&b, " serving %s", e.Holder.Addr)
		}
	}
	fmt.Fprintf(&b, ". Remove %s only if no OrderPipe process is running", e.Path)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
