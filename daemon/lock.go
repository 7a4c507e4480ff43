package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the daemon lock file inside the data directory.
const LockFileName = "daemon.lock"

// ErrAlreadyRunning indicates another daemon holds the lock for this profile.
var ErrAlreadyRunning = errors.New("daemon: already running")

// Lock is an exclusive per-profile PID lock. It prevents two daemons
// from serving the same data directory at once.
type Lock struct {
	path string
	pid  int
}

// AcquireLock takes the lock for the given data directory. A lock left
// behind by a dead process is reclaimed.
func AcquireLock(dataDir string) (*Lock, error) {
	path := filepath.Join(dataDir, LockFileName)
	pid := os.Getpid()

	for attempt := 0; attempt < 2; attempt++ {
		// Stage the pid in a temp file and link it into place so the lock
		// never exists without its pid.
		tmp, err := os.CreateTemp(dataDir, ".daemon.lock-")
		if err != nil {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if _, werr := fmt.Fprintf(tmp, "%d\n", pid); werr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("write lock file: %w", werr)
		}
		if cerr := tmp.Close(); cerr != nil {
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("close lock file: %w", cerr)
		}

		err = os.Link(tmp.Name(), path)
		os.Remove(tmp.Name())
		if err == nil {
			return &Lock{path: path, pid: pid}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("claim lock file: %w", err)
		}

		holder, rerr := readLockPID(path)
		if rerr == nil && processAlive(holder) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, holder)
		}

		// Stale or unreadable lock: remove it and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock file: %w", rmErr)
		}
	}

	return nil, fmt.Errorf("%w: lock contention", ErrAlreadyRunning)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}

// Path reports the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file pid: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in lock file", pid)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0. On Unix FindProcess always
// succeeds, so the signal result is the actual liveness check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
