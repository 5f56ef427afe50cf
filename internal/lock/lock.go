package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// FileLock wraps gofrs/flock directly on a work dir's pidfile, so holding the
// lock and holding the pidfile's contents are the same fact.
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns a lock on the given pidfile path.
func New(pidfile string) *FileLock {
	return &FileLock{fl: flock.New(pidfile), path: pidfile}
}

// TryLock attempts a non-blocking lock.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases the lock. The pidfile itself is left in place; callers
// that want it removed do so explicitly after Unlock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

// WritePid truncates the pidfile and writes the current process id. Must be
// called while the lock is held.
func (l *FileLock) WritePid() error {
	return os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPid reads the pid recorded in a pidfile that is not (or no longer)
// locked, so a caller can decide whether a previous run is still alive.
func ReadPid(pidfile string) (int, error) {
	data, err := os.ReadFile(pidfile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", pidfile, err)
	}
	return pid, nil
}

// ProcessAlive reports whether a process with the given pid currently
// exists. It sends signal 0, which only checks existence/permission and
// never actually signals the process.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSig0()) == nil
}

// AcquireOrTakeOver tries to take the lock at path, the per-table/per-index
// equivalent of the top-level pidfile: ownership of a unit of work is
// enforced by whichever worker successfully creates and holds this file.
// If another process already holds the lock and its recorded pid is still
// alive, ok is false and the caller should skip the unit of work as already
// claimed. If the lock file exists but the pid inside it belongs to no
// running process, it is a leftover from a crashed worker; it is removed
// and the lock is retaken on behalf of the caller.
func AcquireOrTakeOver(path string) (l *FileLock, ok bool, err error) {
	l = New(path)
	acquired, err := l.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		if pid, perr := ReadPid(path); perr == nil && !ProcessAlive(pid) {
			_ = os.Remove(path)
			l = New(path)
			acquired, err = l.TryLock()
			if err != nil {
				return nil, false, err
			}
		}
	}
	if !acquired {
		return nil, false, nil
	}
	if err := l.WritePid(); err != nil {
		_ = l.Unlock()
		return nil, false, err
	}
	return l, true, nil
}
