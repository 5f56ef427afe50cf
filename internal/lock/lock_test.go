package lock

import (
	"path/filepath"
	"testing"
)

func TestFileLock(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "dbxfer.pid")

	l1 := New(pidfile)
	ok, err := l1.TryLock()
	if err != nil || !ok {
		t.Fatalf("first lock failed")
	}
	if err := l1.WritePid(); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	defer func() { _ = l1.Unlock() }()

	l2 := New(pidfile)
	ok, err = l2.TryLock()
	if err != nil {
		t.Fatalf("second lock error: %v", err)
	}
	if ok {
		t.Fatalf("lock should be held by first process")
	}

	pid, err := ReadPid(pidfile)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if !ProcessAlive(pid) {
		t.Fatalf("expected current process to be alive")
	}
}
