package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestFileLockWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	fl := NewFileLock(path)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("lock file contents %q: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", pid, os.Getpid())
	}
}

func TestFileLockReleasesOnUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	first := NewFileLock(path)
	if err := first.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after unlock")
	}

	second := NewFileLock(path)
	if err := second.TryLock(); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	second.Unlock()
}

func TestUnlockWithoutLockIsNoop(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "worker.lock"))
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock without lock: %v", err)
	}
}
