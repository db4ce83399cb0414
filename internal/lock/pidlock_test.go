package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "bascule.pid")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
}

func TestCheckPIDLock(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "bascule.pid")

	if _, running := CheckPIDLock(lockPath); running {
		t.Fatalf("expected no holder for missing lock file")
	}

	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}

	// flock conflicts across file descriptions, so the check sees the
	// held lock even from the same process.
	pid, running := CheckPIDLock(lockPath)
	if !running {
		t.Fatalf("expected held lock to read as running")
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	_ = l.Release()
	if _, running := CheckPIDLock(lockPath); running {
		t.Fatalf("expected released lock to read as not running")
	}
}
