package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func writeLock(t *testing.T, root, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, lockFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
}

func TestAcquireInstanceLockExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release()

	_, err = AcquireInstanceLock(root, LockOptions{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireInstanceLock() error = %v, want ErrLocked", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	again, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() after release error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireInstanceLockTakeoverDeadPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid=999999\nstarted_at="+time.Now().UTC().Format(time.RFC3339)+"\n")

	lock, err := AcquireInstanceLock(root, LockOptions{Takeover: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockDoesNotTakeoverRunningPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid="+strconv.Itoa(os.Getpid())+"\nstarted_at="+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+"\n")

	_, err := AcquireInstanceLock(root, LockOptions{Takeover: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireInstanceLock() error = %v, want owner_process_running", err)
	}
}

func TestAcquireInstanceLockTakeoverByAgeWithoutPID(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	writeLock(t, root, "started_at="+started.Format(time.RFC3339)+"\n")

	lock, err := AcquireInstanceLock(root, LockOptions{
		Takeover:   true,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockKeepsRecentUnknownLock(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Truncate(time.Second)
	writeLock(t, root, "started_at="+started.Format(time.RFC3339)+"\n")

	_, err := AcquireInstanceLock(root, LockOptions{
		Takeover:   true,
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return started.Add(30 * time.Second) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("AcquireInstanceLock() error = %v, want lock_not_stale", err)
	}
}
