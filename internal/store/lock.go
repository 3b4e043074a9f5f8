package store

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const lockFileName = ".instance.lock"

var ErrLocked = errors.New("instance lock held")

// InstanceLock keeps a second process from reconciling the same state dir.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Takeover allows replacing a lock whose owner is gone or which is older
	// than StaleAfter and names no owner.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	path := filepath.Join(root, lockFileName)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeLockOwner(f, now().UTC()); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, errors.Wrap(ErrLocked, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, errors.Wrapf(ErrLocked, "%s (stale check failed: %v)", path, err)
		}
		if !stale {
			return nil, errors.Wrapf(ErrLocked, "%s (%s)", path, reason)
		}
		logrus.WithFields(logrus.Fields{
			"component": "store",
			"path":      path,
			"reason":    reason,
		}).Warn("taking over stale instance lock")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, errors.Wrap(ErrLocked, path)
}

func writeLockOwner(f *os.File, now time.Time) error {
	payload := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + now.Format(time.RFC3339) + "\n"
	if _, err := f.WriteString(payload); err != nil {
		return err
	}
	return f.Sync()
}

type lockOwner struct {
	pid       int
	startedAt time.Time
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	owner, err := parseLockOwner(data)
	if err != nil {
		return false, "", err
	}
	if owner.pid > 0 {
		if processAlive(owner.pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseLockOwner(data []byte) (lockOwner, error) {
	var owner lockOwner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && pid > 0 {
				owner.pid = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
				owner.startedAt = ts.UTC()
			}
		}
	}
	return owner, scanner.Err()
}

// processAlive probes pid with signal 0. A permission error means the
// process exists under another user.
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

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
