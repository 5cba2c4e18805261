// Package engine runs the live evaluation loop: scheduled activation,
// per-strategy transitions, order routing, and persistence, under a
// single-writer file lock.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"autotrader/internal/errors"
)

// lockOwner is the identity written into the lock file.
type lockOwner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// FileLock is an advisory flock-based lock guaranteeing one engine writer
// per configuration directory. The lock file records the owner so an
// operator can see who holds it.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a lock for the given config directory.
func NewFileLock(configDir string) *FileLock {
	return &FileLock{path: filepath.Join(configDir, "engine.lock")}
}

// Acquire takes the lock or fails with ErrLockHeld if another process owns
// it. The owner identity is written into the file on success.
func (l *FileLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrap(err, "creating lock directory")
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "opening lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := l.readOwner(f)
		f.Close()
		if owner != "" {
			return errors.Wrapf(errors.ErrLockHeld, "held by %s", owner)
		}
		return errors.ErrLockHeld
	}

	hostname, _ := os.Hostname()
	data, err := json.Marshal(lockOwner{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	})
	if err == nil {
		f.Truncate(0)
		f.Seek(0, 0)
		f.Write(append(data, '\n'))
		f.Sync()
	}

	l.file = f
	return nil
}

// Release drops the lock and removes the file. Safe to call twice.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}

// Path returns the lock file location.
func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) readOwner(f *os.File) string {
	buf := make([]byte, 256)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return ""
	}
	var owner lockOwner
	if json.Unmarshal(buf[:n], &owner) != nil {
		return ""
	}
	return fmt.Sprintf("pid %d on %s since %s", owner.PID, owner.Hostname, owner.StartedAt.Format(time.RFC3339))
}
