package engine

import (
	"encoding/json"
	"os"
	"testing"

	"autotrader/internal/errors"
)

func TestFileLockAcquireWritesOwner(t *testing.T) {
	l := NewFileLock(t.TempDir())
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	var owner struct {
		PID      int    `json:"pid"`
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		t.Fatalf("lock file is not JSON: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}
}

func TestFileLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first := NewFileLock(dir)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	// A second lock on the same directory opens its own descriptor, so the
	// flock conflict is observable even within one process.
	second := NewFileLock(dir)
	if err := second.Acquire(); !errors.Is(err, errors.ErrLockHeld) {
		t.Errorf("second Acquire: %v, want ErrLockHeld", err)
	}
}

func TestFileLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	l := NewFileLock(dir)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Double release is a no-op.
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("lock file survived release")
	}

	other := NewFileLock(dir)
	if err := other.Acquire(); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	other.Release()
}
