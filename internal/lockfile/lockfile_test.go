package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesOwnerRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("lock file not readable: %v", err)
	}
	info := parseInfo(string(data))
	if info.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), info.PID)
	}
	if info.StartedAt.IsZero() {
		t.Error("expected start time in lock file")
	}
	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if !strings.Contains(err.Error(), "another Brenda instance") {
		t.Errorf("error should name the conflict: %s", err)
	}
	if !strings.Contains(lockErr.Owner, "running") {
		t.Errorf("owner should describe the holder: %q", lockErr.Owner)
	}

	// The failed attempt must not clobber the owner record.
	data, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if parseInfo(string(data)).PID != os.Getpid() {
		t.Errorf("owner record was overwritten: %q", data)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestStaleRecordIsReplaced(t *testing.T) {
	dir := t.TempDir()
	stale := "pid=999999\nhost=old-box\nstarted=2020-01-01T00:00:00Z\n"
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("a file without a held flock must not block: %v", err)
	}
	defer lock.Release()

	data, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if strings.Contains(string(data), "old-box") {
		t.Errorf("stale record survived: %q", data)
	}
}

func TestParseInfo(t *testing.T) {
	info := parseInfo("pid=42\nhost=brenda-1\nstarted=2026-03-01T10:00:00Z\njunk\n")
	if info.PID != 42 || info.Host != "brenda-1" {
		t.Errorf("unexpected info: %+v", info)
	}
	if !info.StartedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start time: %v", info.StartedAt)
	}
	if parseInfo("").PID != 0 {
		t.Error("empty content should parse to zero info")
	}
}

func TestDescribeOwnerMissingFile(t *testing.T) {
	if got := describeOwner(filepath.Join(t.TempDir(), "missing.lock")); got != "" {
		t.Errorf("expected empty description, got %q", got)
	}
}
