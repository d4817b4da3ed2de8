package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("Lock file content = %q, want %q", content, want)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer first.Release()

	// flock locks belong to the open file description, so a second open conflicts even
	// within one process.
	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("Expected second Acquire to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected *LockError, got %T: %v", err, err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("pid %d", os.Getpid())) {
		t.Errorf("Expected holder to name this process, got %q", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), LockFileName) {
		t.Errorf("Error should name the lock file: %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("Expected lock file to be removed, stat err %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Reacquire failed: %v", err)
	}
	again.Release()
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"host=x\npid=42\n", 42},
		{"pid=abc\n", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.content); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}
