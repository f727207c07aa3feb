package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitForExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	err := WaitFor(context.Background(), Target{Dirs: []string{dir}, Exists: FileExists(path)}, time.Second, time.Hour)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
}

func TestWaitForFileCreatedLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, []byte("{}\n"), 0644)
	}()

	start := time.Now()
	err := WaitFor(context.Background(), Target{Dirs: []string{dir}, Exists: FileExists(path)}, 5*time.Second, time.Hour)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("WaitFor() should wake on the create event")
	}
}

func TestWaitForPollsMissingDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "projects", "-work")
	path := filepath.Join(dir, "session.jsonl")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.MkdirAll(dir, 0755)
		os.WriteFile(path, []byte("{}\n"), 0644)
	}()

	err := WaitFor(context.Background(), Target{Dirs: []string{dir}, Exists: FileExists(path)}, 5*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
}

func TestWaitForTimeout(t *testing.T) {
	dir := t.TempDir()

	err := WaitFor(context.Background(), Target{Dirs: []string{dir}, Exists: FileExists(filepath.Join(dir, "never"))}, 60*time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitFor() error = %v, want ErrTimeout", err)
	}
}

func TestWaitForCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitFor(ctx, Target{Exists: func() bool { return false }}, time.Second, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitFor() error = %v, want context.Canceled", err)
	}
}

func TestWaitForNeedsCheck(t *testing.T) {
	if err := WaitFor(context.Background(), Target{}, time.Second, time.Second); err == nil {
		t.Fatal("WaitFor() should reject a target without Exists")
	}
}
