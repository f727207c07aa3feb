// internal/session/history_test.go
package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sessionbridge/internal/claude"
)

const sampleTranscript = `{"type":"user","message":{"role":"user","content":"fix the bug"},"uuid":"u1","parentUuid":null,"timestamp":"2024-01-01T00:00:00Z","sessionId":"test-session"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"looking"}]},"uuid":"a1","parentUuid":"u1","timestamp":"2024-01-01T00:00:01Z"}
not json
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]},"uuid":"r1","parentUuid":"a1","timestamp":"2024-01-01T00:00:02Z"}
{"type":"summary","summary":"no uuid"}
`

func writeTranscript(t *testing.T, claudeDir, projectPath, sessionID, content string) string {
	t.Helper()
	dir := filepath.Join(claudeDir, "projects", claude.GetProjectHash(projectPath))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create project directory: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create session file: %v", err)
	}
	return path
}

func TestLocateInProjectDirectory(t *testing.T) {
	claudeDir := filepath.Join(t.TempDir(), ".claude")
	want := writeTranscript(t, claudeDir, "/work/app", "test-session", sampleTranscript)

	transcripts := NewTranscripts(claudeDir)
	got, err := transcripts.Locate("test-session", "/work/app")
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected file path %s, got %s", want, got)
	}
}

func TestLocateFallsBackToOtherProjects(t *testing.T) {
	claudeDir := filepath.Join(t.TempDir(), ".claude")
	want := writeTranscript(t, claudeDir, "/elsewhere", "test-session", sampleTranscript)

	got, err := NewTranscripts(claudeDir).Locate("test-session", "/work/app")
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected file path %s, got %s", want, got)
	}
}

func TestLocateMissing(t *testing.T) {
	transcripts := NewTranscripts(t.TempDir())

	_, err := transcripts.Locate("nope", "/work/app")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if transcripts.Exists("nope", "/work/app") {
		t.Error("Exists should be false for a missing session")
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	claudeDir := filepath.Join(t.TempDir(), ".claude")
	writeTranscript(t, claudeDir, "/work/app", "test-session", sampleTranscript)

	messages, err := NewTranscripts(claudeDir).Load("test-session", "/work/app")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(messages))
	}
	if messages[1].Parent() != "u1" {
		t.Errorf("Expected parent u1, got %q", messages[1].Parent())
	}
}

func TestEntries(t *testing.T) {
	claudeDir := filepath.Join(t.TempDir(), ".claude")
	writeTranscript(t, claudeDir, "/work/app", "test-session", sampleTranscript)

	entries, err := NewTranscripts(claudeDir).Entries("test-session", "/work/app")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	want := []Entry{
		{ID: "u1", UserText: true},
		{ID: "a1", ParentID: "u1"},
		{ID: "r1", ParentID: "a1"},
	}
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], entries[i])
		}
	}
}
