// internal/checkpoint/storage_test.go
package checkpoint

import (
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestStorageSaveAndLoad(t *testing.T) {
	storage := newTestStorage(t)

	if err := storage.SaveCheckpoint(&Checkpoint{ID: "msg-1", SessionID: "s1"}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	snaps := []FileSnapshot{
		{CheckpointID: "msg-1", FilePath: "/work/b.txt", Content: []byte("Hello, World!"), Permissions: 0600, Size: 13},
		{CheckpointID: "msg-1", FilePath: "/work/a.txt", Absent: true},
	}
	for i := range snaps {
		if err := storage.SaveSnapshot("s1", &snaps[i]); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	cp, loaded, err := storage.Load("s1", "msg-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.ID != "msg-1" || cp.Timestamp.IsZero() {
		t.Errorf("Unexpected checkpoint: %+v", cp)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(loaded))
	}
	if loaded[0].FilePath != "/work/a.txt" || !loaded[0].Absent {
		t.Errorf("Expected absent a.txt first, got %+v", loaded[0])
	}
	if string(loaded[1].Content) != "Hello, World!" || loaded[1].Permissions != 0600 {
		t.Errorf("Unexpected content snapshot: %+v", loaded[1])
	}
}

func TestStorageSameFileNamesInDifferentDirs(t *testing.T) {
	storage := newTestStorage(t)
	storage.SaveCheckpoint(&Checkpoint{ID: "m", SessionID: "s"})

	for _, p := range []string{"/x/main.go", "/y/main.go"} {
		if err := storage.SaveSnapshot("s", &FileSnapshot{CheckpointID: "m", FilePath: p, Content: []byte(p)}); err != nil {
			t.Fatal(err)
		}
	}
	_, loaded, err := storage.Load("s", "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 snapshots, got %d", len(loaded))
	}
}

func TestStorageListOrdersBySequence(t *testing.T) {
	storage := newTestStorage(t)
	storage.SaveCheckpoint(&Checkpoint{ID: "zz", SessionID: "s", Sequence: 0})
	storage.SaveCheckpoint(&Checkpoint{ID: "aa", SessionID: "s", Sequence: 1})

	list, err := storage.List("s")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "zz" || list[1].ID != "aa" {
		t.Errorf("Unexpected order: %+v", list)
	}

	empty, err := storage.List("unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty list for unknown session, got %v, %v", empty, err)
	}
}

func TestStorageDelete(t *testing.T) {
	storage := newTestStorage(t)
	storage.SaveCheckpoint(&Checkpoint{ID: "m", SessionID: "s"})
	storage.SaveSnapshot("s", &FileSnapshot{CheckpointID: "m", FilePath: "/f", Content: []byte("x")})

	if err := storage.Delete("s", "m"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if storage.HasSnapshot("s", "m", "/f") {
		t.Error("Expected refs to be removed")
	}
	if _, _, err := storage.Load("s", "m"); err == nil {
		t.Error("Expected Load to fail after Delete")
	}
}

func TestCalculateHash(t *testing.T) {
	if CalculateHash([]byte("a")) == CalculateHash([]byte("b")) {
		t.Error("Different content should hash differently")
	}
	if len(CalculateHash(nil)) != 64 {
		t.Error("Expected hex sha256")
	}
}

func TestStorageRejectsInvalidIDs(t *testing.T) {
	storage := newTestStorage(t)

	if err := storage.SaveCheckpoint(&Checkpoint{ID: "..", SessionID: "s"}); err == nil {
		t.Error("SaveCheckpoint accepted a parent directory id")
	}
	if err := storage.SaveSnapshot("../s", &FileSnapshot{CheckpointID: "m", FilePath: "/f"}); err == nil {
		t.Error("SaveSnapshot accepted a session id with a separator")
	}
	if err := storage.Delete("s", "refs"); err == nil {
		t.Error("Delete accepted a reserved id")
	}
	if _, _, err := storage.Load("", "m"); err == nil {
		t.Error("Load accepted an empty session id")
	}
}
