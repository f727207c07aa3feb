// internal/checkpoint/models.go
package checkpoint

import "time"

// Checkpoint groups the file pre-images recorded while the runtime handled
// one user message. Its ID is that message's id.
type Checkpoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// FileSnapshot is the state of a file before its first change under a
// checkpoint. Absent marks a file that did not exist yet.
type FileSnapshot struct {
	CheckpointID string `json:"checkpoint_id"`
	FilePath     string `json:"path"`
	Content      []byte `json:"-"`
	Hash         string `json:"hash,omitempty"`
	Absent       bool   `json:"absent"`
	Permissions  uint32 `json:"permissions,omitempty"`
	Size         int64  `json:"size"`
}

// RestoreResult reports the effect of a restore.
type RestoreResult struct {
	Checkpoints   []string `json:"checkpoints"`
	FilesRestored int      `json:"files_restored"`
	FilesDeleted  int      `json:"files_deleted"`
	Paths         []string `json:"paths,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}
