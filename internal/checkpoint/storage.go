// internal/checkpoint/storage.go
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Storage persists checkpoints under baseDir:
//
//	checkpoints/{session}/{message}/metadata.json
//	checkpoints/{session}/refs/{message}/{path hash}.json
//	checkpoints/{session}/content_pool/{content hash}
type Storage struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStorage creates a checkpoint storage using the given zstd level.
func NewStorage(baseDir string, compressionLevel int) (*Storage, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Storage{baseDir: baseDir, encoder: encoder, decoder: decoder}, nil
}

func (s *Storage) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, "checkpoints", sessionID)
}

func (s *Storage) refsDir(sessionID, checkpointID string) string {
	return filepath.Join(s.sessionDir(sessionID), "refs", checkpointID)
}

// SaveCheckpoint writes checkpoint metadata.
func (s *Storage) SaveCheckpoint(cp *Checkpoint) error {
	if err := validateIDs(cp.SessionID, cp.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	dir := filepath.Join(s.sessionDir(cp.SessionID), cp.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// SaveSnapshot stores a file pre-image. Contents are content-addressed so a
// file saved under several checkpoints is stored once.
func (s *Storage) SaveSnapshot(sessionID string, snapshot *FileSnapshot) error {
	if err := validateIDs(sessionID, snapshot.CheckpointID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !snapshot.Absent {
		snapshot.Hash = CalculateHash(snapshot.Content)
		pool := filepath.Join(s.sessionDir(sessionID), "content_pool")
		if err := os.MkdirAll(pool, 0755); err != nil {
			return err
		}
		contentFile := filepath.Join(pool, snapshot.Hash)
		if _, err := os.Stat(contentFile); os.IsNotExist(err) {
			if err := os.WriteFile(contentFile, s.encoder.EncodeAll(snapshot.Content, nil), 0644); err != nil {
				return err
			}
		}
	}

	refs := s.refsDir(sessionID, snapshot.CheckpointID)
	if err := os.MkdirAll(refs, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(refs, CalculateHash([]byte(snapshot.FilePath))+".json"), data, 0644)
}

// HasSnapshot reports whether path already has a pre-image under the checkpoint.
func (s *Storage) HasSnapshot(sessionID, checkpointID, path string) bool {
	if validateIDs(sessionID, checkpointID) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Join(s.refsDir(sessionID, checkpointID), CalculateHash([]byte(path))+".json"))
	return err == nil
}

// Load reads a checkpoint and its snapshots with contents.
func (s *Storage) Load(sessionID, checkpointID string) (*Checkpoint, []FileSnapshot, error) {
	if err := validateIDs(sessionID, checkpointID); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), checkpointID, "metadata.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	entries, err := os.ReadDir(s.refsDir(sessionID, checkpointID))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read refs: %w", err)
	}
	pool := filepath.Join(s.sessionDir(sessionID), "content_pool")
	snapshots := []FileSnapshot{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		refData, err := os.ReadFile(filepath.Join(s.refsDir(sessionID, checkpointID), entry.Name()))
		if err != nil {
			continue
		}
		var snap FileSnapshot
		if err := json.Unmarshal(refData, &snap); err != nil {
			continue
		}
		if !snap.Absent {
			compressed, err := os.ReadFile(filepath.Join(pool, snap.Hash))
			if err != nil {
				return nil, nil, fmt.Errorf("read content of %s: %w", snap.FilePath, err)
			}
			if snap.Content, err = s.decoder.DecodeAll(compressed, nil); err != nil {
				return nil, nil, fmt.Errorf("decompress %s: %w", snap.FilePath, err)
			}
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FilePath < snapshots[j].FilePath })
	return &cp, snapshots, nil
}

// List returns the checkpoints of a session ordered by sequence.
func (s *Storage) List(sessionID string) ([]Checkpoint, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if json.Unmarshal(data, &cp) == nil {
			checkpoints = append(checkpoints, cp)
		}
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Sequence < checkpoints[j].Sequence })
	return checkpoints, nil
}

// Delete removes a checkpoint and its refs. Pooled contents are kept.
func (s *Storage) Delete(sessionID, checkpointID string) error {
	if err := validateIDs(sessionID, checkpointID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.sessionDir(sessionID), checkpointID)); err != nil {
		return err
	}
	return os.RemoveAll(s.refsDir(sessionID, checkpointID))
}

// Close releases the zstd encoder and decoder.
func (s *Storage) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// CalculateHash returns the hex SHA256 of content.
func CalculateHash(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
