// Package store persists session metadata as a single JSON file under the
// server data directory. Writes are atomic (write-to-temp plus rename); a
// file that grows past the size ceiling is backed up and reset rather than
// parsed.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	fileName = "sessions.json"
	// maxFileBytes triggers backup-and-reset; a metadata file this large is
	// corrupt or runaway.
	maxFileBytes = 1 << 20
)

// Meta is one persisted session-metadata record.
type Meta struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	WorkingDir   string    `json:"workingDir"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Store is the metadata file handle.
type Store struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// Open prepares the store under dir, creating the directory if needed.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, fileName), log: log}, nil
}

// load reads all records. Caller holds s.mu.
func (s *Store) load() ([]Meta, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat metadata: %w", err)
	}
	if info.Size() > maxFileBytes {
		backup := fmt.Sprintf("%s.bak-%s", s.path, time.Now().UTC().Format("20060102-150405"))
		s.log.Warn().Int64("bytes", info.Size()).Str("backup", backup).
			Msg("metadata file oversized, backing up and resetting")
		if err := os.Rename(s.path, backup); err != nil {
			return nil, fmt.Errorf("backup oversized metadata: %w", err)
		}
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var records []Meta
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return records, nil
}

// save writes all records atomically. Caller holds s.mu.
func (s *Store) save(records []Meta) error {
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// List returns all persisted records.
func (s *Store) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the record for a session id.
func (s *Store) Get(id string) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, nil
}

// Put inserts or replaces the record for meta.ID.
func (s *Store) Put(meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].ID == meta.ID {
			records[i] = meta
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, meta)
	}
	return s.save(records)
}

// Delete removes the record for a session id. Deleting an absent record is
// a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	if len(out) == len(records) {
		return nil
	}
	return s.save(out)
}
