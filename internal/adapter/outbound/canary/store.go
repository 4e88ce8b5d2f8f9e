// Package canary provides file-backed persistence for the canary token
// registry and its trigger log.
package canary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/canary"
)

// fileDocument is the on-disk shape of the canary token file.
type fileDocument struct {
	Tokens []canary.Token `json:"tokens"`
}

// JSONFileStore persists the token set to a single JSON file, rewritten
// atomically (write-tmp-then-rename plus flock) after every mutation.
type JSONFileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewJSONFileStore constructs a JSONFileStore at path.
func NewJSONFileStore(path string, logger *slog.Logger) *JSONFileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONFileStore{path: path, logger: logger}
}

// Load reads the token file, returning an empty slice if it does not exist.
func (s *JSONFileStore) Load() ([]canary.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read canary file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse canary file: %w", err)
	}
	return doc.Tokens, nil
}

// Save rewrites the token file atomically.
func (s *JSONFileStore) Save(tokens []canary.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create canary directory: %w", err)
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open canary lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire canary file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(fileDocument{Tokens: tokens}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal canary tokens: %w", err)
	}
	data = append(data, '\n')

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write canary temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename canary temp file: %w", err)
	}
	return nil
}

var _ canary.Store = (*JSONFileStore)(nil)
