package canary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/canary"
)

// JSONLTriggerLog appends one JSON object per line to a flat file. Never
// rewrites or mutates previously written lines.
type JSONLTriggerLog struct {
	path string
	mu   sync.Mutex
}

// NewJSONLTriggerLog constructs a JSONLTriggerLog at path.
func NewJSONLTriggerLog(path string) *JSONLTriggerLog {
	return &JSONLTriggerLog{path: path}
}

// Append writes one line for t.
func (l *JSONLTriggerLog) Append(t canary.Trigger) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create trigger log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open trigger log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trigger log: %w", err)
	}
	return nil
}

var _ canary.TriggerLog = (*JSONLTriggerLog)(nil)
