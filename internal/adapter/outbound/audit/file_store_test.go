package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "subdir", "audit")
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory, got file")
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("directory permissions = %o, want 0700", perm)
	}
}

func TestFileStore_AppendWritesJSONLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ev, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", map[string]interface{}{"to": "x@y.com"}, "req-1")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if ev.PreviousHash != audit.Genesis {
		t.Errorf("first event PreviousHash = %q, want %q", ev.PreviousHash, audit.Genesis)
	}
	if ev.EventHash == "" {
		t.Error("expected non-empty EventHash")
	}

	dateStr := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", dateStr))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var decoded audit.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if decoded.EventHash != ev.EventHash {
		t.Errorf("persisted EventHash = %q, want %q", decoded.EventHash, ev.EventHash)
	}
}

func TestFileStore_ChainsAcrossAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	first, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, "req-1")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	second, err := store.Append(ctx, audit.KindActionExecuted, "send_email", "agent-1", "zone1", nil, "req-1")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if second.PreviousHash != first.EventHash {
		t.Errorf("second.PreviousHash = %q, want %q", second.PreviousHash, first.EventHash)
	}
}

func TestFileStore_ChainTailResumesFromSidecar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ev, err := store.Append(context.Background(), audit.KindActionRequested, "send_sms", "agent-1", "zone1", nil, "req-1")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("reopen NewFileStore() error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	next, err := reopened.Append(context.Background(), audit.KindActionExecuted, "send_sms", "agent-1", "zone1", nil, "req-1")
	if err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}
	if next.PreviousHash != ev.EventHash {
		t.Errorf("chain did not resume: PreviousHash = %q, want %q", next.PreviousHash, ev.EventHash)
	}
}

func TestFileStore_VerifyChainValid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, fmt.Sprintf("req-%d", i)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	result, err := store.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got errors: %v", result.Errors)
	}
}

func TestFileStore_VerifyChainDetectsTampering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	if _, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, "req-1"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := store.Append(ctx, audit.KindActionExecuted, "send_email", "agent-1", "zone1", nil, "req-1"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	dateStr := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", dateStr))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var ev audit.Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev.Actor = "attacker"
	tampered, _ := json.Marshal(ev)
	lines[0] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	verifier, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = verifier.Close() }()

	result, err := verifier.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyChain() error: %v", err)
	}
	if result.Valid {
		t.Error("expected tampering to be detected")
	}
	if len(result.Errors) == 0 {
		t.Error("expected at least one error describing the mismatch")
	}
}

func TestFileStore_QueryReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, fmt.Sprintf("req-%d", i)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	events, err := store.Query(ctx, audit.Filter{Limit: 3})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Query() returned %d events, want 3", len(events))
	}
	if events[0].RequestID != "req-4" {
		t.Errorf("events[0].RequestID = %q, want req-4", events[0].RequestID)
	}
}

func TestFileStore_QueryFiltersByAction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, "req-1"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := store.Append(ctx, audit.KindActionRequested, "send_sms", "agent-1", "zone1", nil, "req-2"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	events, err := store.Query(ctx, audit.Filter{Action: "send_sms"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 1 || events[0].Action != "send_sms" {
		t.Fatalf("Query() by action returned %+v", events)
	}
}

func TestFileStore_QueryRejectsRangeOver7Days(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	_, err = store.Query(context.Background(), audit.Filter{Start: now.AddDate(0, 0, -10), End: now})
	if err != audit.ErrDateRangeExceeded {
		t.Errorf("Query() error = %v, want ErrDateRangeExceeded", err)
	}
}

func TestFileStore_RetentionCleanup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	oldDate := time.Now().UTC().AddDate(0, 0, -10)
	oldFile := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", oldDate.Format("2006-01-02")))
	if err := os.WriteFile(oldFile, []byte(`{}`+"\n"), 0o600); err != nil {
		t.Fatalf("write old file: %v", err)
	}

	store, err := NewFileStore(Config{Dir: dir, RetentionDays: 7}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old file should have been deleted by retention cleanup")
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := store.Append(ctx, audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, fmt.Sprintf("req-%d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent Append() error: %v", err)
	}

	result, err := store.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain should stay valid under concurrent appends, got errors: %v", result.Errors)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if _, err := store.Append(context.Background(), audit.KindActionRequested, "send_email", "agent-1", "zone1", nil, "req-1"); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	dateStr := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", dateStr))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestFileStore_ImplementsInterfaces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	var _ audit.Store = store
	var _ audit.QueryStore = store
	var _ audit.Verifier = store
}

func TestFileStore_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("double Close() error: %v", err)
	}
}

func TestRingCache_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	cache := newRingCache(3)
	for i := 0; i < 5; i++ {
		cache.Add(audit.Event{RequestID: fmt.Sprintf("req-%d", i)})
	}

	recent := cache.Recent(5)
	if len(recent) != 3 {
		t.Fatalf("Recent(5) returned %d entries, want 3", len(recent))
	}
	if recent[0].RequestID != "req-4" {
		t.Errorf("recent[0].RequestID = %q, want req-4", recent[0].RequestID)
	}
	if recent[2].RequestID != "req-2" {
		t.Errorf("recent[2].RequestID = %q, want req-2", recent[2].RequestID)
	}
}
