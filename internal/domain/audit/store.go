package audit

import (
	"context"
	"errors"
	"time"
)

// ErrDateRangeExceeded is returned when a query's time range exceeds the
// maximum the store is willing to scan.
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// MaxQueryRange bounds how far back a single Query may look.
const MaxQueryRange = 7 * 24 * time.Hour

// DefaultQueryLimit is applied when Filter.Limit is zero or negative.
const DefaultQueryLimit = 100

// Store appends events to the chain. All writes are serialized by a single
// lock because the chain is inherently sequential. Append returns its
// failure to the caller and does not crash the process; DispatchService
// logs an append failure and carries on with the request, so the request
// itself does not fail because of it.
type Store interface {
	// Append computes the next event's hash against the current chain tail,
	// persists it, and advances the tail. Returns the fully-populated Event.
	Append(ctx context.Context, kind Kind, action, actor, sourceZone string, details map[string]interface{}, requestID string) (Event, error)

	// Close releases resources (file handles, the sidecar).
	Close() error
}

// Filter specifies Query parameters.
type Filter struct {
	Kind      Kind
	Action    string
	Actor     string
	Start     time.Time
	End       time.Time
	Limit     int
}

// QueryStore provides read access for audit forensics. Distinct from Store
// because queries may be served by a different backend (e.g. a SQLite
// index) than the authoritative append path.
type QueryStore interface {
	// Query returns matching events, most recent first.
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

// VerifyResult is the outcome of a chain verification pass.
type VerifyResult struct {
	Valid  bool
	Errors []string
}

// Verifier re-derives and compares every event's hash against the stored
// value, and every event's previous_hash against the preceding event's
// event_hash. Verification never mutates state.
type Verifier interface {
	VerifyChain(ctx context.Context) (VerifyResult, error)
}
