package killswitch

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// window is the 60s sliding window of timestamps for one action.
const window = 60 * time.Second

// defaultThreshold applies to any action with no explicit entry below.
const defaultThreshold = 100

// thresholds are hard-coded and stricter than the policy engine's hourly
// rate caps: they catch burst patterns within a single minute.
var thresholds = map[string]int{
	"send_email":    20,
	"send_sms":      30,
	"make_call":     10,
	"send_telegram": 50,
	"send_slack":    50,
}

// AnomalyDetector tracks a per-action sliding window of execute timestamps
// and escalates to the kill switch when an action's rate within the last
// 60 seconds exceeds its hard-coded threshold.
//
// The window table is keyed by an xxhash of the action name rather than the
// raw string, so repeated lookups on the hot execute path avoid re-hashing
// a Go string header through the runtime's generic map hash on every call.
type AnomalyDetector struct {
	kill *Switch

	mu      sync.Mutex
	windows map[uint64][]time.Time
	names   map[uint64]string
}

// NewAnomalyDetector constructs a detector that escalates to kill.
func NewAnomalyDetector(kill *Switch) *AnomalyDetector {
	return &AnomalyDetector{
		kill:    kill,
		windows: make(map[uint64][]time.Time),
		names:   make(map[uint64]string),
	}
}

// RecordAction purges entries older than 60s, appends now, and compares
// the resulting window length against the action's threshold. On exceed,
// it triggers the kill switch with RATE_LIMIT_EXCEEDED and returns false;
// the caller (capability_execute handler) must refuse the action.
func (d *AnomalyDetector) RecordAction(action string) bool {
	key := xxhash.Sum64String(action)

	d.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-window)

	kept := d.windows[key][:0]
	for _, t := range d.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.windows[key] = kept
	d.names[key] = action
	count := len(kept)
	d.mu.Unlock()

	threshold, ok := thresholds[action]
	if !ok {
		threshold = defaultThreshold
	}

	if count > threshold {
		d.kill.Trigger(ReasonRateLimitExceeded,
			fmt.Sprintf("action %q exceeded rate limit: %d/%d per minute", action, count, threshold),
			"anomaly_detector")
		return false
	}
	return true
}
