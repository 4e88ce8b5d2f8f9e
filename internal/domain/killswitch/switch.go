package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
)

// OnKillFunc is invoked exactly once, on the triggering goroutine, the first
// time the switch fires. The switch itself writes no audit event and does
// not close any listener; serve installs a callback that logs the event.
type OnKillFunc func(Event)

// ShutdownFunc is one of possibly many registered shutdown callbacks, run
// after OnKillFunc, outside the state mutex.
type ShutdownFunc func()

// Switch is the global, single-shot kill state. Safe for concurrent use.
//
// Two mutexes guard disjoint state, per the component design: stateMu
// covers {killed, event}; callbackMu covers the shutdown callback slice.
// Callbacks always run after both mutexes are released, so a slow or
// blocking callback cannot stall a concurrent Trigger or IsKilled call.
type Switch struct {
	markerPath string
	onKill     OnKillFunc
	logger     *slog.Logger

	stateMu sync.Mutex
	armed   bool
	killed  bool
	event   *Event

	callbackMu sync.Mutex
	shutdowns  []ShutdownFunc
}

// New constructs an armed, non-killed Switch. markerPath is where the
// human-readable kill marker is written on trigger and removed on reset.
func New(markerPath string, onKill OnKillFunc, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		markerPath: markerPath,
		onKill:     onKill,
		logger:     logger,
		armed:      true,
	}
}

// RegisterShutdownCallback appends a callback invoked (outside any state
// mutex) the first time the switch is triggered.
func (s *Switch) RegisterShutdownCallback(fn ShutdownFunc) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.shutdowns = append(s.shutdowns, fn)
}

// IsKilled reports whether the switch has fired.
func (s *Switch) IsKilled() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.killed
}

// Status returns a read-only snapshot, safe to serve even while killed.
func (s *Switch) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Status{Armed: s.armed, Killed: s.killed, Event: s.event}
}

// Trigger fires the switch. Idempotent: a second call, of any reason,
// returns the first event unchanged.
func (s *Switch) Trigger(reason Reason, details, triggeredBy string) Event {
	s.stateMu.Lock()
	if s.killed {
		ev := *s.event
		s.stateMu.Unlock()
		return ev
	}
	if triggeredBy == "" {
		triggeredBy = "system"
	}
	ev := Event{
		Timestamp:   time.Now().UTC(),
		Reason:      reason,
		Details:     details,
		TriggeredBy: triggeredBy,
	}
	s.event = &ev
	s.killed = true
	s.stateMu.Unlock()

	s.executeShutdown(ev)
	return ev
}

// executeShutdown runs the on-kill callback, every shutdown callback, and
// writes the marker file, all outside the state mutex so a blocking
// callback cannot deadlock a concurrent Trigger/IsKilled caller.
func (s *Switch) executeShutdown(ev Event) {
	if s.onKill != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("kill callback panicked", "panic", r)
				}
			}()
			s.onKill(ev)
		}()
	}

	s.callbackMu.Lock()
	callbacks := append([]ShutdownFunc(nil), s.shutdowns...)
	s.callbackMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("shutdown callback panicked", "panic", r)
				}
			}()
			cb()
		}()
	}

	s.writeMarker(ev)
}

func (s *Switch) writeMarker(ev Event) {
	if s.markerPath == "" {
		return
	}
	body := fmt.Sprintf("KILLED: %s\nTIME: %s\nBY: %s\nDETAILS: %s\n",
		ev.Reason, ev.Timestamp.Format(time.RFC3339), ev.TriggeredBy, ev.Details)
	if err := os.WriteFile(s.markerPath, []byte(body), 0o600); err != nil {
		s.logger.Error("failed to write kill marker", "path", s.markerPath, "error", err)
	}
}

// Reset clears killed state and removes the marker file. Requires an
// explicit authorized call; returns false if the switch was not killed.
func (s *Switch) Reset(authorizedBy string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.killed {
		return false
	}
	s.killed = false
	s.event = nil
	if s.markerPath != "" {
		if err := os.Remove(s.markerPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove kill marker on reset", "path", s.markerPath, "error", err)
		}
	}
	s.logger.Info("kill switch reset", "authorized_by", authorizedBy)
	return true
}

// CheckMessage screens an inbound message body for any kill literal
// (trigger source 4 in the component design) and triggers REMOTE_COMMAND
// if one is found. Returns true if a trigger fired.
func (s *Switch) CheckMessage(body, sender string) bool {
	folded := foldKillText(body)
	for _, word := range killWords {
		if strings.Contains(folded, word) {
			s.Trigger(ReasonRemoteCommand, fmt.Sprintf("kill word detected in message: %s", word), sender)
			return true
		}
	}
	return false
}

// ContainsKillWord reports whether content (case-insensitive, whitespace
// folded to underscore) contains any of the literal kill strings, without
// triggering. Used by the file watcher to decide whether to call Trigger.
func ContainsKillWord(content string) bool {
	folded := foldKillText(content)
	for _, word := range killWords {
		if strings.Contains(folded, word) {
			return true
		}
	}
	return false
}

// foldKillText upper-cases s and replaces every whitespace character
// (space, tab, newline, ...) with an underscore.
func foldKillText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, strings.ToUpper(s))
}
