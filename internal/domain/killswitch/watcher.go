package killswitch

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a well-known marker path and triggers the kill switch when
// its contents contain a kill literal. It is trigger source 3 from the
// component design.
type Watcher struct {
	kill     *Switch
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher constructs a file watcher for the given marker path. A
// non-positive interval defaults to 1 second, the spec's default poll rate.
func NewWatcher(kill *Switch, path string, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{kill: kill, path: path, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled or the switch is killed. Intended to run
// in its own goroutine, started once at boot.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.kill.IsKilled() {
				return
			}
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	if w.path == "" || !probeExists(w.path) {
		return
	}
	content, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	text := string(content)
	if ContainsKillWord(text) {
		snippet := text
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		w.kill.Trigger(ReasonFileTrigger, "kill file detected: "+snippet, "file_watcher")
	}
}
