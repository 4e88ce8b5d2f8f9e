//go:build windows

package killswitch

import "os"

// probeExists falls back to os.Stat on platforms without access(2); the
// golang.org/x/sys/unix fast path is unix-only.
func probeExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
