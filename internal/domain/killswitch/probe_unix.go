//go:build !windows

package killswitch

import "golang.org/x/sys/unix"

// probeExists does a cheap access(2) check before the watcher pays for a
// full os.ReadFile on every poll tick.
func probeExists(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}
