//go:build linux

package player

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Highest SCHED_FIFO priority on Linux.
const fifoMaxPriority = 99

// setRealtimePriority pins the calling goroutine to its OS thread and
// moves that thread to SCHED_FIFO at the highest priority. Decoding
// under real-time scheduling keeps frame pacing steady when the system
// is loaded; failure (usually missing privileges) is not fatal.
func setRealtimePriority() error {
	runtime.LockOSThread()

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: fifoMaxPriority,
	}
	// Pid 0 targets the calling thread.
	return unix.SchedSetAttr(0, attr, 0)
}
