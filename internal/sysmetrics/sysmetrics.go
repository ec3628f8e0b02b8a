// Package sysmetrics samples process-level resource usage for the
// coordinator's periodic fleet summary.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Snapshot is one sample of the coordinator process.
type Snapshot struct {
	// CPUPercent is process CPU usage since the previous sample.
	// Multi-core processes can exceed 100.
	CPUPercent float64
	// HeapBytes is live heap plus goroutine stacks, excluding reserved
	// but uncommitted address space.
	HeapBytes int64
	// Goroutines is the current goroutine count.
	Goroutines int
}

var (
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
)

func init() {
	user, sys := rusage()
	mu.Lock()
	lastWall = time.Now()
	lastUser = user
	lastSys = sys
	mu.Unlock()
}

// Sample takes a snapshot. The CPU figure is averaged over the window
// since the previous Sample call, so callers should sample on a fixed
// interval.
func Sample() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		CPUPercent: cpuPercent(),
		HeapBytes:  int64(m.HeapInuse + m.StackInuse),
		Goroutines: runtime.NumGoroutine(),
	}
}

func cpuPercent() float64 {
	now := time.Now()
	user, sys := rusage()

	mu.Lock()
	defer mu.Unlock()

	wall := now.Sub(lastWall)
	if wall <= 0 {
		return lastCPU
	}
	pct := float64((user-lastUser)+(sys-lastSys)) / float64(wall) * 100.0

	lastWall = now
	lastUser = user
	lastSys = sys
	lastCPU = pct
	return pct
}

func rusage() (user, sys time.Duration) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	return time.Duration(ru.Utime.Nano()), time.Duration(ru.Stime.Nano())
}
