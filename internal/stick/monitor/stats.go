package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// StatsSnapshot represents a snapshot of current frame statistics
type StatsSnapshot struct {
	FramesPerSec  float64
	MalformedRate float64
	FallbackCount int64
	ActiveDevices int
	Timestamp     time.Time
}

// FrameStats tracks per-frame throughput with thread-safe operations. Every
// processed sample is counted here by the monitor tap, independent of which
// transport delivered it.
type FrameStats struct {
	mu             sync.Mutex
	frameCount     int64
	malformedCount int64
	fallbackCount  int64
	devices        map[string]struct{}
	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *StatsSnapshot
}

// NewFrameStats creates a new FrameStats instance
func NewFrameStats() *FrameStats {
	now := time.Now()
	return &FrameStats{
		devices:   make(map[string]struct{}),
		lastReset: now,
		startTime: now,
	}
}

// AddFrame counts one processed frame for a device
func (fs *FrameStats) AddFrame(deviceID string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frameCount++
	fs.devices[deviceID] = struct{}{}
}

// AddMalformed counts one sanitized-at-ingress sample
func (fs *FrameStats) AddMalformed() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.malformedCount++
}

// AddFallback counts one frame served under perf fallback
func (fs *FrameStats) AddFallback() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fallbackCount++
}

// GetAndReset returns current stats and resets counters
func (fs *FrameStats) GetAndReset() (frames, malformed, fallback int64, devices int, duration time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	duration = now.Sub(fs.lastReset)
	frames = fs.frameCount
	malformed = fs.malformedCount
	fallback = fs.fallbackCount
	devices = len(fs.devices)

	fs.frameCount = 0
	fs.malformedCount = 0
	fs.fallbackCount = 0
	fs.lastReset = now

	return
}

// LogStats logs formatted statistics and stores snapshot for web interface
func (fs *FrameStats) LogStats() {
	frames, malformed, fallback, devices, duration := fs.GetAndReset()
	if frames == 0 {
		return
	}

	framesPerSec := float64(frames) / duration.Seconds()
	malformedRate := float64(malformed) / float64(frames)

	// Store snapshot for web interface
	fs.mu.Lock()
	fs.latestSnapshot = &StatsSnapshot{
		FramesPerSec:  framesPerSec,
		MalformedRate: malformedRate,
		FallbackCount: fallback,
		ActiveDevices: devices,
		Timestamp:     time.Now(),
	}
	fs.mu.Unlock()

	logMsg := fmt.Sprintf("Stick stats (/sec): %.1f frames, %d device(s)", framesPerSec, devices)
	if malformed > 0 {
		logMsg += fmt.Sprintf(", %s malformed", FormatWithCommas(malformed))
	}
	if fallback > 0 {
		logMsg += fmt.Sprintf(", %d under fallback", fallback)
	}
	log.Print(logMsg)
}

// GetUptime returns the time since the stats were created
func (fs *FrameStats) GetUptime() time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return time.Since(fs.startTime)
}

// GetLatestSnapshot returns the most recent stats snapshot for web interface
func (fs *FrameStats) GetLatestSnapshot() *StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.latestSnapshot == nil {
		return nil
	}
	// Return a copy to avoid race conditions
	snapshot := *fs.latestSnapshot
	return &snapshot
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
