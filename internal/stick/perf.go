package stick

import (
	"sync"
	"time"
)

const (
	// perfWindow is how many recent frames feed the rolling aggregates.
	perfWindow = 240
	// recoveryFrames is how many consecutive frames must land under half
	// budget before fallback disengages.
	recoveryFrames = 60
)

// StageStats aggregates one pipeline stage over the rolling window.
type StageStats struct {
	Avg time.Duration `json:"avg_ns"`
	Max time.Duration `json:"max_ns"`
}

// PerfSnapshot is a point-in-time view of frame cost.
type PerfSnapshot struct {
	Frames         uint64        `json:"frames"`
	Overruns       uint64        `json:"overruns"`
	FallbackActive bool          `json:"fallback_active"`
	WindowFrames   int           `json:"window_frames"`
	Budget         time.Duration `json:"budget_ns"`

	Calibration StageStats `json:"calibration"`
	Kalman      StageStats `json:"kalman"`
	Features    StageStats `json:"features"`
	Neural      StageStats `json:"neural"`
	Blend       StageStats `json:"blend"`
	Total       StageStats `json:"total"`
}

// PerfMonitor watches per-frame stage timings against the frame budget.
// One frame over budget engages fallback, which the pipeline reads to
// bypass the neural stage; fallback disengages only after a run of
// consecutive frames under half budget, so a borderline workload cannot
// flap the neural stage on and off.
type PerfMonitor struct {
	mu       sync.Mutex
	budget   time.Duration
	window   [perfWindow]StageTimings
	next     int
	filled   int
	frames   uint64
	overruns uint64
	fallback bool
	underRun int
}

// NewPerfMonitor creates a monitor for the given frame budget. A
// non-positive budget disables overrun detection.
func NewPerfMonitor(budget time.Duration) *PerfMonitor {
	return &PerfMonitor{budget: budget}
}

// RecordFrame folds one frame's timings into the window and updates the
// fallback state. Returns whether fallback is active after this frame.
func (p *PerfMonitor) RecordFrame(t StageTimings) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.window[p.next] = t
	p.next = (p.next + 1) % perfWindow
	if p.filled < perfWindow {
		p.filled++
	}
	p.frames++

	if p.budget <= 0 {
		return false
	}
	if t.Total > p.budget {
		p.overruns++
		p.underRun = 0
		if !p.fallback {
			Opsf("frame budget overrun: %v > %v, neural stage disabled", t.Total, p.budget)
		}
		p.fallback = true
		return true
	}
	if !p.fallback {
		return false
	}
	if t.Total < p.budget/2 {
		p.underRun++
		if p.underRun >= recoveryFrames {
			p.fallback = false
			p.underRun = 0
			Opsf("frame cost recovered, neural stage re-enabled")
		}
	} else {
		p.underRun = 0
	}
	return p.fallback
}

// Fallback reports whether the monitor currently mandates the degraded
// path.
func (p *PerfMonitor) Fallback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallback
}

// Snapshot computes rolling aggregates over the window.
func (p *PerfMonitor) Snapshot() PerfSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PerfSnapshot{
		Frames:         p.frames,
		Overruns:       p.overruns,
		FallbackActive: p.fallback,
		WindowFrames:   p.filled,
		Budget:         p.budget,
	}
	if p.filled == 0 {
		return s
	}

	var sum StageTimings
	for i := 0; i < p.filled; i++ {
		t := &p.window[i]
		sum.Calibration += t.Calibration
		sum.Kalman += t.Kalman
		sum.Features += t.Features
		sum.Neural += t.Neural
		sum.Blend += t.Blend
		sum.Total += t.Total
		maxStage(&s.Calibration, t.Calibration)
		maxStage(&s.Kalman, t.Kalman)
		maxStage(&s.Features, t.Features)
		maxStage(&s.Neural, t.Neural)
		maxStage(&s.Blend, t.Blend)
		maxStage(&s.Total, t.Total)
	}
	n := time.Duration(p.filled)
	s.Calibration.Avg = sum.Calibration / n
	s.Kalman.Avg = sum.Kalman / n
	s.Features.Avg = sum.Features / n
	s.Neural.Avg = sum.Neural / n
	s.Blend.Avg = sum.Blend / n
	s.Total.Avg = sum.Total / n
	return s
}

func maxStage(s *StageStats, v time.Duration) {
	if v > s.Max {
		s.Max = v
	}
}
