package stick

import (
	"testing"
	"time"
)

func frameCosting(total time.Duration) StageTimings {
	return StageTimings{
		Calibration: total / 5,
		Kalman:      total / 5,
		Features:    total / 5,
		Neural:      total / 5,
		Blend:       total / 5,
		Total:       total,
	}
}

// One overrun engages fallback; it stays engaged until a full run of
// consecutive under-half-budget frames.
func TestPerfFallbackEngageAndRecover(t *testing.T) {
	p := NewPerfMonitor(100 * time.Microsecond)

	if p.RecordFrame(frameCosting(80 * time.Microsecond)) {
		t.Fatalf("fallback engaged under budget")
	}
	if !p.RecordFrame(frameCosting(150 * time.Microsecond)) {
		t.Fatalf("fallback not engaged on overrun")
	}
	if !p.Fallback() {
		t.Fatalf("Fallback() false after overrun")
	}

	// One frame short of the recovery run: still in fallback.
	for i := 0; i < recoveryFrames-1; i++ {
		if !p.RecordFrame(frameCosting(30 * time.Microsecond)) {
			t.Fatalf("fallback released early at frame %d", i)
		}
	}
	if p.RecordFrame(frameCosting(30 * time.Microsecond)) {
		t.Fatalf("fallback not released after recovery run")
	}
	if p.Fallback() {
		t.Fatalf("Fallback() true after recovery")
	}

	snap := p.Snapshot()
	if snap.Overruns != 1 {
		t.Fatalf("overruns = %d, want 1", snap.Overruns)
	}
}

// Frames between half budget and budget must not count toward recovery:
// a borderline workload keeps fallback latched instead of flapping.
func TestPerfFallbackHysteresisNoFlap(t *testing.T) {
	p := NewPerfMonitor(100 * time.Microsecond)
	p.RecordFrame(frameCosting(150 * time.Microsecond))

	// Alternate under-half and over-half frames; the under-run counter
	// resets every other frame so fallback never releases.
	for i := 0; i < 4*recoveryFrames; i++ {
		cost := 30 * time.Microsecond
		if i%2 == 1 {
			cost = 70 * time.Microsecond
		}
		if !p.RecordFrame(frameCosting(cost)) {
			t.Fatalf("fallback released by borderline frames at %d", i)
		}
	}
}

// Rolling aggregates cover only the window and track per-stage max.
func TestPerfSnapshotAggregates(t *testing.T) {
	p := NewPerfMonitor(0) // detection disabled

	for i := 0; i < 10; i++ {
		p.RecordFrame(frameCosting(50 * time.Microsecond))
	}
	p.RecordFrame(frameCosting(100 * time.Microsecond))

	snap := p.Snapshot()
	if snap.WindowFrames != 11 || snap.Frames != 11 {
		t.Fatalf("window %d frames %d, want 11/11", snap.WindowFrames, snap.Frames)
	}
	if snap.Total.Max != 100*time.Microsecond {
		t.Fatalf("total max = %v, want 100µs", snap.Total.Max)
	}
	wantAvg := (10*50 + 100) * time.Microsecond / 11
	if snap.Total.Avg != wantAvg {
		t.Fatalf("total avg = %v, want %v", snap.Total.Avg, wantAvg)
	}
	if snap.Neural.Max != 20*time.Microsecond {
		t.Fatalf("neural max = %v, want 20µs", snap.Neural.Max)
	}
	if snap.FallbackActive || snap.Overruns != 0 {
		t.Fatalf("disabled budget still detected overruns")
	}

	// Overfill the window: aggregates forget evicted frames.
	for i := 0; i < perfWindow; i++ {
		p.RecordFrame(frameCosting(10 * time.Microsecond))
	}
	snap = p.Snapshot()
	if snap.WindowFrames != perfWindow {
		t.Fatalf("window frames = %d, want %d", snap.WindowFrames, perfWindow)
	}
	if snap.Total.Avg != 10*time.Microsecond || snap.Total.Max != 10*time.Microsecond {
		t.Fatalf("window did not evict old frames: avg %v max %v", snap.Total.Avg, snap.Total.Max)
	}
}
