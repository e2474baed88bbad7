package stick

import (
	"testing"
	"time"
)

func testBlendParams() BlendParams {
	return BlendParams{RampWindow: 5 * time.Second, RampMinConfidence: 0.8}
}

// The ramp rises linearly to 1 over the window while confidence holds.
func TestBlendRampsOverWindow(t *testing.T) {
	b := NewSafetyBlend(testBlendParams())
	dt := time.Second / 60

	var lam float64
	for i := 0; i < 60; i++ {
		next := b.Update(dt, 0.95, false)
		if next < lam {
			t.Fatalf("lambda fell from %v to %v while safe", lam, next)
		}
		lam = next
	}
	// One second in: a fifth of the way up.
	if lam < 0.18 || lam > 0.22 {
		t.Fatalf("lambda after 1s = %v, want ~0.2", lam)
	}

	for i := 0; i < 5*60; i++ {
		lam = b.Update(dt, 0.95, false)
	}
	if lam != 1 {
		t.Fatalf("lambda after full window = %v, want 1", lam)
	}
}

// Low confidence freezes the ramp without cutting it.
func TestBlendHoldsBelowConfidenceFloor(t *testing.T) {
	b := NewSafetyBlend(testBlendParams())
	dt := time.Second / 60
	for i := 0; i < 60; i++ {
		b.Update(dt, 0.95, false)
	}
	held := b.Lambda()
	if held == 0 {
		t.Fatalf("lambda did not rise during warmup")
	}
	for i := 0; i < 120; i++ {
		if got := b.Update(dt, 0.5, false); got != held {
			t.Fatalf("lambda moved to %v at low confidence, want hold at %v", got, held)
		}
	}
}

// A trip zeroes the factor on the same frame and the ramp restarts from
// scratch.
func TestBlendTripCutsSameFrame(t *testing.T) {
	b := NewSafetyBlend(testBlendParams())
	dt := time.Second / 60
	for i := 0; i < 120; i++ {
		b.Update(dt, 0.95, false)
	}
	if b.Lambda() == 0 {
		t.Fatalf("lambda did not rise before trip")
	}

	if got := b.Update(dt, 0.95, true); got != 0 {
		t.Fatalf("tripped frame lambda = %v, want 0", got)
	}
	if b.Trips() != 1 {
		t.Fatalf("trips = %d, want 1", b.Trips())
	}

	// Recovery starts from zero, not the pre-trip value.
	got := b.Update(dt, 0.95, false)
	if want := dt.Seconds() / 5; got < want*0.99 || got > want*1.01 {
		t.Fatalf("first post-trip lambda = %v, want %v", got, want)
	}
}

// A zero ramp window means no ramp: full blend as soon as it is safe.
func TestBlendInstantWithoutWindow(t *testing.T) {
	b := NewSafetyBlend(BlendParams{RampWindow: 0, RampMinConfidence: 0.8})
	if got := b.Update(time.Second/60, 0.9, false); got != 1 {
		t.Fatalf("lambda = %v, want 1", got)
	}
}
