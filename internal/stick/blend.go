package stick

import "time"

// SafetyBlend gates how much of the neural compensation reaches the final
// control vector. The blend factor ramps linearly from 0 to 1 over the
// ramp window, and only while pipeline confidence sits above the floor.
// Any safety trip (outlier spike, budget fallback, non-finite input)
// zeroes the factor in the same frame and the ramp starts over.
type SafetyBlend struct {
	params BlendParams
	lambda float64
	trips  uint64
}

func NewSafetyBlend(params BlendParams) *SafetyBlend {
	return &SafetyBlend{params: params}
}

// Update advances the ramp by dt and returns the blend factor for this
// frame. tripped forces zero immediately; low confidence holds the ramp
// where it is.
func (b *SafetyBlend) Update(dt time.Duration, confidence float64, tripped bool) float64 {
	if tripped {
		if b.lambda > 0 {
			Diagf("safety trip: neural blend cut from %.3f", b.lambda)
		}
		b.lambda = 0
		b.trips++
		return 0
	}
	if confidence <= b.params.RampMinConfidence {
		return b.lambda
	}
	if b.params.RampWindow <= 0 {
		b.lambda = 1
		return 1
	}
	b.lambda += dt.Seconds() / b.params.RampWindow.Seconds()
	if b.lambda > 1 {
		b.lambda = 1
	}
	return b.lambda
}

// Lambda returns the current blend factor without advancing the ramp.
func (b *SafetyBlend) Lambda() float64 { return b.lambda }

// Trips returns how many times the blend has been cut.
func (b *SafetyBlend) Trips() uint64 { return b.trips }

// Reset restarts the ramp from zero.
func (b *SafetyBlend) Reset() {
	b.lambda = 0
}
