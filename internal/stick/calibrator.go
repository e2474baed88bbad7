package stick

import "math"

// Calibrator learns a device's rest bias, noise floor, and deflection
// envelope online and applies a dynamic dead-zone with continuous radial
// rescaling. One Calibrator exists per axis pair per device; it is mutated
// exactly once per frame by the owning pipeline and is not safe for
// concurrent use.
type Calibrator struct {
	params CalibratorParams

	mu      Vec2 // running rest mean
	m2      Vec2 // exponential second moment
	sigma   Vec2 // derived standard deviation
	max     Vec2 // positive extreme envelope per axis
	min     Vec2 // negative extreme envelope per axis
	samples uint64

	deadzone   float64 // |mu| + k*|sigma|, recomputed every frame
	gain       float64 // |max| envelope magnitude
	confidence float64 // samples / FullConfidenceSamples, capped at 1

	driftHistory  []Vec2 // ring of recent means
	driftIndex    int
	driftDetected bool
}

// initialExtreme seeds the envelope before any large deflection is seen.
// A fresh stick that has never been pushed still normalizes against a
// plausible full-deflection value.
const initialExtreme = 0.8

// minEnvelope guards the per-axis normalization against a collapsed
// envelope (m_max ~ |mu|).
const minEnvelope = 1e-6

// NewCalibrator creates a Calibrator with empty statistics.
func NewCalibrator(p CalibratorParams) *Calibrator {
	c := &Calibrator{params: p}
	c.Reset()
	return c
}

// Reset clears all learned state immediately.
func (c *Calibrator) Reset() {
	c.mu = Vec2{}
	c.m2 = Vec2{}
	c.sigma = Vec2{}
	c.max = Vec2{X: initialExtreme, Y: initialExtreme}
	c.min = Vec2{X: -initialExtreme, Y: -initialExtreme}
	c.samples = 0
	c.deadzone = 0
	c.gain = c.max.Magnitude()
	c.confidence = 0
	if len(c.driftHistory) != c.params.DriftWindow {
		c.driftHistory = make([]Vec2, c.params.DriftWindow)
	} else {
		for i := range c.driftHistory {
			c.driftHistory[i] = Vec2{}
		}
	}
	c.driftIndex = 0
	c.driftDetected = false
}

// Update observes one raw sample and returns the calibrated result.
// Statistics update first so the sample it calibrates against includes
// itself, matching the per-frame ordering the rest of the pipeline assumes.
func (c *Calibrator) Update(raw Vec2) Vec2 {
	c.Observe(raw)
	return c.Apply(raw)
}

// Observe folds one raw sample into the running statistics.
func (c *Calibrator) Observe(raw Vec2) {
	c.samples++

	magnitude := raw.Magnitude()

	// Rest statistics only absorb samples below the rest threshold so the
	// centering logic never eats intentional motion.
	if magnitude < c.params.RestThreshold {
		alpha := c.params.Alpha
		delta := Vec2{X: raw.X - c.mu.X, Y: raw.Y - c.mu.Y}

		c.mu.X += alpha * delta.X
		c.mu.Y += alpha * delta.Y

		delta2 := Vec2{X: raw.X - c.mu.X, Y: raw.Y - c.mu.Y}
		c.m2.X = (1-alpha)*c.m2.X + alpha*delta.X*delta2.X
		c.m2.Y = (1-alpha)*c.m2.Y + alpha*delta.Y*delta2.Y

		// The exponential second moment can go slightly negative from
		// rounding; sigma must never.
		c.sigma.X = math.Sqrt(math.Max(0, c.m2.X))
		c.sigma.Y = math.Sqrt(math.Max(0, c.m2.Y))
	}

	// The extreme envelope adapts only above the percentile threshold.
	if magnitude > c.params.PercentileThreshold {
		decay := c.params.EnvelopeDecay
		c.max.X = decay*c.max.X + (1-decay)*math.Abs(raw.X)
		c.max.Y = decay*c.max.Y + (1-decay)*math.Abs(raw.Y)
		c.min.X = decay*c.min.X + (1-decay)*-math.Abs(raw.X)
		c.min.Y = decay*c.min.Y + (1-decay)*-math.Abs(raw.Y)
	}

	c.deadzone = c.mu.Magnitude() + c.params.SigmaMultiplier*c.sigma.Magnitude()
	c.gain = c.max.Magnitude()
	c.confidence = c.computeConfidence()

	c.updateDrift()
}

func (c *Calibrator) computeConfidence() float64 {
	n := c.params.FullConfidenceSamples
	if n <= 0 {
		return 1
	}
	return math.Min(1, float64(c.samples)/float64(n))
}

// updateDrift records the current mean in the history ring and compares it
// against the oldest entry once the calibrator is past full confidence.
func (c *Calibrator) updateDrift() {
	if len(c.driftHistory) == 0 {
		return
	}
	c.driftHistory[c.driftIndex] = c.mu
	c.driftIndex = (c.driftIndex + 1) % len(c.driftHistory)

	if c.samples <= uint64(c.params.FullConfidenceSamples) {
		return
	}
	start := c.driftHistory[c.driftIndex] // oldest entry
	drift := c.mu.Sub(start).Magnitude()
	c.driftDetected = drift > c.params.DriftThreshold
}

// Apply calibrates one raw sample against the current statistics without
// mutating them. Inside the dead-zone the result is exactly zero; outside
// it the sample is centered, normalized by the learned envelope, and
// radially rescaled so the dead-zone boundary maps continuously to zero.
func (c *Calibrator) Apply(raw Vec2) Vec2 {
	// Below the trust threshold the statistics are too thin to act on:
	// fixed dead-zone, no centering.
	if c.samples < uint64(c.params.MinTrustSamples) {
		return c.applyFixedDeadzone(raw)
	}

	centered := Vec2{X: raw.X - c.mu.X, Y: raw.Y - c.mu.Y}
	magnitude := centered.Magnitude()

	if magnitude < c.deadzone {
		return Vec2{}
	}

	// Normalize per axis by the usable range between the envelope and the
	// rest bias. minEnvelope guards a collapsed envelope; the clamp below
	// bounds the blow-up it would otherwise cause.
	denomX := math.Max(c.max.X-math.Abs(c.mu.X), minEnvelope)
	denomY := math.Max(c.max.Y-math.Abs(c.mu.Y), minEnvelope)
	normalized := Vec2{
		X: clamp(centered.X/denomX, -1, 1),
		Y: clamp(centered.Y/denomY, -1, 1),
	}

	// Rescale radially so output magnitude grows continuously from zero at
	// the dead-zone boundary.
	if c.deadzone >= 1 {
		// Dead-zone swallowed the whole range; nothing usable remains.
		return Vec2{}
	}
	scale := (magnitude - c.deadzone) / (1 - c.deadzone)
	if scale > 1 {
		scale = 1
	}

	normMagnitude := normalized.Magnitude()
	if normMagnitude <= 1e-4 {
		return Vec2{}
	}
	return Vec2{
		X: (normalized.X / normMagnitude) * scale,
		Y: (normalized.Y / normMagnitude) * scale,
	}
}

// applyFixedDeadzone is the pre-trust path: a fixed percentage dead-zone
// with radial rescale and no statistical correction.
func (c *Calibrator) applyFixedDeadzone(raw Vec2) Vec2 {
	dz := c.params.FallbackDeadzone
	magnitude := raw.Magnitude()
	if magnitude < dz {
		return Vec2{}
	}
	scale := (magnitude - dz) / (1 - dz)
	if scale > 1 {
		scale = 1
	}
	return Vec2{
		X: raw.X * scale / magnitude,
		Y: raw.Y * scale / magnitude,
	}
}

// Mu returns the running rest mean.
func (c *Calibrator) Mu() Vec2 { return c.mu }

// Sigma returns the running standard deviation.
func (c *Calibrator) Sigma() Vec2 { return c.sigma }

// Extremes returns the positive and negative envelope per axis.
func (c *Calibrator) Extremes() (max, min Vec2) { return c.max, c.min }

// SampleCount returns the number of samples observed.
func (c *Calibrator) SampleCount() uint64 { return c.samples }

// Deadzone returns the current dynamic dead-zone radius.
func (c *Calibrator) Deadzone() float64 { return c.deadzone }

// Gain returns the envelope magnitude used as the gain estimate feature.
func (c *Calibrator) Gain() float64 { return c.gain }

// Confidence returns the sample-count confidence in [0,1].
func (c *Calibrator) Confidence() float64 { return c.confidence }

// DriftDetected reports whether the rest mean has shifted beyond the drift
// threshold across the history window.
func (c *Calibrator) DriftDetected() bool { return c.driftDetected }

// Trusted reports whether enough samples have been seen to use the
// dynamic statistics.
func (c *Calibrator) Trusted() bool {
	return c.samples >= uint64(c.params.MinTrustSamples)
}

// CalibrationSnapshot is the persistable portion of a Calibrator: the
// statistics a device profile carries across reconnects.
type CalibrationSnapshot struct {
	Mu      Vec2
	M2      Vec2
	Sigma   Vec2
	Max     Vec2
	Min     Vec2
	Samples uint64
}

// Snapshot captures the persistable statistics.
func (c *Calibrator) Snapshot() CalibrationSnapshot {
	return CalibrationSnapshot{
		Mu:      c.mu,
		M2:      c.m2,
		Sigma:   c.sigma,
		Max:     c.max,
		Min:     c.min,
		Samples: c.samples,
	}
}

// Restore replaces the statistics with a snapshot. The drift ring is
// re-seeded with the restored mean so a reconnect does not read as drift.
func (c *Calibrator) Restore(s CalibrationSnapshot) {
	c.mu = s.Mu
	c.m2 = s.M2
	c.sigma = s.Sigma
	c.max = s.Max
	c.min = s.Min
	c.samples = s.Samples

	c.deadzone = c.mu.Magnitude() + c.params.SigmaMultiplier*c.sigma.Magnitude()
	c.gain = c.max.Magnitude()
	c.confidence = c.computeConfidence()

	for i := range c.driftHistory {
		c.driftHistory[i] = c.mu
	}
	c.driftIndex = 0
	c.driftDetected = false
}
