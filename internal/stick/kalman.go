package stick

import "math"

// mat2 is a 2x2 matrix stored row-major. The filter state is only ever
// 2x2, so the operations are written out directly rather than going
// through a general matrix library; everything stays on the stack and the
// hot path allocates nothing.
type mat2 struct {
	a, b float64 // row 0
	c, d float64 // row 1
}

func mat2Identity() mat2 { return mat2{a: 1, d: 1} }

func mat2Diag(v float64) mat2 { return mat2{a: v, d: v} }

func (m mat2) add(n mat2) mat2 {
	return mat2{a: m.a + n.a, b: m.b + n.b, c: m.c + n.c, d: m.d + n.d}
}

func (m mat2) sub(n mat2) mat2 {
	return mat2{a: m.a - n.a, b: m.b - n.b, c: m.c - n.c, d: m.d - n.d}
}

func (m mat2) mul(n mat2) mat2 {
	return mat2{
		a: m.a*n.a + m.b*n.c, b: m.a*n.b + m.b*n.d,
		c: m.c*n.a + m.d*n.c, d: m.c*n.b + m.d*n.d,
	}
}

func (m mat2) scale(f float64) mat2 {
	return mat2{a: m.a * f, b: m.b * f, c: m.c * f, d: m.d * f}
}

func (m mat2) trace() float64 { return m.a + m.d }

// minDeterminant is the singularity guard for the innovation covariance
// inverse.
const minDeterminant = 1e-6

// inverse returns the matrix inverse, or identity when the determinant is
// too close to zero to invert safely.
func (m mat2) inverse() mat2 {
	det := m.a*m.d - m.b*m.c
	if math.Abs(det) < minDeterminant {
		return mat2Identity()
	}
	inv := 1 / det
	return mat2{a: m.d * inv, b: -m.b * inv, c: -m.c * inv, d: m.a * inv}
}

// symmetrize averages the off-diagonal terms and floors the diagonal at
// zero, holding the covariance symmetric positive semi-definite against
// numerical drift.
func (m mat2) symmetrize() mat2 {
	od := (m.b + m.c) / 2
	return mat2{
		a: math.Max(0, m.a), b: od,
		c: od, d: math.Max(0, m.d),
	}
}

func (m mat2) isFinite() bool {
	for _, v := range [4]float64{m.a, m.b, m.c, m.d} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// minInnovationTrace is the small-trace guard for the Z-score denominator.
const minInnovationTrace = 1e-3

// KalmanFilter is the adaptive constant-position filter. Measurement noise
// inflates transiently when an innovation Z-score marks a sample as an
// outlier, so wireless spikes are heavily discounted without being dropped
// and without adding lag under normal conditions. Not safe for concurrent
// use; the owning pipeline calls Update once per frame.
type KalmanFilter struct {
	params KalmanParams

	state      Vec2
	p          mat2 // state covariance
	q          mat2 // process noise (static)
	r          mat2 // measurement noise (dynamic)
	innovation Vec2
	zscore     float64
	confidence float64
	outliers   uint64
}

// NewKalmanFilter creates a filter with high initial uncertainty and full
// confidence.
func NewKalmanFilter(p KalmanParams) *KalmanFilter {
	k := &KalmanFilter{params: p}
	k.Reset()
	return k
}

// Reset restores the filter to its initial state.
func (k *KalmanFilter) Reset() {
	k.state = Vec2{}
	k.p = mat2Identity()
	k.q = mat2Diag(k.params.ProcessNoise)
	k.r = mat2Diag(k.params.MeasurementNoiseBase)
	k.innovation = Vec2{}
	k.zscore = 0
	k.confidence = 1
	k.outliers = 0
}

// Update runs one predict/update cycle and returns the filtered estimate.
func (k *KalmanFilter) Update(measurement Vec2) Vec2 {
	// Predict: constant-position model, covariance grows by Q.
	xPred := k.state
	pPred := k.p.add(k.q)

	k.innovation = measurement.Sub(xPred)
	innovationMagnitude := k.innovation.Magnitude()

	// Z-score against the predicted covariance scale.
	expected := math.Sqrt(pPred.trace())
	if expected > minInnovationTrace {
		k.zscore = innovationMagnitude / expected
	} else {
		k.zscore = 0
	}

	if k.zscore > k.params.OutlierZThreshold {
		// Outlier: inflate R so the update barely moves the state, but
		// still apply it rather than dropping the sample.
		k.r = k.r.scale(k.params.OutlierRMultiplier)
		k.confidence *= 0.5
		k.outliers++
	} else {
		decay := k.params.NoiseDecay
		base := k.params.MeasurementNoiseBase
		k.r.a = decay*k.r.a + (1-decay)*base
		k.r.d = decay*k.r.d + (1-decay)*base
		k.confidence = math.Min(1, k.confidence*k.params.ConfidenceRecovery)
	}

	// Standard gain/update/covariance equations.
	s := pPred.add(k.r)
	gain := pPred.mul(s.inverse())

	k.state = Vec2{
		X: xPred.X + gain.a*k.innovation.X + gain.b*k.innovation.Y,
		Y: xPred.Y + gain.c*k.innovation.X + gain.d*k.innovation.Y,
	}
	k.p = mat2Identity().sub(gain).mul(pPred).symmetrize()
	k.r = k.r.symmetrize()

	// A non-finite state means the filter diverged; start over rather
	// than propagating the fault downstream.
	if !k.state.IsFinite() || !k.p.isFinite() {
		outliers := k.outliers
		k.Reset()
		k.outliers = outliers
		k.confidence = 0
	}

	return k.state
}

// PenalizeOutlier records an out-of-band fault (for example a sanitized
// malformed sample) with the same confidence penalty as an innovation
// outlier.
func (k *KalmanFilter) PenalizeOutlier() {
	k.confidence *= 0.5
	k.outliers++
	k.zscore = math.Max(k.zscore, k.params.OutlierZThreshold+1)
}

// State returns the current filtered estimate.
func (k *KalmanFilter) State() Vec2 { return k.state }

// Confidence returns the filter confidence in [0,1].
func (k *KalmanFilter) Confidence() float64 { return k.confidence }

// ZScore returns the innovation Z-score from the most recent update.
func (k *KalmanFilter) ZScore() float64 { return k.zscore }

// Outliers returns the number of outliers seen since the last reset.
func (k *KalmanFilter) Outliers() uint64 { return k.outliers }

// CovarianceTrace returns the trace of the state covariance, a scalar
// summary of current estimate uncertainty.
func (k *KalmanFilter) CovarianceTrace() float64 { return k.p.trace() }
