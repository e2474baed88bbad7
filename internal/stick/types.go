// Package stick implements the adaptive input-conditioning pipeline that
// turns noisy, drifting analog stick samples into a bounded 6DOF control
// vector.
//
// The pipeline is layered: a statistical calibrator learns each device's
// rest bias and extremes online, an adaptive Kalman filter suppresses
// sensor noise and wireless spikes, a quantized neural compensator corrects
// device-specific nonlinearity, and a safety blend guarantees the output
// never degrades below the statistical baseline. A performance monitor
// wraps every stage and forces the blend back to the baseline when the
// per-frame CPU budget is breached.
package stick

import (
	"fmt"
	"math"
	"time"
)

// Vec2 is a 2D analog sample. Raw device values are nominally in [-1,1]
// per axis but are untrusted until sanitized.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Magnitude returns the Euclidean length of v.
func (v Vec2) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y)
}

// Sub returns v - w.
func (v Vec2) Sub(w Vec2) Vec2 {
	return Vec2{X: v.X - w.X, Y: v.Y - w.Y}
}

// IsFinite reports whether both components are finite numbers.
func (v Vec2) IsFinite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// Vec6 is the bounded 6DOF control vector produced each frame. Every
// channel is clamped to [-1,1] before leaving the pipeline.
type Vec6 struct {
	Pitch    float64 `json:"pitch"`
	Yaw      float64 `json:"yaw"`
	Roll     float64 `json:"roll"`
	StrafeX  float64 `json:"strafe_x"`
	StrafeY  float64 `json:"strafe_y"`
	Throttle float64 `json:"throttle"`
}

// Array returns the channels as a fixed array in canonical order
// (pitch, yaw, roll, strafe_x, strafe_y, throttle).
func (v Vec6) Array() [6]float64 {
	return [6]float64{v.Pitch, v.Yaw, v.Roll, v.StrafeX, v.StrafeY, v.Throttle}
}

// Vec6FromArray builds a Vec6 from channels in canonical order.
func Vec6FromArray(a [6]float64) Vec6 {
	return Vec6{Pitch: a[0], Yaw: a[1], Roll: a[2], StrafeX: a[3], StrafeY: a[4], Throttle: a[5]}
}

// Scale returns v with every channel multiplied by f.
func (v Vec6) Scale(f float64) Vec6 {
	return Vec6{
		Pitch: v.Pitch * f, Yaw: v.Yaw * f, Roll: v.Roll * f,
		StrafeX: v.StrafeX * f, StrafeY: v.StrafeY * f, Throttle: v.Throttle * f,
	}
}

// Add returns v + w channel-wise.
func (v Vec6) Add(w Vec6) Vec6 {
	return Vec6{
		Pitch: v.Pitch + w.Pitch, Yaw: v.Yaw + w.Yaw, Roll: v.Roll + w.Roll,
		StrafeX: v.StrafeX + w.StrafeX, StrafeY: v.StrafeY + w.StrafeY,
		Throttle: v.Throttle + w.Throttle,
	}
}

// Magnitude returns the Euclidean length across all six channels.
func (v Vec6) Magnitude() float64 {
	a := v.Array()
	var sum float64
	for _, x := range a {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// ClampTo returns v with every channel clamped to [-limit,limit].
// Non-finite channels clamp to zero so a numeric fault upstream can never
// escape the pipeline. The pipeline calls it with the configured output
// clamp, which never exceeds 1.
func (v Vec6) ClampTo(limit float64) Vec6 {
	a := v.Array()
	for i, x := range a {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			a[i] = 0
			continue
		}
		a[i] = clamp(x, -limit, limit)
	}
	return Vec6FromArray(a)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sample is one raw analog reading attributed to a device, as delivered by
// a sample source (UDP, serial bridge, capture replay, synthetic).
type Sample struct {
	DeviceID string  `json:"device_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Seq      uint64  `json:"seq,omitempty"`
	// TruthX/TruthY carry the noise-free generator position in synthetic
	// captures; zero and absent for live devices.
	TruthX float64 `json:"truth_x,omitempty"`
	TruthY float64 `json:"truth_y,omitempty"`
}

// Mode identifies the pipeline's position in its calibration lifecycle.
// The set is closed: output selection switches on the mode rather than
// dispatching through an interface.
type Mode int

const (
	// ModeWaiting means no device activity has been observed yet.
	ModeWaiting Mode = iota
	// ModeStatistical means the calibrator is building its foundation;
	// output is statistical-only.
	ModeStatistical
	// ModeMicroGame means the device is running the structured few-shot
	// calibration interaction.
	ModeMicroGame
	// ModeAdaptation means collected few-shot pairs are being fitted in
	// the background; output remains statistical-only.
	ModeAdaptation
	// ModeProduction is normal operation with the neural compensator
	// blended in.
	ModeProduction
	// ModeContinual is production operation with background drift
	// adaptation active.
	ModeContinual
)

func (m Mode) String() string {
	switch m {
	case ModeWaiting:
		return "waiting"
	case ModeStatistical:
		return "statistical"
	case ModeMicroGame:
		return "micro_game"
	case ModeAdaptation:
		return "adaptation"
	case ModeProduction:
		return "production"
	case ModeContinual:
		return "continual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalJSON encodes the mode as its string name for API consumers.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// StageTimings records per-stage wall-clock cost for one frame.
type StageTimings struct {
	Calibration time.Duration `json:"calibration_ns"`
	Kalman      time.Duration `json:"kalman_ns"`
	Features    time.Duration `json:"features_ns"`
	Neural      time.Duration `json:"neural_ns"`
	Blend       time.Duration `json:"blend_ns"`
	Total       time.Duration `json:"total_ns"`
}

// Diagnostics is the per-frame metadata returned alongside the control
// vector. It is a value type so the hot path can hand copies to the
// monitor without sharing mutable state.
type Diagnostics struct {
	Mode           Mode         `json:"mode"`
	Confidence     float64      `json:"confidence"`      // Kalman filter confidence [0,1]
	CalConfidence  float64      `json:"cal_confidence"`  // calibrator sample confidence [0,1]
	Lambda         float64      `json:"lambda"`          // neural blending factor [0,1]
	ZScore         float64      `json:"z_score"`         // innovation Z-score this frame
	Deadzone       float64      `json:"deadzone"`        // dynamic dead-zone radius
	FallbackActive bool         `json:"fallback_active"` // perf budget fallback engaged
	Malformed      bool         `json:"malformed"`       // sample was sanitized at ingress this frame
	DriftDetected  bool         `json:"drift_detected"`
	NeuralActive   bool         `json:"neural_active"`
	OutlierCount   uint64       `json:"outlier_count"`
	SampleCount    uint64       `json:"sample_count"`
	FrameCount     uint64       `json:"frame_count"`
	Timings        StageTimings `json:"timings"`
}
