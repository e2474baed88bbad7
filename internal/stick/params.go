package stick

import (
	"time"

	"github.com/helmworks/steadystick/internal/config"
)

// CalibratorParams configures the statistical calibrator.
type CalibratorParams struct {
	// Alpha is the exponential learning rate for the rest statistics.
	Alpha float64
	// RestThreshold gates the mean/variance update: only samples whose
	// magnitude is below it count as rest.
	RestThreshold float64
	// PercentileThreshold gates the extreme-envelope update: only samples
	// whose magnitude exceeds it adapt the envelope.
	PercentileThreshold float64
	// MinTrustSamples is the sample count below which the calibrator uses
	// the fixed fallback dead-zone instead of its statistics.
	MinTrustSamples int
	// SigmaMultiplier scales sigma in the dynamic dead-zone radius.
	SigmaMultiplier float64
	// FallbackDeadzone is the fixed dead-zone used before trust.
	FallbackDeadzone float64
	// EnvelopeDecay is the decay mix for the extreme envelope
	// (m = decay*m + (1-decay)*|raw|).
	EnvelopeDecay float64
	// FullConfidenceSamples is the sample count at which calibrator
	// confidence saturates at 1.
	FullConfidenceSamples int
	// DriftWindow is the length of the mean-history ring used for drift
	// detection.
	DriftWindow int
	// DriftThreshold is the mean shift across the window that flags drift.
	DriftThreshold float64
}

// KalmanParams configures the adaptive Kalman stage.
type KalmanParams struct {
	ProcessNoise         float64 // Q diagonal
	MeasurementNoiseBase float64 // base R diagonal
	OutlierZThreshold    float64 // Z-score above which a sample is an outlier
	OutlierRMultiplier   float64 // transient R inflation on outliers
	NoiseDecay           float64 // per-frame decay of R toward base
	ConfidenceRecovery   float64 // per-frame confidence growth factor
}

// TrainingParams configures the few-shot and continual learning regimes.
type TrainingParams struct {
	FewShotLearningRate   float64
	ContinualLearningRate float64
	MetaPullStrength      float64
	ReplayCapacity        int
	AdaptationBatchSize   int
}

// BlendParams configures the safety blend.
type BlendParams struct {
	// RampWindow is the time lambda takes to ramp linearly from 0 to 1.
	RampWindow time.Duration
	// RampMinConfidence is the Kalman confidence below which the ramp holds.
	RampMinConfidence float64
}

// MicroGameParams configures the few-shot calibration micro-game.
type MicroGameParams struct {
	Duration    time.Duration
	TargetSpeed float64 // trajectory angular rate in rad/s
}

// PipelineParams aggregates per-stage parameters for one device pipeline.
type PipelineParams struct {
	Calibrator CalibratorParams
	Kalman     KalmanParams
	Training   TrainingParams
	Blend      BlendParams
	MicroGame  MicroGameParams

	// FrameBudget is the per-frame CPU budget enforced by the perf monitor.
	FrameBudget time.Duration
	// OutputClamp is the per-channel magnitude limit on the final output
	// vector, in (0,1]. Lowering it caps authority without retuning the
	// stages above it.
	OutputClamp float64
	// EnableKalman allows bypassing the filter stage for diagnostics runs.
	EnableKalman bool
	// EnableFewShot runs the micro-game + few-shot fit on a device's first
	// connection. Reconnects with a warm profile skip it either way.
	EnableFewShot bool
}

// ParamsFromTuning builds PipelineParams from a TuningConfig, falling back
// to the canonical defaults for any field the config does not set.
func ParamsFromTuning(tc *config.TuningConfig) PipelineParams {
	if tc == nil {
		tc = config.EmptyTuningConfig()
	}
	return PipelineParams{
		Calibrator: CalibratorParams{
			Alpha:                 tc.GetCalibrationAlpha(),
			RestThreshold:         tc.GetRestThreshold(),
			PercentileThreshold:   tc.GetPercentileThreshold(),
			MinTrustSamples:       tc.GetMinTrustSamples(),
			SigmaMultiplier:       tc.GetSigmaMultiplier(),
			FallbackDeadzone:      tc.GetFallbackDeadzone(),
			EnvelopeDecay:         tc.GetEnvelopeDecay(),
			FullConfidenceSamples: tc.GetFullConfidenceSamples(),
			DriftWindow:           tc.GetDriftWindow(),
			DriftThreshold:        tc.GetDriftThreshold(),
		},
		Kalman: KalmanParams{
			ProcessNoise:         tc.GetProcessNoise(),
			MeasurementNoiseBase: tc.GetMeasurementNoiseBase(),
			OutlierZThreshold:    tc.GetOutlierZThreshold(),
			OutlierRMultiplier:   tc.GetOutlierRMultiplier(),
			NoiseDecay:           tc.GetNoiseDecay(),
			ConfidenceRecovery:   tc.GetConfidenceRecovery(),
		},
		Training: TrainingParams{
			FewShotLearningRate:   tc.GetFewShotLearningRate(),
			ContinualLearningRate: tc.GetContinualLearningRate(),
			MetaPullStrength:      tc.GetMetaPullStrength(),
			ReplayCapacity:        tc.GetReplayCapacity(),
			AdaptationBatchSize:   tc.GetAdaptationBatchSize(),
		},
		Blend: BlendParams{
			RampWindow:        tc.GetRampWindow(),
			RampMinConfidence: tc.GetRampMinConfidence(),
		},
		MicroGame: MicroGameParams{
			Duration:    tc.GetMicroGameDuration(),
			TargetSpeed: tc.GetMicroGameTargetSpeed(),
		},
		FrameBudget:   tc.GetFrameBudget(),
		OutputClamp:   tc.GetOutputClamp(),
		EnableKalman:  true,
		EnableFewShot: true,
	}
}

// DefaultParams returns PipelineParams with the canonical defaults.
func DefaultParams() PipelineParams {
	return ParamsFromTuning(nil)
}
