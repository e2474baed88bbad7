package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for pipeline tuning parameters.
// The schema matches the /api/params endpoint so the same JSON can be used
// for both startup configuration and runtime updates. All fields are
// pointers so a partial file only overrides what it names.
type TuningConfig struct {
	// Calibrator params
	CalibrationAlpha      *float64 `json:"calibration_alpha,omitempty"`
	RestThreshold         *float64 `json:"rest_threshold,omitempty"`
	PercentileThreshold   *float64 `json:"percentile_threshold,omitempty"`
	MinTrustSamples       *int     `json:"min_trust_samples,omitempty"`
	SigmaMultiplier       *float64 `json:"sigma_multiplier,omitempty"`
	FallbackDeadzone      *float64 `json:"fallback_deadzone,omitempty"`
	EnvelopeDecay         *float64 `json:"envelope_decay,omitempty"`
	FullConfidenceSamples *int     `json:"full_confidence_samples,omitempty"`
	DriftWindow           *int     `json:"drift_window,omitempty"`
	DriftThreshold        *float64 `json:"drift_threshold,omitempty"`

	// Kalman params
	ProcessNoise         *float64 `json:"process_noise,omitempty"`
	MeasurementNoiseBase *float64 `json:"measurement_noise_base,omitempty"`
	OutlierZThreshold    *float64 `json:"outlier_z_threshold,omitempty"`
	OutlierRMultiplier   *float64 `json:"outlier_r_multiplier,omitempty"`
	NoiseDecay           *float64 `json:"noise_decay,omitempty"`
	ConfidenceRecovery   *float64 `json:"confidence_recovery,omitempty"`

	// Neural params
	FewShotLearningRate   *float64 `json:"few_shot_learning_rate,omitempty"`
	ContinualLearningRate *float64 `json:"continual_learning_rate,omitempty"`
	MetaPullStrength      *float64 `json:"meta_pull_strength,omitempty"`
	ReplayCapacity        *int     `json:"replay_capacity,omitempty"`
	AdaptationInterval    *string  `json:"adaptation_interval,omitempty"` // duration string like "1s"
	AdaptationBatchSize   *int     `json:"adaptation_batch_size,omitempty"`

	// Blend params
	RampWindow        *string  `json:"ramp_window,omitempty"` // duration string like "5s"
	RampMinConfidence *float64 `json:"ramp_min_confidence,omitempty"`

	// Output params
	OutputClamp *float64 `json:"output_clamp,omitempty"`

	// Perf params
	FrameBudget *string `json:"frame_budget,omitempty"` // duration string like "100us"

	// Micro-game params
	MicroGameDuration    *string  `json:"micro_game_duration,omitempty"` // duration string like "10s"
	MicroGameTargetSpeed *float64 `json:"micro_game_target_speed,omitempty"`

	// Persistence params
	ProfileSaveInterval *string `json:"profile_save_interval,omitempty"` // duration string like "60s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON retain their defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into an empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/stick/netsrc/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.CalibrationAlpha != nil {
		if *c.CalibrationAlpha <= 0 || *c.CalibrationAlpha >= 1 {
			return fmt.Errorf("calibration_alpha must be in (0,1), got %f", *c.CalibrationAlpha)
		}
	}
	if c.RestThreshold != nil && *c.RestThreshold < 0 {
		return fmt.Errorf("rest_threshold must be non-negative, got %f", *c.RestThreshold)
	}
	if c.PercentileThreshold != nil {
		if *c.PercentileThreshold <= 0 || *c.PercentileThreshold > 1 {
			return fmt.Errorf("percentile_threshold must be in (0,1], got %f", *c.PercentileThreshold)
		}
	}
	if c.MinTrustSamples != nil && *c.MinTrustSamples < 0 {
		return fmt.Errorf("min_trust_samples must be non-negative, got %d", *c.MinTrustSamples)
	}
	if c.SigmaMultiplier != nil && *c.SigmaMultiplier < 0 {
		return fmt.Errorf("sigma_multiplier must be non-negative, got %f", *c.SigmaMultiplier)
	}
	if c.FallbackDeadzone != nil {
		if *c.FallbackDeadzone < 0 || *c.FallbackDeadzone >= 1 {
			return fmt.Errorf("fallback_deadzone must be in [0,1), got %f", *c.FallbackDeadzone)
		}
	}
	if c.EnvelopeDecay != nil {
		if *c.EnvelopeDecay <= 0 || *c.EnvelopeDecay >= 1 {
			return fmt.Errorf("envelope_decay must be in (0,1), got %f", *c.EnvelopeDecay)
		}
	}
	if c.OutlierZThreshold != nil && *c.OutlierZThreshold <= 0 {
		return fmt.Errorf("outlier_z_threshold must be positive, got %f", *c.OutlierZThreshold)
	}
	if c.OutlierRMultiplier != nil && *c.OutlierRMultiplier < 1 {
		return fmt.Errorf("outlier_r_multiplier must be >= 1, got %f", *c.OutlierRMultiplier)
	}
	if c.ReplayCapacity != nil && *c.ReplayCapacity <= 0 {
		return fmt.Errorf("replay_capacity must be positive, got %d", *c.ReplayCapacity)
	}
	if c.AdaptationBatchSize != nil && *c.AdaptationBatchSize <= 0 {
		return fmt.Errorf("adaptation_batch_size must be positive, got %d", *c.AdaptationBatchSize)
	}
	if c.RampMinConfidence != nil {
		if *c.RampMinConfidence < 0 || *c.RampMinConfidence > 1 {
			return fmt.Errorf("ramp_min_confidence must be in [0,1], got %f", *c.RampMinConfidence)
		}
	}
	if c.OutputClamp != nil {
		if *c.OutputClamp <= 0 || *c.OutputClamp > 1 {
			return fmt.Errorf("output_clamp must be in (0,1], got %f", *c.OutputClamp)
		}
	}

	// Validate duration strings can be parsed if set
	durations := map[string]*string{
		"adaptation_interval":   c.AdaptationInterval,
		"ramp_window":           c.RampWindow,
		"frame_budget":          c.FrameBudget,
		"micro_game_duration":   c.MicroGameDuration,
		"profile_save_interval": c.ProfileSaveInterval,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

// GetCalibrationAlpha returns the calibration_alpha value or the default.
func (c *TuningConfig) GetCalibrationAlpha() float64 {
	if c.CalibrationAlpha == nil {
		return 0.002
	}
	return *c.CalibrationAlpha
}

// GetRestThreshold returns the rest_threshold value or the default.
func (c *TuningConfig) GetRestThreshold() float64 {
	if c.RestThreshold == nil {
		return 0.05
	}
	return *c.RestThreshold
}

// GetPercentileThreshold returns the percentile_threshold value or the default.
func (c *TuningConfig) GetPercentileThreshold() float64 {
	if c.PercentileThreshold == nil {
		return 0.9
	}
	return *c.PercentileThreshold
}

// GetMinTrustSamples returns the min_trust_samples value or the default.
func (c *TuningConfig) GetMinTrustSamples() int {
	if c.MinTrustSamples == nil {
		return 100
	}
	return *c.MinTrustSamples
}

// GetSigmaMultiplier returns the sigma_multiplier value or the default.
func (c *TuningConfig) GetSigmaMultiplier() float64 {
	if c.SigmaMultiplier == nil {
		return 3.0
	}
	return *c.SigmaMultiplier
}

// GetFallbackDeadzone returns the fallback_deadzone value or the default.
func (c *TuningConfig) GetFallbackDeadzone() float64 {
	if c.FallbackDeadzone == nil {
		return 0.1
	}
	return *c.FallbackDeadzone
}

// GetEnvelopeDecay returns the envelope_decay value or the default.
func (c *TuningConfig) GetEnvelopeDecay() float64 {
	if c.EnvelopeDecay == nil {
		return 0.999
	}
	return *c.EnvelopeDecay
}

// GetFullConfidenceSamples returns the full_confidence_samples value or the default.
func (c *TuningConfig) GetFullConfidenceSamples() int {
	if c.FullConfidenceSamples == nil {
		return 300
	}
	return *c.FullConfidenceSamples
}

// GetDriftWindow returns the drift_window value or the default.
func (c *TuningConfig) GetDriftWindow() int {
	if c.DriftWindow == nil {
		return 60
	}
	return *c.DriftWindow
}

// GetDriftThreshold returns the drift_threshold value or the default.
func (c *TuningConfig) GetDriftThreshold() float64 {
	if c.DriftThreshold == nil {
		return 0.05
	}
	return *c.DriftThreshold
}

// GetProcessNoise returns the process_noise value or the default.
func (c *TuningConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.01
	}
	return *c.ProcessNoise
}

// GetMeasurementNoiseBase returns the measurement_noise_base value or the default.
func (c *TuningConfig) GetMeasurementNoiseBase() float64 {
	if c.MeasurementNoiseBase == nil {
		return 0.1
	}
	return *c.MeasurementNoiseBase
}

// GetOutlierZThreshold returns the outlier_z_threshold value or the default.
func (c *TuningConfig) GetOutlierZThreshold() float64 {
	if c.OutlierZThreshold == nil {
		return 3.0
	}
	return *c.OutlierZThreshold
}

// GetOutlierRMultiplier returns the outlier_r_multiplier value or the default.
func (c *TuningConfig) GetOutlierRMultiplier() float64 {
	if c.OutlierRMultiplier == nil {
		return 1000.0
	}
	return *c.OutlierRMultiplier
}

// GetNoiseDecay returns the noise_decay value or the default.
func (c *TuningConfig) GetNoiseDecay() float64 {
	if c.NoiseDecay == nil {
		return 0.999
	}
	return *c.NoiseDecay
}

// GetConfidenceRecovery returns the confidence_recovery value or the default.
func (c *TuningConfig) GetConfidenceRecovery() float64 {
	if c.ConfidenceRecovery == nil {
		return 1.01
	}
	return *c.ConfidenceRecovery
}

// GetFewShotLearningRate returns the few_shot_learning_rate value or the default.
func (c *TuningConfig) GetFewShotLearningRate() float64 {
	if c.FewShotLearningRate == nil {
		return 0.001
	}
	return *c.FewShotLearningRate
}

// GetContinualLearningRate returns the continual_learning_rate value or the default.
func (c *TuningConfig) GetContinualLearningRate() float64 {
	if c.ContinualLearningRate == nil {
		return 0.0001
	}
	return *c.ContinualLearningRate
}

// GetMetaPullStrength returns the meta_pull_strength value or the default.
func (c *TuningConfig) GetMetaPullStrength() float64 {
	if c.MetaPullStrength == nil {
		return 0.01
	}
	return *c.MetaPullStrength
}

// GetReplayCapacity returns the replay_capacity value or the default.
func (c *TuningConfig) GetReplayCapacity() int {
	if c.ReplayCapacity == nil {
		return 480 // 8 seconds at 60Hz
	}
	return *c.ReplayCapacity
}

// GetAdaptationInterval parses and returns the AdaptationInterval as a time.Duration.
func (c *TuningConfig) GetAdaptationInterval() time.Duration {
	if c.AdaptationInterval == nil || *c.AdaptationInterval == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.AdaptationInterval)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetAdaptationBatchSize returns the adaptation_batch_size value or the default.
func (c *TuningConfig) GetAdaptationBatchSize() int {
	if c.AdaptationBatchSize == nil {
		return 32
	}
	return *c.AdaptationBatchSize
}

// GetRampWindow parses and returns the RampWindow as a time.Duration.
func (c *TuningConfig) GetRampWindow() time.Duration {
	if c.RampWindow == nil || *c.RampWindow == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.RampWindow)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetRampMinConfidence returns the ramp_min_confidence value or the default.
func (c *TuningConfig) GetRampMinConfidence() float64 {
	if c.RampMinConfidence == nil {
		return 0.8
	}
	return *c.RampMinConfidence
}

// GetOutputClamp returns the output_clamp value or the default.
func (c *TuningConfig) GetOutputClamp() float64 {
	if c.OutputClamp == nil {
		return 1.0
	}
	return *c.OutputClamp
}

// GetFrameBudget parses and returns the FrameBudget as a time.Duration.
func (c *TuningConfig) GetFrameBudget() time.Duration {
	if c.FrameBudget == nil || *c.FrameBudget == "" {
		return 100 * time.Microsecond // default
	}
	d, err := time.ParseDuration(*c.FrameBudget)
	if err != nil {
		return 100 * time.Microsecond // default on parse error
	}
	return d
}

// GetMicroGameDuration parses and returns the MicroGameDuration as a time.Duration.
func (c *TuningConfig) GetMicroGameDuration() time.Duration {
	if c.MicroGameDuration == nil || *c.MicroGameDuration == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.MicroGameDuration)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetMicroGameTargetSpeed returns the micro_game_target_speed value or the default.
func (c *TuningConfig) GetMicroGameTargetSpeed() float64 {
	if c.MicroGameTargetSpeed == nil {
		return 0.5
	}
	return *c.MicroGameTargetSpeed
}

// GetProfileSaveInterval parses and returns the ProfileSaveInterval as a time.Duration.
func (c *TuningConfig) GetProfileSaveInterval() time.Duration {
	if c.ProfileSaveInterval == nil || *c.ProfileSaveInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.ProfileSaveInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}
