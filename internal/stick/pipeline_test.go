package stick

import (
	"math"
	"testing"
	"time"

	"github.com/helmworks/steadystick/internal/timeutil"
)

const frameDt = time.Second / 60

// A still controller must produce exactly zero output on every frame,
// and every frame must feed the calibrator.
func TestPipelineZeroInputZeroOutput(t *testing.T) {
	p := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: DefaultParams()})

	var diag Diagnostics
	for i := 0; i < 200; i++ {
		var out Vec6
		out, diag = p.Process(Vec2{}, frameDt)
		if out != (Vec6{}) {
			t.Fatalf("frame %d: output %+v, want exact zero", i, out)
		}
	}
	if diag.SampleCount != 200 {
		t.Fatalf("sample count = %d, want 200", diag.SampleCount)
	}
	if diag.FrameCount != 200 {
		t.Fatalf("frame count = %d, want 200", diag.FrameCount)
	}
	if diag.Mode != ModeStatistical {
		t.Fatalf("mode = %v, want statistical", diag.Mode)
	}
}

// A diagonal ramp from calibrated rest must come through promptly, on
// direction, and bounded.
func TestPipelineRampTracksDirection(t *testing.T) {
	p := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: DefaultParams()})

	// Calibrate at rest past the trust threshold and into production.
	for i := 0; i < 330; i++ {
		p.Process(Vec2{}, frameDt)
	}
	if m := p.Mode(); m != ModeProduction {
		t.Fatalf("mode after rest calibration = %v, want production", m)
	}

	sawOutput := -1
	for i := 1; i <= 60; i++ {
		v := float64(i) / 60
		out, _ := p.Process(Vec2{X: v, Y: v}, frameDt)

		if out.Magnitude() > math.Sqrt2 {
			t.Fatalf("frame %d: magnitude %v exceeds bound", i, out.Magnitude())
		}
		for _, c := range out.Array() {
			if math.IsNaN(c) || math.IsInf(c, 0) || math.Abs(c) > 1 {
				t.Fatalf("frame %d: channel out of range: %+v", i, out)
			}
		}
		// Identical axes must stay identical through every stage.
		if math.Abs(out.Pitch-out.Yaw) > 1e-12 {
			t.Fatalf("frame %d: diagonal input split: pitch %v yaw %v", i, out.Pitch, out.Yaw)
		}
		if sawOutput < 0 && out.Magnitude() > 0 {
			sawOutput = i
		}
	}
	if sawOutput < 0 || sawOutput > 3 {
		t.Fatalf("output first moved at ramp frame %d, want within 3", sawOutput)
	}
}

// A lowered output clamp must cap every channel at full deflection while
// still letting the output reach the cap.
func TestPipelineOutputClamp(t *testing.T) {
	params := DefaultParams()
	params.OutputClamp = 0.5
	p := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: params})

	for i := 0; i < 330; i++ {
		p.Process(Vec2{}, frameDt)
	}

	var peak float64
	for i := 0; i < 120; i++ {
		out, _ := p.Process(Vec2{X: 1, Y: 1}, frameDt)
		for _, c := range out.Array() {
			if math.Abs(c) > 0.5 {
				t.Fatalf("frame %d: channel %v exceeds clamp 0.5", i, c)
			}
		}
		if m := math.Max(math.Abs(out.Pitch), math.Abs(out.Yaw)); m > peak {
			peak = m
		}
	}
	if peak < 0.45 {
		t.Fatalf("peak channel %v at full deflection, want near the 0.5 clamp", peak)
	}
}

// One corrupted sample mid-stream must be absorbed: finite zero output,
// confidence drop, outlier counted, and no neural blend that frame.
func TestPipelineCorruptSampleSanitized(t *testing.T) {
	p := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: DefaultParams()})

	var before Diagnostics
	for i := 0; i < 150; i++ {
		_, before = p.Process(Vec2{}, frameDt)
	}
	if before.Confidence != 1 {
		t.Fatalf("confidence before spike = %v, want 1", before.Confidence)
	}

	out, diag := p.Process(Vec2{X: math.NaN(), Y: 5000}, frameDt)
	for _, c := range out.Array() {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			t.Fatalf("corrupt sample leaked: %+v", out)
		}
	}
	if out != (Vec6{}) {
		t.Fatalf("sanitized spike output %+v, want zero", out)
	}
	if !diag.Malformed {
		t.Fatalf("frame not flagged malformed")
	}
	if diag.Confidence >= before.Confidence {
		t.Fatalf("confidence did not drop: %v -> %v", before.Confidence, diag.Confidence)
	}
	if diag.OutlierCount == 0 {
		t.Fatalf("outlier not counted")
	}
	if diag.Lambda != 0 {
		t.Fatalf("lambda = %v on corrupt frame, want 0", diag.Lambda)
	}
}

// Inflated stage timings must engage fallback and cut the blend by the
// third frame.
func TestPipelineBudgetFallback(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	// Five timed stages per frame at 25µs each: 125µs total against the
	// 100µs budget.
	clock.SetAutoAdvance(25 * time.Microsecond)

	p := NewPipeline(PipelineConfig{
		DeviceID: "dev-a",
		Params:   DefaultParams(),
		Clock:    clock,
		Meta:     NewRandomWeights(3),
	})

	var diag Diagnostics
	for i := 0; i < 3; i++ {
		_, diag = p.Process(Vec2{X: 0.2}, frameDt)
	}
	if !diag.FallbackActive {
		t.Fatalf("fallback not active by frame 3")
	}
	if diag.Lambda != 0 {
		t.Fatalf("lambda = %v by frame 3, want 0", diag.Lambda)
	}
	if diag.NeuralActive {
		t.Fatalf("neural stage still active under fallback")
	}
	if p.PerfSnapshot().Overruns == 0 {
		t.Fatalf("overruns not counted")
	}
}

// Cold start with a neural prior walks the full lifecycle: waiting →
// statistical → micro-game → adaptation → production, with the blend
// ramping only in production.
func TestPipelineColdStartLifecycle(t *testing.T) {
	params := DefaultParams()
	p := NewPipeline(PipelineConfig{
		DeviceID: "dev-a",
		Params:   params,
		Meta:     NewRandomWeights(3),
		Seed:     1,
	})

	if p.Mode() != ModeWaiting {
		t.Fatalf("initial mode = %v, want waiting", p.Mode())
	}

	// First touch promotes out of waiting.
	p.Process(Vec2{X: 0.5}, frameDt)
	if p.Mode() != ModeStatistical {
		t.Fatalf("mode after activity = %v, want statistical", p.Mode())
	}

	// Statistical foundation: 5 s at rest.
	for i := 0; i < 310; i++ {
		p.Process(Vec2{}, frameDt)
	}
	if p.Mode() != ModeMicroGame {
		t.Fatalf("mode after foundation = %v, want micro_game", p.Mode())
	}

	// Play the game to completion.
	for i := 0; i < 601 && p.Mode() == ModeMicroGame; i++ {
		p.Process(Vec2{X: 0.1, Y: 0.1}, frameDt)
	}
	if p.Mode() != ModeAdaptation {
		t.Fatalf("mode after game = %v, want adaptation", p.Mode())
	}
	if len(p.Episodes()) == 0 {
		t.Fatalf("game recorded no episodes")
	}

	// The background worker runs the few-shot fit.
	if rep, ok := p.Adapt(); !ok || rep.BatchSize == 0 {
		t.Fatalf("few-shot adapt = (%+v, %v), want a fit", rep, ok)
	}
	p.Process(Vec2{}, frameDt)
	if p.Mode() != ModeProduction {
		t.Fatalf("mode after fit = %v, want production", p.Mode())
	}

	// In production the compensator runs and the blend ramps up.
	var diag Diagnostics
	for i := 0; i < 120; i++ {
		_, diag = p.Process(Vec2{X: 0.3, Y: 0.1}, frameDt)
	}
	if !diag.NeuralActive {
		t.Fatalf("neural stage inactive in production")
	}
	if diag.Lambda <= 0 {
		t.Fatalf("lambda did not ramp in production")
	}

	hist := p.History()
	if len(hist) == 0 {
		t.Fatalf("no diagnostic history")
	}
	if got := hist[len(hist)-1].Mode; got != ModeProduction {
		t.Fatalf("latest history mode = %v, want production", got)
	}
}

// A restored profile skips the micro-game and reproduces the saved
// calibration statistics.
func TestPipelineWarmRestoreSkipsMicroGame(t *testing.T) {
	params := DefaultParams()
	params.Blend.RampWindow = 500 * time.Millisecond
	params.Blend.RampMinConfidence = 0.05
	params.MicroGame.Duration = time.Second

	meta := NewRandomWeights(3)
	cold := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: params, Meta: meta, Seed: 1})
	cold.Process(Vec2{X: 0.5}, frameDt)
	for i := 0; i < 40; i++ {
		cold.Process(Vec2{}, frameDt)
	}
	for i := 0; i < 100 && cold.Mode() == ModeMicroGame; i++ {
		cold.Process(Vec2{}, frameDt)
	}
	if cold.Mode() != ModeAdaptation {
		t.Fatalf("cold pipeline mode = %v, want adaptation", cold.Mode())
	}
	if _, ok := cold.Adapt(); !ok {
		t.Fatalf("cold few-shot fit did not run")
	}
	cold.Process(Vec2{}, frameDt)

	prof := cold.ExportProfile()
	if !prof.HasNeural {
		t.Fatalf("exported profile lost the neural layer")
	}

	warm := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: params, Meta: meta, Seed: 1})
	if err := warm.RestoreProfile(prof); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := warm.CalibrationSnapshot(); got != prof.Calibration {
		t.Fatalf("restored calibration %+v != saved %+v", got, prof.Calibration)
	}

	warm.Process(Vec2{X: 0.5}, frameDt)
	for i := 0; i < 120; i++ {
		warm.Process(Vec2{}, frameDt)
		if warm.Mode() == ModeMicroGame {
			t.Fatalf("warm pipeline entered the micro-game")
		}
	}
	if warm.Mode() != ModeProduction {
		t.Fatalf("warm pipeline mode = %v, want production", warm.Mode())
	}

	if warm.ExportProfile().Sessions != prof.Sessions+1 {
		t.Fatalf("session counter did not advance")
	}
}

// Restoring a profile saved for another device must fail.
func TestPipelineRestoreWrongDevice(t *testing.T) {
	a := NewPipeline(PipelineConfig{DeviceID: "dev-a", Params: DefaultParams()})
	prof := a.ExportProfile()
	b := NewPipeline(PipelineConfig{DeviceID: "dev-b", Params: DefaultParams()})
	if err := b.RestoreProfile(prof); err == nil {
		t.Fatalf("cross-device restore did not fail")
	}
}

// Rest-bias drift must flip production into continual mode, run
// adaptation steps, and settle back once compensated.
func TestPipelineDriftLifecycle(t *testing.T) {
	params := DefaultParams()
	params.Calibrator.Alpha = 0.05
	params.Calibrator.RestThreshold = 0.5
	params.Calibrator.MinTrustSamples = 10
	params.Calibrator.FullConfidenceSamples = 20
	params.Calibrator.DriftWindow = 10
	params.Calibrator.DriftThreshold = 0.01
	params.Blend.RampWindow = 200 * time.Millisecond
	params.Blend.RampMinConfidence = 0.05
	params.EnableFewShot = false // straight to production

	p := NewPipeline(PipelineConfig{
		DeviceID: "dev-a",
		Params:   params,
		Meta:     NewRandomWeights(3),
		Seed:     1,
	})

	p.Process(Vec2{X: 0.4}, frameDt)
	for i := 0; i < 60 && p.Mode() != ModeProduction; i++ {
		p.Process(Vec2{}, frameDt)
	}
	if p.Mode() != ModeProduction {
		t.Fatalf("pipeline did not reach production, mode %v", p.Mode())
	}

	// The rest position jumps: mu chases it fast at this alpha, which
	// the drift window flags.
	sawContinual := false
	for i := 0; i < 60; i++ {
		_, diag := p.Process(Vec2{X: 0.3, Y: 0}, frameDt)
		if diag.Mode == ModeContinual {
			sawContinual = true
			break
		}
	}
	if !sawContinual {
		t.Fatalf("drift never entered continual mode")
	}

	rep, ok := p.Adapt()
	if !ok {
		t.Fatalf("continual adapt did not run")
	}
	if rep.BatchSize == 0 || math.IsNaN(rep.Loss) {
		t.Fatalf("bad continual report: %+v", rep)
	}

	// Hold the new rest position until mu stabilizes and drift clears.
	cleared := false
	for i := 0; i < 600; i++ {
		_, diag := p.Process(Vec2{X: 0.3, Y: 0}, frameDt)
		if diag.Mode == ModeProduction && !diag.DriftDetected {
			cleared = true
			break
		}
	}
	if !cleared {
		t.Fatalf("drift never cleared")
	}
}
