package stick

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/helmworks/steadystick/internal/timeutil"
)

const (
	// activityMagnitude is the raw magnitude that counts as controller
	// activity while waiting.
	activityMagnitude = 0.001
	// activitySamples promotes out of the waiting state even for a
	// perfectly still controller once a few frames have arrived.
	activitySamples = 10
	// maxRawMagnitude: a per-axis value beyond this is not stick travel
	// but corruption, and counts as malformed.
	maxRawMagnitude = 1.5
	// maxFrameDt caps logical frame time so a hitch cannot slew the
	// ramps; nominalDt stands in when the caller passes no interval.
	maxFrameDt = 50 * time.Millisecond
	nominalDt  = time.Second / 60
	// diagHistoryCap is how many recent frames of diagnostics the
	// monitor can chart (10 s at 60 Hz).
	diagHistoryCap = 600
)

// DiagPoint is one compact history sample for monitor charts.
type DiagPoint struct {
	Frame      uint64  `json:"frame"`
	Mode       Mode    `json:"mode"`
	X          float64 `json:"x"` // filtered stick position
	Y          float64 `json:"y"`
	Lambda     float64 `json:"lambda"`
	Deadzone   float64 `json:"deadzone"`
	Confidence float64 `json:"confidence"`
	ZScore     float64 `json:"z_score"`
	TotalNs    int64   `json:"total_ns"`
}

// PipelineConfig assembles one device's processing pipeline.
type PipelineConfig struct {
	DeviceID string
	Params   PipelineParams
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Meta is the shared meta-trained weight set; nil runs the session
	// statistical-only.
	Meta *NeuralWeights
	// Seed fixes background-training randomness; 0 derives a stable
	// seed from the device ID.
	Seed int64
}

// Pipeline is the per-device processing context: calibrator, Kalman
// filter, feature builder, neural compensator, safety blend, and
// performance monitor, plus the calibration-lifecycle state machine that
// decides which of them shape the output.
//
// Process is called once per frame from a single goroutine. Accessors are
// safe to call concurrently from the monitor; background training happens
// through Adapt, never inside Process.
type Pipeline struct {
	mu sync.Mutex

	deviceID string
	params   PipelineParams
	clock    timeutil.Clock

	cal     *Calibrator
	kf      *KalmanFilter
	comp    *Compensator
	ring    *ReplayRing
	trainer *Trainer
	blend   *SafetyBlend
	perf    *PerfMonitor
	game    *MicroGame

	mode        Mode
	modeElapsed time.Duration

	prevFiltered Vec2
	prevOutput   Vec6
	connAge      time.Duration

	frames        uint64
	malformed     uint64
	skipMicroGame bool

	// Lifetime counters carried across sessions via the profile.
	baseFrames uint64
	baseSteps  uint64
	sessions   uint64

	lastDiag Diagnostics

	history       [diagHistoryCap]DiagPoint
	historyNext   int
	historyFilled int
}

// NewPipeline builds a pipeline in the waiting state.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		h := fnv.New64a()
		h.Write([]byte(cfg.DeviceID))
		seed = int64(h.Sum64() & math.MaxInt64)
		if seed == 0 {
			seed = 1
		}
	}
	if cfg.Params.OutputClamp <= 0 || cfg.Params.OutputClamp > 1 {
		cfg.Params.OutputClamp = 1
	}

	comp := NewCompensator()
	comp.Publish(cfg.Meta)
	ring := NewReplayRing(cfg.Params.Training.ReplayCapacity)

	p := &Pipeline{
		deviceID: cfg.DeviceID,
		params:   cfg.Params,
		clock:    clock,
		cal:      NewCalibrator(cfg.Params.Calibrator),
		kf:       NewKalmanFilter(cfg.Params.Kalman),
		comp:     comp,
		ring:     ring,
		blend:    NewSafetyBlend(cfg.Params.Blend),
		perf:     NewPerfMonitor(cfg.Params.FrameBudget),
		sessions: 1,
	}
	p.trainer = NewTrainer(TrainerConfig{
		Params:      cfg.Params.Training,
		Compensator: comp,
		Ring:        ring,
		Meta:        cfg.Meta,
		Seed:        seed,
	})
	return p
}

// sanitizeRaw clamps one raw sample into physical stick range. Non-finite
// or wildly out-of-range axes are corruption: they zero out and flag the
// frame.
func sanitizeRaw(raw Vec2) (Vec2, bool) {
	malformed := false
	fix := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			malformed = true
			return 0
		}
		if v > maxRawMagnitude || v < -maxRawMagnitude {
			malformed = true
			return 0
		}
		return clamp(v, -1, 1)
	}
	return Vec2{X: fix(raw.X), Y: fix(raw.Y)}, malformed
}

// Process runs one frame through the full pipeline: sanitize, calibrate,
// filter, featurize, compensate, blend. dt is the logical frame interval
// from the sample source; out-of-range values fall back to the 60 Hz
// nominal.
func (p *Pipeline) Process(raw Vec2, dt time.Duration) (Vec6, Diagnostics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dt <= 0 {
		dt = nominalDt
	} else if dt > maxFrameDt {
		dt = maxFrameDt
	}

	start := p.clock.Now()

	clean, wasMalformed := sanitizeRaw(raw)
	if wasMalformed {
		p.malformed++
		Diagf("device %s: malformed sample (%v,%v) sanitized", p.deviceID, raw.X, raw.Y)
	}

	p.advanceMode(clean, dt)

	// Stage 1: statistical calibration. Always active.
	p.cal.Observe(clean)
	calibrated := p.cal.Apply(clean)
	calEnd := p.clock.Now()

	// Stage 2: adaptive Kalman filter.
	filtered := calibrated
	if p.params.EnableKalman {
		if wasMalformed {
			p.kf.PenalizeOutlier()
		}
		filtered = p.kf.Update(calibrated)
	}
	kalmanEnd := p.clock.Now()

	// Stage 3: feature vector.
	feats := BuildFeatures(FeatureInput{
		Filtered:     filtered,
		PrevFiltered: p.prevFiltered,
		Deadzone:     p.cal.Deadzone(),
		Gain:         p.cal.Gain(),
		Age:          p.connAge,
		PrevOutput:   p.prevOutput,
	})
	featEnd := p.clock.Now()

	// Stage 4: neural compensation, only in production modes and never
	// under budget fallback.
	fallback := p.perf.Fallback()
	neuralActive := (p.mode == ModeProduction || p.mode == ModeContinual) &&
		p.comp.Enabled() && !fallback
	var nn Vec6
	if neuralActive {
		nn = p.comp.Infer(feats)
	}
	neuralEnd := p.clock.Now()

	// Stage 5: safety blend. The statistical mapping is the floor the
	// blended output can always fall back to.
	stat := Vec6{Pitch: filtered.Y, Yaw: filtered.X}
	tripped := wasMalformed || fallback ||
		p.kf.ZScore() > p.params.Kalman.OutlierZThreshold

	var lambda float64
	if neuralActive || tripped {
		lambda = p.blend.Update(dt, p.kf.Confidence(), tripped)
	} else {
		lambda = p.blend.Lambda()
	}

	var final Vec6
	if neuralActive && lambda > 0 {
		final = nn.Scale(lambda).Add(stat.Scale(1 - lambda)).ClampTo(p.params.OutputClamp)
	} else {
		final = stat.ClampTo(p.params.OutputClamp)
	}

	if neuralActive {
		p.ring.Push(ReplayEntry{Features: feats, Target: final})
	}

	if p.mode == ModeMicroGame && p.game != nil {
		gs := p.game.Step(dt, final)
		if gs.Record {
			p.trainer.AddFewShotSample(feats, gs.Ideal)
		}
		if gs.Done {
			p.trainer.SubmitFewShot()
			p.setMode(ModeAdaptation)
		}
	}

	p.prevFiltered = filtered
	p.prevOutput = final
	p.connAge += dt
	p.frames++
	blendEnd := p.clock.Now()

	timings := StageTimings{
		Calibration: calEnd.Sub(start),
		Kalman:      kalmanEnd.Sub(calEnd),
		Features:    featEnd.Sub(kalmanEnd),
		Neural:      neuralEnd.Sub(featEnd),
		Blend:       blendEnd.Sub(neuralEnd),
		Total:       blendEnd.Sub(start),
	}
	fallbackNow := p.perf.RecordFrame(timings)

	diag := Diagnostics{
		Mode:           p.mode,
		Confidence:     p.kf.Confidence(),
		CalConfidence:  p.cal.Confidence(),
		Lambda:         lambda,
		ZScore:         p.kf.ZScore(),
		Deadzone:       p.cal.Deadzone(),
		FallbackActive: fallbackNow,
		Malformed:      wasMalformed,
		DriftDetected:  p.cal.DriftDetected(),
		NeuralActive:   neuralActive,
		OutlierCount:   p.kf.Outliers(),
		SampleCount:    p.cal.SampleCount(),
		FrameCount:     p.frames,
		Timings:        timings,
	}
	p.lastDiag = diag

	p.history[p.historyNext] = DiagPoint{
		Frame:      p.frames,
		Mode:       p.mode,
		X:          filtered.X,
		Y:          filtered.Y,
		Lambda:     lambda,
		Deadzone:   p.cal.Deadzone(),
		Confidence: p.kf.Confidence(),
		ZScore:     p.kf.ZScore(),
		TotalNs:    int64(timings.Total),
	}
	p.historyNext = (p.historyNext + 1) % diagHistoryCap
	if p.historyFilled < diagHistoryCap {
		p.historyFilled++
	}

	return final, diag
}

// advanceMode runs the calibration state machine for one frame. The
// micro-game transitions themselves happen after the frame's output is
// known.
func (p *Pipeline) advanceMode(clean Vec2, dt time.Duration) {
	p.modeElapsed += dt

	switch p.mode {
	case ModeWaiting:
		if clean.Magnitude() > activityMagnitude || p.cal.SampleCount() > activitySamples {
			Opsf("device %s: controller detected, starting statistical calibration", p.deviceID)
			p.setMode(ModeStatistical)
		}
	case ModeStatistical:
		if p.modeElapsed >= p.params.Blend.RampWindow &&
			p.cal.Confidence() > p.params.Blend.RampMinConfidence {
			if p.comp.Enabled() && p.params.EnableFewShot && !p.skipMicroGame {
				p.game = NewMicroGame(p.params.MicroGame)
				Opsf("device %s: statistical foundation ready (%.2f confidence), starting micro-game",
					p.deviceID, p.cal.Confidence())
				p.setMode(ModeMicroGame)
			} else {
				Opsf("device %s: statistical calibration complete (%.2f confidence)",
					p.deviceID, p.cal.Confidence())
				p.setMode(ModeProduction)
			}
		}
	case ModeAdaptation:
		if p.trainer.FewShotComplete() {
			Opsf("device %s: few-shot calibration applied", p.deviceID)
			p.setMode(ModeProduction)
		}
	case ModeProduction:
		if p.cal.DriftDetected() {
			Opsf("device %s: drift detected, continual adaptation on", p.deviceID)
			p.setMode(ModeContinual)
		}
	case ModeContinual:
		if !p.cal.DriftDetected() {
			Opsf("device %s: drift compensated, continual adaptation off", p.deviceID)
			p.setMode(ModeProduction)
		}
	}
}

func (p *Pipeline) setMode(m Mode) {
	p.mode = m
	p.modeElapsed = 0
}

// Adapt runs at most one unit of background training: the pending
// few-shot fit if the micro-game just finished, otherwise a continual
// step when drift has the pipeline in continual mode. The 1 Hz adaptation
// worker calls this; it must never run on the frame path.
func (p *Pipeline) Adapt() (StepReport, bool) {
	if p.trainer == nil || !p.trainer.Active() {
		return StepReport{}, false
	}
	if p.trainer.FewShotPending() {
		n, ok := p.trainer.RunFewShotFit()
		if !ok {
			return StepReport{}, false
		}
		return StepReport{
			RunID:     p.trainer.RunID(),
			Step:      p.trainer.Steps(),
			BatchSize: n,
		}, true
	}
	if p.Mode() != ModeContinual || p.perf.Fallback() {
		return StepReport{}, false
	}
	return p.trainer.ContinualStep()
}

// Abandon invalidates background training for this pipeline. Called on
// disconnect so an in-flight step is discarded rather than published.
func (p *Pipeline) Abandon() {
	if p.trainer != nil {
		p.trainer.Abandon()
	}
}

// ExportProfile captures the device's durable state for persistence.
func (p *Pipeline) ExportProfile() *DeviceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := &DeviceProfile{
		Version:        ProfileBlobVersion,
		DeviceID:       p.deviceID,
		SavedUnixNanos: p.clock.Now().UnixNano(),
		Calibration:    p.cal.Snapshot(),
		Frames:         p.baseFrames + p.frames,
		TrainSteps:     p.baseSteps,
		Sessions:       p.sessions,
	}
	if p.trainer != nil && p.trainer.Active() {
		prof.TrainSteps += p.trainer.Steps()
	}
	if w := p.comp.Weights(); w != nil {
		prof.HasNeural = true
		prof.FirstLayer = w.FC1
		prof.FirstLayerBias = w.BiasFC1
	}
	return prof
}

// RestoreProfile warms the pipeline from a saved profile: calibration
// statistics come back verbatim and, when both sides have a neural layer,
// the few-shot-adapted first layer overwrites the meta prior's. A warm
// device skips the micro-game.
func (p *Pipeline) RestoreProfile(prof *DeviceProfile) error {
	if prof == nil {
		return fmt.Errorf("nil profile")
	}
	if prof.DeviceID != p.deviceID {
		return fmt.Errorf("profile belongs to device %q, pipeline is %q", prof.DeviceID, p.deviceID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cal.Restore(prof.Calibration)
	p.baseFrames = prof.Frames
	p.baseSteps = prof.TrainSteps
	p.sessions = prof.Sessions + 1

	if prof.HasNeural {
		if w := p.comp.Weights(); w != nil {
			nw := *w
			nw.FC1 = prof.FirstLayer
			nw.BiasFC1 = prof.FirstLayerBias
			p.comp.Publish(&nw)
			p.trainer.AdoptPublished()
		}
		p.skipMicroGame = true
	}
	Opsf("device %s: profile restored (session %d, %d lifetime frames)",
		p.deviceID, p.sessions, p.baseFrames)
	return nil
}

// DeviceID returns the device this pipeline serves.
func (p *Pipeline) DeviceID() string { return p.deviceID }

// Mode returns the current lifecycle mode.
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Diagnostics returns the most recent frame's diagnostics.
func (p *Pipeline) Diagnostics() Diagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDiag
}

// History returns up to the last ten seconds of per-frame diagnostic
// points, oldest first.
func (p *Pipeline) History() []DiagPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DiagPoint, 0, p.historyFilled)
	if p.historyFilled == diagHistoryCap {
		out = append(out, p.history[p.historyNext:]...)
	}
	out = append(out, p.history[:p.historyNext]...)
	return out
}

// PerfSnapshot returns rolling frame-cost aggregates.
func (p *Pipeline) PerfSnapshot() PerfSnapshot {
	return p.perf.Snapshot()
}

// CalibrationSnapshot returns the live calibration statistics.
func (p *Pipeline) CalibrationSnapshot() CalibrationSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cal.Snapshot()
}

// Episodes returns the micro-game's per-episode tracking scores, nil if
// the game never ran.
func (p *Pipeline) Episodes() []EpisodeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.game == nil {
		return nil
	}
	return p.game.Episodes()
}

// NeuralEnabled reports whether this session has a neural compensator.
func (p *Pipeline) NeuralEnabled() bool { return p.comp.Enabled() }
