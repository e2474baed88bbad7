package stick

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// fewShotSampleCap bounds the few-shot training set collected by the
// micro-game.
const fewShotSampleCap = 100

// floatWeights is the de-quantized training representation: weights in
// normalized space so that a float forward pass approximates the quantized
// one. Hidden activations are hard-clamped to [-1,1], the float analogue
// of int8 saturation; the output squashes through tanh exactly like
// inference.
type floatWeights struct {
	fc1 [neuralHiddenSize * neuralInputSize]float64
	fc2 [neuralHiddenSize * neuralHiddenSize]float64
	fc3 [neuralOutputSize * neuralHiddenSize]float64
	b1  [neuralHiddenSize]float64
	b2  [neuralHiddenSize]float64
	b3  [neuralOutputSize]float64
}

// dequantize maps published weights into normalized float space. The maps
// here and in quantize are exact inverses (up to rounding), derived from
// the inference arithmetic:
//
//	h1 = clamp((b1 + inputScale*sum(x*w1)) * fc1Scale / 127)
//	h2 = clamp((b2 + 127*sum(h1*w2)) * fc2Scale / 127)
//	y  = tanh((b3 + 127*sum(h2*w3)) * outputScale / 127)
func dequantize(w *NeuralWeights) *floatWeights {
	f := &floatWeights{}
	k1 := w.InputScale * w.FC1Scale / 127
	for i, v := range w.FC1 {
		f.fc1[i] = float64(v) * k1
	}
	for i, v := range w.BiasFC1 {
		f.b1[i] = float64(v) * w.FC1Scale / 127
	}
	for i, v := range w.FC2 {
		f.fc2[i] = float64(v) * w.FC2Scale
	}
	for i, v := range w.BiasFC2 {
		f.b2[i] = float64(v) * w.FC2Scale / 127
	}
	for i, v := range w.FC3 {
		f.fc3[i] = float64(v) * w.OutputScale
	}
	for i, v := range w.BiasFC3 {
		f.b3[i] = float64(v) * w.OutputScale / 127
	}
	return f
}

// quantize maps the float scratch back to the published representation,
// reusing the scale set from base.
func quantize(f *floatWeights, base *NeuralWeights) *NeuralWeights {
	w := &NeuralWeights{
		Version:     base.Version,
		InputScale:  base.InputScale,
		FC1Scale:    base.FC1Scale,
		FC2Scale:    base.FC2Scale,
		OutputScale: base.OutputScale,
	}
	k1 := 127 / (w.InputScale * w.FC1Scale)
	for i, v := range f.fc1 {
		w.FC1[i] = roundInt8(v * k1)
	}
	for i, v := range f.b1 {
		w.BiasFC1[i] = int32(math.Round(v * 127 / w.FC1Scale))
	}
	for i, v := range f.fc2 {
		w.FC2[i] = roundInt8(v / w.FC2Scale)
	}
	for i, v := range f.b2 {
		w.BiasFC2[i] = int32(math.Round(v * 127 / w.FC2Scale))
	}
	for i, v := range f.fc3 {
		w.FC3[i] = roundInt8(v / w.OutputScale)
	}
	for i, v := range f.b3 {
		w.BiasFC3[i] = int32(math.Round(v * 127 / w.OutputScale))
	}
	return w
}

func roundInt8(v float64) int8 {
	r := math.Round(v)
	if r > 127 {
		return 127
	}
	if r < -127 {
		return -127
	}
	return int8(r)
}

func (f *floatWeights) clone() *floatWeights {
	c := *f
	return &c
}

// forwardState holds one float forward pass, kept for backprop.
type forwardState struct {
	x   [neuralInputSize]float64
	z1  [neuralHiddenSize]float64
	h1  [neuralHiddenSize]float64
	z2  [neuralHiddenSize]float64
	h2  [neuralHiddenSize]float64
	z3  [neuralOutputSize]float64
	out [neuralOutputSize]float64
}

func (f *floatWeights) forward(in FeatureVector, st *forwardState) {
	st.x = in
	for i := 0; i < neuralHiddenSize; i++ {
		z := f.b1[i]
		row := i * neuralInputSize
		for j := 0; j < neuralInputSize; j++ {
			z += f.fc1[row+j] * st.x[j]
		}
		st.z1[i] = z
		st.h1[i] = clamp(z, -1, 1)
	}
	for i := 0; i < neuralHiddenSize; i++ {
		z := f.b2[i]
		row := i * neuralHiddenSize
		for j := 0; j < neuralHiddenSize; j++ {
			z += f.fc2[row+j] * st.h1[j]
		}
		st.z2[i] = z
		st.h2[i] = clamp(z, -1, 1)
	}
	for i := 0; i < neuralOutputSize; i++ {
		z := f.b3[i]
		row := i * neuralHiddenSize
		for j := 0; j < neuralHiddenSize; j++ {
			z += f.fc3[row+j] * st.h2[j]
		}
		st.z3[i] = z
		st.out[i] = math.Tanh(z)
	}
}

// backprop computes the output deltas for a squared-error loss and walks
// them back through the saturating activations. Returns the per-layer
// deltas; the caller decides which layers to update.
func (f *floatWeights) backprop(st *forwardState, target [neuralOutputSize]float64) (d3 [neuralOutputSize]float64, d2, d1 [neuralHiddenSize]float64, loss float64) {
	for k := 0; k < neuralOutputSize; k++ {
		err := st.out[k] - target[k]
		loss += 0.5 * err * err
		d3[k] = err * (1 - st.out[k]*st.out[k]) // tanh'
	}
	for j := 0; j < neuralHiddenSize; j++ {
		if math.Abs(st.z2[j]) >= 1 {
			continue // saturated: zero gradient
		}
		var sum float64
		for k := 0; k < neuralOutputSize; k++ {
			sum += d3[k] * f.fc3[k*neuralHiddenSize+j]
		}
		d2[j] = sum
	}
	for i := 0; i < neuralHiddenSize; i++ {
		if math.Abs(st.z1[i]) >= 1 {
			continue
		}
		var sum float64
		for j := 0; j < neuralHiddenSize; j++ {
			sum += d2[j] * f.fc2[j*neuralHiddenSize+i]
		}
		d1[i] = sum
	}
	return d3, d2, d1, loss
}

// StepReport summarizes one background adaptation step for the event log.
type StepReport struct {
	RunID     uuid.UUID
	Step      uint64
	Loss      float64
	BatchSize int
}

// Trainer owns the float scratch copy of a device's weights and runs the
// two background learning regimes: the few-shot first-layer fit after the
// micro-game and the 1 Hz continual adaptation step. All methods are safe
// to call from the background worker while the hot path keeps inferring
// against the last published set.
type Trainer struct {
	mu      sync.Mutex
	params  TrainingParams
	comp    *Compensator
	ring    *ReplayRing
	base    *NeuralWeights // scale source; the shared meta prior
	meta    *floatWeights  // frozen float prior
	scratch *floatWeights  // mutable training copy

	fewShot        []ReplayEntry
	fewShotPending bool
	fewShotDone    atomic.Bool
	abandoned      atomic.Bool

	batch []ReplayEntry
	st    forwardState
	rng   *rand.Rand

	runID uuid.UUID
	steps atomic.Uint64
}

// TrainerConfig wires a Trainer to its device pipeline.
type TrainerConfig struct {
	Params TrainingParams
	// Compensator receives published weight sets.
	Compensator *Compensator
	// Ring is the device's replay buffer.
	Ring *ReplayRing
	// Meta is the shared meta prior; nil disables the trainer.
	Meta *NeuralWeights
	// Seed fixes the batch-sampling RNG for reproducible runs.
	Seed int64
}

// NewTrainer creates a Trainer. With a nil meta prior the trainer is
// inert: every method is a safe no-op, matching a compensator-disabled
// session.
func NewTrainer(cfg TrainerConfig) *Trainer {
	t := &Trainer{
		params:  cfg.Params,
		comp:    cfg.Compensator,
		ring:    cfg.Ring,
		base:    cfg.Meta,
		fewShot: make([]ReplayEntry, 0, fewShotSampleCap),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		runID:   uuid.New(),
	}
	if cfg.Meta != nil {
		t.meta = dequantize(cfg.Meta)
		t.scratch = t.meta.clone()
	}
	batchSize := cfg.Params.AdaptationBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	t.batch = make([]ReplayEntry, batchSize)
	return t
}

// Active reports whether the trainer has a meta prior to work from.
func (t *Trainer) Active() bool { return t.scratch != nil }

// RunID identifies this trainer's adaptation run in the event log.
func (t *Trainer) RunID() uuid.UUID { return t.runID }

// Steps returns the number of gradient steps taken.
func (t *Trainer) Steps() uint64 { return t.steps.Load() }

// AdoptPublished re-seeds the scratch copy from the compensator's current
// weights. Called after a profile restore overwrites the published first
// layer, so training continues from the restored state while the meta
// prior stays the original.
func (t *Trainer) AdoptPublished() {
	if !t.Active() {
		return
	}
	w := t.comp.Weights()
	if w == nil {
		return
	}
	t.mu.Lock()
	t.scratch = dequantize(w)
	t.mu.Unlock()
}

// Abandon marks the session dead: any in-flight step finishes its math
// but is discarded instead of published.
func (t *Trainer) Abandon() {
	t.abandoned.Store(true)
}

// Abandoned reports whether the session was torn down.
func (t *Trainer) Abandoned() bool { return t.abandoned.Load() }

// AddFewShotSample records one (features, target) pair from the
// micro-game. Samples beyond the cap are dropped.
func (t *Trainer) AddFewShotSample(f FeatureVector, target Vec6) {
	if !t.Active() {
		return
	}
	t.mu.Lock()
	if len(t.fewShot) < fewShotSampleCap {
		t.fewShot = append(t.fewShot, ReplayEntry{Features: f, Target: target})
	}
	t.mu.Unlock()
}

// SubmitFewShot hands the collected set to the background worker.
func (t *Trainer) SubmitFewShot() {
	if !t.Active() {
		return
	}
	t.mu.Lock()
	pending := len(t.fewShot) > 0
	t.fewShotPending = pending
	t.mu.Unlock()
	if !pending {
		// nothing collected; count the phase as done so the pipeline
		// can move on
		t.fewShotDone.Store(true)
	}
}

// FewShotPending reports whether a submitted set awaits fitting.
func (t *Trainer) FewShotPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fewShotPending
}

// FewShotComplete reports whether the few-shot fit has published.
func (t *Trainer) FewShotComplete() bool { return t.fewShotDone.Load() }

// RunFewShotFit performs the few-shot calibration: one online SGD step per
// collected sample, updating only the first layer; deeper layers stay
// frozen. Publishes the requantized result unless the session was
// abandoned. Returns the number of steps taken and whether a fit ran.
func (t *Trainer) RunFewShotFit() (int, bool) {
	if !t.Active() {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fewShotPending {
		return 0, false
	}
	t.fewShotPending = false

	lr := t.params.FewShotLearningRate
	for _, s := range t.fewShot {
		t.scratch.forward(s.Features, &t.st)
		_, _, d1, _ := t.scratch.backprop(&t.st, s.Target.Array())
		for i := 0; i < neuralHiddenSize; i++ {
			if d1[i] == 0 {
				continue
			}
			row := i * neuralInputSize
			for j := 0; j < neuralInputSize; j++ {
				t.scratch.fc1[row+j] -= lr * d1[i] * t.st.x[j]
			}
			t.scratch.b1[i] -= lr * d1[i]
		}
		t.steps.Add(1)
	}
	n := len(t.fewShot)
	t.fewShot = t.fewShot[:0]

	if t.abandoned.Load() {
		return n, false
	}
	t.comp.Publish(quantize(t.scratch, t.base))
	t.fewShotDone.Store(true)
	Diagf("few-shot fit published after %d steps (run %s)", n, t.runID)
	return n, true
}

// ContinualStep samples one batch from the replay ring and takes a single
// SGD step across all layers, then pulls every parameter toward the meta
// prior to keep drift bounded. Publishes unless abandoned. Returns the
// step report and whether a step ran.
func (t *Trainer) ContinualStep() (StepReport, bool) {
	if !t.Active() || t.abandoned.Load() {
		return StepReport{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.ring.SampleBatch(t.batch, t.rng)
	if n == 0 {
		return StepReport{}, false
	}

	lr := t.params.ContinualLearningRate / float64(n)
	var totalLoss float64
	for bi := 0; bi < n; bi++ {
		s := t.batch[bi]
		t.scratch.forward(s.Features, &t.st)
		d3, d2, d1, loss := t.scratch.backprop(&t.st, s.Target.Array())
		totalLoss += loss

		for k := 0; k < neuralOutputSize; k++ {
			if d3[k] == 0 {
				continue
			}
			row := k * neuralHiddenSize
			for j := 0; j < neuralHiddenSize; j++ {
				t.scratch.fc3[row+j] -= lr * d3[k] * t.st.h2[j]
			}
			t.scratch.b3[k] -= lr * d3[k]
		}
		for j := 0; j < neuralHiddenSize; j++ {
			if d2[j] == 0 {
				continue
			}
			row := j * neuralHiddenSize
			for i := 0; i < neuralHiddenSize; i++ {
				t.scratch.fc2[row+i] -= lr * d2[j] * t.st.h1[i]
			}
			t.scratch.b2[j] -= lr * d2[j]
		}
		for i := 0; i < neuralHiddenSize; i++ {
			if d1[i] == 0 {
				continue
			}
			row := i * neuralInputSize
			for j := 0; j < neuralInputSize; j++ {
				t.scratch.fc1[row+j] -= lr * d1[i] * t.st.x[j]
			}
			t.scratch.b1[i] -= lr * d1[i]
		}
	}

	t.pullTowardMeta()

	if t.abandoned.Load() {
		return StepReport{}, false
	}
	t.comp.Publish(quantize(t.scratch, t.base))
	step := t.steps.Add(1)
	return StepReport{
		RunID:     t.runID,
		Step:      step,
		Loss:      totalLoss / float64(n),
		BatchSize: n,
	}, true
}

// pullTowardMeta applies the L2 regularization pull to every parameter.
func (t *Trainer) pullTowardMeta() {
	pull := t.params.MetaPullStrength
	if pull <= 0 {
		return
	}
	for i := range t.scratch.fc1 {
		t.scratch.fc1[i] += pull * (t.meta.fc1[i] - t.scratch.fc1[i])
	}
	for i := range t.scratch.fc2 {
		t.scratch.fc2[i] += pull * (t.meta.fc2[i] - t.scratch.fc2[i])
	}
	for i := range t.scratch.fc3 {
		t.scratch.fc3[i] += pull * (t.meta.fc3[i] - t.scratch.fc3[i])
	}
	for i := range t.scratch.b1 {
		t.scratch.b1[i] += pull * (t.meta.b1[i] - t.scratch.b1[i])
	}
	for i := range t.scratch.b2 {
		t.scratch.b2[i] += pull * (t.meta.b2[i] - t.scratch.b2[i])
	}
	for i := range t.scratch.b3 {
		t.scratch.b3[i] += pull * (t.meta.b3[i] - t.scratch.b3[i])
	}
}
