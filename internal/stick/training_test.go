package stick

import (
	"math"
	"testing"
)

// uniformTestWeights builds a weight set with every weight equal to v and
// zero biases. Small enough that no hidden unit saturates on all-ones
// input, so gradients flow through every layer.
func uniformTestWeights(v int8) *NeuralWeights {
	w := &NeuralWeights{Version: WeightsBlobVersion}
	w.canonicalScales()
	for i := range w.FC1 {
		w.FC1[i] = v
	}
	for i := range w.FC2 {
		w.FC2[i] = v
	}
	for i := range w.FC3 {
		w.FC3[i] = v
	}
	return w
}

func allOnesFeatures() FeatureVector {
	var f FeatureVector
	for i := range f {
		f[i] = 1
	}
	return f
}

// Quantize(dequantize(w)) must reproduce w exactly under the canonical
// scale set, or training would corrupt weights it never touched.
func TestWeightsQuantizeRoundTrip(t *testing.T) {
	w := NewRandomWeights(7)
	w.BiasFC1[3] = 42
	w.BiasFC1[17] = -90
	w.BiasFC2[10] = -7
	w.BiasFC3[5] = 1000

	rt := quantize(dequantize(w), w)
	if *rt != *w {
		t.Fatalf("quantize(dequantize(w)) != w")
	}
}

// The few-shot fit adapts the first layer only: deeper layers of the
// published set must stay bit-identical to the prior.
func TestFewShotFitMovesOnlyFirstLayer(t *testing.T) {
	base := uniformTestWeights(1)
	comp := NewCompensator()
	comp.Publish(base)

	params := DefaultParams().Training
	params.FewShotLearningRate = 0.5 // large enough to move int8 quanta
	tr := NewTrainer(TrainerConfig{
		Params:      params,
		Compensator: comp,
		Ring:        NewReplayRing(16),
		Meta:        base,
		Seed:        1,
	})

	target := Vec6{Pitch: 0.5}
	for i := 0; i < 20; i++ {
		tr.AddFewShotSample(allOnesFeatures(), target)
	}
	tr.SubmitFewShot()
	if !tr.FewShotPending() {
		t.Fatalf("few-shot set not pending after submit")
	}

	n, ok := tr.RunFewShotFit()
	if !ok || n != 20 {
		t.Fatalf("RunFewShotFit = (%d, %v), want (20, true)", n, ok)
	}
	if !tr.FewShotComplete() {
		t.Fatalf("few-shot fit did not mark complete")
	}

	got := comp.Weights()
	if got == base {
		t.Fatalf("fit did not publish a new weight set")
	}
	if got.FC2 != base.FC2 || got.BiasFC2 != base.BiasFC2 {
		t.Fatalf("few-shot fit touched layer 2")
	}
	if got.FC3 != base.FC3 || got.BiasFC3 != base.BiasFC3 {
		t.Fatalf("few-shot fit touched layer 3")
	}
	if got.FC1 == base.FC1 && got.BiasFC1 == base.BiasFC1 {
		t.Fatalf("few-shot fit left layer 1 unchanged")
	}
	if tr.Steps() != 20 {
		t.Fatalf("Steps = %d, want 20", tr.Steps())
	}
}

// With a zero learning rate the continual step is pure regularization: a
// full-strength pull must snap the scratch copy back to the meta prior.
func TestContinualStepPullsTowardMeta(t *testing.T) {
	meta := uniformTestWeights(1)
	drifted := uniformTestWeights(2)
	comp := NewCompensator()
	comp.Publish(drifted)

	ring := NewReplayRing(8)
	ring.Push(ReplayEntry{Features: allOnesFeatures(), Target: Vec6{Pitch: 0.5}})

	params := DefaultParams().Training
	params.ContinualLearningRate = 0
	params.MetaPullStrength = 1.0
	params.AdaptationBatchSize = 4
	tr := NewTrainer(TrainerConfig{
		Params:      params,
		Compensator: comp,
		Ring:        ring,
		Meta:        meta,
		Seed:        1,
	})
	tr.AdoptPublished()

	rep, ok := tr.ContinualStep()
	if !ok {
		t.Fatalf("ContinualStep did not run")
	}
	if rep.Step != 1 || rep.BatchSize != 4 {
		t.Fatalf("report = step %d batch %d, want step 1 batch 4", rep.Step, rep.BatchSize)
	}
	if rep.Loss <= 0 {
		t.Fatalf("loss = %v, want > 0", rep.Loss)
	}
	if rep.RunID != tr.RunID() {
		t.Fatalf("report run ID %s != trainer run ID %s", rep.RunID, tr.RunID())
	}

	got := comp.Weights()
	if got.FC1 != meta.FC1 || got.FC2 != meta.FC2 || got.FC3 != meta.FC3 {
		t.Fatalf("full-strength pull did not restore meta weights")
	}
}

// Repeated continual steps on a fixed batch must reduce the reported
// loss.
func TestContinualStepReducesLoss(t *testing.T) {
	meta := uniformTestWeights(1)
	comp := NewCompensator()
	comp.Publish(meta)

	ring := NewReplayRing(8)
	ring.Push(ReplayEntry{Features: allOnesFeatures(), Target: Vec6{Pitch: 0.5}})

	params := DefaultParams().Training
	params.ContinualLearningRate = 0.5
	params.MetaPullStrength = 0
	params.AdaptationBatchSize = 4
	tr := NewTrainer(TrainerConfig{
		Params:      params,
		Compensator: comp,
		Ring:        ring,
		Meta:        meta,
		Seed:        1,
	})

	var first, last float64
	for i := 0; i < 30; i++ {
		rep, ok := tr.ContinualStep()
		if !ok {
			t.Fatalf("step %d did not run", i)
		}
		if math.IsNaN(rep.Loss) || math.IsInf(rep.Loss, 0) {
			t.Fatalf("step %d loss = %v", i, rep.Loss)
		}
		if i == 0 {
			first = rep.Loss
		}
		last = rep.Loss
	}
	if last >= first*0.5 {
		t.Fatalf("loss did not halve: first %v, last %v", first, last)
	}
}

// An abandoned trainer finishes in-flight math but never publishes.
func TestAbandonedTrainerNeverPublishes(t *testing.T) {
	base := uniformTestWeights(1)
	comp := NewCompensator()
	comp.Publish(base)

	ring := NewReplayRing(8)
	ring.Push(ReplayEntry{Features: allOnesFeatures(), Target: Vec6{Pitch: 0.5}})

	tr := NewTrainer(TrainerConfig{
		Params:      DefaultParams().Training,
		Compensator: comp,
		Ring:        ring,
		Meta:        base,
		Seed:        1,
	})
	tr.AddFewShotSample(allOnesFeatures(), Vec6{Pitch: 0.5})
	tr.SubmitFewShot()
	tr.Abandon()

	if n, ok := tr.RunFewShotFit(); ok || n != 1 {
		t.Fatalf("abandoned RunFewShotFit = (%d, %v), want (1, false)", n, ok)
	}
	if tr.FewShotComplete() {
		t.Fatalf("abandoned fit marked complete")
	}
	if _, ok := tr.ContinualStep(); ok {
		t.Fatalf("abandoned ContinualStep ran")
	}
	if comp.Weights() != base {
		t.Fatalf("abandoned trainer published weights")
	}
}

// A trainer without a meta prior is inert.
func TestTrainerWithoutMetaIsInert(t *testing.T) {
	tr := NewTrainer(TrainerConfig{Params: DefaultParams().Training})
	if tr.Active() {
		t.Fatalf("trainer active without meta prior")
	}
	tr.AddFewShotSample(allOnesFeatures(), Vec6{})
	tr.SubmitFewShot()
	tr.AdoptPublished()
	if n, ok := tr.RunFewShotFit(); ok || n != 0 {
		t.Fatalf("inert RunFewShotFit = (%d, %v)", n, ok)
	}
	if _, ok := tr.ContinualStep(); ok {
		t.Fatalf("inert ContinualStep ran")
	}
}

// Submitting an empty few-shot set skips the fit but still unblocks the
// pipeline.
func TestSubmitEmptyFewShotMarksComplete(t *testing.T) {
	base := uniformTestWeights(1)
	comp := NewCompensator()
	comp.Publish(base)
	tr := NewTrainer(TrainerConfig{
		Params:      DefaultParams().Training,
		Compensator: comp,
		Ring:        NewReplayRing(8),
		Meta:        base,
		Seed:        1,
	})
	tr.SubmitFewShot()
	if !tr.FewShotComplete() {
		t.Fatalf("empty submit did not mark complete")
	}
	if n, ok := tr.RunFewShotFit(); ok || n != 0 {
		t.Fatalf("RunFewShotFit after empty submit = (%d, %v)", n, ok)
	}
}
