package stick

import (
	"math"
	"time"
)

// FeatureSize is the width of the neural input vector.
const FeatureSize = 14

// maxDeviceAge caps age normalization: a device older than this reads as
// fully aged.
const maxDeviceAge = 10 * time.Minute

// FeatureVector is the fixed 14-element neural input, in order: filtered
// axis pair, magnitude, one-frame derivative pair, dead-zone radius
// estimate, gain estimate, normalized device age, previous output (six
// channels, each clamped to [-1,1]).
type FeatureVector [FeatureSize]float64

// FeatureInput carries everything the feature builder reads. The builder
// itself is pure; the pipeline owns the previous-frame state it references.
type FeatureInput struct {
	Filtered     Vec2
	PrevFiltered Vec2
	Deadzone     float64
	Gain         float64
	Age          time.Duration
	PrevOutput   Vec6
}

// BuildFeatures assembles the feature vector for one frame. Non-finite
// upstream values zero-fill their elements so a malformed stage can never
// poison inference.
func BuildFeatures(in FeatureInput) FeatureVector {
	var f FeatureVector

	f[0] = in.Filtered.X
	f[1] = in.Filtered.Y
	f[2] = in.Filtered.Magnitude()
	f[3] = in.Filtered.X - in.PrevFiltered.X
	f[4] = in.Filtered.Y - in.PrevFiltered.Y
	f[5] = in.Deadzone
	f[6] = in.Gain

	ageNorm := float64(in.Age) / float64(maxDeviceAge)
	f[7] = math.Min(1, math.Max(0, ageNorm))

	prev := in.PrevOutput.Array()
	for i, v := range prev {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			f[8+i] = 0
			continue
		}
		f[8+i] = clamp(v, -1, 1)
	}

	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			f[i] = 0
		}
	}
	return f
}
