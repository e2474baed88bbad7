package netsrc

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/timeutil"
)

// GenParams configures the synthetic sample generator. The same generator
// backs the live synthetic source and the gen-capture tool, so captures and
// live feeds with the same seed are sample-for-sample identical.
type GenParams struct {
	DeviceID string
	Seed     int64

	// Rate is samples per second. Default 60.
	Rate float64

	// NoiseSigma is per-axis gaussian sensor noise in normalized units.
	// Default 0.01, roughly a mid-grade analog stick at rest; negative
	// disables noise entirely.
	NoiseSigma float64

	// Bias is the resting offset of a miscentered stick.
	Bias stick.Vec2

	// DriftPerMinute moves the bias over time, simulating pot wear and
	// thermal drift.
	DriftPerMinute stick.Vec2

	// SpikeProb is the per-sample probability of a corrupt spike: one axis
	// replaced by a non-finite value or an absurd magnitude.
	SpikeProb float64

	// MotionAmplitude overlays a deliberate stick motion; zero generates a
	// resting stick. MotionPeriodSec is the base period (default 4 s).
	MotionAmplitude float64
	MotionPeriodSec float64
}

func (p GenParams) withDefaults() GenParams {
	if p.Rate <= 0 {
		p.Rate = 60
	}
	if p.NoiseSigma < 0 {
		p.NoiseSigma = 0
	} else if p.NoiseSigma == 0 {
		p.NoiseSigma = 0.01
	}
	if p.MotionPeriodSec <= 0 {
		p.MotionPeriodSec = 4
	}
	return p
}

// Generator produces a deterministic stream of noisy controller samples with
// known ground truth.
type Generator struct {
	p   GenParams
	rng *rand.Rand
	t   float64
	seq uint64
}

// NewGenerator creates a generator; identical params produce identical
// streams.
func NewGenerator(p GenParams) *Generator {
	return &Generator{
		p:   p.withDefaults(),
		rng: rand.New(rand.NewSource(p.Seed)),
	}
}

// Period returns the sample interval.
func (g *Generator) Period() time.Duration {
	return time.Duration(float64(time.Second) / g.p.Rate)
}

// Next produces the next sample in the stream. The truth fields carry the
// noise-free intended position (deliberate motion only, without bias, drift,
// noise, or spikes).
func (g *Generator) Next() Record {
	var truth stick.Vec2
	if g.p.MotionAmplitude > 0 {
		w := 2 * math.Pi / g.p.MotionPeriodSec
		truth.X = g.p.MotionAmplitude * math.Sin(w*g.t)
		truth.Y = g.p.MotionAmplitude * math.Cos(0.5*w*g.t)
	}

	minutes := g.t / 60
	raw := stick.Vec2{
		X: truth.X + g.p.Bias.X + g.p.DriftPerMinute.X*minutes + g.rng.NormFloat64()*g.p.NoiseSigma,
		Y: truth.Y + g.p.Bias.Y + g.p.DriftPerMinute.Y*minutes + g.rng.NormFloat64()*g.p.NoiseSigma,
	}

	if g.p.SpikeProb > 0 && g.rng.Float64() < g.p.SpikeProb {
		spike := g.spikeValue()
		if g.rng.Intn(2) == 0 {
			raw.X = spike
		} else {
			raw.Y = spike
		}
	}

	rec := Record{
		TNanos:   int64(g.t * float64(time.Second)),
		DeviceID: g.p.DeviceID,
		X:        looseFloat(raw.X),
		Y:        looseFloat(raw.Y),
		Seq:      g.seq,
		TruthX:   looseFloat(truth.X),
		TruthY:   looseFloat(truth.Y),
	}

	g.seq++
	g.t += 1 / g.p.Rate
	return rec
}

// spikeValue picks a corrupt channel value of the kinds real glitchy
// hardware produces: non-finite reads and raw ADC codes leaking through.
func (g *Generator) spikeValue() float64 {
	switch g.rng.Intn(4) {
	case 0:
		return math.NaN()
	case 1:
		return math.Inf(1)
	case 2:
		return 5000
	default:
		return -4096
	}
}

// SyntheticConfig configures a live synthetic source.
type SyntheticConfig struct {
	Gen GenParams

	// Count stops the source after this many samples; 0 runs until
	// cancelled.
	Count uint64

	// Clock drives the sample ticker. Nil means the real clock.
	Clock timeutil.Clock
}

// SyntheticSource feeds generated samples to a sink at the configured rate.
type SyntheticSource struct {
	cfg   SyntheticConfig
	gen   *Generator
	clock timeutil.Clock
}

// NewSyntheticSource creates a synthetic source.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticSource{
		cfg:   cfg,
		gen:   NewGenerator(cfg.Gen),
		clock: clock,
	}
}

// Run generates samples until the context is cancelled or Count is reached.
func (s *SyntheticSource) Run(ctx context.Context, sink Sink) error {
	ticker := s.clock.NewTicker(s.gen.Period())
	defer ticker.Stop()

	var produced uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			rec := s.gen.Next()
			if _, _, err := sink.Process(rec.Sample()); err != nil {
				return fmt.Errorf("process synthetic sample: %w", err)
			}
			produced++
			if s.cfg.Count > 0 && produced >= s.cfg.Count {
				return nil
			}
		}
	}
}
