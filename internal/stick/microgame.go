package stick

import (
	"math"
	"time"
)

const (
	// gameAmplitude bounds the target path inside the unit square with
	// margin for overshoot.
	gameAmplitude = 0.75
	// reticleRate converts full stick deflection to reticle units/s.
	// Must outpace the fast Lissajous axis or the game is unwinnable.
	reticleRate = 4.0
	// idealGain is the proportional gain mapping reticle-to-target
	// displacement to the ideal stick response.
	idealGain = 3.0
	// recordEvery subsamples game frames into few-shot pairs: every 6th
	// frame at 60 Hz keeps a 10 s game near the 100-sample cap.
	recordEvery = 6
)

// EpisodeResult is the tracking score for one full target cycle.
type EpisodeResult struct {
	Episode       int     `json:"episode"`
	TrackingError float64 `json:"tracking_error"`
	Frames        int     `json:"frames"`
}

// GameStep is the outcome of advancing the micro-game by one frame.
type GameStep struct {
	// Target is the current target position.
	Target Vec2
	// Ideal is the response a perfect player would produce this frame,
	// clamped to actuator range. Recorded frames pair it with the
	// frame's feature vector as few-shot training data.
	Ideal Vec6
	// Record marks frames whose (features, Ideal) pair should be kept.
	Record bool
	// Done is set once the game has run its full duration.
	Done bool
}

// MicroGame is the structured target-following exercise run once on a
// device's first connection. A target sweeps a Lissajous path; the player
// chases it with the reticle, which the game integrates from the
// pipeline's realized output. Tracking error accumulates per episode (one
// target cycle) and subsampled frames become the few-shot training set.
type MicroGame struct {
	params  MicroGameParams
	elapsed time.Duration
	frame   uint64
	done    bool

	reticle Vec2

	episode       int
	episodeError  float64
	episodeFrames int
	episodes      []EpisodeResult
}

// NewMicroGame starts a fresh game with the reticle centered. A
// non-positive duration yields a game that is already done.
func NewMicroGame(params MicroGameParams) *MicroGame {
	return &MicroGame{params: params, done: params.Duration <= 0}
}

// TargetAt returns the target position at game time t: a 1:2 Lissajous
// sweep covering both axes at different rates, so the few-shot set sees
// coupled and independent axis motion.
func (g *MicroGame) TargetAt(t time.Duration) Vec2 {
	w := 2 * math.Pi * g.params.TargetSpeed
	s := t.Seconds()
	return Vec2{
		X: gameAmplitude * math.Sin(w*s),
		Y: gameAmplitude * math.Sin(2*w*s),
	}
}

// period returns the duration of one target cycle.
func (g *MicroGame) period() time.Duration {
	if g.params.TargetSpeed <= 0 {
		return g.params.Duration
	}
	return time.Duration(float64(time.Second) / g.params.TargetSpeed)
}

// Step advances the game by dt with the player's realized output for the
// frame. Non-positive dt leaves the game state untouched.
func (g *MicroGame) Step(dt time.Duration, response Vec6) GameStep {
	if g.done || dt <= 0 {
		return GameStep{Target: g.TargetAt(g.elapsed), Done: g.done}
	}

	// Integrate the reticle from the player's output.
	g.reticle.X = clamp(g.reticle.X+response.Yaw*reticleRate*dt.Seconds(), -1, 1)
	g.reticle.Y = clamp(g.reticle.Y+response.Pitch*reticleRate*dt.Seconds(), -1, 1)

	g.elapsed += dt
	g.frame++

	target := g.TargetAt(g.elapsed)
	delta := target.Sub(g.reticle)
	g.episodeError += delta.Magnitude() * dt.Seconds()
	g.episodeFrames++

	step := GameStep{
		Target: target,
		Ideal: Vec6{
			Pitch: clamp(idealGain*delta.Y, -1, 1),
			Yaw:   clamp(idealGain*delta.X, -1, 1),
		},
		Record: g.frame%recordEvery == 0,
	}

	if ep := int(g.elapsed / g.period()); ep > g.episode {
		g.closeEpisode()
		g.episode = ep
	}
	if g.elapsed >= g.params.Duration {
		g.closeEpisode()
		g.done = true
		step.Done = true
		Opsf("micro-game complete: %d episodes, %d frames", len(g.episodes), g.frame)
	}
	return step
}

func (g *MicroGame) closeEpisode() {
	if g.episodeFrames == 0 {
		return
	}
	g.episodes = append(g.episodes, EpisodeResult{
		Episode:       g.episode,
		TrackingError: g.episodeError,
		Frames:        g.episodeFrames,
	})
	g.episodeError = 0
	g.episodeFrames = 0
}

// Done reports whether the game has finished.
func (g *MicroGame) Done() bool { return g.done }

// Elapsed returns total game time.
func (g *MicroGame) Elapsed() time.Duration { return g.elapsed }

// Reticle returns the current simulated reticle position.
func (g *MicroGame) Reticle() Vec2 { return g.reticle }

// Episodes returns the completed episode scores.
func (g *MicroGame) Episodes() []EpisodeResult {
	out := make([]EpisodeResult, len(g.episodes))
	copy(out, g.episodes)
	return out
}
