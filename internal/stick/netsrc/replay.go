package netsrc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/helmworks/steadystick/internal/timeutil"
)

// maxReplayGap caps the sleep between paced records so a capture with a
// recording hole does not stall the replay for the length of the hole.
const maxReplayGap = time.Second

// ReplayConfig configures JSONL capture replay.
type ReplayConfig struct {
	// Path is the capture file, one wire record per line.
	Path string

	// Pace replays with the original inter-sample spacing taken from the
	// t_ns field. When false the capture is fed as fast as the sink accepts
	// it, which is what replay-bench wants.
	Pace bool

	// Speed scales paced replay (2.0 = twice as fast). Ignored unless Pace
	// is set; values <= 0 mean 1.0.
	Speed float64

	// Clock supplies the pacing timer. Nil means the real clock.
	Clock timeutil.Clock
}

// ReplaySource replays a JSONL capture through a sink. Malformed lines are
// counted and skipped so a truncated capture still replays its prefix.
type ReplaySource struct {
	cfg       ReplayConfig
	clock     timeutil.Clock
	replayed  uint64
	malformed uint64
}

// NewReplaySource creates a replay source for the configured capture file.
func NewReplaySource(cfg ReplayConfig) *ReplaySource {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	return &ReplaySource{cfg: cfg, clock: clock}
}

// Run replays the capture into the sink. Returns nil at end of file.
func (r *ReplaySource) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	err = r.replay(ctx, f, sink)
	if err == nil {
		log.Printf("capture replay complete: %d samples, %d malformed lines skipped",
			r.replayed, r.malformed)
	}
	return err
}

func (r *ReplaySource) replay(ctx context.Context, src io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var lastTNanos int64
	var havePrev bool

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := DecodeRecord(line)
		if err != nil {
			if r.malformed++; r.malformed <= 5 {
				log.Printf("skipping malformed capture line: %v", err)
			}
			continue
		}

		if r.cfg.Pace && havePrev {
			gap := time.Duration(float64(rec.TNanos-lastTNanos) / r.cfg.Speed)
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if gap > 0 {
				timer := r.clock.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C():
				}
			}
		}
		lastTNanos = rec.TNanos
		havePrev = true

		if _, _, err := sink.Process(rec.Sample()); err != nil {
			return fmt.Errorf("process replayed sample: %w", err)
		}
		r.replayed++
	}
	return scanner.Err()
}

// Counts returns how many samples were replayed and how many lines were
// skipped as malformed.
func (r *ReplaySource) Counts() (replayed, malformed uint64) {
	return r.replayed, r.malformed
}
