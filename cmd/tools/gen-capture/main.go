// Command gen-capture generates synthetic controller capture files (JSONL)
// with known ground truth, for replay testing and benchmarks.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"

	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/stick/netsrc"
)

func main() {
	output := flag.String("o", "capture.jsonl", "output path")
	count := flag.Int("n", 3600, "number of samples")
	device := flag.String("device", "pad-0", "device ID stamped on every sample")
	seed := flag.Int64("seed", 1, "generator seed")
	rate := flag.Float64("rate", 60, "samples per second")
	noise := flag.Float64("noise", 0.01, "per-axis gaussian noise sigma")
	biasX := flag.Float64("bias-x", 0, "resting X offset")
	biasY := flag.Float64("bias-y", 0, "resting Y offset")
	driftX := flag.Float64("drift-x", 0, "X bias drift per minute")
	driftY := flag.Float64("drift-y", 0, "Y bias drift per minute")
	spike := flag.Float64("spike", 0, "per-sample corrupt spike probability")
	motion := flag.Float64("motion", 0, "deliberate motion amplitude (0 = resting stick)")
	motionPeriod := flag.Float64("motion-period", 4, "motion base period in seconds")
	flag.Parse()

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create %s: %v", *output, err)
	}
	defer f.Close()

	gen := netsrc.NewGenerator(netsrc.GenParams{
		DeviceID:        *device,
		Seed:            *seed,
		Rate:            *rate,
		NoiseSigma:      *noise,
		Bias:            stick.Vec2{X: *biasX, Y: *biasY},
		DriftPerMinute:  stick.Vec2{X: *driftX, Y: *driftY},
		SpikeProb:       *spike,
		MotionAmplitude: *motion,
		MotionPeriodSec: *motionPeriod,
	})

	w := bufio.NewWriter(f)
	for i := 0; i < *count; i++ {
		line, err := netsrc.EncodeRecord(gen.Next())
		if err != nil {
			log.Fatalf("encode sample %d: %v", i, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("flush %s: %v", *output, err)
	}
	log.Printf("Wrote %d samples to %s", *count, *output)
}
