// Package main provides an offline benchmark for the conditioning pipeline.
// It replays a capture file through the full pipeline as fast as possible and
// reports per-stage frame costs plus tracking accuracy against the capture's
// ground truth.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/helmworks/steadystick/internal/config"
	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/stick/netsrc"
)

// Config holds configuration for the replay benchmark.
type Config struct {
	CaptureFile string
	ConfigFile  string
	WeightsFile string
	OutputJSON  string
	Verbose     bool
}

// BenchResult holds the results of one capture replay.
type BenchResult struct {
	CaptureFile    string            `json:"capture_file"`
	DeviceID       string            `json:"device_id"`
	Frames         int               `json:"frames"`
	BadLines       int               `json:"bad_lines"`
	SkippedDevices int               `json:"skipped_devices"`
	Spikes         int               `json:"spikes"`
	DurationSecs   float64           `json:"duration_secs"`
	FramesPerSec   float64           `json:"frames_per_sec"`
	AdaptSteps     int               `json:"adapt_steps"`
	LastLoss       float64           `json:"last_loss,omitempty"`
	FinalMode      string            `json:"final_mode"`
	FinalLambda    float64           `json:"final_lambda"`
	FinalDeadzone  float64           `json:"final_deadzone"`
	Outliers       uint64            `json:"outliers"`
	ModeFrames     map[string]uint64 `json:"mode_frames"`
	Stages         []StageCost       `json:"stages"`
	Tracking       TrackingStats     `json:"tracking"`
}

// StageCost holds per-stage frame cost statistics in microseconds.
type StageCost struct {
	Name     string  `json:"name"`
	MeanUs   float64 `json:"mean_us"`
	StdDevUs float64 `json:"stddev_us"`
	P50Us    float64 `json:"p50_us"`
	P99Us    float64 `json:"p99_us"`
	MaxUs    float64 `json:"max_us"`
}

// TrackingStats compares raw and conditioned positions against the
// capture's ground truth.
type TrackingStats struct {
	RawRMS         float64 `json:"raw_rms"`
	OutputRMS      float64 `json:"output_rms"`
	RawPeak        float64 `json:"raw_peak"`
	OutputPeak     float64 `json:"output_peak"`
	ImprovementPct float64 `json:"improvement_pct"`
}

func main() {
	cfg := parseFlags()

	if cfg.CaptureFile == "" {
		log.Fatal("capture file is required (-capture)")
	}
	if _, err := os.Stat(cfg.CaptureFile); os.IsNotExist(err) {
		log.Fatalf("capture file not found: %s", cfg.CaptureFile)
	}

	result, err := runBench(cfg)
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	printResults(result)

	if cfg.OutputJSON != "" {
		if err := exportJSON(result, cfg.OutputJSON); err != nil {
			log.Printf("Warning: failed to export JSON: %v", err)
		} else {
			log.Printf("Results exported to: %s", cfg.OutputJSON)
		}
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.CaptureFile, "capture", "", "Path to JSONL capture file to replay")
	flag.StringVar(&cfg.ConfigFile, "config", "", "Tuning config JSON (defaults when empty)")
	flag.StringVar(&cfg.WeightsFile, "weights", "", "Meta-trained weights blob (statistical-only when empty)")
	flag.StringVar(&cfg.OutputJSON, "json", "", "Output JSON filename (e.g., results.json)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")

	flag.Parse()

	return cfg
}

func runBench(cfg Config) (*BenchResult, error) {
	params := stick.DefaultParams()
	if cfg.ConfigFile != "" {
		tuning, err := config.LoadTuningConfig(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load tuning config: %w", err)
		}
		params = stick.ParamsFromTuning(tuning)
	}

	var meta *stick.NeuralWeights
	if cfg.WeightsFile != "" {
		blob, err := os.ReadFile(cfg.WeightsFile)
		if err != nil {
			return nil, fmt.Errorf("read weights: %w", err)
		}
		meta, err = stick.DecodeWeights(blob)
		if err != nil {
			return nil, fmt.Errorf("decode weights: %w", err)
		}
	}

	f, err := os.Open(cfg.CaptureFile)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	log.Printf("Replaying capture: %s", cfg.CaptureFile)
	if cfg.Verbose {
		stick.SetLogWriters(stick.LogWriters{Ops: os.Stderr})
	}

	result := &BenchResult{
		CaptureFile: cfg.CaptureFile,
		ModeFrames:  make(map[string]uint64),
	}

	var pipe *stick.Pipeline
	costs := map[string][]float64{}
	var rawSq, outSq []float64
	var prevT int64
	var simTime, nextAdapt time.Duration
	const adaptEvery = time.Second

	startTime := time.Now()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := netsrc.DecodeRecord(line)
		if err != nil {
			result.BadLines++
			continue
		}

		if pipe == nil {
			result.DeviceID = rec.DeviceID
			pipe = stick.NewPipeline(stick.PipelineConfig{
				DeviceID: rec.DeviceID,
				Params:   params,
				Meta:     meta,
			})
		} else if rec.DeviceID != result.DeviceID {
			result.SkippedDevices++
			continue
		}

		var dt time.Duration
		if result.Frames > 0 && rec.TNanos > prevT {
			dt = time.Duration(rec.TNanos - prevT)
		}
		prevT = rec.TNanos

		s := rec.Sample()
		out, diag := pipe.Process(stick.Vec2{X: s.X, Y: s.Y}, dt)
		result.Frames++
		result.ModeFrames[diag.Mode.String()]++

		t := diag.Timings
		costs["calibration"] = append(costs["calibration"], micros(t.Calibration))
		costs["kalman"] = append(costs["kalman"], micros(t.Kalman))
		costs["features"] = append(costs["features"], micros(t.Features))
		costs["neural"] = append(costs["neural"], micros(t.Neural))
		costs["blend"] = append(costs["blend"], micros(t.Blend))
		costs["total"] = append(costs["total"], micros(t.Total))

		// Raw positions can carry spikes and non-finite values; those
		// frames are exactly what the pipeline is there to absorb, so
		// count them separately rather than letting them poison the
		// raw-error statistics.
		if rawFinite(s.X) && rawFinite(s.Y) {
			rawSq = append(rawSq, sq(s.X-s.TruthX)+sq(s.Y-s.TruthY))
		} else {
			result.Spikes++
		}
		outSq = append(outSq, sq(out.Yaw-s.TruthX)+sq(out.Pitch-s.TruthY))

		// Stand in for the 1 Hz adaptation worker, stepped on capture
		// time so replays are deterministic regardless of host speed.
		simTime += dt
		if simTime >= nextAdapt {
			nextAdapt += adaptEvery
			if report, ok := pipe.Adapt(); ok {
				result.AdaptSteps++
				result.LastLoss = report.Loss
			}
		}

		if cfg.Verbose && result.Frames%1000 == 0 {
			log.Printf("Replayed %d frames, mode %s", result.Frames, diag.Mode)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	if pipe == nil {
		return nil, fmt.Errorf("capture contains no decodable samples")
	}

	wall := time.Since(startTime)
	result.DurationSecs = wall.Seconds()
	if wall > 0 {
		result.FramesPerSec = float64(result.Frames) / wall.Seconds()
	}

	diag := pipe.Diagnostics()
	result.FinalMode = diag.Mode.String()
	result.FinalLambda = diag.Lambda
	result.FinalDeadzone = diag.Deadzone
	result.Outliers = diag.OutlierCount

	for _, name := range []string{"calibration", "kalman", "features", "neural", "blend", "total"} {
		result.Stages = append(result.Stages, stageCost(name, costs[name]))
	}
	result.Tracking = trackingStats(rawSq, outSq)

	return result, nil
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e3
}

func sq(v float64) float64 { return v * v }

// rawFinite reports whether a raw axis value is plausible stick travel
// rather than corruption.
func rawFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= 1.5
}

func stageCost(name string, samples []float64) StageCost {
	if len(samples) == 0 {
		return StageCost{Name: name}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return StageCost{
		Name:     name,
		MeanUs:   stat.Mean(samples, nil),
		StdDevUs: stat.StdDev(samples, nil),
		P50Us:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P99Us:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
		MaxUs:    sorted[len(sorted)-1],
	}
}

func trackingStats(rawSq, outSq []float64) TrackingStats {
	ts := TrackingStats{}
	if len(rawSq) > 0 {
		ts.RawRMS = math.Sqrt(stat.Mean(rawSq, nil))
		ts.RawPeak = math.Sqrt(maxOf(rawSq))
	}
	if len(outSq) > 0 {
		ts.OutputRMS = math.Sqrt(stat.Mean(outSq, nil))
		ts.OutputPeak = math.Sqrt(maxOf(outSq))
	}
	if ts.RawRMS > 0 {
		ts.ImprovementPct = (1 - ts.OutputRMS/ts.RawRMS) * 100
	}
	return ts
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func printResults(result *BenchResult) {
	fmt.Println("\n=== Replay Benchmark Results ===")
	fmt.Printf("Capture: %s\n", result.CaptureFile)
	fmt.Printf("Device: %s\n", result.DeviceID)
	fmt.Printf("Frames: %d (%d bad lines, %d other-device, %d spikes)\n",
		result.Frames, result.BadLines, result.SkippedDevices, result.Spikes)
	fmt.Printf("Wall Time: %.2fs (%.0f frames/sec)\n", result.DurationSecs, result.FramesPerSec)
	fmt.Printf("Final Mode: %s (lambda %.2f, deadzone %.4f, %d outliers)\n",
		result.FinalMode, result.FinalLambda, result.FinalDeadzone, result.Outliers)
	if result.AdaptSteps > 0 {
		fmt.Printf("Adaptation: %d steps, last loss %.6f\n", result.AdaptSteps, result.LastLoss)
	}

	fmt.Println("\n--- Mode Frames ---")
	for _, name := range []string{"waiting", "statistical", "micro_game", "adaptation", "production", "continual"} {
		if n, ok := result.ModeFrames[name]; ok {
			fmt.Printf("  %-12s %d\n", name, n)
		}
	}

	fmt.Println("\n--- Frame Cost (µs) ---")
	fmt.Printf("  %-12s %8s %8s %8s %8s %8s\n", "stage", "mean", "stddev", "p50", "p99", "max")
	for _, s := range result.Stages {
		fmt.Printf("  %-12s %8.2f %8.2f %8.2f %8.2f %8.2f\n",
			s.Name, s.MeanUs, s.StdDevUs, s.P50Us, s.P99Us, s.MaxUs)
	}

	fmt.Println("\n--- Tracking Error vs Ground Truth ---")
	fmt.Printf("Raw RMS: %.4f (peak %.4f)\n", result.Tracking.RawRMS, result.Tracking.RawPeak)
	fmt.Printf("Conditioned RMS: %.4f (peak %.4f)\n", result.Tracking.OutputRMS, result.Tracking.OutputPeak)
	fmt.Printf("Improvement: %.1f%%\n", result.Tracking.ImprovementPct)
}

func exportJSON(result *BenchResult, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
