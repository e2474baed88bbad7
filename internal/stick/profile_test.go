package stick

import (
	"strings"
	"testing"
)

func testProfile() *DeviceProfile {
	p := &DeviceProfile{
		Version:        ProfileBlobVersion,
		DeviceID:       "pad-7",
		SavedUnixNanos: 1700000000000000000,
		Calibration: CalibrationSnapshot{
			Mu:      Vec2{X: 0.031, Y: -0.018},
			M2:      Vec2{X: 0.4, Y: 0.3},
			Sigma:   Vec2{X: 0.012, Y: 0.011},
			Max:     Vec2{X: 0.98, Y: 0.95},
			Min:     Vec2{X: -0.97, Y: -0.99},
			Samples: 5400,
		},
		HasNeural:  true,
		Frames:     123456,
		TrainSteps: 789,
		Sessions:   4,
	}
	for i := range p.FirstLayer {
		p.FirstLayer[i] = int8(i % 127)
	}
	for i := range p.FirstLayerBias {
		p.FirstLayerBias[i] = int32(i * 1000)
	}
	return p
}

// Profile blobs round-trip through encode/decode with every field intact,
// the adapted first layer included.
func TestProfileBlobRoundTrip(t *testing.T) {
	p := testProfile()

	blob, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProfile(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.DeviceID != p.DeviceID || got.SavedUnixNanos != p.SavedUnixNanos {
		t.Fatalf("identity changed across round-trip: %+v", got)
	}
	if got.Calibration != p.Calibration {
		t.Fatalf("calibration changed: %+v vs %+v", got.Calibration, p.Calibration)
	}
	if !got.HasNeural || got.FirstLayer != p.FirstLayer || got.FirstLayerBias != p.FirstLayerBias {
		t.Fatalf("adapted layer changed across round-trip")
	}
	if got.Frames != p.Frames || got.TrainSteps != p.TrainSteps || got.Sessions != p.Sessions {
		t.Fatalf("lifetime counters changed: %+v", got)
	}
}

// Corrupt and mis-versioned blobs fail to decode instead of yielding a
// half-restored profile.
func TestDecodeProfileRejectsBadBlobs(t *testing.T) {
	if _, err := DecodeProfile([]byte("not a gzip stream")); err == nil {
		t.Fatalf("expected error for garbage blob")
	}

	p := testProfile()
	blob, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Truncation hits the gob payload, not just the gzip trailer.
	if _, err := DecodeProfile(blob[:len(blob)/2]); err == nil {
		t.Fatalf("expected error for truncated blob")
	}

	p.Version = ProfileBlobVersion + 1
	blob, err = EncodeProfile(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeProfile(blob)
	if err == nil {
		t.Fatalf("expected error for future blob version")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Fatalf("version mismatch should name the version, got: %v", err)
	}
}
