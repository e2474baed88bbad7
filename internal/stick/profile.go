package stick

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// ProfileBlobVersion is the schema version embedded in device profile
// blobs.
const ProfileBlobVersion = 1

// ErrProfileNotFound is returned by a ProfileStore when a device has no
// saved profile.
var ErrProfileNotFound = errors.New("device profile not found")

// DeviceProfile is the durable per-device state: calibration statistics
// plus the few-shot-adapted first layer. Everything a warm reconnect
// needs to skip the micro-game.
type DeviceProfile struct {
	Version        uint32
	DeviceID       string
	SavedUnixNanos int64

	Calibration CalibrationSnapshot

	HasNeural      bool
	FirstLayer     [neuralHiddenSize * neuralInputSize]int8
	FirstLayerBias [neuralHiddenSize]int32

	Frames     uint64
	TrainSteps uint64
	Sessions   uint64
}

// EncodeProfile serializes a profile as a gzip-compressed gob blob.
func EncodeProfile(p *DeviceProfile) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(p); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeProfile parses and validates a profile blob.
func DecodeProfile(blob []byte) (*DeviceProfile, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("profile blob is not gzip: %w", err)
	}
	defer gz.Close()
	var p DeviceProfile
	if err := gob.NewDecoder(gz).Decode(&p); err != nil {
		return nil, fmt.Errorf("profile blob gob decode: %w", err)
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("profile blob trailing read: %w", err)
	}
	if p.Version != ProfileBlobVersion {
		return nil, fmt.Errorf("profile blob version %d, want %d", p.Version, ProfileBlobVersion)
	}
	return &p, nil
}

// ProfileRecord is one row of the device_profiles table.
type ProfileRecord struct {
	ID             int64
	DeviceID       string
	SavedUnixNanos int64
	Mode           string
	Frames         uint64
	TrainSteps     uint64
	ProfileBlob    []byte
}

// AdaptationEvent is one row of the adaptation_events log: a single
// background training step.
type AdaptationEvent struct {
	ID               int64
	DeviceID         string
	RunID            string
	Step             uint64
	Loss             float64
	BatchSize        int
	Mode             string
	CreatedUnixNanos int64
}

// ProfileStore persists device profiles and the adaptation-event log.
// Implemented by storage/sqlite.ProfileDB.
type ProfileStore interface {
	UpsertProfile(r *ProfileRecord) (int64, error)
	GetProfile(deviceID string) (*ProfileRecord, error)
	ListProfiles() ([]*ProfileRecord, error)
	InsertAdaptationEvent(e *AdaptationEvent) (int64, error)
	RecentAdaptationEvents(deviceID string, limit int) ([]*AdaptationEvent, error)
}
