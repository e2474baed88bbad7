package stick

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmworks/steadystick/internal/timeutil"
)

// Session is one device connection: a pipeline plus connection metadata.
type Session struct {
	ID          uuid.UUID
	DeviceID    string
	Pipeline    *Pipeline
	ConnectedAt time.Time

	lastFrame time.Time
}

// ManagerConfig wires a SessionManager.
type ManagerConfig struct {
	Params PipelineParams
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Store persists device profiles and adaptation events; nil runs
	// memory-only.
	Store ProfileStore
	// Meta is the shared meta-trained weight set handed to every
	// session; nil runs every session statistical-only.
	Meta *NeuralWeights
}

// SessionManager owns the device-ID to session map. Sources push samples
// through Process, which connects unknown devices on first sight; the
// adaptation worker drives AdaptAll and SaveAll in the background.
type SessionManager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	clock    timeutil.Clock
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SessionManager{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

// Connect returns the device's session, creating it if needed. A new
// session restores the device's saved profile when the store has one;
// a corrupt stored profile logs and falls back to a cold start.
func (m *SessionManager) Connect(deviceID string) (*Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("empty device ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(deviceID)
}

func (m *SessionManager) connectLocked(deviceID string) (*Session, error) {
	if s, ok := m.sessions[deviceID]; ok {
		return s, nil
	}

	s := &Session{
		ID:       uuid.New(),
		DeviceID: deviceID,
		Pipeline: NewPipeline(PipelineConfig{
			DeviceID: deviceID,
			Params:   m.cfg.Params,
			Clock:    m.cfg.Clock,
			Meta:     m.cfg.Meta,
		}),
		ConnectedAt: m.clock.Now(),
	}

	if m.cfg.Store != nil {
		rec, err := m.cfg.Store.GetProfile(deviceID)
		switch {
		case err == nil:
			prof, derr := DecodeProfile(rec.ProfileBlob)
			if derr != nil {
				Opsf("device %s: stored profile unusable (%v), cold start", deviceID, derr)
			} else if rerr := s.Pipeline.RestoreProfile(prof); rerr != nil {
				Opsf("device %s: profile restore failed (%v), cold start", deviceID, rerr)
			}
		case errors.Is(err, ErrProfileNotFound):
			Diagf("device %s: no stored profile, cold start", deviceID)
		default:
			Opsf("device %s: profile lookup failed (%v), cold start", deviceID, err)
		}
	}

	m.sessions[deviceID] = s
	Opsf("device %s connected (session %s)", deviceID, s.ID)
	return s, nil
}

// Disconnect tears a session down: in-flight background training is
// abandoned and the final profile is saved.
func (m *SessionManager) Disconnect(deviceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s not connected", deviceID)
	}

	s.Pipeline.Abandon()
	err := m.saveSession(s)
	Opsf("device %s disconnected (session %s)", deviceID, s.ID)
	return err
}

// Process routes one sample through its device's pipeline, connecting the
// device if this is its first sample. The frame interval is the wall time
// since the device's previous sample.
func (m *SessionManager) Process(sample Sample) (Vec6, Diagnostics, error) {
	m.mu.Lock()
	s, err := m.connectLocked(sample.DeviceID)
	m.mu.Unlock()
	if err != nil {
		return Vec6{}, Diagnostics{}, err
	}

	now := m.clock.Now()
	var dt time.Duration
	if !s.lastFrame.IsZero() {
		dt = now.Sub(s.lastFrame)
	}
	s.lastFrame = now

	out, diag := s.Pipeline.Process(Vec2{X: sample.X, Y: sample.Y}, dt)
	return out, diag, nil
}

// Session returns the live session for a device.
func (m *SessionManager) Session(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Sessions returns all live sessions ordered by device ID.
func (m *SessionManager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// AdaptAll runs one background adaptation pass over every session and
// logs resulting steps to the event store. Returns how many sessions took
// a training step.
func (m *SessionManager) AdaptAll() int {
	steps := 0
	for _, s := range m.Sessions() {
		rep, ok := s.Pipeline.Adapt()
		if !ok {
			continue
		}
		steps++
		Tracef("device %s: adaptation step %d loss %.6f batch %d",
			s.DeviceID, rep.Step, rep.Loss, rep.BatchSize)
		if m.cfg.Store == nil {
			continue
		}
		_, err := m.cfg.Store.InsertAdaptationEvent(&AdaptationEvent{
			DeviceID:         s.DeviceID,
			RunID:            rep.RunID.String(),
			Step:             rep.Step,
			Loss:             rep.Loss,
			BatchSize:        rep.BatchSize,
			Mode:             s.Pipeline.Mode().String(),
			CreatedUnixNanos: m.clock.Now().UnixNano(),
		})
		if err != nil {
			Opsf("device %s: adaptation event insert failed: %v", s.DeviceID, err)
		}
	}
	return steps
}

// SaveAll persists every live session's profile. Failures are logged per
// device; the last error is returned.
func (m *SessionManager) SaveAll() error {
	var last error
	for _, s := range m.Sessions() {
		if err := m.saveSession(s); err != nil {
			Opsf("device %s: profile save failed: %v", s.DeviceID, err)
			last = err
		}
	}
	return last
}

func (m *SessionManager) saveSession(s *Session) error {
	if m.cfg.Store == nil {
		return nil
	}
	prof := s.Pipeline.ExportProfile()
	blob, err := EncodeProfile(prof)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = m.cfg.Store.UpsertProfile(&ProfileRecord{
		DeviceID:       s.DeviceID,
		SavedUnixNanos: prof.SavedUnixNanos,
		Mode:           s.Pipeline.Mode().String(),
		Frames:         prof.Frames,
		TrainSteps:     prof.TrainSteps,
		ProfileBlob:    blob,
	})
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	Diagf("device %s: profile saved (%d lifetime frames, %d train steps)",
		s.DeviceID, prof.Frames, prof.TrainSteps)
	return nil
}
