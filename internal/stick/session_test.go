package stick

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/helmworks/steadystick/internal/timeutil"
)

// memStore is an in-memory ProfileStore for tests.
type memStore struct {
	mu         sync.Mutex
	profiles   map[string]*ProfileRecord
	events     []*AdaptationEvent
	upserts    int
	failUpsert bool
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]*ProfileRecord)}
}

func (s *memStore) UpsertProfile(r *ProfileRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return 0, fmt.Errorf("store unavailable")
	}
	s.upserts++
	cp := *r
	cp.ID = int64(s.upserts)
	s.profiles[r.DeviceID] = &cp
	return cp.ID, nil
}

func (s *memStore) GetProfile(deviceID string) (*ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.profiles[deviceID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListProfiles() ([]*ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProfileRecord, 0, len(s.profiles))
	for _, r := range s.profiles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) InsertAdaptationEvent(e *AdaptationEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = int64(len(s.events) + 1)
	s.events = append(s.events, &cp)
	return cp.ID, nil
}

func (s *memStore) RecentAdaptationEvents(deviceID string, limit int) ([]*AdaptationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AdaptationEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].DeviceID == deviceID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Unknown devices connect on their first sample and sessions list in
// device order.
func TestManagerAutoConnect(t *testing.T) {
	m := NewSessionManager(ManagerConfig{Params: DefaultParams()})

	if _, _, err := m.Process(Sample{DeviceID: "pad-b", X: 0.1}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, _, err := m.Process(Sample{DeviceID: "pad-a", X: 0.1}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, _, err := m.Process(Sample{X: 0.1}); err == nil {
		t.Fatalf("empty device ID accepted")
	}

	sessions := m.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].DeviceID != "pad-a" || sessions[1].DeviceID != "pad-b" {
		t.Fatalf("sessions out of order: %s, %s", sessions[0].DeviceID, sessions[1].DeviceID)
	}
	if sessions[0].ID == sessions[1].ID {
		t.Fatalf("sessions share an ID")
	}

	s, ok := m.Session("pad-a")
	if !ok || s.Pipeline == nil {
		t.Fatalf("session lookup failed")
	}
}

// Disconnect saves the profile, tears the session down, and a second
// disconnect is an error.
func TestManagerDisconnectSavesProfile(t *testing.T) {
	store := newMemStore()
	m := NewSessionManager(ManagerConfig{Params: DefaultParams(), Store: store})

	for i := 0; i < 50; i++ {
		m.Process(Sample{DeviceID: "pad-a", X: 0.02})
	}
	if err := m.Disconnect("pad-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := m.Session("pad-a"); ok {
		t.Fatalf("session survived disconnect")
	}
	if err := m.Disconnect("pad-a"); err == nil {
		t.Fatalf("second disconnect did not fail")
	}

	rec, err := store.GetProfile("pad-a")
	if err != nil {
		t.Fatalf("saved profile missing: %v", err)
	}
	if rec.Frames != 50 {
		t.Fatalf("saved frames = %d, want 50", rec.Frames)
	}
	prof, err := DecodeProfile(rec.ProfileBlob)
	if err != nil {
		t.Fatalf("saved blob undecodable: %v", err)
	}
	if prof.DeviceID != "pad-a" || prof.Calibration.Samples != 50 {
		t.Fatalf("saved profile wrong: %+v", prof)
	}
}

// A reconnecting device gets its calibration state back through the
// store round trip.
func TestManagerReconnectRestores(t *testing.T) {
	store := newMemStore()
	m := NewSessionManager(ManagerConfig{Params: DefaultParams(), Store: store})

	for i := 0; i < 150; i++ {
		m.Process(Sample{DeviceID: "pad-a", X: 0.03})
	}
	if err := m.Disconnect("pad-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	s, err := m.Connect("pad-a")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	snap := s.Pipeline.CalibrationSnapshot()
	if snap.Samples != 150 {
		t.Fatalf("restored samples = %d, want 150", snap.Samples)
	}
	if snap.Mu.X == 0 {
		t.Fatalf("restored mean lost the rest bias")
	}
	if s.Pipeline.ExportProfile().Sessions != 2 {
		t.Fatalf("restored session counter = %d, want 2", s.Pipeline.ExportProfile().Sessions)
	}
}

// A corrupt stored blob falls back to a cold start instead of failing the
// connect.
func TestManagerCorruptProfileColdStarts(t *testing.T) {
	store := newMemStore()
	store.profiles["pad-a"] = &ProfileRecord{DeviceID: "pad-a", ProfileBlob: []byte("garbage")}
	m := NewSessionManager(ManagerConfig{Params: DefaultParams(), Store: store})

	s, err := m.Connect("pad-a")
	if err != nil {
		t.Fatalf("connect with corrupt profile: %v", err)
	}
	if s.Pipeline.CalibrationSnapshot().Samples != 0 {
		t.Fatalf("corrupt profile produced a warm pipeline")
	}
}

// SaveAll writes one record per live device and reports failures.
func TestManagerSaveAll(t *testing.T) {
	store := newMemStore()
	m := NewSessionManager(ManagerConfig{Params: DefaultParams(), Store: store})
	m.Process(Sample{DeviceID: "pad-a", X: 0.1})
	m.Process(Sample{DeviceID: "pad-b", X: 0.1})

	if err := m.SaveAll(); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if store.upsertCount() != 2 {
		t.Fatalf("upserts = %d, want 2", store.upsertCount())
	}

	store.failUpsert = true
	if err := m.SaveAll(); err == nil {
		t.Fatalf("save all with failing store returned nil")
	}
}

// AdaptAll runs the pending few-shot fit and records an adaptation event.
func TestManagerAdaptAllRecordsEvents(t *testing.T) {
	params := DefaultParams()
	params.Blend.RampWindow = 500 * time.Millisecond
	params.Blend.RampMinConfidence = 0.05
	params.MicroGame.Duration = time.Second

	store := newMemStore()
	m := NewSessionManager(ManagerConfig{
		Params: params,
		Clock:  timeutil.NewMockClock(time.Unix(0, 0)), // frozen: frames run at nominal dt
		Store:  store,
		Meta:   NewRandomWeights(3),
	})

	// Drive the device through statistical foundation and the
	// micro-game; every frame uses the 60 Hz nominal interval.
	m.Process(Sample{DeviceID: "pad-a", X: 0.5})
	for i := 0; i < 120; i++ {
		m.Process(Sample{DeviceID: "pad-a"})
	}
	s, _ := m.Session("pad-a")
	if s.Pipeline.Mode() != ModeAdaptation {
		t.Fatalf("pipeline mode = %v, want adaptation", s.Pipeline.Mode())
	}

	if steps := m.AdaptAll(); steps != 1 {
		t.Fatalf("adapt steps = %d, want 1", steps)
	}
	if store.eventCount() != 1 {
		t.Fatalf("events = %d, want 1", store.eventCount())
	}
	events, err := store.RecentAdaptationEvents("pad-a", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent events = (%v, %v)", events, err)
	}
	if events[0].RunID == "" || events[0].BatchSize == 0 {
		t.Fatalf("bad event: %+v", events[0])
	}

	// Nothing pending: no further steps, no further events.
	if steps := m.AdaptAll(); steps != 0 {
		t.Fatalf("idle adapt steps = %d, want 0", steps)
	}
}

// Frame intervals come from the wall clock between a device's samples.
func TestManagerFrameInterval(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := NewSessionManager(ManagerConfig{Params: DefaultParams(), Clock: clock})

	m.Process(Sample{DeviceID: "pad-a", X: 0.2})
	clock.Advance(33 * time.Millisecond)
	m.Process(Sample{DeviceID: "pad-a", X: 0.2})

	s, _ := m.Session("pad-a")
	if got := s.lastFrame; !got.Equal(time.Unix(0, 0).Add(33 * time.Millisecond)) {
		t.Fatalf("lastFrame = %v, want 33ms mark", got)
	}
}

var _ ProfileStore = (*memStore)(nil)
