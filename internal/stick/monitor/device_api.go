package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/helmworks/steadystick/internal/config"
	"github.com/helmworks/steadystick/internal/httputil"
	"github.com/helmworks/steadystick/internal/stick"
)

// deviceSummary is the per-device row returned by the device list endpoint.
type deviceSummary struct {
	DeviceID       string    `json:"device_id"`
	SessionID      string    `json:"session_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	Mode           string    `json:"mode"`
	Lambda         float64   `json:"lambda"`
	Confidence     float64   `json:"confidence"`
	Deadzone       float64   `json:"deadzone"`
	Frames         uint64    `json:"frames"`
	NeuralActive   bool      `json:"neural_active"`
	FallbackActive bool      `json:"fallback_active"`
}

// handleDevices returns a summary of every connected device session.
func (ws *WebServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.manager == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session manager not configured")
		return
	}

	sessions := ws.manager.Sessions()
	out := make([]deviceSummary, 0, len(sessions))
	for _, s := range sessions {
		d := s.Pipeline.Diagnostics()
		out = append(out, deviceSummary{
			DeviceID:       s.DeviceID,
			SessionID:      s.ID.String(),
			ConnectedAt:    s.ConnectedAt,
			Mode:           d.Mode.String(),
			Lambda:         d.Lambda,
			Confidence:     d.Confidence,
			Deadzone:       d.Deadzone,
			Frames:         d.FrameCount,
			NeuralActive:   d.NeuralActive,
			FallbackActive: d.FallbackActive,
		})
	}

	httputil.WriteJSONOK(w, map[string]any{
		"count":   len(out),
		"devices": out,
	})
}

// requireSession resolves the device_id query parameter to a live session,
// writing the error response itself when the lookup fails.
func (ws *WebServer) requireSession(w http.ResponseWriter, r *http.Request) (*stick.Session, bool) {
	if ws.manager == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session manager not configured")
		return nil, false
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		httputil.BadRequest(w, "device_id parameter required")
		return nil, false
	}
	s, ok := ws.manager.Session(deviceID)
	if !ok {
		httputil.NotFound(w, "no session for device "+deviceID)
		return nil, false
	}
	return s, true
}

// handleDevice returns the full diagnostic state of one device session.
func (ws *WebServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s, ok := ws.requireSession(w, r)
	if !ok {
		return
	}

	cal := s.Pipeline.CalibrationSnapshot()
	httputil.WriteJSONOK(w, map[string]any{
		"device_id":    s.DeviceID,
		"session_id":   s.ID.String(),
		"connected_at": s.ConnectedAt,
		"diagnostics":  s.Pipeline.Diagnostics(),
		"calibration": map[string]any{
			"mu":      cal.Mu,
			"sigma":   cal.Sigma,
			"min":     cal.Min,
			"max":     cal.Max,
			"samples": cal.Samples,
		},
		"neural_enabled": s.Pipeline.NeuralEnabled(),
	})
}

// handleHistory returns the recent diagnostic ring for one device, newest
// last. An optional limit parameter trims to the most recent N points.
func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s, ok := ws.requireSession(w, r)
	if !ok {
		return
	}

	hist := s.Pipeline.History()
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			httputil.BadRequest(w, "invalid limit parameter")
			return
		}
		if limit < len(hist) {
			hist = hist[len(hist)-limit:]
		}
	}

	httputil.WriteJSONOK(w, map[string]any{
		"device_id": s.DeviceID,
		"count":     len(hist),
		"history":   hist,
	})
}

// handlePerf returns the stage timing snapshot for one device.
func (ws *WebServer) handlePerf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s, ok := ws.requireSession(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"device_id": s.DeviceID,
		"perf":      s.Pipeline.PerfSnapshot(),
	})
}

// handleEpisodes returns the completed micro-game episode results for one
// device.
func (ws *WebServer) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s, ok := ws.requireSession(w, r)
	if !ok {
		return
	}
	episodes := s.Pipeline.Episodes()
	httputil.WriteJSONOK(w, map[string]any{
		"device_id": s.DeviceID,
		"count":     len(episodes),
		"episodes":  episodes,
	})
}

// handleAdaptationEvents returns recent training steps for a device from
// the profile store.
func (ws *WebServer) handleAdaptationEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		httputil.BadRequest(w, "device_id parameter required")
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > 10000 {
			httputil.BadRequest(w, "invalid limit parameter")
			return
		}
		limit = n
	}

	events, err := ws.store.RecentAdaptationEvents(deviceID, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to query adaptation events: "+err.Error())
		return
	}
	out := make([]adaptationEventView, 0, len(events))
	for _, e := range events {
		out = append(out, adaptationEventView{
			ID:        e.ID,
			DeviceID:  e.DeviceID,
			RunID:     e.RunID,
			Step:      e.Step,
			Loss:      e.Loss,
			BatchSize: e.BatchSize,
			Mode:      e.Mode,
			CreatedAt: time.Unix(0, e.CreatedUnixNanos).UTC(),
		})
	}
	httputil.WriteJSONOK(w, map[string]any{
		"device_id": deviceID,
		"count":     len(out),
		"events":    out,
	})
}

// adaptationEventView is the JSON shape of one background training step.
type adaptationEventView struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	RunID     string    `json:"run_id"`
	Step      uint64    `json:"step"`
	Loss      float64   `json:"loss"`
	BatchSize int       `json:"batch_size"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// profileSummary describes a stored profile without its serialized blob.
type profileSummary struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	SavedAt    time.Time `json:"saved_at"`
	Mode       string    `json:"mode"`
	Frames     uint64    `json:"frames"`
	TrainSteps uint64    `json:"train_steps"`
	BlobBytes  int       `json:"blob_bytes"`
}

// handleProfiles lists every persisted device profile.
func (ws *WebServer) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}

	records, err := ws.store.ListProfiles()
	if err != nil {
		httputil.InternalServerError(w, "failed to list profiles: "+err.Error())
		return
	}
	out := make([]profileSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, profileSummary{
			ID:         rec.ID,
			DeviceID:   rec.DeviceID,
			SavedAt:    time.Unix(0, rec.SavedUnixNanos).UTC(),
			Mode:       rec.Mode,
			Frames:     rec.Frames,
			TrainSteps: rec.TrainSteps,
			BlobBytes:  len(rec.ProfileBlob),
		})
	}
	httputil.WriteJSONOK(w, map[string]any{
		"count":    len(out),
		"profiles": out,
	})
}

// handleParams reports the resolved tuning parameters the daemon is
// running with.
func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	c := ws.tuning
	if c == nil {
		c = config.EmptyTuningConfig()
	}
	httputil.WriteJSONOK(w, map[string]any{
		"calibration": map[string]any{
			"alpha":                   c.GetCalibrationAlpha(),
			"rest_threshold":          c.GetRestThreshold(),
			"percentile_threshold":    c.GetPercentileThreshold(),
			"min_trust_samples":       c.GetMinTrustSamples(),
			"sigma_multiplier":        c.GetSigmaMultiplier(),
			"fallback_deadzone":       c.GetFallbackDeadzone(),
			"envelope_decay":          c.GetEnvelopeDecay(),
			"full_confidence_samples": c.GetFullConfidenceSamples(),
			"drift_window":            c.GetDriftWindow(),
			"drift_threshold":         c.GetDriftThreshold(),
		},
		"kalman": map[string]any{
			"process_noise":          c.GetProcessNoise(),
			"measurement_noise_base": c.GetMeasurementNoiseBase(),
			"outlier_z_threshold":    c.GetOutlierZThreshold(),
			"outlier_r_multiplier":   c.GetOutlierRMultiplier(),
			"noise_decay":            c.GetNoiseDecay(),
			"confidence_recovery":    c.GetConfidenceRecovery(),
		},
		"training": map[string]any{
			"few_shot_learning_rate":  c.GetFewShotLearningRate(),
			"continual_learning_rate": c.GetContinualLearningRate(),
			"meta_pull_strength":      c.GetMetaPullStrength(),
			"replay_capacity":         c.GetReplayCapacity(),
			"adaptation_interval":     c.GetAdaptationInterval().String(),
			"adaptation_batch_size":   c.GetAdaptationBatchSize(),
		},
		"safety": map[string]any{
			"ramp_window":         c.GetRampWindow().String(),
			"ramp_min_confidence": c.GetRampMinConfidence(),
			"output_clamp":        c.GetOutputClamp(),
			"frame_budget":        c.GetFrameBudget().String(),
		},
		"micro_game": map[string]any{
			"duration":     c.GetMicroGameDuration().String(),
			"target_speed": c.GetMicroGameTargetSpeed(),
		},
		"profile_save_interval": c.GetProfileSaveInterval().String(),
	})
}

// handleDisconnect ends a device session, persisting its profile first.
func (ws *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.manager == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session manager not configured")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		httputil.BadRequest(w, "device_id parameter required")
		return
	}
	if err := ws.manager.Disconnect(deviceID); err != nil {
		httputil.NotFound(w, "disconnect failed: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"device_id":    deviceID,
		"disconnected": true,
	})
}
