// Package monitor provides the HTTP observability surface for the
// conditioning daemon: a status page, a JSON stats API over the live device
// sessions, an SSE stream of per-frame diagnostics, chart pages, and a
// stick-position heatmap.
package monitor

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/helmworks/steadystick/internal/config"
	"github.com/helmworks/steadystick/internal/db"
	"github.com/helmworks/steadystick/internal/httputil"
	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer handles the HTTP interface for monitoring conditioning sessions.
// It provides endpoints for health checks and real-time status information.
type WebServer struct {
	address string
	manager *stick.SessionManager
	stats   *FrameStats
	hub     *Hub
	store   stick.ProfileStore
	tuning  *config.TuningConfig
	server  *http.Server
	mux     *http.ServeMux

	udpAddr    string
	serialPort string
	neuralOn   bool
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Manager *stick.SessionManager
	Stats   *FrameStats
	Hub     *Hub
	// Store serves the adaptation-event and profile endpoints; nil hides
	// them with 503.
	Store stick.ProfileStore
	// DB attaches the SQL debug mount and backup handler when set.
	DB *db.DB
	// Tuning is reported by /api/params; nil reports the defaults.
	Tuning *config.TuningConfig

	// Descriptive fields for the status page.
	UDPAddr       string
	SerialPort    string
	NeuralEnabled bool
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    cfg.Address,
		manager:    cfg.Manager,
		stats:      cfg.Stats,
		hub:        cfg.Hub,
		store:      cfg.Store,
		tuning:     cfg.Tuning,
		udpAddr:    cfg.UDPAddr,
		serialPort: cfg.SerialPort,
		neuralOn:   cfg.NeuralEnabled,
	}

	ws.mux = ws.setupRoutes()
	if cfg.DB != nil {
		if err := cfg.DB.AttachAdminRoutes(ws.mux); err != nil {
			log.Printf("monitor: attach db admin routes: %v", err)
		}
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.mux,
	}
	return ws
}

// Mux exposes the underlying mux so the daemon can attach extra admin
// routes (serial bridge console) before Start.
func (ws *WebServer) Mux() *http.ServeMux {
	return ws.mux
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)

	mux.HandleFunc("/api/devices", ws.handleDevices)
	mux.HandleFunc("/api/device", ws.handleDevice)
	mux.HandleFunc("/api/history", ws.handleHistory)
	mux.HandleFunc("/api/perf", ws.handlePerf)
	mux.HandleFunc("/api/episodes", ws.handleEpisodes)
	mux.HandleFunc("/api/events", ws.handleAdaptationEvents)
	mux.HandleFunc("/api/profiles", ws.handleProfiles)
	mux.HandleFunc("/api/params", ws.handleParams)
	mux.HandleFunc("/api/disconnect", ws.handleDisconnect)

	mux.HandleFunc("/events", ws.handleEventStream)

	mux.HandleFunc("/charts/", ws.handleDashboard)
	mux.HandleFunc("/charts/timeline", ws.handleTimelineChart)
	mux.HandleFunc("/charts/deadzone", ws.handleDeadzoneChart)
	mux.HandleFunc("/charts/costs", ws.handleStageCostChart)
	mux.HandleFunc("/charts/heatmap.png", ws.handleHeatmapPNG)

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "stickd", "version": %q, "timestamp": "%s"}`,
		version.String(), time.Now().UTC().Format(time.RFC3339))
}

// statusDevice is one row of the status page device table.
type statusDevice struct {
	DeviceID   string
	Mode       string
	Lambda     string
	Confidence string
	Deadzone   string
	Frames     uint64
	Fallback   bool
}

// handleStatus handles the main status page endpoint
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	serialStatus := "disabled"
	if ws.serialPort != "" {
		serialStatus = ws.serialPort
	}
	udpStatus := "disabled"
	if ws.udpAddr != "" {
		udpStatus = ws.udpAddr
	}
	neuralStatus := "disabled (statistical-only session)"
	if ws.neuralOn {
		neuralStatus = "enabled"
	}

	var devices []statusDevice
	if ws.manager != nil {
		for _, s := range ws.manager.Sessions() {
			d := s.Pipeline.Diagnostics()
			devices = append(devices, statusDevice{
				DeviceID:   s.DeviceID,
				Mode:       d.Mode.String(),
				Lambda:     fmt.Sprintf("%.2f", d.Lambda),
				Confidence: fmt.Sprintf("%.2f", d.Confidence),
				Deadzone:   fmt.Sprintf("%.3f", d.Deadzone),
				Frames:     d.FrameCount,
				Fallback:   d.FallbackActive,
			})
		}
	}

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var uptime string
	var snap *StatsSnapshot
	if ws.stats != nil {
		uptime = ws.stats.GetUptime().Round(time.Second).String()
		snap = ws.stats.GetLatestSnapshot()
	}

	data := struct {
		Version      string
		HTTPAddress  string
		UDPStatus    string
		SerialStatus string
		NeuralStatus string
		Uptime       string
		Stats        *StatsSnapshot
		Devices      []statusDevice
	}{
		Version:      version.Version,
		HTTPAddress:  ws.address,
		UDPStatus:    udpStatus,
		SerialStatus: serialStatus,
		NeuralStatus: neuralStatus,
		Uptime:       uptime,
		Stats:        snap,
		Devices:      devices,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleEventStream streams per-frame diagnostics as server-sent events.
func (ws *WebServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if ws.hub == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	// Optional device filter: only forward events for this device.
	deviceID := r.URL.Query().Get("device_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := ws.hub.Subscribe()
	defer ws.hub.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if deviceID != "" && !eventMatchesDevice(payload, deviceID) {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// eventMatchesDevice checks the encoded event's device without a full JSON
// decode. FrameEvent marshals device_id first, so a prefix match suffices.
func eventMatchesDevice(payload, deviceID string) bool {
	prefix := `{"device_id":"` + deviceID + `"`
	return len(payload) >= len(prefix) && payload[:len(prefix)] == prefix
}
