package monitor

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/helmworks/steadystick/internal/httputil"
	"github.com/helmworks/steadystick/internal/stick"
)

// echartsAssetsPrefix serves the echarts JS bundle so chart pages work
// without a node toolchain in the deployment.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridisColors is the shared VisualMap gradient for scatter charts.
var viridisColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// chartSession resolves the device for a chart page: the device_id query
// parameter when present, otherwise the first connected session.
func (ws *WebServer) chartSession(w http.ResponseWriter, r *http.Request) (*stick.Session, bool) {
	if ws.manager == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session manager not configured")
		return nil, false
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID != "" {
		s, ok := ws.manager.Session(deviceID)
		if !ok {
			httputil.NotFound(w, "no session for device "+deviceID)
			return nil, false
		}
		return s, true
	}
	sessions := ws.manager.Sessions()
	if len(sessions) == 0 {
		httputil.NotFound(w, "no connected devices")
		return nil, false
	}
	return sessions[0], true
}

// handleDashboard renders a simple dashboard with iframes to the debug charts.
func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/charts/" && r.URL.Path != "/charts" {
		http.NotFound(w, r)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	safeDeviceID := html.EscapeString(deviceID)
	qs := ""
	if deviceID != "" {
		qs = "?device_id=" + url.QueryEscape(deviceID)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, safeDeviceID, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// handleTimelineChart renders the recent diagnostic ring of one device as a
// multi-series line chart: blend weight, confidence, innovation z-score and
// dead-zone radius against frame number.
func (ws *WebServer) handleTimelineChart(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.chartSession(w, r)
	if !ok {
		return
	}

	hist := s.Pipeline.History()
	if len(hist) == 0 {
		httputil.NotFound(w, "no diagnostic history for device "+s.DeviceID)
		return
	}

	frames := make([]string, 0, len(hist))
	lambda := make([]opts.LineData, 0, len(hist))
	confidence := make([]opts.LineData, 0, len(hist))
	zscore := make([]opts.LineData, 0, len(hist))
	deadzone := make([]opts.LineData, 0, len(hist))
	for _, pt := range hist {
		frames = append(frames, fmt.Sprintf("%d", pt.Frame))
		lambda = append(lambda, opts.LineData{Value: pt.Lambda})
		confidence = append(confidence, opts.LineData{Value: pt.Confidence})
		zscore = append(zscore, opts.LineData{Value: pt.ZScore})
		deadzone = append(deadzone, opts.LineData{Value: pt.Deadzone})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Conditioning Timeline", Theme: "dark", Width: "1400px", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Conditioning Timeline", Subtitle: fmt.Sprintf("device=%s mode=%s points=%d", s.DeviceID, s.Pipeline.Mode(), len(hist))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame"}),
	)
	line.SetXAxis(frames).
		AddSeries("lambda", lambda).
		AddSeries("confidence", confidence).
		AddSeries("z-score", zscore).
		AddSeries("deadzone", deadzone)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render timeline chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDeadzoneChart renders the recent filtered stick positions as a
// scatter colored by innovation z-score, on symmetric axes so the dead-zone
// circle reads correctly.
func (ws *WebServer) handleDeadzoneChart(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.chartSession(w, r)
	if !ok {
		return
	}

	hist := s.Pipeline.History()
	if len(hist) == 0 {
		httputil.NotFound(w, "no diagnostic history for device "+s.DeviceID)
		return
	}

	data := make([]opts.ScatterData, 0, len(hist))
	maxAbs := 0.0
	maxZ := 0.0
	for _, pt := range hist {
		if math.Abs(pt.X) > maxAbs {
			maxAbs = math.Abs(pt.X)
		}
		if math.Abs(pt.Y) > maxAbs {
			maxAbs = math.Abs(pt.Y)
		}
		if pt.ZScore > maxZ {
			maxZ = pt.ZScore
		}
		data = append(data, opts.ScatterData{Value: []interface{}{pt.X, pt.Y, pt.ZScore}})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxZ == 0 {
		maxZ = 1
	}

	deadzone := s.Pipeline.Diagnostics().Deadzone

	// Force a square plot by using equal width/height and symmetric axis ranges
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stick Positions", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Filtered Stick Positions", Subtitle: fmt.Sprintf("device=%s points=%d deadzone=%.3f", s.DeviceID, len(data), deadzone)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)

	scatter.AddSeries("positions", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleStageCostChart renders a bar chart of per-stage frame costs against
// the frame budget.
func (ws *WebServer) handleStageCostChart(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.chartSession(w, r)
	if !ok {
		return
	}

	perf := s.Pipeline.PerfSnapshot()

	toMicros := func(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e3 }

	x := []string{"Calibration", "Kalman", "Features", "Neural", "Blend", "Total"}
	avg := []opts.BarData{
		{Value: toMicros(perf.Calibration.Avg)},
		{Value: toMicros(perf.Kalman.Avg)},
		{Value: toMicros(perf.Features.Avg)},
		{Value: toMicros(perf.Neural.Avg)},
		{Value: toMicros(perf.Blend.Avg)},
		{Value: toMicros(perf.Total.Avg)},
	}
	max := []opts.BarData{
		{Value: toMicros(perf.Calibration.Max)},
		{Value: toMicros(perf.Kalman.Max)},
		{Value: toMicros(perf.Features.Max)},
		{Value: toMicros(perf.Neural.Max)},
		{Value: toMicros(perf.Blend.Max)},
		{Value: toMicros(perf.Total.Max)},
	}

	subtitle := fmt.Sprintf("device=%s budget=%s frames=%d overruns=%d fallback=%v at %s",
		s.DeviceID, perf.Budget, perf.Frames, perf.Overruns, perf.FallbackActive,
		time.Now().Format(time.RFC3339))

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Stage Costs (us)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("avg", avg,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("max", max)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// dashboardHTML is the iframe dashboard for the debug charts. The first
// format argument is the escaped device id (title), the second the escaped
// query string appended to each chart URL.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Conditioning Charts %s</title>
  <style>
    body { font-family: monospace; margin: 1rem 2rem; background: #111; color: #ddd; }
    h1 { font-size: 1.1rem; }
    .hint { color: #888; font-size: 0.85rem; }
    .row { display: flex; flex-wrap: wrap; gap: 1rem; }
    iframe { border: 1px solid #333; background: #111; }
    a { color: #6ec; }
  </style>
</head>
<body>
  <h1>Conditioning Charts %[1]s</h1>
  <p class="hint">
    <a href="/">status</a>
    <a href="/api/devices">devices</a>
    <a href="/events%[2]s">event stream</a>
  </p>
  <div class="row">
    <iframe src="/charts/timeline%[2]s" width="1420" height="760"></iframe>
    <iframe src="/charts/deadzone%[2]s" width="920" height="940"></iframe>
    <iframe src="/charts/costs%[2]s" width="920" height="760"></iframe>
    <img src="/charts/heatmap.png%[2]s" width="600" height="600" alt="position heatmap">
  </div>
</body>
</html>
`
