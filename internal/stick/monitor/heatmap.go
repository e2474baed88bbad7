package monitor

import (
	"fmt"
	"image/color"
	"math"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/helmworks/steadystick/internal/httputil"
	"github.com/helmworks/steadystick/internal/stick"
)

// heatmapBins is the per-axis resolution of the position density grid.
const heatmapBins = 40

// heatmapExtent pads the normalized stick range so edge positions land
// inside the grid.
const heatmapExtent = 1.2

// positionGrid is a dense occupancy count over the stick plane,
// implementing plotter.GridXYZ for the heatmap renderer.
type positionGrid struct {
	counts [heatmapBins][heatmapBins]float64
}

func (g *positionGrid) Dims() (c, r int) { return heatmapBins, heatmapBins }

func (g *positionGrid) Z(c, r int) float64 { return g.counts[c][r] }

func (g *positionGrid) X(c int) float64 {
	return -heatmapExtent + (float64(c)+0.5)*(2*heatmapExtent/heatmapBins)
}

func (g *positionGrid) Y(r int) float64 {
	return -heatmapExtent + (float64(r)+0.5)*(2*heatmapExtent/heatmapBins)
}

// binPositions accumulates the diagnostic history into an occupancy grid.
// Points outside the padded extent are clamped into the edge bins.
func binPositions(hist []stick.DiagPoint) *positionGrid {
	g := &positionGrid{}
	for _, pt := range hist {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
			continue
		}
		c := int((pt.X + heatmapExtent) / (2 * heatmapExtent / heatmapBins))
		r := int((pt.Y + heatmapExtent) / (2 * heatmapExtent / heatmapBins))
		if c < 0 {
			c = 0
		}
		if c >= heatmapBins {
			c = heatmapBins - 1
		}
		if r < 0 {
			r = 0
		}
		if r >= heatmapBins {
			r = heatmapBins - 1
		}
		g.counts[c][r]++
	}
	return g
}

// deadzoneRing builds a circle of the given radius for overlaying the
// dead-zone boundary on the heatmap.
func deadzoneRing(radius float64) plotter.XYs {
	const segments = 64
	pts := make(plotter.XYs, segments+1)
	for i := 0; i <= segments; i++ {
		theta := 2 * math.Pi * float64(i) / segments
		pts[i] = plotter.XY{X: radius * math.Cos(theta), Y: radius * math.Sin(theta)}
	}
	return pts
}

// RenderPositionHeatmap plots the position occupancy of the diagnostic ring
// with the current dead-zone circle overlaid.
func RenderPositionHeatmap(hist []stick.DiagPoint, deadzone float64) (*plot.Plot, error) {
	grid := binPositions(hist)

	p := plot.New()
	p.Title.Text = "Stick Position Density"
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.X.Min = -heatmapExtent
	p.X.Max = heatmapExtent
	p.Y.Min = -heatmapExtent
	p.Y.Max = heatmapExtent

	hm := plotter.NewHeatMap(grid, moreland.BlackBody().Palette(255))
	p.Add(hm)

	if deadzone > 0 {
		ring, err := plotter.NewLine(deadzoneRing(deadzone))
		if err != nil {
			return nil, fmt.Errorf("deadzone ring: %w", err)
		}
		ring.Color = color.RGBA{R: 0x6e, G: 0xee, B: 0xcc, A: 255}
		ring.Width = vg.Points(1)
		p.Add(ring)
		p.Legend.Add("deadzone", ring)
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
	}

	return p, nil
}

// handleHeatmapPNG serves the position density heatmap for one device as a
// rendered PNG.
func (ws *WebServer) handleHeatmapPNG(w http.ResponseWriter, r *http.Request) {
	s, ok := ws.chartSession(w, r)
	if !ok {
		return
	}

	hist := s.Pipeline.History()
	if len(hist) == 0 {
		httputil.NotFound(w, "no diagnostic history for device "+s.DeviceID)
		return
	}

	p, err := RenderPositionHeatmap(hist, s.Pipeline.Diagnostics().Deadzone)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build heatmap: %v", err))
		return
	}

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render heatmap: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Client likely disconnected mid-write, nothing to recover.
		return
	}
}
