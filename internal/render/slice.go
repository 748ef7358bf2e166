// Package render provides slice rendering using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
	"github.com/tsb46/fmri-findviz-sub001/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Scale           int
	DefaultColormap string
}

// SliceRenderer draws composed slices as PNG panels: an anatomical
// grayscale underlay, the functional overlay on top, and the optional
// crosshair and direction markers.
type SliceRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewSliceRenderer creates a new slice renderer.
func NewSliceRenderer(cfg Config) *SliceRenderer {
	if cfg.Scale <= 0 {
		cfg.Scale = 4
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &SliceRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderPanel renders one composed panel. dataMin and dataMax give the
// functional intensity range used when the transform carries no color
// bounds. Slices are drawn with grid row 0 at the bottom.
func (r *SliceRenderer) RenderPanel(
	slice *viewer.ComposedSlice,
	t viewer.DisplayTransform,
	overlay *viewer.PanelOverlay,
	dataMin, dataMax float64,
) ([]byte, error) {
	w := slice.Functional.Width
	h := slice.Functional.Height
	scale := float64(r.config.Scale)

	// Panels vary in size with the dataset, so contexts are not pooled.
	dc := gg.NewContext(w*r.config.Scale, h*r.config.Scale)
	dc.SetColor(color.Black)
	dc.Clear()

	if slice.Anatomical != nil {
		r.drawGrid(dc, slice.Anatomical, colormap.Gray, gridRange(slice.Anatomical), 1.0)
	}

	lo, hi := dataMin, dataMax
	if t.ColorMin != 0 || t.ColorMax != 0 {
		lo, hi = t.ColorMin, t.ColorMax
	}
	opacity := t.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	cmapID := t.ColormapID
	if cmapID == "" {
		cmapID = r.config.DefaultColormap
	}
	r.drawGrid(dc, slice.Functional, colormap.ByID(cmapID), [2]float64{lo, hi}, opacity)

	if overlay != nil {
		r.drawOverlay(dc, overlay, scale)
	}

	return r.encodeContext(dc)
}

// drawGrid fills one rectangle per voxel. NaN cells are skipped so the
// underlay (or background) shows through.
func (r *SliceRenderer) drawGrid(dc *gg.Context, g *viewer.Grid, cmap colormap.Colormap, rng [2]float64, opacity float64) {
	scale := float64(r.config.Scale)
	span := rng[1] - rng[0]
	if span == 0 {
		span = 1
	}

	for v := 0; v < g.Height; v++ {
		py := float64(g.Height-1-v) * scale
		for x := 0; x < g.Width; x++ {
			val := g.Values[v][x]
			if math.IsNaN(val) || math.IsInf(val, 0) {
				continue
			}
			norm := (val - rng[0]) / span
			cr, cg, cb, _ := cmap.At(norm).RGBA()
			dc.SetRGBA(float64(cr)/65535, float64(cg)/65535, float64(cb)/65535, opacity)
			dc.DrawRectangle(float64(x)*scale, py, scale, scale)
			dc.Fill()
		}
	}
}

func (r *SliceRenderer) drawOverlay(dc *gg.Context, overlay *viewer.PanelOverlay, scale float64) {
	height := float64(dc.Height())

	dc.SetRGBA(1, 0, 0, 0.9)
	dc.SetLineWidth(1)
	for _, ln := range overlay.Lines {
		// Line endpoints are in grid coordinates; center them on the
		// voxel and flip vertically to match the drawn orientation.
		x1 := (ln.X1 + 0.5) * scale
		x2 := (ln.X2 + 0.5) * scale
		y1 := height - (ln.Y1+0.5)*scale
		y2 := height - (ln.Y2+0.5)*scale
		dc.DrawLine(x1, y1, x2, y2)
		dc.Stroke()
	}

	dc.SetColor(color.White)
	for _, lb := range overlay.Labels {
		x := (lb.X + 0.5) * scale
		y := height - (lb.Y+0.5)*scale
		dc.DrawStringAnchored(lb.Text, x, y, 0.5, 0.5)
	}
}

func gridRange(g *viewer.Grid) [2]float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range g.Values {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if lo > hi {
		return [2]float64{0, 1}
	}
	return [2]float64{lo, hi}
}

func (r *SliceRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyPanel creates a transparent placeholder panel.
func (r *SliceRenderer) EmptyPanel(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w*r.config.Scale, h*r.config.Scale))

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
