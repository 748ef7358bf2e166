package viewer

import (
	"fmt"
	"math"
	"strconv"
)

// Row is one horizontal line of slice intensities. NaN marks cells with
// no displayable value; it is encoded as JSON null so the frontend can
// skip them.
type Row []float64

// MarshalJSON encodes NaN (and infinities) as null.
func (r Row) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 1+len(r)*8)
	buf = append(buf, '[')
	for i, v := range r {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf = append(buf, "null"...)
		} else {
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

// Grid is a 2-D slice array in display orientation: Values[v][h], with
// v the panel's vertical display axis and h the horizontal one.
type Grid struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Values []Row `json:"values"`
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) *Grid {
	values := make([]Row, height)
	for i := range values {
		values[i] = make(Row, width)
	}
	return &Grid{Width: width, Height: height, Values: values}
}

// Clone deep-copies the grid.
func (g *Grid) Clone() *Grid {
	out := NewGrid(g.Width, g.Height)
	for y := range g.Values {
		copy(out.Values[y], g.Values[y])
	}
	return out
}

func (g *Grid) sameShape(o *Grid) bool {
	return o != nil && g.Width == o.Width && g.Height == o.Height
}

// DisplayTransform carries the panel display options owned by the
// visualization-options component. The slice composer and the renderer
// read it; navigation never writes it.
type DisplayTransform struct {
	ColorMin     float64 `json:"color_min"`
	ColorMax     float64 `json:"color_max"`
	ThresholdMin float64 `json:"threshold_min"`
	ThresholdMax float64 `json:"threshold_max"`
	Opacity      float64 `json:"opacity"`
	ColormapID   string  `json:"colormap_id"`
}

// ThresholdActive reports whether the suppression band is in effect:
// either bound nonzero.
func (t DisplayTransform) ThresholdActive() bool {
	return t.ThresholdMin != 0 || t.ThresholdMax != 0
}

// ComposedSlice is the post-processed output for one panel.
type ComposedSlice struct {
	Functional *Grid `json:"functional"`
	Anatomical *Grid `json:"anatomical,omitempty"`
	// Labels parallels Functional with human-readable voxel
	// coordinates for hover display, when requested.
	Labels [][]string `json:"labels,omitempty"`
}

// ComposeSlice applies the display composition to one panel's arrays,
// in a fixed order: masking first, then threshold suppression. The two
// steps are applied independently per array; the anatomical background
// is masked but keeps its own intensity scale, so it is only
// threshold-suppressed when thresholdAnatomical is set.
//
// A mask cell counts as inside the mask only when its value is exactly
// 1. The threshold band is a suppression band, not a pass-band: values
// inside [ThresholdMin, ThresholdMax] (inclusive) are removed.
//
// The input grids are not mutated. Mismatched mask or anatomical shapes
// are an error so a short response can never misindex the display.
func ComposeSlice(functional, anatomical, mask *Grid, t DisplayTransform, thresholdAnatomical bool) (ComposedSlice, error) {
	if functional == nil {
		return ComposedSlice{}, fmt.Errorf("compose: missing functional slice")
	}
	if mask != nil && !functional.sameShape(mask) {
		return ComposedSlice{}, fmt.Errorf("compose: mask shape %dx%d does not match slice %dx%d",
			mask.Width, mask.Height, functional.Width, functional.Height)
	}
	if anatomical != nil && !functional.sameShape(anatomical) {
		return ComposedSlice{}, fmt.Errorf("compose: anatomical shape %dx%d does not match slice %dx%d",
			anatomical.Width, anatomical.Height, functional.Width, functional.Height)
	}

	out := ComposedSlice{Functional: functional.Clone()}
	if anatomical != nil {
		out.Anatomical = anatomical.Clone()
	}

	if mask != nil {
		applyMask(out.Functional, mask)
		if out.Anatomical != nil {
			applyMask(out.Anatomical, mask)
		}
	}
	if t.ThresholdActive() {
		applyThreshold(out.Functional, t.ThresholdMin, t.ThresholdMax)
		if out.Anatomical != nil && thresholdAnatomical {
			applyThreshold(out.Anatomical, t.ThresholdMin, t.ThresholdMax)
		}
	}
	return out, nil
}

func applyMask(g, mask *Grid) {
	for y := range g.Values {
		for x := range g.Values[y] {
			if mask.Values[y][x] != 1 {
				g.Values[y][x] = math.NaN()
			}
		}
	}
}

func applyThreshold(g *Grid, lo, hi float64) {
	if hi < lo {
		lo, hi = hi, lo
	}
	for y := range g.Values {
		for x := range g.Values[y] {
			v := g.Values[y][x]
			if !math.IsNaN(v) && v >= lo && v <= hi {
				g.Values[y][x] = math.NaN()
			}
		}
	}
}

// CoordinateLabels builds the hover-label array for a panel: for every
// display cell, the full voxel triple it addresses.
func CoordinateLabels(geom VolumeGeometry, fixed Axis, idx Triple) [][]string {
	h, v := PlaneAxes(fixed)
	width := geom.Extent(h)
	height := geom.Extent(v)

	labels := make([][]string, height)
	for j := 0; j < height; j++ {
		labels[j] = make([]string, width)
		for i := 0; i < width; i++ {
			var t Triple
			t.Set(fixed, idx.Get(fixed))
			t.Set(h, i)
			t.Set(v, j)
			labels[j][i] = fmt.Sprintf("x=%d, y=%d, z=%d", t.X, t.Y, t.Z)
		}
	}
	return labels
}
