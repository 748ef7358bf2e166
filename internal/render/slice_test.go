package render

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
)

func testSlice() *viewer.ComposedSlice {
	f := viewer.NewGrid(4, 3)
	for v := 0; v < 3; v++ {
		for x := 0; x < 4; x++ {
			f.Values[v][x] = float64(v*4 + x)
		}
	}
	f.Values[1][1] = math.NaN()

	a := viewer.NewGrid(4, 3)
	for v := 0; v < 3; v++ {
		for x := 0; x < 4; x++ {
			a.Values[v][x] = 100
		}
	}
	return &viewer.ComposedSlice{Functional: f, Anatomical: a}
}

func TestRenderPanelDimensions(t *testing.T) {
	r := NewSliceRenderer(Config{Scale: 2})

	data, err := r.RenderPanel(testSlice(), viewer.DisplayTransform{}, nil, 0, 11)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 8 || b.Dy() != 6 {
		t.Fatalf("expected 8x6 image, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderPanelWithOverlay(t *testing.T) {
	r := NewSliceRenderer(Config{Scale: 3})

	overlay := &viewer.PanelOverlay{
		Lines: []viewer.Line{
			{X1: 0, Y1: 1, X2: 3, Y2: 1},
			{X1: 1, Y1: 0, X2: 1, Y2: 2},
		},
		Labels: []viewer.DirectionLabel{
			{Text: "L", X: 0, Y: 1},
			{Text: "R", X: 3, Y: 1},
		},
	}

	data, err := r.RenderPanel(testSlice(), viewer.DisplayTransform{ColormapID: "cold_hot", Opacity: 0.7}, overlay, 0, 11)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("decode png: %v", err)
	}
}

func TestEmptyPanel(t *testing.T) {
	r := NewSliceRenderer(Config{Scale: 1})
	data, err := r.EmptyPanel(5, 5)
	if err != nil {
		t.Fatalf("empty panel: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 5 {
		t.Fatalf("unexpected width %d", img.Bounds().Dx())
	}
}
