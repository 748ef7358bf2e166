package viewer

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func gridFrom(rows ...[]float64) *Grid {
	g := NewGrid(len(rows[0]), len(rows))
	for y, r := range rows {
		copy(g.Values[y], r)
	}
	return g
}

func TestThresholdSuppressionBand(t *testing.T) {
	g := gridFrom([]float64{-2, 0, 0.5, 2})
	out, err := ComposeSlice(g, nil, nil, DisplayTransform{ThresholdMin: -1, ThresholdMax: 1}, false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	row := out.Functional.Values[0]
	if row[0] != -2 || row[3] != 2 {
		t.Errorf("values outside the band must survive, got %v", row)
	}
	if !math.IsNaN(row[1]) || !math.IsNaN(row[2]) {
		t.Errorf("values inside [-1,1] must be suppressed, got %v", row)
	}
}

func TestZeroThresholdIsInactive(t *testing.T) {
	g := gridFrom([]float64{0, 0.5, -0.5})
	out, err := ComposeSlice(g, nil, nil, DisplayTransform{}, false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for i, v := range out.Functional.Values[0] {
		if math.IsNaN(v) {
			t.Errorf("cell %d suppressed with no threshold set", i)
		}
	}
}

func TestMaskingPrecedesThresholding(t *testing.T) {
	g := gridFrom([]float64{5, 0.5})
	mask := gridFrom([]float64{0, 1})
	tr := DisplayTransform{ThresholdMin: -1, ThresholdMax: 1}

	out, err := ComposeSlice(g, nil, mask, tr, false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	row := out.Functional.Values[0]

	// mask=0 removes the cell regardless of threshold bounds.
	if !math.IsNaN(row[0]) {
		t.Errorf("masked cell survived: %v", row[0])
	}
	// mask=1 with a value inside the band is removed by the threshold.
	if !math.IsNaN(row[1]) {
		t.Errorf("in-band cell survived threshold: %v", row[1])
	}

	// Without the threshold, the mask=1 cell survives: proves the NaN
	// above came from suppression, not masking.
	out, err = ComposeSlice(g, nil, mask, DisplayTransform{}, false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if out.Functional.Values[0][1] != 0.5 {
		t.Errorf("mask=1 cell should survive without threshold, got %v", out.Functional.Values[0][1])
	}
}

func TestAnatomicalMaskedButNotThresholded(t *testing.T) {
	funct := gridFrom([]float64{0.5, 0.5})
	anat := gridFrom([]float64{0.7, 0.7})
	mask := gridFrom([]float64{0, 1})
	tr := DisplayTransform{ThresholdMin: -1, ThresholdMax: 1}

	out, err := ComposeSlice(funct, anat, mask, tr, false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if !math.IsNaN(out.Anatomical.Values[0][0]) {
		t.Errorf("anatomical must be masked")
	}
	if out.Anatomical.Values[0][1] != 0.7 {
		t.Errorf("anatomical must keep its own intensity scale under threshold, got %v", out.Anatomical.Values[0][1])
	}
	if !math.IsNaN(out.Functional.Values[0][1]) {
		t.Errorf("functional in-band cell must be suppressed")
	}
}

func TestComposeRejectsShapeMismatch(t *testing.T) {
	funct := gridFrom([]float64{1, 2, 3})
	short := gridFrom([]float64{1, 2})

	if _, err := ComposeSlice(funct, nil, short, DisplayTransform{}, false); err == nil {
		t.Fatal("expected error for short mask")
	}
	if _, err := ComposeSlice(funct, short, nil, DisplayTransform{}, false); err == nil {
		t.Fatal("expected error for short anatomical")
	}
}

func TestComposeDoesNotMutateInputs(t *testing.T) {
	g := gridFrom([]float64{0.5})
	mask := gridFrom([]float64{0})
	if _, err := ComposeSlice(g, nil, mask, DisplayTransform{}, false); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if math.IsNaN(g.Values[0][0]) {
		t.Fatal("compose mutated the input grid")
	}
}

func TestRowMarshalsNaNAsNull(t *testing.T) {
	row := Row{1.5, math.NaN(), -2}
	b, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(b); got != "[1.5,null,-2]" {
		t.Fatalf("unexpected encoding: %s", got)
	}
}

func TestCoordinateLabels(t *testing.T) {
	geom := VolumeGeometry{X: 3, Y: 2, Z: 4}
	labels := CoordinateLabels(geom, AxisZ, Triple{X: 0, Y: 0, Z: 2})

	if len(labels) != 2 || len(labels[0]) != 3 {
		t.Fatalf("expected 2x3 label grid, got %dx%d", len(labels), len(labels[0]))
	}
	if labels[1][2] != "x=2, y=1, z=2" {
		t.Errorf("unexpected label: %q", labels[1][2])
	}
	if !strings.Contains(labels[0][0], "z=2") {
		t.Errorf("fixed axis must come from the panel index: %q", labels[0][0])
	}
}
