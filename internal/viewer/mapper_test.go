package viewer

import "testing"

func TestPlaneAxesTable(t *testing.T) {
	cases := []struct {
		fixed Axis
		h, v  Axis
	}{
		{AxisX, AxisY, AxisZ},
		{AxisY, AxisX, AxisZ},
		{AxisZ, AxisX, AxisY},
	}
	for _, c := range cases {
		h, v := PlaneAxes(c.fixed)
		if h != c.h || v != c.v {
			t.Errorf("PlaneAxes(%s): got (%s,%s), want (%s,%s)", c.fixed, h, v, c.h, c.v)
		}
	}
}

func TestInvertClickUpdatesOnlyDisplayAxes(t *testing.T) {
	geom := testGeom()

	// Axial panel: clicks map to (x, y); z untouched.
	p := InvertClick(geom, AxisZ, 10, 15)
	if p.X == nil || *p.X != 10 {
		t.Fatalf("expected x=10, got %+v", p.X)
	}
	if p.Y == nil || *p.Y != 15 {
		t.Fatalf("expected y=15, got %+v", p.Y)
	}
	if p.Z != nil {
		t.Fatalf("axial click must not touch z, got %d", *p.Z)
	}

	// Sagittal panel: clicks map to (y, z); x untouched.
	p = InvertClick(geom, AxisX, 3, 7)
	if p.X != nil {
		t.Fatalf("sagittal click must not touch x")
	}
	if p.Y == nil || *p.Y != 3 || p.Z == nil || *p.Z != 7 {
		t.Fatalf("expected y=3 z=7, got %+v %+v", p.Y, p.Z)
	}
}

func TestInvertClickRoundsAndClamps(t *testing.T) {
	geom := testGeom()

	p := InvertClick(geom, AxisZ, 10.6, -4.2)
	if *p.X != 11 {
		t.Errorf("expected rounding to 11, got %d", *p.X)
	}
	if *p.Y != 0 {
		t.Errorf("expected clamp to 0, got %d", *p.Y)
	}

	p = InvertClick(geom, AxisZ, 1e9, 63.4)
	if *p.X != 63 {
		t.Errorf("expected clamp to 63, got %d", *p.X)
	}
	if *p.Y != 63 {
		t.Errorf("expected 63, got %d", *p.Y)
	}
}

func TestInvertClickCrosshairRoundTrip(t *testing.T) {
	geom := testGeom()
	vs := NewViewState(geom)

	for fixed := AxisX; fixed <= AxisZ; fixed++ {
		p := InvertClick(geom, fixed, 12, 9)
		vs.UpdateOrthoIndex(p)

		ch := ComputeCrosshair(geom, fixed, vs.OrthoIndex())
		if ch.XIndex != 12 || ch.YIndex != 9 {
			t.Errorf("fixed %s: crosshair (%d,%d) does not match click (12,9)", fixed, ch.XIndex, ch.YIndex)
		}
		h, v := PlaneAxes(fixed)
		if ch.LenX != geom.Extent(h)-1 || ch.LenY != geom.Extent(v)-1 {
			t.Errorf("fixed %s: crosshair extents (%d,%d)", fixed, ch.LenX, ch.LenY)
		}
	}
}

func TestComputeDirectionLabels(t *testing.T) {
	geom := testGeom()

	t.Run("axial", func(t *testing.T) {
		labels := ComputeDirectionLabels(geom, AxisZ)
		if len(labels) != 4 {
			t.Fatalf("axial panel: expected 4 labels, got %d", len(labels))
		}
		want := map[string]bool{"L": true, "R": true, "P": true, "A": true}
		for _, l := range labels {
			if !want[l.Text] {
				t.Errorf("unexpected label %q", l.Text)
			}
			delete(want, l.Text)
		}
		if len(want) != 0 {
			t.Errorf("missing labels: %v", want)
		}
	})

	t.Run("sagittal", func(t *testing.T) {
		labels := ComputeDirectionLabels(geom, AxisX)
		if len(labels) != 2 {
			t.Fatalf("sagittal panel: expected 2 labels, got %d", len(labels))
		}
		if labels[0].Text != "P" || labels[1].Text != "A" {
			t.Errorf("expected P/A pair, got %q/%q", labels[0].Text, labels[1].Text)
		}
	})

	t.Run("coronal", func(t *testing.T) {
		labels := ComputeDirectionLabels(geom, AxisY)
		if len(labels) != 2 {
			t.Fatalf("coronal panel: expected 2 labels, got %d", len(labels))
		}
		if labels[0].Text != "L" || labels[1].Text != "R" {
			t.Errorf("expected L/R pair, got %q/%q", labels[0].Text, labels[1].Text)
		}
	})
}

func TestDirectionLabelPlacement(t *testing.T) {
	geom := testGeom()
	labels := ComputeDirectionLabels(geom, AxisZ)

	// L/R sit on the horizontal edges at the vertical midpoint.
	if labels[0].X != 0 || labels[0].Y != 32 {
		t.Errorf("L at (%v,%v), want (0,32)", labels[0].X, labels[0].Y)
	}
	if labels[1].X != 63 || labels[1].Y != 32 {
		t.Errorf("R at (%v,%v), want (63,32)", labels[1].X, labels[1].Y)
	}
	// P/A sit on the vertical edges at the horizontal midpoint.
	if labels[2].X != 32 || labels[2].Y != 0 {
		t.Errorf("P at (%v,%v), want (32,0)", labels[2].X, labels[2].Y)
	}
	if labels[3].X != 32 || labels[3].Y != 63 {
		t.Errorf("A at (%v,%v), want (32,63)", labels[3].X, labels[3].Y)
	}
}
