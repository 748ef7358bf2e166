package viewer

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	geom    VolumeGeometry
	fetches []Axis
	fail    bool
}

func (f *fakeProvider) PanelSlice(_ context.Context, fixed Axis, _ Triple, _ int, _ bool) (*Grid, *Grid, *Grid, error) {
	if f.fail {
		return nil, nil, nil, errors.New("service unavailable")
	}
	f.fetches = append(f.fetches, fixed)
	h, v := PlaneAxes(fixed)
	return NewGrid(f.geom.Extent(h), f.geom.Extent(v)), nil, nil, nil
}

type fakeExtractor struct {
	points []Triple
}

func (f *fakeExtractor) TimeCourse(_ context.Context, p Triple, _ bool) (Signal, error) {
	f.points = append(f.points, p)
	return Signal{Values: []float64{1, 2, 3}, Label: "ok"}, nil
}

func newTestSession() (*Session, *fakeProvider, *fakeExtractor) {
	geom := testGeom()
	prov := &fakeProvider{geom: geom}
	ext := &fakeExtractor{}
	s := NewSession(SessionConfig{
		Geometry:  geom,
		Provider:  prov,
		Extractor: ext,
	})
	return s, prov, ext
}

func TestClickCascadeEndToEnd(t *testing.T) {
	s, prov, ext := newTestSession()
	s.UpdateOrthoIndex(Partial{X: intp(32), Y: intp(32), Z: intp(20)})
	prov.fetches = nil

	// Click on the axial (z-fixed) panel at pixel (10,15).
	res, err := s.HandleClick(context.Background(), ClickEvent{
		Panel:      2,
		PixelX:     10,
		PixelY:     15,
		TimeCourse: true,
	})
	if err != nil {
		t.Fatalf("click: %v", err)
	}

	want := Triple{X: 10, Y: 15, Z: 20}
	if res.State.OrthoIndex != want {
		t.Fatalf("expected ortho index %+v, got %+v", want, res.State.OrthoIndex)
	}

	// All three panels re-fetch: a click on one panel moves the
	// cross-section seen by the other two.
	if len(prov.fetches) != 3 {
		t.Fatalf("expected 3 panel fetches, got %d", len(prov.fetches))
	}

	// Exactly one signal-extraction query, at the post-update voxel.
	if len(ext.points) != 1 {
		t.Fatalf("expected 1 time-course query, got %d", len(ext.points))
	}
	if ext.points[0] != want {
		t.Fatalf("time course queried at %+v, want %+v", ext.points[0], want)
	}
	if res.TimeCourse == nil || len(res.TimeCourse.Values) != 3 {
		t.Fatalf("missing time course in result")
	}
}

func TestClickInMontageRoutesToActiveSlot(t *testing.T) {
	s, _, ext := newTestSession()
	s.ToggleMode()

	if _, err := s.HandleClick(context.Background(), ClickEvent{Panel: 1, PixelX: 5, PixelY: 6, TimeCourse: true}); err != nil {
		t.Fatalf("click: %v", err)
	}

	snap := s.Snapshot()
	if snap.ActiveSlot != Slot2 {
		t.Fatalf("expected active slot %d, got %d", Slot2, snap.ActiveSlot)
	}
	// Montage direction defaults to z: the click sets x=5 y=6 on the slot.
	slot := snap.MontageIndices[Slot2]
	if slot.X != 5 || slot.Y != 6 {
		t.Fatalf("expected slot cursor (5,6), got %+v", slot)
	}
	if ext.points[0] != slot {
		t.Fatalf("time course must use the active slot triple, got %+v", ext.points[0])
	}
}

func TestClickFailureLeavesPriorRender(t *testing.T) {
	s, prov, _ := newTestSession()

	if _, _, err := s.Slices(context.Background(), false); err != nil {
		t.Fatalf("initial slices: %v", err)
	}
	prior := s.LastRender()
	if prior == nil {
		t.Fatal("expected a delivered render")
	}

	prov.fail = true
	if _, err := s.HandleClick(context.Background(), ClickEvent{Panel: 0, PixelX: 1, PixelY: 1}); err == nil {
		t.Fatal("expected click to fail")
	}
	if s.LastRender() != prior {
		t.Fatal("failed fetch must not replace the prior render")
	}
}

func TestStateEventsCarryDiff(t *testing.T) {
	s, _, _ := newTestSession()

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	s.UpdateOrthoIndex(Partial{X: intp(4)})
	s.ToggleMode()

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Changed[0] != "ortho_index" || events[1].Changed[0] != "mode" {
		t.Fatalf("unexpected diffs: %v %v", events[0].Changed, events[1].Changed)
	}
	if events[1].Seq <= events[0].Seq {
		t.Fatalf("sequence must be monotonically increasing: %d then %d", events[0].Seq, events[1].Seq)
	}
	if events[0].State.OrthoIndex.X != 4 {
		t.Fatalf("event snapshot must be post-mutation, got %+v", events[0].State.OrthoIndex)
	}
}

func TestStaleRenderDiscarded(t *testing.T) {
	s, _, _ := newTestSession()

	// First update's fetch lands after a second update already rendered.
	s.UpdateOrthoIndex(Partial{X: intp(1)})
	oldSeq := s.Seq()

	s.UpdateOrthoIndex(Partial{X: intp(2)})
	if _, _, err := s.Slices(context.Background(), false); err != nil {
		t.Fatalf("slices: %v", err)
	}
	newRender := s.LastRender()

	var stale [3]PanelSlice
	if s.commitRender(oldSeq, &stale) {
		t.Fatal("stale sequence must be discarded")
	}
	if s.LastRender() != newRender {
		t.Fatal("stale render replaced the newer one")
	}
}

func TestSliceLabelsRequested(t *testing.T) {
	s, _, _ := newTestSession()
	panels, _, err := s.Slices(context.Background(), true)
	if err != nil {
		t.Fatalf("slices: %v", err)
	}
	for _, p := range panels {
		if len(p.Slice.Labels) == 0 {
			t.Fatalf("panel %s missing coordinate labels", p.Panel)
		}
	}
}

func TestOverlayFollowsToggles(t *testing.T) {
	s, _, _ := newTestSession()

	off := false
	s.SetMarkers(&off, &off)
	for _, po := range s.Overlay() {
		if len(po.Lines) != 0 || len(po.Labels) != 0 {
			t.Fatalf("overlay primitives present with markers off: %+v", po)
		}
	}

	on := true
	s.SetMarkers(&on, &on)
	overlays := s.Overlay()
	// Ortho mode: axial panel carries 4 labels, sagittal and coronal 2.
	if len(overlays[AxisZ].Labels) != 4 {
		t.Fatalf("axial panel: expected 4 labels, got %d", len(overlays[AxisZ].Labels))
	}
	if len(overlays[AxisX].Labels) != 2 || len(overlays[AxisY].Labels) != 2 {
		t.Fatalf("sagittal/coronal: expected 2 labels each")
	}
	for _, po := range overlays {
		if len(po.Lines) != 2 {
			t.Fatalf("expected 2 crosshair lines, got %d", len(po.Lines))
		}
	}
}
