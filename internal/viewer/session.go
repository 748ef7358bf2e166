package viewer

import (
	"context"
	"fmt"
	"sync"
)

// ClickEvent is the typed payload delivered to the click router. Panel
// is the panel number (0..2): the panel's own axis in Ortho mode, the
// montage slot in Montage mode. Pixel coordinates are in voxel units of
// the displayed plane.
type ClickEvent struct {
	Panel      int     `json:"panel"`
	PixelX     float64 `json:"pixel_x"`
	PixelY     float64 `json:"pixel_y"`
	TimeCourse bool    `json:"time_course"`
}

// Signal is one extracted time course with its display label.
type Signal struct {
	Values []float64 `json:"values"`
	Label  string    `json:"label"`
}

// SliceProvider is the external slice-data service: it returns the raw
// functional slice for a panel plus optional co-registered anatomical
// and mask slices, all in display orientation.
type SliceProvider interface {
	PanelSlice(ctx context.Context, fixed Axis, idx Triple, timePoint int, preprocessed bool) (functional, anatomical, mask *Grid, err error)
}

// SignalExtractor is the external signal-extraction service.
type SignalExtractor interface {
	TimeCourse(ctx context.Context, point Triple, preprocessed bool) (Signal, error)
}

// Event is emitted by the session after every state mutation. Changed
// names the mutated fields; State is the post-mutation snapshot.
type Event struct {
	Seq     uint64   `json:"seq"`
	Changed []string `json:"changed"`
	State   Snapshot `json:"state"`
}

// PanelSlice is the composed, render-ready output for one panel.
type PanelSlice struct {
	Panel     string        `json:"panel"`
	FixedAxis string        `json:"fixed_axis"`
	Index     Triple        `json:"index"`
	Slice     ComposedSlice `json:"slice"`
}

// ClickResult is the full cascade output of one click.
type ClickResult struct {
	Seq        uint64          `json:"seq"`
	State      Snapshot        `json:"state"`
	Panels     [3]PanelSlice   `json:"panels"`
	Overlays   [3]PanelOverlay `json:"overlays"`
	TimeCourse *Signal         `json:"time_course,omitempty"`
	Selection  *Triple         `json:"selection,omitempty"`
	WorldCoord *[3]float64     `json:"world_coord,omitempty"`
}

// Session owns the navigation state for one loaded dataset. It is the
// single writer of its ViewState; every mutation happens under the
// session lock before any slice fetch is issued, so a refresh triggered
// by event N always observes the state as mutated by event N.
//
// Every mutation also bumps a monotonically increasing sequence number
// that tags outgoing payloads. Responses whose sequence is older than
// the latest delivered render are discarded rather than displayed, so
// rapid successive clicks cannot leave a stale slice on screen.
type Session struct {
	mu sync.Mutex

	state     *ViewState
	transform DisplayTransform

	seq         uint64
	renderedSeq uint64
	timePoint   int
	preprocess  bool

	provider  SliceProvider
	extractor SignalExtractor
	world     func(Triple) [3]float64 // optional world-coordinate lookup

	lastRender *[3]PanelSlice

	subs []func(Event)
}

// SessionConfig wires a session to its collaborators.
type SessionConfig struct {
	Geometry  VolumeGeometry
	Provider  SliceProvider
	Extractor SignalExtractor
	// WorldCoord converts a voxel triple to scanner coordinates for
	// display. May be nil.
	WorldCoord func(Triple) [3]float64
}

// NewSession creates a session centered on the volume midpoint.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		state: NewViewState(cfg.Geometry),
		transform: DisplayTransform{
			Opacity:    1,
			ColormapID: "viridis",
		},
		provider:  cfg.Provider,
		extractor: cfg.Extractor,
		world:     cfg.WorldCoord,
	}
}

// Subscribe registers a state-change listener. Listeners run
// synchronously inside the mutating call, in registration order.
func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// emit must be called with the lock held.
func (s *Session) emit(changed ...string) Event {
	s.seq++
	ev := Event{Seq: s.seq, Changed: changed, State: s.state.Snapshot()}
	for _, fn := range s.subs {
		fn(ev)
	}
	return ev
}

// Snapshot returns the current view state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Seq returns the latest state sequence number.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Transform returns the current display transform.
func (s *Session) Transform() DisplayTransform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform
}

// SetTransform replaces the display transform.
func (s *Session) SetTransform(t DisplayTransform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Opacity <= 0 || t.Opacity > 1 {
		t.Opacity = 1
	}
	s.transform = t
	s.emit("transform")
}

// TimePoint returns the current time point.
func (s *Session) TimePoint() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timePoint
}

// SetTimePoint moves the session to a new time point (clamped at 0; the
// slice service clamps the upper bound against the series length).
func (s *Session) SetTimePoint(t int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t < 0 {
		t = 0
	}
	s.timePoint = t
	s.emit("time_point")
}

// Preprocessed reports whether the session reads preprocessed data.
func (s *Session) Preprocessed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preprocess
}

// SetPreprocessed switches slice and signal queries between raw and
// preprocessed data.
func (s *Session) SetPreprocessed(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preprocess = on
	s.emit("preprocessed")
}

// ToggleMode flips between Ortho and Montage. Indices are untouched.
func (s *Session) ToggleMode() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ToggleMode()
	return s.emit("mode").State
}

// SetMontageDirection changes the montage slicing axis.
func (s *Session) SetMontageDirection(dir Axis) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetMontageDirection(dir)
	return s.emit("montage_direction").State
}

// UpdateOrthoIndex merges a partial cursor update (the slider path).
func (s *Session) UpdateOrthoIndex(p Partial) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.UpdateOrthoIndex(p)
	return s.emit("ortho_index").State
}

// UpdateMontageSlot merges a partial update into one montage slot.
func (s *Session) UpdateMontageSlot(slot Slot, p Partial) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.UpdateMontageSlot(slot, p)
	return s.emit("montage_indices", "active_slot").State
}

// SetMarkers toggles the crosshair and direction-label overlays. Nil
// fields leave the current setting.
func (s *Session) SetMarkers(crosshair, direction *bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	if crosshair != nil {
		s.state.SetCrosshair(*crosshair)
		changed = append(changed, "crosshair_on")
	}
	if direction != nil {
		s.state.SetDirectionMarker(*direction)
		changed = append(changed, "direction_marker_on")
	}
	return s.emit(changed...).State
}

// Selection returns the current selection point: the ortho cursor in
// Ortho mode, the active slot's triple in Montage mode.
func (s *Session) Selection() Triple {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SelectionPoint()
}

// Overlay recomputes the crosshair and direction-label primitives for
// all three panels from the current state.
func (s *Session) Overlay() [3]PanelOverlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeOverlay(s.state)
}

// HandleClick runs the full click cascade: invert the click into an
// index update, mutate the state, refresh all three panels (a click on
// one panel moves the cross-sectional position seen by the other two),
// and, when requested, extract the time course at the post-update
// selection point.
func (s *Session) HandleClick(ctx context.Context, ev ClickEvent) (*ClickResult, error) {
	s.mu.Lock()

	panel := ev.Panel
	if panel < 0 || panel > 2 {
		panel = 0
	}
	fixed := s.state.PanelFixedAxis(Axis(panel))
	update := InvertClick(s.state.Geometry(), fixed, ev.PixelX, ev.PixelY)

	if s.state.Mode() == ModeMontage {
		s.state.UpdateMontageSlot(Slot(panel), update)
	} else {
		s.state.UpdateOrthoIndex(update)
	}
	emitted := s.emit("click")

	// Capture everything the fetch needs before releasing the lock so
	// the refresh observes exactly the post-click state.
	snap := emitted.State
	seq := emitted.Seq
	timePoint := s.timePoint
	preprocess := s.preprocess
	transform := s.transform
	overlays := ComputeOverlay(s.state)
	selection := s.state.SelectionPoint()
	s.mu.Unlock()

	panels, err := s.fetchPanels(ctx, snap, timePoint, preprocess, transform, false)
	if err != nil {
		// Prior display stays intact; the state mutation stands.
		return nil, err
	}

	res := &ClickResult{
		Seq:      seq,
		State:    snap,
		Panels:   panels,
		Overlays: overlays,
	}

	if ev.TimeCourse && s.extractor != nil {
		sig, err := s.extractor.TimeCourse(ctx, selection, preprocess)
		if err != nil {
			return nil, fmt.Errorf("time course at (%d,%d,%d): %w", selection.X, selection.Y, selection.Z, err)
		}
		res.TimeCourse = &sig
		res.Selection = &selection
	}
	if s.world != nil {
		wc := s.world(selection)
		res.WorldCoord = &wc
	}

	if !s.commitRender(seq, &res.Panels) {
		// A newer click already delivered its render; report the state
		// but do not resurrect the stale arrays.
		return nil, fmt.Errorf("superseded by a newer view update")
	}
	return res, nil
}

// Slices fetches and composes the current arrays for all three panels
// without mutating any state.
func (s *Session) Slices(ctx context.Context, withLabels bool) ([3]PanelSlice, uint64, error) {
	s.mu.Lock()
	snap := s.state.Snapshot()
	seq := s.seq
	timePoint := s.timePoint
	preprocess := s.preprocess
	transform := s.transform
	s.mu.Unlock()

	panels, err := s.fetchPanels(ctx, snap, timePoint, preprocess, transform, withLabels)
	if err != nil {
		return [3]PanelSlice{}, 0, err
	}
	s.commitRender(seq, &panels)
	return panels, seq, nil
}

// LastRender returns the most recently delivered panel arrays, if any.
func (s *Session) LastRender() *[3]PanelSlice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRender
}

// commitRender records panels as the delivered render for seq. It
// reports false when a newer render already landed.
func (s *Session) commitRender(seq uint64, panels *[3]PanelSlice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.renderedSeq {
		return false
	}
	s.renderedSeq = seq
	s.lastRender = panels
	return true
}

func (s *Session) fetchPanels(
	ctx context.Context,
	snap Snapshot,
	timePoint int,
	preprocess bool,
	transform DisplayTransform,
	withLabels bool,
) ([3]PanelSlice, error) {
	var out [3]PanelSlice
	if s.provider == nil {
		return out, fmt.Errorf("no slice provider configured")
	}

	geom := snap.Geometry
	for panel := 0; panel < 3; panel++ {
		fixed, idx := panelView(snap, panel)

		functional, anatomical, mask, err := s.provider.PanelSlice(ctx, fixed, idx, timePoint, preprocess)
		if err != nil {
			return out, fmt.Errorf("slice fetch for panel %d: %w", panel, err)
		}
		composed, err := ComposeSlice(functional, anatomical, mask, transform, false)
		if err != nil {
			return out, err
		}
		if withLabels {
			composed.Labels = CoordinateLabels(geom, fixed, idx)
		}

		out[panel] = PanelSlice{
			Panel:     panelName(snap.Mode, Axis(panel)),
			FixedAxis: fixed.String(),
			Index:     idx,
			Slice:     composed,
		}
	}
	return out, nil
}

// panelView resolves a panel number against a snapshot: its fixed axis
// and the index triple it displays.
func panelView(snap Snapshot, panel int) (Axis, Triple) {
	if snap.Mode == ModeMontage {
		dir, _ := ParseAxis(snap.MontageDirection)
		return dir, snap.MontageIndices[panel]
	}
	return Axis(panel), snap.OrthoIndex
}
