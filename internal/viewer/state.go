package viewer

// Mode selects how the three panels are sliced.
type Mode string

const (
	// ModeOrtho shows three orthogonal panels sharing one 3-D cursor.
	ModeOrtho Mode = "ortho"
	// ModeMontage shows three panels sliced along the same axis at
	// three independently chosen positions.
	ModeMontage Mode = "montage"
)

// Slot identifies one of the three montage panel slots.
type Slot int

const (
	Slot1 Slot = iota
	Slot2
	Slot3
	numSlots
)

// ValidSlot reports whether s is one of the three montage slots.
func ValidSlot(s Slot) bool {
	return s >= Slot1 && s < numSlots
}

// Triple is a full {x,y,z} voxel index.
type Triple struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Get returns the component along the given axis.
func (t Triple) Get(a Axis) int {
	switch a {
	case AxisX:
		return t.X
	case AxisY:
		return t.Y
	}
	return t.Z
}

// Set replaces the component along the given axis.
func (t *Triple) Set(a Axis, v int) {
	switch a {
	case AxisX:
		t.X = v
	case AxisY:
		t.Y = v
	case AxisZ:
		t.Z = v
	}
}

// Partial is a sparse index update. Nil fields leave the stored
// component untouched; set fields are clamped before being stored.
type Partial struct {
	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`
	Z *int `json:"z,omitempty"`
}

func (p Partial) get(a Axis) *int {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	}
	return p.Z
}

// IsZero reports whether the partial carries no update at all.
func (p Partial) IsZero() bool {
	return p.X == nil && p.Y == nil && p.Z == nil
}

// montageSlotFractions position the three default montage slices along
// the montage direction.
var montageSlotFractions = [numSlots]float64{0.33, 0.5, 0.66}

// ViewState tracks where the viewer currently is in a volume: the mode,
// the ortho cursor, and the montage slot positions. It has a single
// writer (the session) and is long-lived for the session; there is no
// terminal state. Out-of-range indices are always clamped, never
// rejected: coordinate input arrives from sliders and clicks, so the
// nearest valid position is the wanted behavior.
//
// Both the ortho cursor and the montage slots are retained across mode
// switches, so toggling modes never loses position. Montage slots are
// additionally remembered per direction.
type ViewState struct {
	geom VolumeGeometry

	mode       Mode
	ortho      Triple
	montageDir Axis

	montage     [3][numSlots]Triple // indexed by montage direction
	montageInit [3]bool
	activeSlot  Slot

	crosshairOn       bool
	directionMarkerOn bool
}

// NewViewState creates a ViewState centered on the volume midpoint in
// Ortho mode, with both overlays enabled and the montage direction
// defaulting to axial.
func NewViewState(geom VolumeGeometry) *ViewState {
	vs := &ViewState{
		geom: geom,
		mode: ModeOrtho,
		ortho: Triple{
			X: geom.Midpoint(AxisX),
			Y: geom.Midpoint(AxisY),
			Z: geom.Midpoint(AxisZ),
		},
		montageDir:        AxisZ,
		crosshairOn:       true,
		directionMarkerOn: true,
	}
	vs.ensureMontage(AxisZ)
	return vs
}

// ensureMontage lazily initializes the montage slots for a direction:
// the direction axis takes floor(extent*{0.33,0.5,0.66}) per slot and
// the two in-plane axes take the dataset midpoint.
func (vs *ViewState) ensureMontage(dir Axis) {
	if vs.montageInit[dir] {
		return
	}
	h, v := PlaneAxes(dir)
	for s := Slot1; s < numSlots; s++ {
		var t Triple
		t.Set(dir, vs.geom.Clamp(dir, int(montageSlotFractions[s]*float64(vs.geom.Extent(dir)))))
		t.Set(h, vs.geom.Midpoint(h))
		t.Set(v, vs.geom.Midpoint(v))
		vs.montage[dir][s] = t
	}
	vs.montageInit[dir] = true
}

// Geometry returns the immutable volume extents.
func (vs *ViewState) Geometry() VolumeGeometry { return vs.geom }

// Mode returns the current view mode.
func (vs *ViewState) Mode() Mode { return vs.mode }

// OrthoIndex returns the shared 3-D cursor used in Ortho mode.
func (vs *ViewState) OrthoIndex() Triple { return vs.ortho }

// MontageDirection returns the axis held fixed across montage slots.
func (vs *ViewState) MontageDirection() Axis { return vs.montageDir }

// MontageSlot returns the full index triple for a montage slot in the
// current direction.
func (vs *ViewState) MontageSlot(s Slot) Triple {
	if !ValidSlot(s) {
		s = Slot1
	}
	return vs.montage[vs.montageDir][s]
}

// ActiveSlot returns the most recently interacted montage slot.
func (vs *ViewState) ActiveSlot() Slot { return vs.activeSlot }

// CrosshairOn reports whether the crosshair overlay is enabled.
func (vs *ViewState) CrosshairOn() bool { return vs.crosshairOn }

// DirectionMarkerOn reports whether direction labels are enabled.
func (vs *ViewState) DirectionMarkerOn() bool { return vs.directionMarkerOn }

// ToggleMode flips between Ortho and Montage without touching any
// stored index, so toggling twice restores the exact prior view.
func (vs *ViewState) ToggleMode() Mode {
	if vs.mode == ModeOrtho {
		vs.mode = ModeMontage
		vs.ensureMontage(vs.montageDir)
	} else {
		vs.mode = ModeOrtho
	}
	return vs.mode
}

// SetMontageDirection switches which axis montage slots hold fixed.
// Slots for the new direction come back from their last-remembered
// values, initialized on first use.
func (vs *ViewState) SetMontageDirection(dir Axis) {
	if dir < AxisX || dir > AxisZ {
		return
	}
	vs.montageDir = dir
	vs.ensureMontage(dir)
}

// UpdateOrthoIndex merges a partial {x?,y?,z?} into the ortho cursor,
// clamping each supplied component. Unspecified axes are untouched.
func (vs *ViewState) UpdateOrthoIndex(p Partial) Triple {
	for a := AxisX; a <= AxisZ; a++ {
		if v := p.get(a); v != nil {
			vs.ortho.Set(a, vs.geom.Clamp(a, *v))
		}
	}
	return vs.ortho
}

// UpdateMontageSlot merges a partial index into one montage slot of the
// current direction and records it as the active slot.
func (vs *ViewState) UpdateMontageSlot(s Slot, p Partial) Triple {
	if !ValidSlot(s) {
		return vs.MontageSlot(vs.activeSlot)
	}
	vs.ensureMontage(vs.montageDir)
	t := &vs.montage[vs.montageDir][s]
	for a := AxisX; a <= AxisZ; a++ {
		if v := p.get(a); v != nil {
			t.Set(a, vs.geom.Clamp(a, *v))
		}
	}
	vs.activeSlot = s
	return *t
}

// SetCrosshair toggles the crosshair overlay.
func (vs *ViewState) SetCrosshair(on bool) { vs.crosshairOn = on }

// SetDirectionMarker toggles the anatomical direction labels.
func (vs *ViewState) SetDirectionMarker(on bool) { vs.directionMarkerOn = on }

// SelectionPoint is the read-only snapshot handed to signal extraction:
// the ortho cursor in Ortho mode, the active slot's triple in Montage.
// It is recomputed on every request and never persisted.
func (vs *ViewState) SelectionPoint() Triple {
	if vs.mode == ModeMontage {
		return vs.MontageSlot(vs.activeSlot)
	}
	return vs.ortho
}

// PanelFixedAxis returns the axis a panel holds fixed: in Ortho mode
// the panel's own axis, in Montage mode the montage direction.
func (vs *ViewState) PanelFixedAxis(panel Axis) Axis {
	if vs.mode == ModeMontage {
		return vs.montageDir
	}
	return panel
}

// PanelIndex returns the index triple a panel displays: the shared
// ortho cursor in Ortho mode, the slot's own triple in Montage mode.
// In Montage mode the panel axis doubles as the slot number.
func (vs *ViewState) PanelIndex(panel Axis) Triple {
	if vs.mode == ModeMontage {
		return vs.MontageSlot(Slot(panel))
	}
	return vs.ortho
}

// Snapshot is a JSON-friendly copy of the full view state.
type Snapshot struct {
	Mode              Mode             `json:"mode"`
	OrthoIndex        Triple           `json:"ortho_index"`
	MontageDirection  string           `json:"montage_direction"`
	MontageIndices    [numSlots]Triple `json:"montage_indices"`
	ActiveSlot        Slot             `json:"active_slot"`
	CrosshairOn       bool             `json:"crosshair_on"`
	DirectionMarkerOn bool             `json:"direction_marker_on"`
	Geometry          VolumeGeometry   `json:"geometry"`
}

// Snapshot copies the current state.
func (vs *ViewState) Snapshot() Snapshot {
	vs.ensureMontage(vs.montageDir)
	return Snapshot{
		Mode:              vs.mode,
		OrthoIndex:        vs.ortho,
		MontageDirection:  vs.montageDir.String(),
		MontageIndices:    vs.montage[vs.montageDir],
		ActiveSlot:        vs.activeSlot,
		CrosshairOn:       vs.crosshairOn,
		DirectionMarkerOn: vs.directionMarkerOn,
		Geometry:          vs.geom,
	}
}
