package viewer

// Line is a crosshair segment in display (voxel) coordinates.
type Line struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// PanelOverlay carries the overlay primitives for one panel.
type PanelOverlay struct {
	Panel     string           `json:"panel"`
	FixedAxis string           `json:"fixed_axis"`
	Lines     []Line           `json:"lines"`
	Labels    []DirectionLabel `json:"labels"`
}

// ComputeOverlay derives crosshair and direction-label geometry for all
// three panels from the current view state. It is a pure function of
// the state and is recomputed on every render; nothing here is cached
// across a state mutation.
func ComputeOverlay(vs *ViewState) [3]PanelOverlay {
	var out [3]PanelOverlay
	geom := vs.Geometry()
	for panel := AxisX; panel <= AxisZ; panel++ {
		fixed := vs.PanelFixedAxis(panel)
		po := PanelOverlay{
			Panel:     panelName(vs.Mode(), panel),
			FixedAxis: fixed.String(),
		}
		if vs.CrosshairOn() {
			ch := ComputeCrosshair(geom, fixed, vs.PanelIndex(panel))
			po.Lines = []Line{
				// Horizontal line across the full panel width at the
				// cursor's vertical position.
				{X1: 0, Y1: float64(ch.YIndex), X2: float64(ch.LenX), Y2: float64(ch.YIndex)},
				// Vertical line at the cursor's horizontal position.
				{X1: float64(ch.XIndex), Y1: 0, X2: float64(ch.XIndex), Y2: float64(ch.LenY)},
			}
		}
		if vs.DirectionMarkerOn() {
			po.Labels = ComputeDirectionLabels(geom, fixed)
		}
		out[panel] = po
	}
	return out
}

func panelName(mode Mode, panel Axis) string {
	if mode == ModeMontage {
		switch Slot(panel) {
		case Slot1:
			return "slice1"
		case Slot2:
			return "slice2"
		}
		return "slice3"
	}
	switch panel {
	case AxisX:
		return "sagittal"
	case AxisY:
		return "coronal"
	}
	return "axial"
}
