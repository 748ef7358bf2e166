package viewer

import "math"

// The coordinate mapper is a pure function set over VolumeGeometry and
// ViewState. All outputs are derived from inputs alone; out-of-range
// input is clamped, never rejected.

// InvertClick converts a panel click into a partial index update. The
// click's horizontal and vertical pixel coordinates (already in voxel
// units of the displayed plane) map onto the two display axes of the
// panel's fixed axis; the fixed axis itself is never touched by a
// click, so the returned partial carries exactly two components.
func InvertClick(geom VolumeGeometry, fixed Axis, clickX, clickY float64) Partial {
	h, v := PlaneAxes(fixed)
	hi := geom.Clamp(h, int(math.Round(clickX)))
	vi := geom.Clamp(v, int(math.Round(clickY)))

	var p Partial
	switch h {
	case AxisX:
		p.X = &hi
	case AxisY:
		p.Y = &hi
	case AxisZ:
		p.Z = &hi
	}
	switch v {
	case AxisX:
		p.X = &vi
	case AxisY:
		p.Y = &vi
	case AxisZ:
		p.Z = &vi
	}
	return p
}

// Crosshair is the cursor's projection onto one panel: its position in
// display coordinates and the drawable extent along each display axis.
type Crosshair struct {
	XIndex int `json:"x_index"`
	YIndex int `json:"y_index"`
	LenX   int `json:"len_x"`
	LenY   int `json:"len_y"`
}

// ComputeCrosshair selects, via the shared permutation table, which two
// stored indices become the crosshair position on the panel whose fixed
// axis is given. idx is the triple the panel displays.
func ComputeCrosshair(geom VolumeGeometry, fixed Axis, idx Triple) Crosshair {
	h, v := PlaneAxes(fixed)
	return Crosshair{
		XIndex: geom.Clamp(h, idx.Get(h)),
		YIndex: geom.Clamp(v, idx.Get(v)),
		LenX:   geom.Extent(h) - 1,
		LenY:   geom.Extent(v) - 1,
	}
}

// DirectionLabel is one anatomical-orientation letter placed on a panel,
// in display (voxel) coordinates.
type DirectionLabel struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// axisEdgeLabels gives the (low-edge, high-edge) anatomical letters for
// each volume axis under the RAS+ convention: x grows to the right,
// y to the front, z to the top.
var axisEdgeLabels = [3][2]string{
	AxisX: {"L", "R"},
	AxisY: {"P", "A"},
	AxisZ: {"I", "S"},
}

// ComputeDirectionLabels returns the anatomical letter pairs for the
// panel with the given fixed axis. The axial plane shows both the
// left-right and posterior-anterior pairs (4 labels); sagittal and
// coronal panels show a single pair each. Each label sits on its edge
// of the displayed axis, at the midpoint of the opposite axis.
func ComputeDirectionLabels(geom VolumeGeometry, fixed Axis) []DirectionLabel {
	h, v := PlaneAxes(fixed)
	midH := float64(geom.Extent(h)) / 2
	midV := float64(geom.Extent(v)) / 2
	maxH := float64(geom.Extent(h) - 1)
	maxV := float64(geom.Extent(v) - 1)

	var labels []DirectionLabel
	if h == AxisX || h == AxisY {
		labels = append(labels,
			DirectionLabel{Text: axisEdgeLabels[h][0], X: 0, Y: midV},
			DirectionLabel{Text: axisEdgeLabels[h][1], X: maxH, Y: midV},
		)
	}
	if fixed == AxisZ {
		// Axial additionally shows the posterior-anterior pair on the
		// vertical axis.
		labels = append(labels,
			DirectionLabel{Text: axisEdgeLabels[v][0], X: midH, Y: 0},
			DirectionLabel{Text: axisEdgeLabels[v][1], X: midH, Y: maxV},
		)
	}
	return labels
}
