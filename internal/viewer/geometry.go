// Package viewer implements the navigation and coordinate-transform engine
// for volumetric and surface fMRI datasets: view state, click inversion,
// slice composition, and overlay geometry.
package viewer

// Axis identifies one of the three volume axes.
type Axis int

const (
	AxisX Axis = iota // sagittal panels hold X fixed
	AxisY             // coronal panels hold Y fixed
	AxisZ             // axial panels hold Z fixed
)

var axisNames = [3]string{"x", "y", "z"}

func (a Axis) String() string {
	if a < AxisX || a > AxisZ {
		return "?"
	}
	return axisNames[a]
}

// ParseAxis maps "x", "y", "z" to an Axis. Anything else returns ok=false.
func ParseAxis(s string) (Axis, bool) {
	switch s {
	case "x":
		return AxisX, true
	case "y":
		return AxisY, true
	case "z":
		return AxisZ, true
	}
	return AxisX, false
}

// VolumeGeometry holds the immutable per-axis extents of a loaded volume.
// Created once at load time and shared read-only by every other component.
type VolumeGeometry struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Extent returns the number of voxels along the given axis.
func (g VolumeGeometry) Extent(a Axis) int {
	switch a {
	case AxisX:
		return g.X
	case AxisY:
		return g.Y
	}
	return g.Z
}

// Clamp forces idx into [0, extent(a)-1].
func (g VolumeGeometry) Clamp(a Axis, idx int) int {
	max := g.Extent(a) - 1
	if max < 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx > max {
		return max
	}
	return idx
}

// Midpoint returns the dataset midpoint along the given axis.
func (g VolumeGeometry) Midpoint(a Axis) int {
	return g.Extent(a) / 2
}

// SurfaceGeometry holds per-hemisphere vertex counts for mesh datasets.
type SurfaceGeometry struct {
	VerticesLeft  int `json:"vertices_left"`
	VerticesRight int `json:"vertices_right"`
}

// planeAxes is the single axis-permutation table shared by the mapper,
// the overlay renderer, and the click router. For a panel whose fixed
// axis is the key, it returns the ordered (horizontal, vertical) display
// axes. The table is identical for Ortho panels and Montage slots; a
// montage slot's fixed axis is the montage direction.
var planeAxes = [3][2]Axis{
	AxisX: {AxisY, AxisZ}, // sagittal: anterior-posterior across, inferior-superior up
	AxisY: {AxisX, AxisZ}, // coronal: left-right across, inferior-superior up
	AxisZ: {AxisX, AxisY}, // axial: left-right across, posterior-anterior up
}

// PlaneAxes returns the (horizontal, vertical) display axes for a panel
// with the given fixed axis.
func PlaneAxes(fixed Axis) (h, v Axis) {
	p := planeAxes[fixed]
	return p[0], p[1]
}
