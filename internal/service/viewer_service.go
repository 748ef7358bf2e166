// Package service provides business logic for the viewer server.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsb46/fmri-findviz-sub001/internal/cache"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/gifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/tdb"
	"github.com/tsb46/fmri-findviz-sub001/internal/render"
	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
	"github.com/tsb46/fmri-findviz-sub001/pkg/colormap"
)

// ViewerServiceConfig contains viewer service configuration.
type ViewerServiceConfig struct {
	DatasetID  string
	Functional *nifti.Volume
	Anatomical *nifti.Volume // optional
	Mask       *nifti.Volume // optional
	Left       *gifti.Surface
	Right      *gifti.Surface
	Bold       *tdb.Store // optional TileDB-backed time series
	Cache      *cache.Manager
	Renderer   *render.SliceRenderer
}

// ViewerService serves slice arrays, rendered panels, and time courses
// for one dataset. It implements viewer.SliceProvider and
// viewer.SignalExtractor.
type ViewerService struct {
	datasetID  string
	functional *nifti.Volume
	anatomical *nifti.Volume
	mask       *nifti.Volume
	left       *gifti.Surface
	right      *gifti.Surface
	bold       *tdb.Store
	cache      *cache.Manager
	renderer   *render.SliceRenderer

	rangeOnce sync.Once
	rawMin    float64
	rawMax    float64

	// Preprocessed data swaps in for the functional volume when a
	// session asks for it; nil until a preprocess run completes.
	preMu    sync.RWMutex
	pre      *nifti.Volume
	preMin   float64
	preMax   float64
	preSteps []string
}

// NewViewerService creates a new viewer service.
func NewViewerService(cfg ViewerServiceConfig) (*ViewerService, error) {
	if cfg.Functional == nil {
		return nil, fmt.Errorf("dataset %s: missing functional volume", cfg.DatasetID)
	}
	if cfg.Anatomical != nil && !sameShape(cfg.Functional, cfg.Anatomical) {
		return nil, fmt.Errorf("dataset %s: anatomical shape does not match functional", cfg.DatasetID)
	}
	if cfg.Mask != nil && !sameShape(cfg.Functional, cfg.Mask) {
		return nil, fmt.Errorf("dataset %s: mask shape does not match functional", cfg.DatasetID)
	}

	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	return &ViewerService{
		datasetID:  datasetID,
		functional: cfg.Functional,
		anatomical: cfg.Anatomical,
		mask:       cfg.Mask,
		left:       cfg.Left,
		right:      cfg.Right,
		bold:       cfg.Bold,
		cache:      cfg.Cache,
		renderer:   cfg.Renderer,
	}, nil
}

func sameShape(a, b *nifti.Volume) bool {
	return a.NX == b.NX && a.NY == b.NY && a.NZ == b.NZ
}

// DatasetID returns the dataset identifier.
func (s *ViewerService) DatasetID() string { return s.datasetID }

// Geometry returns the volume extents.
func (s *ViewerService) Geometry() viewer.VolumeGeometry {
	return viewer.VolumeGeometry{X: s.functional.NX, Y: s.functional.NY, Z: s.functional.NZ}
}

// NT returns the number of time points.
func (s *ViewerService) NT() int { return s.functional.NT }

// TR returns the repetition time in seconds (zero when unknown).
func (s *ViewerService) TR() float64 { return s.functional.TR }

// Range returns the global functional intensity range, honoring an
// active preprocessing run.
func (s *ViewerService) Range(preprocessed bool) (float64, float64) {
	if preprocessed {
		s.preMu.RLock()
		defer s.preMu.RUnlock()
		if s.pre != nil {
			return s.preMin, s.preMax
		}
	}
	s.rangeOnce.Do(func() {
		s.rawMin, s.rawMax = s.functional.Range()
	})
	return s.rawMin, s.rawMax
}

// functionalVolume resolves which volume serves functional reads.
func (s *ViewerService) functionalVolume(preprocessed bool) *nifti.Volume {
	if preprocessed {
		s.preMu.RLock()
		defer s.preMu.RUnlock()
		if s.pre != nil {
			return s.pre
		}
	}
	return s.functional
}

// clampTime clamps a time point against the series length.
func (s *ViewerService) clampTime(t int) int {
	if t < 0 {
		return 0
	}
	if t >= s.functional.NT {
		return s.functional.NT - 1
	}
	return t
}

// PanelSlice extracts the 2-D arrays for one panel in display
// orientation: grid column = horizontal display axis, grid row =
// vertical display axis, per the shared axis permutation table.
func (s *ViewerService) PanelSlice(ctx context.Context, fixed viewer.Axis, idx viewer.Triple, timePoint int, preprocessed bool) (functional, anatomical, mask *viewer.Grid, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	timePoint = s.clampTime(timePoint)
	vol := s.functionalVolume(preprocessed)

	functional = extractGrid(vol, fixed, idx, timePoint)
	if s.anatomical != nil {
		anatomical = extractGrid(s.anatomical, fixed, idx, 0)
	}
	if s.mask != nil {
		mask = extractGrid(s.mask, fixed, idx, 0)
	}
	return functional, anatomical, mask, nil
}

func extractGrid(vol *nifti.Volume, fixed viewer.Axis, idx viewer.Triple, timePoint int) *viewer.Grid {
	h, v := viewer.PlaneAxes(fixed)
	geom := viewer.VolumeGeometry{X: vol.NX, Y: vol.NY, Z: vol.NZ}

	g := viewer.NewGrid(geom.Extent(h), geom.Extent(v))
	voxel := idx
	for vi := 0; vi < g.Height; vi++ {
		voxel.Set(v, vi)
		for hi := 0; hi < g.Width; hi++ {
			voxel.Set(h, hi)
			g.Values[vi][hi] = vol.At(voxel.X, voxel.Y, voxel.Z, timePoint)
		}
	}
	return g
}

// TimeCourse extracts the signal at one voxel. Raw voxel reads go to
// the TileDB store when the build carries it; everything else reads the
// in-memory volume.
func (s *ViewerService) TimeCourse(ctx context.Context, point viewer.Triple, preprocessed bool) (viewer.Signal, error) {
	if err := ctx.Err(); err != nil {
		return viewer.Signal{}, err
	}

	label := fmt.Sprintf("Voxel: (x=%d, y=%d, z=%d)", point.X, point.Y, point.Z)

	if s.cache != nil {
		key := cache.TimeCourseKey(s.datasetID, point.X, point.Y, point.Z, preprocessed)
		if data, ok := s.cache.GetQuery(key); ok {
			return viewer.Signal{Values: decodeSeries(data), Label: label}, nil
		}
	}

	var values []float64
	if !preprocessed && s.bold != nil && s.bold.Supported() {
		series, err := s.bold.TimeSeries(point.X, point.Y, point.Z)
		if err != nil {
			return viewer.Signal{}, fmt.Errorf("tiledb time series: %w", err)
		}
		values = series
	} else {
		values = s.functionalVolume(preprocessed).TimeSeries(point.X, point.Y, point.Z)
	}

	if s.cache != nil {
		key := cache.TimeCourseKey(s.datasetID, point.X, point.Y, point.Z, preprocessed)
		s.cache.SetQuery(key, encodeSeries(values))
	}
	return viewer.Signal{Values: values, Label: label}, nil
}

// VertexCourse extracts the signal at one surface vertex.
func (s *ViewerService) VertexCourse(ctx context.Context, vertex int, hemisphere string) (viewer.Signal, error) {
	if err := ctx.Err(); err != nil {
		return viewer.Signal{}, err
	}

	var surf *gifti.Surface
	switch hemisphere {
	case "left":
		surf = s.left
	case "right":
		surf = s.right
	default:
		return viewer.Signal{}, fmt.Errorf("unknown hemisphere %q", hemisphere)
	}
	if surf == nil {
		return viewer.Signal{}, fmt.Errorf("dataset %s has no %s hemisphere surface", s.datasetID, hemisphere)
	}
	if vertex < 0 || vertex >= surf.NVertices {
		return viewer.Signal{}, fmt.Errorf("vertex %d out of range [0,%d)", vertex, surf.NVertices)
	}

	label := fmt.Sprintf("Vertex: %d (%s)", vertex, hemisphere)

	if s.cache != nil {
		key := cache.VertexCourseKey(s.datasetID, hemisphere, vertex, false)
		if data, ok := s.cache.GetQuery(key); ok {
			return viewer.Signal{Values: decodeSeries(data), Label: label}, nil
		}
	}

	values := surf.TimeSeries(vertex)
	if s.cache != nil {
		key := cache.VertexCourseKey(s.datasetID, hemisphere, vertex, false)
		s.cache.SetQuery(key, encodeSeries(values))
	}
	return viewer.Signal{Values: values, Label: label}, nil
}

// SurfaceValues returns each loaded hemisphere's full per-vertex array
// at one time point. This is the surface counterpart of PanelSlice: a
// 1-D array per hemisphere instead of three 2-D grids.
func (s *ViewerService) SurfaceValues(ctx context.Context, timePoint int) (map[string][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.left == nil && s.right == nil {
		return nil, fmt.Errorf("dataset %s has no surfaces loaded", s.datasetID)
	}

	out := make(map[string][]float64, 2)
	if s.left != nil {
		out["left"] = s.hemisphereValues("left", s.left, timePoint)
	}
	if s.right != nil {
		out["right"] = s.hemisphereValues("right", s.right, timePoint)
	}
	return out, nil
}

// hemisphereValues reads one hemisphere's array through the query
// cache. The time point is clamped against the hemisphere's own series
// length, which may differ from the functional volume's.
func (s *ViewerService) hemisphereValues(name string, surf *gifti.Surface, timePoint int) []float64 {
	if timePoint < 0 {
		timePoint = 0
	}
	if timePoint >= surf.NT {
		timePoint = surf.NT - 1
	}

	if s.cache != nil {
		key := cache.SurfaceValuesKey(s.datasetID, name, timePoint)
		if data, ok := s.cache.GetQuery(key); ok {
			return decodeSeries(data)
		}
	}

	values := surf.VertexValues(timePoint)
	if s.cache != nil {
		s.cache.SetQuery(cache.SurfaceValuesKey(s.datasetID, name, timePoint), encodeSeries(values))
	}
	return values
}

// SurfaceGeometry reports the per-hemisphere vertex counts.
func (s *ViewerService) SurfaceGeometry() viewer.SurfaceGeometry {
	var g viewer.SurfaceGeometry
	if s.left != nil {
		g.VerticesLeft = s.left.NVertices
	}
	if s.right != nil {
		g.VerticesRight = s.right.NVertices
	}
	return g
}

// WorldCoord converts a voxel triple to scanner coordinates.
func (s *ViewerService) WorldCoord(t viewer.Triple) [3]float64 {
	return s.functional.VoxelToWorld(t.X, t.Y, t.Z)
}

// RenderPanel renders one panel of the session's current state to PNG,
// with the crosshair and direction-label overlays baked in.
func (s *ViewerService) RenderPanel(ctx context.Context, sess *viewer.Session, panel int) ([]byte, error) {
	if panel < 0 || panel > 2 {
		return nil, fmt.Errorf("invalid panel: %d", panel)
	}
	if s.renderer == nil {
		return nil, fmt.Errorf("no renderer configured")
	}

	transform := sess.Transform()
	timePoint := sess.TimePoint()
	seq := sess.Seq()

	var cacheKey string
	if s.cache != nil {
		cacheKey = cache.SliceKey(s.datasetID, panel, seq, timePoint, transformFingerprint(transform))
		if data, ok := s.cache.GetSlice(cacheKey); ok {
			return data, nil
		}
	}

	panels, _, err := sess.Slices(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch slices: %w", err)
	}
	overlays := sess.Overlay()

	lo, hi := s.Range(sess.Preprocessed())
	data, err := s.renderer.RenderPanel(&panels[panel].Slice, transform, &overlays[panel], lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to render panel: %w", err)
	}

	if s.cache != nil {
		s.cache.SetSlice(cacheKey, data)
	}
	return data, nil
}

// transformFingerprint flattens a display transform into the cache key
// component so any visual change lands in a fresh entry.
func transformFingerprint(t viewer.DisplayTransform) string {
	return fmt.Sprintf("cmin=%g,cmax=%g,tmin=%g,tmax=%g,op=%g,cm=%s",
		t.ColorMin, t.ColorMax, t.ThresholdMin, t.ThresholdMax, t.Opacity, t.ColormapID)
}

// Metadata summarizes the dataset for the frontend.
type Metadata struct {
	Dataset     string                 `json:"dataset"`
	Geometry    viewer.VolumeGeometry  `json:"geometry"`
	Surface     viewer.SurfaceGeometry `json:"surface"`
	TimePoints  int                    `json:"time_points"`
	TR          float64                `json:"tr"`
	RangeMin    float64                `json:"range_min"`
	RangeMax    float64                `json:"range_max"`
	HasAnat     bool                   `json:"has_anatomical"`
	HasMask     bool                   `json:"has_mask"`
	BoldStore   bool                   `json:"bold_store"`
	Colormaps   []string               `json:"colormaps"`
	Preprocess  []string               `json:"preprocess_steps,omitempty"`
	Preprocable bool                   `json:"preprocessable"`
}

// Metadata returns dataset metadata.
func (s *ViewerService) Metadata() Metadata {
	lo, hi := s.Range(false)

	s.preMu.RLock()
	steps := append([]string(nil), s.preSteps...)
	s.preMu.RUnlock()

	return Metadata{
		Dataset:     s.datasetID,
		Geometry:    s.Geometry(),
		Surface:     s.SurfaceGeometry(),
		TimePoints:  s.functional.NT,
		TR:          s.functional.TR,
		RangeMin:    lo,
		RangeMax:    hi,
		HasAnat:     s.anatomical != nil,
		HasMask:     s.mask != nil,
		BoldStore:   s.bold != nil && s.bold.Supported(),
		Colormaps:   colormap.IDs(),
		Preprocess:  steps,
		Preprocable: s.functional.NT > 1,
	}
}
