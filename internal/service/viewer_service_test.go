package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tsb46/fmri-findviz-sub001/internal/cache"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/gifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
)

// testVolume builds a volume whose value encodes the voxel coordinates,
// so orientation mistakes show up as wrong values rather than just
// wrong shapes: value = x + 10y + 100z + 1000t.
func testVolume(nx, ny, nz, nt int) *nifti.Volume {
	vol := &nifti.Volume{
		NX: nx, NY: ny, NZ: nz, NT: nt,
		TR:     2.0,
		Affine: [3][4]float64{{2, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 2, 0}},
		Data:   make([]float64, nx*ny*nz*nt),
	}
	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					vol.Data[((t*nz+z)*ny+y)*nx+x] = float64(x + 10*y + 100*z + 1000*t)
				}
			}
		}
	}
	return vol
}

func testService(t *testing.T, vol *nifti.Volume) *ViewerService {
	t.Helper()

	svc, err := NewViewerService(ViewerServiceConfig{
		DatasetID:  "test",
		Functional: vol,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestExtractGridOrientation(t *testing.T) {
	vol := testVolume(5, 4, 3, 2)
	idx := viewer.Triple{X: 2, Y: 1, Z: 1}

	t.Run("axial", func(t *testing.T) {
		// Fixed Z: columns walk X, rows walk Y
		g := extractGrid(vol, viewer.AxisZ, idx, 0)
		if g.Width != 5 || g.Height != 4 {
			t.Fatalf("expected 5x4 grid, got %dx%d", g.Width, g.Height)
		}
		if got := g.Values[3][4]; got != 4+10*3+100*1 {
			t.Errorf("expected value 134 at (4,3), got %g", got)
		}
	})

	t.Run("sagittal", func(t *testing.T) {
		// Fixed X: columns walk Y, rows walk Z
		g := extractGrid(vol, viewer.AxisX, idx, 0)
		if g.Width != 4 || g.Height != 3 {
			t.Fatalf("expected 4x3 grid, got %dx%d", g.Width, g.Height)
		}
		if got := g.Values[2][1]; got != 2+10*1+100*2 {
			t.Errorf("expected value 212 at (1,2), got %g", got)
		}
	})

	t.Run("coronal", func(t *testing.T) {
		// Fixed Y: columns walk X, rows walk Z
		g := extractGrid(vol, viewer.AxisY, idx, 1)
		if g.Width != 5 || g.Height != 3 {
			t.Fatalf("expected 5x3 grid, got %dx%d", g.Width, g.Height)
		}
		if got := g.Values[0][0]; got != 10*1+1000*1 {
			t.Errorf("expected value 1010 at (0,0), got %g", got)
		}
	})
}

func TestPanelSliceClampsTime(t *testing.T) {
	vol := testVolume(3, 3, 3, 2)
	svc := testService(t, vol)

	functional, _, _, err := svc.PanelSlice(context.Background(), viewer.AxisZ, viewer.Triple{X: 1, Y: 1, Z: 1}, 99, false)
	if err != nil {
		t.Fatalf("PanelSlice failed: %v", err)
	}
	// Time point 99 clamps to the last frame (t=1)
	if got := functional.Values[0][0]; got != 100+1000 {
		t.Errorf("expected clamped time point value 1100, got %g", got)
	}
}

func TestTimeCourse(t *testing.T) {
	vol := testVolume(3, 3, 3, 4)

	cm, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: 8,
		SliceTTL:         time.Minute,
		QueryCacheSize:   16,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cm.Close()

	svc, err := NewViewerService(ViewerServiceConfig{
		DatasetID:  "test",
		Functional: vol,
		Cache:      cm,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	point := viewer.Triple{X: 1, Y: 2, Z: 0}
	sig, err := svc.TimeCourse(context.Background(), point, false)
	if err != nil {
		t.Fatalf("TimeCourse failed: %v", err)
	}
	if sig.Label != "Voxel: (x=1, y=2, z=0)" {
		t.Errorf("unexpected label: %q", sig.Label)
	}
	if len(sig.Values) != 4 {
		t.Fatalf("expected 4 time points, got %d", len(sig.Values))
	}
	for tp, v := range sig.Values {
		want := float64(1 + 10*2 + 1000*tp)
		if v != want {
			t.Errorf("time point %d: expected %g, got %g", tp, want, v)
		}
	}

	// Second read comes from the query cache and must match
	cached, err := svc.TimeCourse(context.Background(), point, false)
	if err != nil {
		t.Fatalf("cached TimeCourse failed: %v", err)
	}
	for tp := range sig.Values {
		if cached.Values[tp] != sig.Values[tp] {
			t.Errorf("cached value differs at %d: %g != %g", tp, cached.Values[tp], sig.Values[tp])
		}
	}
}

// testSurface builds a hemisphere from one value slice per time point.
func testSurface(t *testing.T, series [][]float64) *gifti.Surface {
	t.Helper()

	var b strings.Builder
	b.WriteString("<GIFTI>")
	for _, tp := range series {
		fields := make([]string, len(tp))
		for i, v := range tp {
			fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		fmt.Fprintf(&b, `<DataArray Encoding="ASCII" Dim0="%d"><Data>%s</Data></DataArray>`,
			len(tp), strings.Join(fields, " "))
	}
	b.WriteString("</GIFTI>")

	s, err := gifti.Decode([]byte(b.String()))
	if err != nil {
		t.Fatalf("failed to build surface: %v", err)
	}
	return s
}

func TestSurfaceValues(t *testing.T) {
	svc, err := NewViewerService(ViewerServiceConfig{
		DatasetID:  "test",
		Functional: testVolume(2, 2, 2, 2),
		Left:       testSurface(t, [][]float64{{1, 2, 3}, {4, 5, 6}}),
		Right:      testSurface(t, [][]float64{{7, 8}, {9, 10}}),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	vals, err := svc.SurfaceValues(context.Background(), 1)
	if err != nil {
		t.Fatalf("SurfaceValues failed: %v", err)
	}
	if len(vals["left"]) != 3 || vals["left"][0] != 4 || vals["left"][2] != 6 {
		t.Errorf("unexpected left values: %v", vals["left"])
	}
	if len(vals["right"]) != 2 || vals["right"][1] != 10 {
		t.Errorf("unexpected right values: %v", vals["right"])
	}

	// Out-of-range time points clamp to the last frame
	clamped, err := svc.SurfaceValues(context.Background(), 99)
	if err != nil {
		t.Fatalf("SurfaceValues failed: %v", err)
	}
	if clamped["left"][0] != 4 || clamped["right"][0] != 9 {
		t.Errorf("expected last-frame values, got left=%v right=%v", clamped["left"], clamped["right"])
	}
}

func TestSurfaceValuesLeftOnly(t *testing.T) {
	svc, err := NewViewerService(ViewerServiceConfig{
		DatasetID:  "test",
		Functional: testVolume(2, 2, 2, 2),
		Left:       testSurface(t, [][]float64{{1, 2}}),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	vals, err := svc.SurfaceValues(context.Background(), 0)
	if err != nil {
		t.Fatalf("SurfaceValues failed: %v", err)
	}
	if _, ok := vals["right"]; ok {
		t.Error("missing hemisphere should be omitted, not empty")
	}
	if len(vals["left"]) != 2 {
		t.Errorf("unexpected left values: %v", vals["left"])
	}
}

func TestSurfaceValuesWithoutSurfaces(t *testing.T) {
	svc := testService(t, testVolume(2, 2, 2, 2))
	if _, err := svc.SurfaceValues(context.Background(), 0); err == nil {
		t.Error("expected error when no surfaces are loaded")
	}
}

func TestVertexCourseErrors(t *testing.T) {
	svc := testService(t, testVolume(2, 2, 2, 2))

	if _, err := svc.VertexCourse(context.Background(), 0, "dorsal"); err == nil {
		t.Error("expected error for unknown hemisphere")
	}
	if _, err := svc.VertexCourse(context.Background(), 0, "left"); err == nil {
		t.Error("expected error when no surface is loaded")
	}
}

func TestNewViewerServiceRejectsShapeMismatch(t *testing.T) {
	_, err := NewViewerService(ViewerServiceConfig{
		DatasetID:  "test",
		Functional: testVolume(3, 3, 3, 2),
		Mask:       testVolume(4, 3, 3, 1),
	})
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMetadata(t *testing.T) {
	svc := testService(t, testVolume(3, 3, 3, 4))

	md := svc.Metadata()
	if md.Dataset != "test" {
		t.Errorf("unexpected dataset id: %q", md.Dataset)
	}
	if md.Geometry.X != 3 || md.Geometry.Y != 3 || md.Geometry.Z != 3 {
		t.Errorf("unexpected geometry: %+v", md.Geometry)
	}
	if md.TimePoints != 4 {
		t.Errorf("expected 4 time points, got %d", md.TimePoints)
	}
	if md.RangeMin != 0 || md.RangeMax != 3222 {
		t.Errorf("unexpected range: [%g, %g]", md.RangeMin, md.RangeMax)
	}
	if !md.Preprocable {
		t.Error("4-D volume should be preprocessable")
	}
	if len(md.Colormaps) == 0 {
		t.Error("expected colormap list")
	}
}

func TestWorldCoord(t *testing.T) {
	svc := testService(t, testVolume(3, 3, 3, 2))

	w := svc.WorldCoord(viewer.Triple{X: 1, Y: 2, Z: 0})
	want := [3]float64{2, 4, 0}
	for i := range w {
		if math.Abs(w[i]-want[i]) > 1e-9 {
			t.Errorf("axis %d: expected %g, got %g", i, want[i], w[i])
		}
	}
}
