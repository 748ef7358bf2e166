package service

import (
	"context"
	"math"
	"testing"

	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
)

func TestPreprocessValidate(t *testing.T) {
	vol := testVolume(2, 2, 2, 8)

	cases := []struct {
		name string
		opts PreprocessOptions
	}{
		{"noSteps", PreprocessOptions{}},
		{"unknownNormalize", PreprocessOptions{Normalize: "median"}},
		{"emptyBand", PreprocessOptions{FilterLowHz: 0.2, FilterHighHz: 0.1}},
		{"negativeFWHM", PreprocessOptions{SmoothFWHM: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.opts.validate(vol); err == nil {
				t.Error("expected a validation error")
			}
		})
	}

	t.Run("filterNeedsTR", func(t *testing.T) {
		noTR := testVolume(2, 2, 2, 8)
		noTR.TR = 0
		opts := PreprocessOptions{FilterHighHz: 0.1}
		if err := opts.validate(noTR); err == nil {
			t.Error("expected an error when the header has no TR")
		}
	})
}

func TestPreprocessZScore(t *testing.T) {
	vol := testVolume(2, 1, 1, 16)
	// Voxel (1,0,0) is constant over time; z-scoring must zero it
	// instead of dividing by a zero deviation.
	for tp := 0; tp < 16; tp++ {
		vol.Data[tp*2+1] = 7
	}
	svc := testService(t, vol)

	_, _, err := svc.Preprocess(context.Background(), PreprocessOptions{Normalize: "z_score"})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	pre := svc.functionalVolume(true)
	if pre == vol {
		t.Fatal("preprocessed volume was not installed")
	}

	series := pre.TimeSeries(0, 0, 0)
	mean, sd := meanStd(series)
	if math.Abs(mean) > 1e-9 {
		t.Errorf("z-scored series mean should be 0, got %g", mean)
	}
	if math.Abs(sd-1) > 1e-9 {
		t.Errorf("z-scored series sd should be 1, got %g", sd)
	}

	flat := pre.TimeSeries(1, 0, 0)
	for tp, v := range flat {
		if v != 0 {
			t.Errorf("constant series should z-score to 0, got %g at %d", v, tp)
		}
	}

	// Raw data is untouched
	if vol.At(0, 0, 0, 1) != 1000 {
		t.Error("raw volume was modified in place")
	}
}

func TestPreprocessPercentChange(t *testing.T) {
	vol := &nifti.Volume{
		NX: 1, NY: 1, NZ: 1, NT: 4,
		TR:   1,
		Data: []float64{100, 110, 90, 100},
	}
	svc := testService(t, vol)

	_, _, err := svc.Preprocess(context.Background(), PreprocessOptions{Normalize: "percent_change"})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	got := svc.functionalVolume(true).TimeSeries(0, 0, 0)
	want := []float64{0, 10, -10, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("time point %d: expected %g%%, got %g", i, want[i], got[i])
		}
	}
}

func TestBandpassRemovesHighFrequency(t *testing.T) {
	const nt = 64
	vol := &nifti.Volume{
		NX: 1, NY: 1, NZ: 1, NT: nt,
		TR:   1, // Nyquist at 0.5Hz, bins at k/64 Hz
		Data: make([]float64, nt),
	}
	for tp := 0; tp < nt; tp++ {
		slow := math.Sin(2 * math.Pi * 2 * float64(tp) / nt)  // 0.03125Hz
		fast := math.Sin(2 * math.Pi * 16 * float64(tp) / nt) // 0.25Hz
		vol.Data[tp] = 50 + slow + fast
	}

	if err := bandpassVolume(context.Background(), vol, 0, 0.1); err != nil {
		t.Fatalf("bandpassVolume failed: %v", err)
	}

	for tp := 0; tp < nt; tp++ {
		slow := math.Sin(2 * math.Pi * 2 * float64(tp) / nt)
		want := 50 + slow
		if math.Abs(vol.Data[tp]-want) > 1e-6 {
			t.Fatalf("time point %d: expected %g after low-pass, got %g", tp, want, vol.Data[tp])
		}
	}
}

func TestBandpassPreservesMean(t *testing.T) {
	const nt = 32
	vol := &nifti.Volume{
		NX: 1, NY: 1, NZ: 1, NT: nt,
		TR:   2,
		Data: make([]float64, nt),
	}
	for tp := 0; tp < nt; tp++ {
		vol.Data[tp] = 400 + math.Sin(2*math.Pi*float64(tp)/nt)
	}

	// High-pass above every bin still keeps the DC component.
	if err := bandpassVolume(context.Background(), vol, 0.2, 0); err != nil {
		t.Fatalf("bandpassVolume failed: %v", err)
	}

	mean, _ := meanStd(vol.Data)
	if math.Abs(mean-400) > 1e-6 {
		t.Errorf("expected mean 400 after filtering, got %g", mean)
	}
}

func TestSmoothPreservesConstantField(t *testing.T) {
	vol := &nifti.Volume{
		NX: 6, NY: 6, NZ: 6, NT: 1,
		Affine: [3][4]float64{{3, 0, 0, 0}, {0, 3, 0, 0}, {0, 0, 3, 0}},
		Data:   make([]float64, 6*6*6),
	}
	for i := range vol.Data {
		vol.Data[i] = 12.5
	}
	// One masked-out voxel must stay NaN and not drag down its
	// neighbors.
	nanIdx := (2*6+3)*6 + 1
	vol.Data[nanIdx] = math.NaN()

	if err := smoothVolume(context.Background(), vol, 6); err != nil {
		t.Fatalf("smoothVolume failed: %v", err)
	}

	for i, v := range vol.Data {
		if i == nanIdx {
			if !math.IsNaN(v) {
				t.Errorf("masked voxel should stay NaN, got %g", v)
			}
			continue
		}
		if math.Abs(v-12.5) > 1e-9 {
			t.Errorf("voxel %d: constant field changed to %g", i, v)
		}
	}
}

func TestGaussianKernel(t *testing.T) {
	kernel := gaussianKernel(1.5)
	if len(kernel)%2 != 1 {
		t.Fatalf("kernel length should be odd, got %d", len(kernel))
	}
	sum := 0.0
	for _, w := range kernel {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("kernel should sum to 1, got %g", sum)
	}
	if gaussianKernel(0) != nil {
		t.Error("zero sigma should yield no kernel")
	}
}

func TestResetPreprocess(t *testing.T) {
	vol := testVolume(2, 2, 2, 8)
	svc := testService(t, vol)

	if _, _, err := svc.Preprocess(context.Background(), PreprocessOptions{Normalize: "z_score"}); err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if svc.functionalVolume(true) == vol {
		t.Fatal("expected preprocessed volume to be active")
	}

	svc.ResetPreprocess()
	if svc.functionalVolume(true) != vol {
		t.Error("reset should fall back to the raw volume")
	}
	if steps := svc.Metadata().Preprocess; len(steps) != 0 {
		t.Errorf("reset should clear preprocess steps, got %v", steps)
	}
}

func meanStd(v []float64) (mean, sd float64) {
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	for _, x := range v {
		sd += (x - mean) * (x - mean)
	}
	sd = math.Sqrt(sd / float64(len(v)-1))
	return mean, sd
}
