package service

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
)

// PreprocessOptions selects the preprocessing steps to run, in the
// fixed order: temporal filter, spatial smoothing, normalization.
type PreprocessOptions struct {
	// Normalize is "", "z_score", or "percent_change", applied per
	// voxel over time.
	Normalize string `json:"normalize,omitempty"`
	// FilterLowHz removes frequencies below the cutoff (high-pass);
	// FilterHighHz removes frequencies above it (low-pass). Zero
	// disables the bound. Requires a TR in the functional header.
	FilterLowHz  float64 `json:"filter_low_hz,omitempty"`
	FilterHighHz float64 `json:"filter_high_hz,omitempty"`
	// SmoothFWHM is the Gaussian spatial smoothing kernel width in mm;
	// zero disables smoothing.
	SmoothFWHM float64 `json:"smooth_fwhm,omitempty"`
}

func (o PreprocessOptions) steps() []string {
	var out []string
	if o.FilterLowHz > 0 || o.FilterHighHz > 0 {
		out = append(out, fmt.Sprintf("bandpass[%g,%g]Hz", o.FilterLowHz, o.FilterHighHz))
	}
	if o.SmoothFWHM > 0 {
		out = append(out, fmt.Sprintf("smooth[%gmm]", o.SmoothFWHM))
	}
	if o.Normalize != "" {
		out = append(out, o.Normalize)
	}
	return out
}

func (o PreprocessOptions) validate(vol *nifti.Volume) error {
	switch o.Normalize {
	case "", "z_score", "percent_change":
	default:
		return fmt.Errorf("unknown normalization %q", o.Normalize)
	}
	if o.FilterLowHz < 0 || o.FilterHighHz < 0 || o.SmoothFWHM < 0 {
		return fmt.Errorf("preprocess parameters must be non-negative")
	}
	if o.FilterLowHz > 0 && o.FilterHighHz > 0 && o.FilterHighHz <= o.FilterLowHz {
		return fmt.Errorf("filter band is empty: low=%g high=%g", o.FilterLowHz, o.FilterHighHz)
	}
	if (o.FilterLowHz > 0 || o.FilterHighHz > 0) && vol.TR <= 0 {
		return fmt.Errorf("temporal filtering needs a TR, but the functional header has none")
	}
	if len(o.steps()) == 0 {
		return fmt.Errorf("no preprocessing steps selected")
	}
	return nil
}

// Preprocess runs the selected steps over the raw functional data and
// installs the result as the preprocessed volume. It returns the
// revised global intensity range, which the frontend needs to rescale
// its color bounds.
func (s *ViewerService) Preprocess(ctx context.Context, opts PreprocessOptions) (min, max float64, err error) {
	if s.functional.NT < 2 {
		return 0, 0, fmt.Errorf("dataset %s: preprocessing needs a 4-D functional image", s.datasetID)
	}
	if err := opts.validate(s.functional); err != nil {
		return 0, 0, err
	}

	out := &nifti.Volume{
		NX:     s.functional.NX,
		NY:     s.functional.NY,
		NZ:     s.functional.NZ,
		NT:     s.functional.NT,
		TR:     s.functional.TR,
		Affine: s.functional.Affine,
		Data:   append([]float64(nil), s.functional.Data...),
	}

	if opts.FilterLowHz > 0 || opts.FilterHighHz > 0 {
		if err := bandpassVolume(ctx, out, opts.FilterLowHz, opts.FilterHighHz); err != nil {
			return 0, 0, err
		}
	}
	if opts.SmoothFWHM > 0 {
		if err := smoothVolume(ctx, out, opts.SmoothFWHM); err != nil {
			return 0, 0, err
		}
	}
	if opts.Normalize != "" {
		if err := normalizeVolume(ctx, out, opts.Normalize); err != nil {
			return 0, 0, err
		}
	}

	min, max = out.Range()

	s.preMu.Lock()
	s.pre = out
	s.preMin = min
	s.preMax = max
	s.preSteps = opts.steps()
	s.preMu.Unlock()

	return min, max, nil
}

// ResetPreprocess drops the preprocessed volume; sessions fall back to
// raw data. It returns the raw intensity range.
func (s *ViewerService) ResetPreprocess() (min, max float64) {
	s.preMu.Lock()
	s.pre = nil
	s.preSteps = nil
	s.preMu.Unlock()
	return s.Range(false)
}

// eachVoxelSeries visits every voxel time series, handing the function
// a reusable buffer whose mutations are written back.
func eachVoxelSeries(ctx context.Context, vol *nifti.Volume, fn func(series []float64)) error {
	nxy := vol.NX * vol.NY
	nvox := nxy * vol.NZ
	series := make([]float64, vol.NT)
	for vi := 0; vi < nvox; vi++ {
		if vi%nxy == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for t := 0; t < vol.NT; t++ {
			series[t] = vol.Data[t*nvox+vi]
		}
		fn(series)
		for t := 0; t < vol.NT; t++ {
			vol.Data[t*nvox+vi] = series[t]
		}
	}
	return nil
}

// bandpassVolume zeroes FFT coefficients outside [lowHz, highHz] for
// every voxel time series. The DC component always survives so the
// signal keeps its mean.
func bandpassVolume(ctx context.Context, vol *nifti.Volume, lowHz, highHz float64) error {
	nt := vol.NT
	fft := fourier.NewFFT(nt)
	coeff := make([]complex128, nt/2+1)
	freqStep := 1 / (float64(nt) * vol.TR)

	return eachVoxelSeries(ctx, vol, func(series []float64) {
		fft.Coefficients(coeff, series)
		for k := 1; k < len(coeff); k++ {
			f := float64(k) * freqStep
			if (lowHz > 0 && f < lowHz) || (highHz > 0 && f > highHz) {
				coeff[k] = 0
			}
		}
		fft.Sequence(series, coeff)
		// The inverse transform is unnormalized.
		for t := range series {
			series[t] /= float64(nt)
		}
	})
}

func normalizeVolume(ctx context.Context, vol *nifti.Volume, mode string) error {
	return eachVoxelSeries(ctx, vol, func(series []float64) {
		mean := stat.Mean(series, nil)
		switch mode {
		case "z_score":
			sd := stat.StdDev(series, nil)
			if sd == 0 || math.IsNaN(sd) {
				for t := range series {
					series[t] = 0
				}
				return
			}
			for t := range series {
				series[t] = (series[t] - mean) / sd
			}
		case "percent_change":
			if mean == 0 || math.IsNaN(mean) {
				for t := range series {
					series[t] = 0
				}
				return
			}
			for t := range series {
				series[t] = (series[t] - mean) / mean * 100
			}
		}
	})
}

// smoothVolume applies separable Gaussian smoothing along x, y, z at
// every time point. The kernel width is converted from mm using the
// voxel size carried by the affine.
func smoothVolume(ctx context.Context, vol *nifti.Volume, fwhmMM float64) error {
	sigmaMM := fwhmMM / (2 * math.Sqrt(2*math.Log(2)))

	sizes := voxelSizes(vol.Affine)
	dims := [3]int{vol.NX, vol.NY, vol.NZ}
	strides := [3]int{1, vol.NX, vol.NX * vol.NY}
	nvox := vol.NX * vol.NY * vol.NZ

	for t := 0; t < vol.NT; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := vol.Data[t*nvox : (t+1)*nvox]
		for axis := 0; axis < 3; axis++ {
			sigmaVox := sigmaMM / sizes[axis]
			kernel := gaussianKernel(sigmaVox)
			if len(kernel) < 2 {
				continue
			}
			convolveAxis(frame, dims, strides, axis, kernel)
		}
	}
	return nil
}

// voxelSizes extracts the per-axis voxel spacing from the affine
// columns, defaulting to 1mm when the affine is degenerate.
func voxelSizes(a [3][4]float64) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j])
		if out[j] <= 0 || math.IsNaN(out[j]) {
			out[j] = 1
		}
	}
	return out
}

// gaussianKernel builds a normalized kernel truncated at 3 sigma.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return nil
	}
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return nil
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis runs a 1-D convolution along one axis of a 3-D frame,
// renormalizing at the edges and across NaN neighbors so masked voxels
// do not bleed into the smoothed image.
func convolveAxis(frame []float64, dims, strides [3]int, axis int, kernel []float64) {
	radius := len(kernel) / 2
	n := dims[axis]
	stride := strides[axis]

	// The two other axes enumerate the lines.
	a1, a2 := (axis+1)%3, (axis+2)%3
	line := make([]float64, n)

	for i2 := 0; i2 < dims[a2]; i2++ {
		for i1 := 0; i1 < dims[a1]; i1++ {
			base := i1*strides[a1] + i2*strides[a2]
			for i := 0; i < n; i++ {
				line[i] = frame[base+i*stride]
			}
			for i := 0; i < n; i++ {
				if math.IsNaN(line[i]) {
					continue
				}
				acc, wsum := 0.0, 0.0
				for k, w := range kernel {
					j := i + k - radius
					if j < 0 || j >= n || math.IsNaN(line[j]) {
						continue
					}
					acc += w * line[j]
					wsum += w
				}
				if wsum > 0 {
					frame[base+i*stride] = acc / wsum
				}
			}
		}
	}
}
