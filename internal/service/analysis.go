package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsb46/fmri-findviz-sub001/internal/analysisstore"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
)

const defaultTopK = 1000

// RunAnalysis executes one analysis job against this dataset and
// writes its results into the store. It is the job manager's executor.
func (s *ViewerService) RunAnalysis(ctx context.Context, store *analysisstore.Store, job *analysisstore.Job) error {
	vol := s.functionalVolume(job.Params.Preprocessed)
	if vol.NT < 2 {
		return fmt.Errorf("analysis needs a 4-D functional image")
	}

	p := job.Params
	if p.SeedX < 0 || p.SeedX >= vol.NX ||
		p.SeedY < 0 || p.SeedY >= vol.NY ||
		p.SeedZ < 0 || p.SeedZ >= vol.NZ {
		return fmt.Errorf("seed voxel (%d,%d,%d) out of range", p.SeedX, p.SeedY, p.SeedZ)
	}

	switch job.Params.Kind {
	case analysisstore.KindCorrelation:
		return s.runCorrelation(ctx, store, job, vol)
	case analysisstore.KindWindowAverage:
		return s.runWindowAverage(ctx, store, job, vol)
	case analysisstore.KindDistance:
		return s.runDistance(ctx, store, job, vol)
	default:
		return fmt.Errorf("unknown analysis kind %q", job.Params.Kind)
	}
}

// inMask reports whether a voxel participates in analysis.
func (s *ViewerService) inMask(x, y, z int) bool {
	if s.mask == nil {
		return true
	}
	return s.mask.At(x, y, z, 0) == 1
}

// laggedCorrelation computes Pearson correlation between the seed and a
// voxel series with the voxel shifted by lag time points. Positive lag
// means the voxel follows the seed.
func laggedCorrelation(seed, series []float64, lag int) float64 {
	n := len(seed)
	overlap := n - abs(lag)
	if overlap < 3 {
		return math.NaN()
	}
	var a, b []float64
	if lag >= 0 {
		a = seed[:overlap]
		b = series[lag:]
	} else {
		a = seed[-lag:]
		b = series[:overlap]
	}
	return stat.Correlation(a, b, nil)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (s *ViewerService) runCorrelation(ctx context.Context, store *analysisstore.Store, job *analysisstore.Job, vol *nifti.Volume) error {
	p := job.Params
	if p.NegativeLag < 0 || p.PositiveLag < 0 {
		return fmt.Errorf("lag bounds must be non-negative")
	}
	if p.NegativeLag+p.PositiveLag >= vol.NT-2 {
		return fmt.Errorf("lag range [%d,%d] too wide for %d time points", -p.NegativeLag, p.PositiveLag, vol.NT)
	}
	topK := p.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	seed := vol.TimeSeries(p.SeedX, p.SeedY, p.SeedZ)

	// One result set per lag, each capped at topK by |r|.
	perLag := make(map[int][]analysisstore.Result)

	total := vol.NZ
	for z := 0; z < vol.NZ; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				if !s.inMask(x, y, z) {
					continue
				}
				series := vol.TimeSeries(x, y, z)
				for lag := -p.NegativeLag; lag <= p.PositiveLag; lag++ {
					r := laggedCorrelation(seed, series, lag)
					if math.IsNaN(r) {
						continue
					}
					perLag[lag] = append(perLag[lag], analysisstore.Result{X: x, Y: y, Z: z, Lag: lag, Value: r})
				}
			}
		}
		// Trim periodically so memory stays bounded on large volumes.
		for lag := range perLag {
			perLag[lag] = topByAbs(perLag[lag], topK)
		}
		store.UpdateJobProgress(job.ID, "correlating", z+1, total)
	}

	var out []analysisstore.Result
	for lag := -p.NegativeLag; lag <= p.PositiveLag; lag++ {
		out = append(out, topByAbs(perLag[lag], topK)...)
	}
	return store.InsertResults(job.ID, out)
}

func topByAbs(results []analysisstore.Result, k int) []analysisstore.Result {
	if len(results) <= k {
		return results
	}
	sort.Slice(results, func(i, j int) bool {
		return math.Abs(results[i].Value) > math.Abs(results[j].Value)
	})
	return results[:k:k]
}

// runWindowAverage averages the seed voxel's signal across windows
// centered on the annotated markers. One result row per window offset,
// keyed by lag.
func (s *ViewerService) runWindowAverage(ctx context.Context, store *analysisstore.Store, job *analysisstore.Job, vol *nifti.Volume) error {
	p := job.Params
	if len(p.Markers) == 0 {
		return fmt.Errorf("window average needs at least one time marker")
	}
	if p.LeftEdge < 0 || p.RightEdge < 0 {
		return fmt.Errorf("window edges must be non-negative")
	}

	series := vol.TimeSeries(p.SeedX, p.SeedY, p.SeedZ)

	results := make([]analysisstore.Result, 0, p.LeftEdge+p.RightEdge+1)
	for offset := -p.LeftEdge; offset <= p.RightEdge; offset++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, n := 0.0, 0
		for _, m := range p.Markers {
			t := m + offset
			if t < 0 || t >= vol.NT {
				continue
			}
			v := series[t]
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			continue
		}
		results = append(results, analysisstore.Result{
			X: p.SeedX, Y: p.SeedY, Z: p.SeedZ,
			Lag:   offset,
			Value: sum / float64(n),
		})
	}

	store.UpdateJobProgress(job.ID, "averaging", 1, 1)
	return store.InsertResults(job.ID, results)
}

// runDistance maps the distance between the seed time course and every
// in-mask voxel's.
func (s *ViewerService) runDistance(ctx context.Context, store *analysisstore.Store, job *analysisstore.Job, vol *nifti.Volume) error {
	p := job.Params
	metric := p.Metric
	if metric == "" {
		metric = "correlation"
	}
	if metric != "correlation" && metric != "euclidean" {
		return fmt.Errorf("unknown distance metric %q", metric)
	}
	topK := p.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	seed := vol.TimeSeries(p.SeedX, p.SeedY, p.SeedZ)

	var results []analysisstore.Result
	total := vol.NZ
	for z := 0; z < vol.NZ; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				if !s.inMask(x, y, z) {
					continue
				}
				series := vol.TimeSeries(x, y, z)

				var d float64
				if metric == "euclidean" {
					d = floats.Distance(seed, series, 2)
				} else {
					r := stat.Correlation(seed, series, nil)
					if math.IsNaN(r) {
						continue
					}
					d = 1 - r
				}
				if math.IsNaN(d) {
					continue
				}
				results = append(results, analysisstore.Result{X: x, Y: y, Z: z, Value: d})
			}
		}
		results = bottomByValue(results, topK)
		store.UpdateJobProgress(job.ID, "measuring", z+1, total)
	}

	return store.InsertResults(job.ID, bottomByValue(results, topK))
}

// bottomByValue keeps the k smallest distances.
func bottomByValue(results []analysisstore.Result, k int) []analysisstore.Result {
	if len(results) <= k {
		return results
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Value < results[j].Value
	})
	return results[:k:k]
}
