package api

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tsb46/fmri-findviz-sub001/internal/analysisstore"
)

func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()

	jm, err := NewJobManager(JobManagerConfig{
		SQLitePath: filepath.Join(t.TempDir(), "jobs.db"),
	})
	if err != nil {
		t.Fatalf("failed to create job manager: %v", err)
	}
	t.Cleanup(jm.Stop)
	return jm
}

func TestSubmitRejectsBadParams(t *testing.T) {
	jm := newTestJobManager(t)

	cases := []struct {
		name   string
		params analysisstore.JobParams
	}{
		{"unknown kind", analysisstore.JobParams{Kind: "psychic"}},
		{"negative lag", analysisstore.JobParams{Kind: analysisstore.KindCorrelation, NegativeLag: -1}},
		{"no markers", analysisstore.JobParams{Kind: analysisstore.KindWindowAverage}},
		{"negative edge", analysisstore.JobParams{Kind: analysisstore.KindWindowAverage, Markers: []int{3}, LeftEdge: -2}},
		{"bad metric", analysisstore.JobParams{Kind: analysisstore.KindDistance, Metric: "manhattan"}},
		{"negative top_k", analysisstore.JobParams{Kind: analysisstore.KindCorrelation, TopK: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := jm.Submit(tc.params); !errors.Is(err, ErrBadParams) {
				t.Errorf("expected ErrBadParams, got %v", err)
			}
		})
	}
}

func TestSubmitNormalizesResultCap(t *testing.T) {
	jm := newTestJobManager(t)

	job, err := jm.Submit(analysisstore.JobParams{Kind: analysisstore.KindCorrelation})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if job.Params.TopK != defaultResultCap {
		t.Errorf("expected default cap %d, got %d", defaultResultCap, job.Params.TopK)
	}

	job, err = jm.Submit(analysisstore.JobParams{Kind: analysisstore.KindDistance, TopK: 50000})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if job.Params.TopK != maxResultCap {
		t.Errorf("expected cap clamped to %d, got %d", maxResultCap, job.Params.TopK)
	}

	// The normalized params are what gets persisted
	stored := jm.Get(job.ID)
	if stored == nil || stored.Params.TopK != maxResultCap {
		t.Errorf("persisted params should carry the clamped cap: %+v", stored)
	}
}
