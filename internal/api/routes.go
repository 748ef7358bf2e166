package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tsb46/fmri-findviz-sub001/internal/analysisstore"
	"github.com/tsb46/fmri-findviz-sub001/internal/service"
	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
	"github.com/tsb46/fmri-findviz-sub001/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/view", viewHandler)
			r.Post("/view/mode", viewModeHandler)
			r.Post("/view/montage_direction", montageDirectionHandler)
			r.Post("/view/ortho", orthoUpdateHandler)
			r.Post("/view/montage/{slot}", montageUpdateHandler)
			r.Post("/view/markers", markersHandler)
			r.Post("/click", clickHandler)
			r.Get("/slices", slicesHandler)
			r.Get("/slices/{panel}", slicePNGHandler)
			r.Get("/surface", surfaceHandler)
			r.Get("/overlay", overlayHandler)
			r.Get("/timecourse", timecourseHandler)
			r.Get("/worldcoord", worldCoordHandler)
			r.Post("/transform", transformHandler)
			r.Post("/preprocess", preprocessHandler)

			// Analysis job endpoints
			r.Route("/analysis/jobs", func(r chi.Router) {
				r.Post("/", jobSubmitHandler(cfg.JobManager))
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for the dataset entry
type ctxKey string

const datasetEntryKey ctxKey = "datasetEntry"

// datasetMiddleware resolves the dataset from URL and injects its entry
// into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			entry := registry.Get(datasetID)
			if entry == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetEntryKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetEntry(r *http.Request) *DatasetEntry {
	if entry, ok := r.Context().Value(datasetEntryKey).(*DatasetEntry); ok {
		return entry
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entry.Service.Metadata())
}

// viewPayload is the full navigation state returned by GET /view and by
// every mutating view endpoint.
type viewPayload struct {
	Seq          uint64                  `json:"seq"`
	State        viewer.Snapshot         `json:"state"`
	Transform    viewer.DisplayTransform `json:"transform"`
	TimePoint    int                     `json:"time_point"`
	Preprocessed bool                    `json:"preprocessed"`
}

func currentView(entry *DatasetEntry) viewPayload {
	sess := entry.Session
	return viewPayload{
		Seq:          sess.Seq(),
		State:        sess.Snapshot(),
		Transform:    sess.Transform(),
		TimePoint:    sess.TimePoint(),
		Preprocessed: sess.Preprocessed(),
	}
}

func viewHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}
	writeJSON(w, currentView(entry))
}

func viewModeHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}
	entry.Session.ToggleMode()
	writeJSON(w, currentView(entry))
}

func montageDirectionHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	var req struct {
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	dir, ok := viewer.ParseAxis(req.Direction)
	if !ok {
		http.Error(w, "invalid direction (expected x, y, or z): "+req.Direction, http.StatusBadRequest)
		return
	}

	entry.Session.SetMontageDirection(dir)
	writeJSON(w, currentView(entry))
}

func decodePartial(r *http.Request) (viewer.Partial, error) {
	var p viewer.Partial
	err := json.NewDecoder(r.Body).Decode(&p)
	return p, err
}

func orthoUpdateHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	p, err := decodePartial(r)
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if p.IsZero() {
		http.Error(w, "empty index update (expected at least one of x, y, z)", http.StatusBadRequest)
		return
	}
	entry.Session.UpdateOrthoIndex(p)
	writeJSON(w, currentView(entry))
}

func montageUpdateHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 || slot > 2 {
		http.Error(w, "invalid slot (expected 0-2)", http.StatusBadRequest)
		return
	}
	p, err := decodePartial(r)
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if p.IsZero() {
		http.Error(w, "empty index update (expected at least one of x, y, z)", http.StatusBadRequest)
		return
	}
	entry.Session.UpdateMontageSlot(viewer.Slot(slot), p)
	writeJSON(w, currentView(entry))
}

func markersHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	var req struct {
		Crosshair       *bool `json:"crosshair"`
		DirectionMarker *bool `json:"direction_marker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	entry.Session.SetMarkers(req.Crosshair, req.DirectionMarker)
	writeJSON(w, currentView(entry))
}

func clickHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	var ev viewer.ClickEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := entry.Session.HandleClick(r.Context(), ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, result)
}

func slicesHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	if timeStr := strings.TrimSpace(r.URL.Query().Get("time")); timeStr != "" {
		t, err := strconv.Atoi(timeStr)
		if err != nil {
			http.Error(w, "invalid time parameter", http.StatusBadRequest)
			return
		}
		entry.Session.SetTimePoint(t)
	}
	withLabels := r.URL.Query().Get("labels") == "true"

	panels, seq, err := entry.Session.Slices(r.Context(), withLabels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"seq":    seq,
		"panels": panels,
	})
}

// panelNumber resolves a panel path segment: a number (0-2), an
// anatomical plane name, or a montage slice name, with or without the
// .png suffix.
func panelNumber(raw string) (int, bool) {
	raw = strings.TrimSuffix(raw, ".png")
	switch raw {
	case "sagittal", "slice1":
		return 0, true
	case "coronal", "slice2":
		return 1, true
	case "axial", "slice3":
		return 2, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 2 {
		return 0, false
	}
	return n, true
}

func slicePNGHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	panel, ok := panelNumber(chi.URLParam(r, "panel"))
	if !ok {
		http.Error(w, "invalid panel", http.StatusBadRequest)
		return
	}

	data, err := entry.Service.RenderPanel(r.Context(), entry.Session, panel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// surfaceHandler returns the per-hemisphere vertex arrays at the
// session's time point (or an explicit ?time= override).
func surfaceHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	timePoint := entry.Session.TimePoint()
	if timeStr := strings.TrimSpace(r.URL.Query().Get("time")); timeStr != "" {
		t, err := strconv.Atoi(timeStr)
		if err != nil {
			http.Error(w, "invalid time parameter", http.StatusBadRequest)
			return
		}
		timePoint = t
	}

	hemispheres, err := entry.Service.SurfaceValues(r.Context(), timePoint)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{
		"time_point":  timePoint,
		"hemispheres": hemispheres,
	})
}

func overlayHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"seq":      entry.Session.Seq(),
		"overlays": entry.Session.Overlay(),
	})
}

func timecourseHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()

	// Surface path: ?vertex=&hemi=
	if vertexStr := strings.TrimSpace(q.Get("vertex")); vertexStr != "" {
		vertex, err := strconv.Atoi(vertexStr)
		if err != nil {
			http.Error(w, "invalid vertex parameter", http.StatusBadRequest)
			return
		}
		hemi := strings.TrimSpace(q.Get("hemi"))
		sig, err := entry.Service.VertexCourse(r.Context(), vertex, hemi)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, sig)
		return
	}

	// Volume path: ?x=&y=&z=, defaulting to the current selection.
	point := entry.Session.Selection()
	for _, axis := range []struct {
		name string
		dst  *int
	}{{"x", &point.X}, {"y", &point.Y}, {"z", &point.Z}} {
		if raw := strings.TrimSpace(q.Get(axis.name)); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid "+axis.name+" parameter", http.StatusBadRequest)
				return
			}
			*axis.dst = v
		}
	}

	sig, err := entry.Service.TimeCourse(r.Context(), point, entry.Session.Preprocessed())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, sig)
}

func worldCoordHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	point := entry.Session.Selection()
	world := entry.Service.WorldCoord(point)
	writeJSON(w, map[string]interface{}{
		"voxel": point,
		"world": world,
	})
}

func transformHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	var t viewer.DisplayTransform
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if t.ColormapID != "" && !colormap.Known(t.ColormapID) {
		http.Error(w, "unknown colormap: "+t.ColormapID, http.StatusBadRequest)
		return
	}
	entry.Session.SetTransform(t)
	writeJSON(w, currentView(entry))
}

func preprocessHandler(w http.ResponseWriter, r *http.Request) {
	entry := getDatasetEntry(r)
	if entry == nil {
		http.Error(w, "dataset not available", http.StatusInternalServerError)
		return
	}

	var req struct {
		Reset   bool                      `json:"reset"`
		Options service.PreprocessOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Reset {
		lo, hi := entry.Service.ResetPreprocess()
		entry.Session.SetPreprocessed(false)
		writeJSON(w, map[string]interface{}{
			"preprocessed": false,
			"range_min":    lo,
			"range_max":    hi,
		})
		return
	}

	lo, hi, err := entry.Service.Preprocess(r.Context(), req.Options)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry.Session.SetPreprocessed(true)
	writeJSON(w, map[string]interface{}{
		"preprocessed": true,
		"range_min":    lo,
		"range_max":    hi,
	})
}

// Analysis job handlers

type jobSubmitRequest struct {
	Kind         string `json:"kind"`
	SeedX        *int   `json:"seed_x"`
	SeedY        *int   `json:"seed_y"`
	SeedZ        *int   `json:"seed_z"`
	NegativeLag  int    `json:"negative_lag"`
	PositiveLag  int    `json:"positive_lag"`
	Markers      []int  `json:"markers"`
	LeftEdge     int    `json:"left_edge"`
	RightEdge    int    `json:"right_edge"`
	Metric       string `json:"metric"`
	Preprocessed bool   `json:"preprocessed"`
	TopK         int    `json:"top_k"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		entry := getDatasetEntry(r)
		if entry == nil {
			http.Error(w, "dataset not available", http.StatusInternalServerError)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Seed defaults to the session's current selection point.
		seed := entry.Session.Selection()
		if req.SeedX != nil {
			seed.X = *req.SeedX
		}
		if req.SeedY != nil {
			seed.Y = *req.SeedY
		}
		if req.SeedZ != nil {
			seed.Z = *req.SeedZ
		}

		datasetID := chi.URLParam(r, "dataset")
		params := analysisstore.JobParams{
			DatasetID:    datasetID,
			Kind:         req.Kind,
			SeedX:        seed.X,
			SeedY:        seed.Y,
			SeedZ:        seed.Z,
			NegativeLag:  req.NegativeLag,
			PositiveLag:  req.PositiveLag,
			Markers:      req.Markers,
			LeftEdge:     req.LeftEdge,
			RightEdge:    req.RightEdge,
			Metric:       req.Metric,
			Preprocessed: req.Preprocessed,
			TopK:         req.TopK,
		}

		job, err := jm.Submit(params)
		if err != nil {
			if errors.Is(err, ErrBadParams) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"jobs": jobs,
		})
	}
}

// jobForDataset loads a job and rejects IDs that belong to another
// dataset.
func jobForDataset(jm *JobManager, r *http.Request) *analysisstore.Job {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"kind":        job.Params.Kind,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"error":       job.Error,
		})
	}
}

func jobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != analysisstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		// Parse pagination and order params
		offset := 0
		limit := 100
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "abs_value"
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		items, total, err := jm.Store().QueryResults(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"params":   job.Params,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

// jobDeleteHandler cancels a queued or running job; a finished job is
// deleted outright along with its results.
func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		switch job.Status {
		case analysisstore.JobStatusCompleted, analysisstore.JobStatusFailed, analysisstore.JobStatusCancelled:
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]interface{}{
				"job_id":  job.ID,
				"deleted": true,
			})
		default:
			jm.Cancel(job.ID)
			writeJSON(w, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": true,
			})
		}
	}
}
