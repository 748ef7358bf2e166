// Package main is the entry point for the findviz server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsb46/fmri-findviz-sub001/internal/analysisstore"
	"github.com/tsb46/fmri-findviz-sub001/internal/api"
	"github.com/tsb46/fmri-findviz-sub001/internal/cache"
	"github.com/tsb46/fmri-findviz-sub001/internal/config"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/gifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/nifti"
	"github.com/tsb46/fmri-findviz-sub001/internal/data/tdb"
	"github.com/tsb46/fmri-findviz-sub001/internal/render"
	"github.com/tsb46/fmri-findviz-sub001/internal/service"
	"github.com/tsb46/fmri-findviz-sub001/internal/viewer"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting findviz server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: cfg.Cache.SliceSizeMB,
		SliceTTL:         time.Duration(cfg.Cache.SliceTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize slice renderer (shared across all datasets)
	sliceRenderer := render.NewSliceRenderer(render.Config{
		Scale:           cfg.Render.Scale,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize dataset registry
	datasetIDs := make([]string, 0, len(cfg.Datasets))
	for _, ds := range cfg.Datasets {
		datasetIDs = append(datasetIDs, ds.ID)
	}
	registry := api.NewDatasetRegistry(cfg.Default, datasetIDs, cfg.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Default)

	// Initialize each dataset
	for _, ds := range cfg.Datasets {
		functional, err := nifti.Load(ds.Functional)
		if err != nil {
			log.Fatalf("Failed to load functional image for dataset %q: %v", ds.ID, err)
		}
		log.Printf("  [%s] Functional: %s", ds.ID, ds.Functional)
		log.Printf("    Dimensions: %dx%dx%d, time points: %d, TR: %.3fs",
			functional.NX, functional.NY, functional.NZ, functional.NT, functional.TR)

		var anatomical *nifti.Volume
		if ds.Anatomical != "" {
			anatomical, err = nifti.Load(ds.Anatomical)
			if err != nil {
				log.Fatalf("Failed to load anatomical image for dataset %q: %v", ds.ID, err)
			}
			log.Printf("  [%s] Anatomical: %s", ds.ID, ds.Anatomical)
		}

		var mask *nifti.Volume
		if ds.Mask != "" {
			mask, err = nifti.Load(ds.Mask)
			if err != nil {
				log.Fatalf("Failed to load brain mask for dataset %q: %v", ds.ID, err)
			}
			log.Printf("  [%s] Mask: %s", ds.ID, ds.Mask)
		}

		var left, right *gifti.Surface
		if ds.LeftGii != "" {
			left, err = gifti.Load(ds.LeftGii)
			if err != nil {
				log.Printf("  [%s] Left surface not loaded: %v", ds.ID, err)
			} else {
				log.Printf("  [%s] Left surface: %d vertices", ds.ID, left.NVertices)
			}
		}
		if ds.RightGii != "" {
			right, err = gifti.Load(ds.RightGii)
			if err != nil {
				log.Printf("  [%s] Right surface not loaded: %v", ds.ID, err)
			} else {
				log.Printf("  [%s] Right surface: %d vertices", ds.ID, right.NVertices)
			}
		}

		var bold *tdb.Store
		if ds.TileDBPath != "" {
			b, err := tdb.NewStore(ds.TileDBPath)
			if err != nil {
				log.Printf("  [%s] TileDB store not initialized: %v", ds.ID, err)
			} else {
				bold = b
				log.Printf("  [%s] TileDB array: %s (supported=%v)", ds.ID, bold.ArrayURI(), bold.Supported())
			}
		}

		svc, err := service.NewViewerService(service.ViewerServiceConfig{
			DatasetID:  ds.ID,
			Functional: functional,
			Anatomical: anatomical,
			Mask:       mask,
			Left:       left,
			Right:      right,
			Bold:       bold,
			Cache:      cacheManager,
			Renderer:   sliceRenderer,
		})
		if err != nil {
			log.Fatalf("Failed to initialize viewer service for dataset %q: %v", ds.ID, err)
		}

		sess := viewer.NewSession(viewer.SessionConfig{
			Geometry:   svc.Geometry(),
			Provider:   svc,
			Extractor:  svc,
			WorldCoord: svc.WorldCoord,
		})

		registry.Register(ds.ID, svc, sess)
	}

	// Initialize job manager for analysis jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Analysis.MaxConcurrent,
		SQLitePath:    cfg.Analysis.SQLitePath,
		RetentionDays: cfg.Analysis.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Analysis job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Analysis.MaxConcurrent, cfg.Analysis.RetentionDays, cfg.Analysis.SQLitePath)

	// Route each job to the viewer service of its dataset
	jobManager.Executor = func(ctx context.Context, store *analysisstore.Store, jobID string) error {
		job, err := store.GetJob(jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s not found", jobID)
		}
		entry := registry.Get(job.DatasetID)
		if entry == nil {
			return fmt.Errorf("dataset %q is no longer configured", job.DatasetID)
		}
		return entry.Service.RunAnalysis(ctx, store, job)
	}

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
