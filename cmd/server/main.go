// Package main is the entry point for the Verdelis analytics server.
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

	"github.com/verdelis/server/internal/api"
	"github.com/verdelis/server/internal/audit"
	"github.com/verdelis/server/internal/cache"
	"github.com/verdelis/server/internal/config"
	"github.com/verdelis/server/internal/export"
	"github.com/verdelis/server/internal/fieldstore"
	"github.com/verdelis/server/internal/ndvi"
	"github.com/verdelis/server/internal/quota"
	"github.com/verdelis/server/internal/render"
	"github.com/verdelis/server/internal/service"
	"github.com/verdelis/server/internal/spatial"
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

	log.Printf("Starting Verdelis analytics server on port %d", cfg.Server.Port)

	// Initialize field storage
	store, err := fieldstore.NewStore(cfg.Storage.FieldsPath)
	if err != nil {
		log.Fatalf("Failed to initialize field store: %v", err)
	}
	defer store.Close()
	log.Printf("Field store: %s", cfg.Storage.FieldsPath)

	// Initialize audit sink
	auditSink, err := audit.NewSink(cfg.Storage.AuditPath, 1024)
	if err != nil {
		log.Fatalf("Failed to initialize audit sink: %v", err)
	}
	defer auditSink.Close()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QuerySize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize the spatial index and load it from the store
	queries := spatial.NewQueryService(store, spatial.NewIndex(), spatial.Limits{
		MaxPageSize:    cfg.Query.MaxPageSize,
		MaxRadiusM:     cfg.Query.MaxRadiusM,
		MaxNearbyLimit: cfg.Query.MaxNearbyLimit,
	})
	if err := queries.RebuildIndex(); err != nil {
		log.Fatalf("Failed to build spatial index: %v", err)
	}

	// Initialize per-tenant quota tracking
	guard := quota.NewGuard(quota.Config{
		Window:   time.Duration(cfg.Quota.WindowSeconds) * time.Second,
		Standard: cfg.Quota.Standard,
		Heavy:    cfg.Quota.Heavy,
		Export:   cfg.Quota.Export,
	})
	log.Printf("Quota budgets per %ds window: standard=%d heavy=%d export=%d",
		cfg.Quota.WindowSeconds, cfg.Quota.Standard, cfg.Quota.Heavy, cfg.Quota.Export)

	fieldService := service.NewFieldService(service.FieldServiceConfig{
		Store:    store,
		Queries:  queries,
		Exporter: export.New(store, cfg.Query.ExportPageSize),
		Guard:    guard,
		Audit:    auditSink,
		Cache:    cacheManager,
	})

	// Initialize the NDVI compute pipeline
	scheduler := ndvi.NewScheduler(ndvi.Config{
		Workers:    cfg.Compute.Workers,
		MaxRetries: cfg.Compute.MaxRetries,
		TileSize:   cfg.Compute.TileSize,
	})
	renderer := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Compute.Colormap,
	})
	computeService := service.NewComputeService(service.ComputeServiceConfig{
		Scheduler: scheduler,
		Renderer:  renderer,
		Cache:     cacheManager,
		Guard:     guard,
	})
	log.Printf("NDVI compute: workers=%d tile_size=%d max_retries=%d",
		cfg.Compute.Workers, cfg.Compute.TileSize, cfg.Compute.MaxRetries)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Fields:        fieldService,
		Compute:       computeService,
		CORSOrigins:   cfg.Server.CORSOrigins,
		MaxGridPixels: cfg.Compute.MaxGridPixels,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // exports stream for a while
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
