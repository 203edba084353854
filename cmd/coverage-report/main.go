// coverage-report is the pipeline server: it accepts radio telemetry over
// HTTP, normalizes it into measurements, maintains the coverage bins, and
// serves the query API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/coverage.report/internal/aggregate"
	"github.com/banshee-data/coverage.report/internal/api"
	"github.com/banshee-data/coverage.report/internal/config"
	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/version"
	"github.com/banshee-data/coverage.report/internal/worker"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbPath       = flag.String("db", "coverage.db", "Path to the sqlite database")
	apiKey       = flag.String("api-key", "", "API key required on /api routes (empty disables auth)")
	configPath   = flag.String("config", "", "Path to a pipeline tuning JSON file (optional)")
	noBackground = flag.Bool("no-background", false, "Serve the API without the worker and aggregator loops")
)

func main() {
	// The migrate subcommand manages schema versions and exits.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDB := migrateFlags.String("db", "coverage.db", "Path to the sqlite database")
		if err := migrateFlags.Parse(os.Args[2:]); err != nil {
			log.Fatalf("failed to parse migrate flags: %v", err)
		}
		db.RunMigrateCommand(migrateFlags.Args(), *migrateDB)
		return
	}

	flag.Parse()

	log.Printf("coverage-report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		loaded, err := config.LoadPipelineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if key := os.Getenv("COVERAGE_API_KEY"); *apiKey == "" && key != "" {
		*apiKey = key
	}
	if *apiKey == "" {
		log.Print("warning: running without an API key; /api routes are unauthenticated")
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg := aggregate.NewAggregator(database)
	agg.Interval = cfg.GetAggregateInterval()
	agg.BatchSize = cfg.GetAggregateBatchSize()

	if !*noBackground {
		w := worker.NewWorker(database)
		w.Interval = cfg.GetWorkerInterval()
		w.BatchSize = cfg.GetWorkerBatchSize()
		w.StaleLease = cfg.GetStaleLease()
		w.Start()
		defer w.Stop()
		log.Printf("normalization worker started (owner %s, every %s, batch %d)", w.Owner, w.Interval, w.BatchSize)

		agg.Start()
		defer agg.Stop()
		log.Printf("coverage aggregator started (every %s)", agg.Interval)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		apiServer := api.NewServer(database, agg, *apiKey)
		mux.Handle("/api/", apiServer.Handler())

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
