// coverage-agent watches devices' positions through the server API and
// starts or stops recording sessions when a device leaves or returns to its
// home geofence.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/coverage.report/internal/agent"
	"github.com/banshee-data/coverage.report/internal/config"
)

var (
	serverURL  = flag.String("server", "http://localhost:8080", "Base URL of the coverage-report server")
	apiKey     = flag.String("api-key", "", "API key for the server")
	devices    = flag.String("devices", "", "Comma-separated device ids to watch")
	configPath = flag.String("config", "", "Path to a pipeline tuning JSON file (optional)")
)

func main() {
	flag.Parse()

	if *devices == "" {
		log.Fatal("at least one device id is required (-devices 1,2,3)")
	}
	var ids []int64
	for _, part := range strings.Split(*devices, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			log.Fatalf("invalid device id %q", part)
		}
		ids = append(ids, id)
	}

	if key := os.Getenv("COVERAGE_API_KEY"); *apiKey == "" && key != "" {
		*apiKey = key
	}

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		loaded, err := config.LoadPipelineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	a := agent.NewAgent(*serverURL, *apiKey, ids)
	a.Interval = cfg.GetAgentInterval()
	a.Staleness = cfg.GetAgentStaleness()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start()
	defer a.Stop()
	log.Printf("geofence agent watching devices %v via %s (every %s)", ids, *serverURL, a.Interval)

	<-ctx.Done()
	log.Print("agent stopped")
}
