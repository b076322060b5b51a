package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strandsec/authwatch/pkg/api"
	"github.com/strandsec/authwatch/pkg/config"
	"github.com/strandsec/authwatch/pkg/detect"
	"github.com/strandsec/authwatch/pkg/ingest"
	"github.com/strandsec/authwatch/pkg/mapping"
	"github.com/strandsec/authwatch/pkg/metrics"
	"github.com/strandsec/authwatch/pkg/normalize"
	"github.com/strandsec/authwatch/pkg/registry"
	"github.com/strandsec/authwatch/pkg/risk"
	"github.com/strandsec/authwatch/pkg/runstore"

	"go.opentelemetry.io/otel"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "validate-mappings":
		return runValidateMappings(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "authwatch - authentication event analytics engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  authwatch [server]            Start the HTTP server (default)")
	fmt.Fprintln(w, "  authwatch validate-mappings   Validate the field mapping config and exit")
	fmt.Fprintln(w, "  authwatch health              Probe a running server's /health endpoint")
	fmt.Fprintln(w, "  authwatch help                Show this help")
	fmt.Fprintln(w, "")
}

func runServer() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	ctx := context.Background()

	profiles, err := mapping.Load(cfg.MappingConfigPath)
	if err != nil {
		log.Fatalf("Failed to load field mappings: %v", err)
	}
	if errs := profiles.Validate(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid mapping profile", "error", e)
		}
		log.Fatalf("Field mapping config is invalid: %d error(s)", len(errs))
	}

	runs := runstore.New(cfg.RunsDir)

	reg := registry.New(cfg.RunsDir, logger)
	if err := reg.Rehydrate(); err != nil {
		log.Fatalf("Failed to rehydrate incident registry: %v", err)
	}

	engine := risk.New()
	engine.Rehydrate(reg.List())
	reg.SetRecorder(engine)

	counters := metrics.New(filepath.Join(cfg.RunsDir, "metrics.json"), logger)
	counters.Rehydrate(buildScan(runs, reg))

	if cfg.OTLPEndpoint != "" {
		shutdown, err := metrics.SetupOTLP(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			logger.Error("otlp metrics disabled", "error", err)
		} else {
			counters.SetBridge(metrics.NewBridge(otel.Meter("authwatch")))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	detector := detect.New(detect.Config{
		Window:             cfg.Window(),
		BruteForceFailures: cfg.BruteForceThreshold,
		SprayDistinctUsers: cfg.CredAbuseDistinctUsers,
		SprayTotalFailures: cfg.CredAbuseFailureThreshold,
	})

	pipeline := ingest.New(runs, normalize.New(profiles), detector, reg, counters, logger)
	server := api.NewServer(pipeline, runs, reg, engine, counters, logger)
	limiter := api.NewGlobalRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("authwatch listening", "port", cfg.Port, "runs_dir", cfg.RunsDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := reg.Persist(); err != nil {
		logger.Error("final registry flush failed", "error", err)
	}
}

// buildScan derives the metrics rebuild input from run artifacts and the
// incident registry.
func buildScan(runs *runstore.Store, reg *registry.Registry) metrics.Scan {
	scan := metrics.Scan{
		EventsBySource:  make(map[string]int64),
		IncidentsByType: make(map[string]int64),
	}

	metas, err := runs.ListRuns()
	if err == nil {
		for _, meta := range metas {
			scan.Runs++
			scan.EventsIngested += int64(meta.EventCount)
			scan.EventsNormalized += int64(meta.NormalizedCount)
			if meta.Source != "" {
				scan.EventsBySource[meta.Source] += int64(meta.NormalizedCount)
			}
		}
	}
	for _, inc := range reg.List() {
		scan.IncidentsByType[inc.Type]++
	}
	return scan
}

// runValidateMappings loads and validates the mapping config, printing
// every problem found.
func runValidateMappings(args []string, stdout, stderr io.Writer) int {
	path := config.Load().MappingConfigPath
	if len(args) > 0 {
		path = args[0]
	}

	profiles, err := mapping.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load %s: %v\n", path, err)
		return 1
	}
	if errs := profiles.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(stderr, "INVALID: %v\n", e)
		}
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d profile(s) valid\n", len(profiles.Sources()))
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := config.Load().Port
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
