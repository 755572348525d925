// Command gatewayd runs the inference gateway's Node Router and Worker
// Relay: it wires the Node Registry, Oracle Discovery, Health Prober,
// Worker Relay hub, Retry Coordinator, Usage Tracker, and the
// client-facing HTTP API into one process, then blocks for SIGTERM/SIGINT
// and shuts everything down in reverse startup order. Structurally this
// follows the teacher's worker/cmd/agent/main.go: flag parsing, component
// construction, background loops launched with go, a shutdown.Manager
// with Register calls, and a final Wait.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/arcrelay/inferd/internal/api"
	"github.com/arcrelay/inferd/internal/config"
	"github.com/arcrelay/inferd/internal/forwarder"
	"github.com/arcrelay/inferd/internal/metrics"
	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/oracle"
	"github.com/arcrelay/inferd/internal/prober"
	"github.com/arcrelay/inferd/internal/registry"
	"github.com/arcrelay/inferd/internal/relay"
	"github.com/arcrelay/inferd/internal/retrycoordinator"
	"github.com/arcrelay/inferd/internal/selector"
	"github.com/arcrelay/inferd/internal/selfstats"
	"github.com/arcrelay/inferd/internal/shutdown"
	"github.com/arcrelay/inferd/internal/telemetry"
	"github.com/arcrelay/inferd/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to ~/.inferd/config.yaml if present)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	tracingEnabled := flag.Bool("tracing", false, "Enable OpenTelemetry tracing")
	otlpEndpoint := flag.String("otlp-endpoint", "http://localhost:4318", "OTLP HTTP endpoint for traces")
	serviceVersion := flag.String("service-version", "dev", "Service version reported in traces")
	environment := flag.String("environment", "development", "Deployment environment reported in traces")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("starting inference gateway")
	log.Printf("listen addr: %s, metrics addr: %s", cfg.ListenAddr, *metricsAddr)

	tracer, err := telemetry.InitTracer(telemetry.Config{
		ServiceName:    "inferd-gatewayd",
		ServiceVersion: *serviceVersion,
		Environment:    *environment,
		OTLPEndpoint:   *otlpEndpoint,
		Enabled:        *tracingEnabled,
	})
	if err != nil {
		log.Fatalf("init tracer: %v", err)
	}

	reg := registry.New(
		registry.WithAllowPrivateIPs(cfg.AllowPrivateIPs),
		registry.WithFailureThreshold(registry.DefaultFailureThreshold),
		registry.WithCooldown(registry.DefaultCooldown),
	)
	for _, url := range cfg.StaticNodeURLs {
		if _, err := reg.Upsert(models.NodeSeed{URL: url}); err != nil {
			log.Printf("warn: skipping static node %s: %v", url, err)
		}
	}

	healthProber := prober.New(reg, cfg.HealthProbeTimeout, cfg.OraclePollInterval)
	go healthProber.Run(context.Background())

	if cfg.OracleURL != "" {
		oracleClient := oracle.NewClient(cfg.OracleURL, cfg.HealthProbeTimeout)
		discovery := oracle.NewDiscovery(oracleClient, reg, healthProber, cfg.DefaultModel, cfg.OraclePollInterval)
		go discovery.Run(context.Background())
	}

	relayHub := relay.New(cfg.AuthHandshakeTimeout, cfg.PendingInactivity, cfg.WorkerPingInterval, cfg.AttemptTimeout)
	go relayHub.RunPingLoop(context.Background())

	fwd := forwarder.New(relayHub, registryTypeSetter{reg}, cfg.AttemptTimeout)
	sel := selector.New(rand.New(rand.NewSource(time.Now().UnixNano())))
	coordinator := retrycoordinator.New(reg, relayHub, fwd, sel)
	coordinator.SetTracer(tracer)
	metricsExporter := metrics.NewExporter(reg)
	coordinator.SetMetrics(metricsExporter)

	var oracleReporter usage.Reporter
	if cfg.OracleURL != "" {
		oracleReporter = oracle.NewClient(cfg.OracleURL, cfg.HealthProbeTimeout)
	} else {
		oracleReporter = noopReporter{}
	}
	usageTracker := usage.New(oracleReporter, cfg.StaleAggregateAfter, cfg.UsageReportInterval)
	go usageTracker.Run(context.Background())

	handler := api.NewHandler(coordinator, usageTracker).WithSelfStats(selfstats.New()).WithNodeLister(reg)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/ws/agent-relay", relayHub)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses must not be cut off
		IdleTimeout:  60 * time.Second,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metricsExporter)
	metricsSrv := &http.Server{
		Addr:         *metricsAddr,
		Handler:      metricsRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server error: %v", err)
		}
	}()

	totalInFlight := func() int64 {
		var n int64
		for _, node := range reg.SnapshotAll() {
			n += node.InFlight
		}
		return n
	}

	// Registered LIFO: the gateway HTTP server stops accepting new
	// requests first, then in-flight dispatches drain before the relay
	// hub and metrics server go down, with tracer shutdown last so
	// spans from the drain itself still get flushed.
	shutdownMgr := shutdown.New(30 * time.Second)
	shutdownMgr.Register(func(ctx context.Context) error {
		return tracer.Shutdown(ctx)
	})
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	shutdownMgr.Register(func(ctx context.Context) error {
		relayHub.Shutdown()
		return nil
	})
	shutdownMgr.Register(shutdown.WaitForDrain(totalInFlight, 500*time.Millisecond, "in-flight node dispatches"))
	shutdownMgr.Register(shutdown.StopHTTPServer(srv, "gateway"))

	shutdownMgr.Wait()
}

// registryTypeSetter adapts *registry.Registry to forwarder.TypeSetter.
type registryTypeSetter struct{ reg *registry.Registry }

func (r registryTypeSetter) SetType(url string, t models.NodeType) { r.reg.SetType(url, t) }

// noopReporter is used when no Oracle is configured: usage accumulates
// in memory but is never reported upstream.
type noopReporter struct{}

func (noopReporter) ReportUsage(ctx context.Context, report models.UsageReport) error { return nil }
