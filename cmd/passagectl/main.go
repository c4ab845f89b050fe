// Command passagectl wires the orchestration core's seven components
// into a single HTTP service: Agent Registry, Agent Discovery, Health
// Monitor, Request Router, Fallback Manager, Workflow Coordinator, and
// Response Aggregator, composed exactly the way spec.md §6.2 describes
// the caller-facing Submit/Events/Await/Cancel contract.
//
// Grounded on the teacher's examples/agent-with-orchestration/main.go
// construction order (config validation, component wiring, telemetry,
// signal-driven graceful shutdown) and its numbered setup comments.
//
// Environment Variables:
//
//	PORT                      - HTTP server port (default: 8090)
//	PASSAGE_CONFIG_FILE       - optional YAML file overriding agent table/retry/breaker defaults
//	AGENT_URLS                - "id=url,id=url" static agent table
//	REDIS_URL                 - optional descriptor/cache persistence
//	PASSAGE_OTLP_ENDPOINT     - OTLP collector endpoint; stdout export if unset
//	PASSAGE_CONCURRENCY       - global concurrent-step cap (default: 8)
//	PASSAGE_FANOUT_CAP        - per-plan fan-out cap (default: 4)
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oceanic-passage/orchestrator/aggregator"
	"github.com/oceanic-passage/orchestrator/coordinator"
	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/discovery"
	"github.com/oceanic-passage/orchestrator/events"
	"github.com/oceanic-passage/orchestrator/fallback"
	"github.com/oceanic-passage/orchestrator/health"
	"github.com/oceanic-passage/orchestrator/logger"
	"github.com/oceanic-passage/orchestrator/registry"
	"github.com/oceanic-passage/orchestrator/router"
	"github.com/oceanic-passage/orchestrator/telemetry"
)

func main() {
	// 1. Load configuration first (fail fast on bad env input).
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Telemetry, before any component that might emit a span.
	tel, err := telemetry.NewProvider("passage-orchestrator", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	baseLogger := logger.New()
	bus := events.NewBus()
	go drainProcessEvents(bus, baseLogger.WithComponent("events"))

	// 3. Agent Registry, optionally warm-started from Redis.
	reg := registry.New(
		registry.WithLogger(baseLogger.WithComponent("registry")),
		registry.WithEventBus(bus),
	)
	var store *registry.RedisStore
	if cfg.RedisURL != "" {
		store, err = registry.NewRedisStore(cfg.RedisURL, "passage", 10*time.Minute)
		if err != nil {
			log.Printf("registry: redis store unavailable, continuing memory-only: %v", err)
		} else {
			warmStart(reg, store, baseLogger.WithComponent("registry"))
		}
	}

	// 4. Agent Discovery: bootstrap once, then watch for drift.
	disc := discovery.New(reg,
		discovery.WithLogger(baseLogger.WithComponent("discovery")),
		discovery.WithEventBus(bus),
	)
	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := disc.Bootstrap(bootstrapCtx, cfg, nil); err != nil {
		log.Printf("discovery: bootstrap error: %v", err)
	}
	bootstrapCancel()
	persistSnapshot(reg, store)

	// 5. Fallback Manager, built before the Health Monitor so the
	// Monitor can notify it of forced-open breakers.
	fbOpts := []fallback.Option{
		fallback.WithLogger(baseLogger.WithComponent("fallback")),
		fallback.WithEventBus(bus),
	}
	if cfg.RedisURL != "" {
		if cache, err := fallback.NewRedisCache(cfg.RedisURL, "passage"); err != nil {
			log.Printf("fallback: redis cache unavailable, continuing memory-only: %v", err)
		} else {
			fbOpts = append(fbOpts, fallback.WithSharedCache(cache))
		}
	}
	fb := fallback.New(reg, cfg.Breaker, cfg.Retry, fbOpts...)

	// 6. Health Monitor, wired to force-open the Fallback Manager's
	// breakers after persistent unreachability, per spec.md §4.3.
	mon := health.New(reg, cfg.HealthProbeInterval, cfg.HealthProbeDeadline,
		health.WithLogger(baseLogger.WithComponent("health")),
		health.WithEventBus(bus),
		health.WithBreakerNotifier(fb),
	)

	// 7. Request Router and Response Aggregator, and the Coordinator
	// that ties them to the Fallback Manager via the Service facade.
	rt := router.NewFromRegistry(reg)
	agg := aggregator.New()
	co := coordinator.New(fb, cfg.Concurrency, cfg.FanOutCap,
		coordinator.WithLogger(baseLogger.WithComponent("coordinator")),
	)
	svc := coordinator.NewService(rt, co, agg)

	// 8. Background loops: discovery drift watch, health probing.
	runCtx, stop := context.WithCancel(context.Background())
	go disc.Watch(runCtx, cfg.DiscoveryRefresh)
	go mon.Run(runCtx, func() map[string]string { return agentURLs(reg) })

	// 9. HTTP surface.
	srv := newServer(svc, baseLogger.WithComponent("http"))

	go func() {
		log.Printf("passagectl listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// 10. Wait for SIGINT/SIGTERM, then drain in reverse construction
	// order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")

	stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}

// warmStart loads every descriptor persisted in store and registers it
// into reg before Discovery's first bootstrap probe, so a restarted
// process doesn't start from an empty Registry.
func warmStart(reg *registry.Registry, store *registry.RedisStore, log core.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	descriptors, err := store.LoadAll(ctx)
	if err != nil {
		log.Warn("redis warm start failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, d := range descriptors {
		reg.Register(ctx, d)
	}
	log.Info("warm started from redis", map[string]interface{}{"count": len(descriptors)})
}

// persistSnapshot writes every currently registered descriptor to
// store, if configured. Called once, after bootstrap; descriptors
// that later discovery refreshes change are not re-saved.
func persistSnapshot(reg *registry.Registry, store *registry.RedisStore) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range reg.Snapshot() {
		if d, ok := reg.Lookup(id); ok {
			_ = store.Save(ctx, d)
		}
	}
}

// agentURLs reads the Registry's current snapshot into the id->baseURL
// map the Health Monitor's Run loop needs each tick.
func agentURLs(reg *registry.Registry) map[string]string {
	snapshot := reg.Snapshot()
	urls := make(map[string]string, len(snapshot))
	for _, id := range snapshot {
		if d, ok := reg.Lookup(id); ok {
			urls[id] = d.BaseEndpoint
		}
	}
	return urls
}

// drainProcessEvents logs the process-wide bus (agent registration and
// health transitions) until it is closed. Per-plan events go through
// their own Service-owned bus instead, streamed to callers directly.
func drainProcessEvents(bus *events.Bus, log core.Logger) {
	for ev := range bus.Events() {
		log.Info(string(ev.Type), map[string]interface{}{
			"agent_id": ev.AgentID,
			"message":  ev.Message,
		})
	}
}

func newServer(svc *coordinator.Service, log core.Logger) *http.Server {
	port := "8090"
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			port = v
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/passages", submitHandler(svc, log))
	mux.HandleFunc("/passages/", planHandler(svc, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
}

// submitRequest is the POST /passages request body.
type submitRequest struct {
	core.PassageRequest
	Await bool `json:"await"`
}

// submitHandler decodes a PassageRequest, submits it to the Service,
// and either returns the plan id immediately or blocks for the
// AggregatedPlan when "await":true is set, per spec.md §6.2.
func submitHandler(svc *coordinator.Service, log core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		start := time.Now()
		planID, err := svc.Submit(r.Context(), &body.PassageRequest)
		if err != nil {
			log.Error("submit failed", map[string]interface{}{"error": err.Error()})
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Info("plan submitted", map[string]interface{}{"plan_id": planID, "request_id": body.RequestID})

		if !body.Await {
			writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": planID})
			return
		}

		result, _ := svc.Await(planID)
		log.Info("plan completed", map[string]interface{}{"plan_id": planID, "latency": time.Since(start).String()})
		writeJSON(w, http.StatusOK, result)
	}
}

// planHandler serves GET /passages/{id}/events, GET
// /passages/{id}/await and DELETE /passages/{id} (cancel), the three
// legs of the Submit / Events / Await / Cancel contract after Submit.
func planHandler(svc *coordinator.Service, log core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planID, action := parsePlanPath(r.URL.Path)
		if planID == "" {
			http.NotFound(w, r)
			return
		}

		switch {
		case r.Method == http.MethodDelete:
			svc.Cancel(planID)
			log.Info("plan cancelled", map[string]interface{}{"plan_id": planID})
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && action == "await":
			result, ok := svc.Await(planID)
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case r.Method == http.MethodGet && action == "events":
			streamEvents(w, r, svc, planID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// parsePlanPath splits "/passages/{id}/{action}" into its id and
// optional trailing action segment.
func parsePlanPath(path string) (planID, action string) {
	const prefix = "/passages/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

// streamEvents flushes each event on the plan's stream to the client as
// newline-delimited JSON as soon as it is published, closing the
// connection once the stream closes at the plan's terminal state.
func streamEvents(w http.ResponseWriter, r *http.Request, svc *coordinator.Service, planID string) {
	stream, ok := svc.Events(planID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, open := <-stream:
			if !open {
				return
			}
			_ = enc.Encode(ev)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
