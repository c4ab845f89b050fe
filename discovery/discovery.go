// Package discovery implements the Agent Discovery component of
// spec.md §4.2: it populates the Registry from a static source, the
// AGENT_URLS environment config, and an optional runtime backend, then
// watches for capability drift on a timer.
//
// Grounded on the teacher's pkg/discovery/interfaces.go (the
// Discovery/AgentRegistration/CapabilityMetadata shapes, simplified to
// this spec's flatter AgentDescriptor) and core/redis_discovery.go's
// periodic-refresh idiom.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oceanic-passage/orchestrator/agentclient"
	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
	"github.com/oceanic-passage/orchestrator/registry"
)

// Source is one of Discovery's three merge-ordered inputs: static
// config table, AGENT_URLS env, optional runtime backend. Later
// sources override earlier ones on id conflict, per spec.md §4.2.
type Source struct {
	Name string
	URLs map[string]string
}

// ProbeDeadline bounds a single /capabilities or /health probe.
const ProbeDeadline = 5 * time.Second

// Discovery probes agent base URLs, builds AgentDescriptors, and keeps
// the Registry up to date.
type Discovery struct {
	reg    *registry.Registry
	logger core.Logger
	bus    *events.Bus
	clock  core.Clock

	newClient func(agentID, baseURL string) agentCaller

	sources []Source
	// lastSeen tracks each agent's last-known (version, operation set)
	// so driftCheck can diff against it.
	lastSeen map[string]fingerprint
}

type fingerprint struct {
	version string
	ops     []string
}

// agentCaller is the subset of agentclient.Client Discovery needs;
// narrowed to an interface so tests can substitute a fake.
type agentCaller interface {
	Capabilities(ctx context.Context, deadline time.Duration) (*agentclient.CapabilitiesResponse, error)
	Health(ctx context.Context, deadline time.Duration) (*agentclient.HealthResponse, error)
}

// Option configures a Discovery at construction time.
type Option func(*Discovery)

// WithLogger attaches a component logger.
func WithLogger(l core.Logger) Option {
	return func(d *Discovery) { d.logger = l }
}

// WithEventBus attaches the process-wide event bus.
func WithEventBus(b *events.Bus) Option {
	return func(d *Discovery) { d.bus = b }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(d *Discovery) { d.clock = c }
}

// WithClientFactory overrides how Discovery builds an agent caller,
// used by tests to inject a fake instead of a real HTTP client.
func WithClientFactory(f func(agentID, baseURL string) agentCaller) Option {
	return func(d *Discovery) { d.newClient = f }
}

// New builds a Discovery bound to reg.
func New(reg *registry.Registry, opts ...Option) *Discovery {
	d := &Discovery{
		reg:      reg,
		logger:   core.NoOpLogger{},
		clock:    core.SystemClock{},
		lastSeen: make(map[string]fingerprint),
		newClient: func(agentID, baseURL string) agentCaller {
			return agentclient.New(agentID, baseURL)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// mergedURLs folds every source in order, later sources winning on
// conflict, per spec.md §4.2.
func mergedURLs(sources []Source) map[string]string {
	merged := make(map[string]string)
	for _, s := range sources {
		for id, url := range s.URLs {
			merged[id] = url
		}
	}
	return merged
}

// Bootstrap probes every agent named across cfg.AgentURLs plus any
// extra runtime-backend source, and registers each into the Registry.
// It is the initial population pass; call RefreshOnce afterward (or
// run Watch) for drift detection.
func (d *Discovery) Bootstrap(ctx context.Context, cfg *core.Config, runtimeSource *Source) error {
	sources := []Source{{Name: "static", URLs: cfg.AgentURLs}}
	if runtimeSource != nil {
		sources = append(sources, *runtimeSource)
	}
	d.sources = sources

	urls := mergedURLs(sources)
	ids := make([]string, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic probe order for reproducible logs

	for _, id := range ids {
		d.probeAndRegister(ctx, id, urls[id])
	}
	return nil
}

// probeAndRegister hits <base>/capabilities; on failure it falls back
// to <base>/health and, if reachable, synthesizes a default descriptor
// from the built-in operation table, per spec.md §4.2. An agent that
// fails both probes is not registered — Discovery never deletes, and
// it never registers an agent it has never successfully reached.
func (d *Discovery) probeAndRegister(ctx context.Context, agentID, baseURL string) {
	client := d.newClient(agentID, baseURL)

	caps, err := client.Capabilities(ctx, ProbeDeadline)
	if err == nil {
		descriptor := descriptorFromCapabilities(agentID, baseURL, caps)
		d.register(ctx, descriptor)
		return
	}

	d.logger.Warn("capabilities probe failed, falling back to health", map[string]interface{}{
		"agent_id": agentID,
		"error":    err.Error(),
	})

	if _, herr := client.Health(ctx, ProbeDeadline); herr != nil {
		d.logger.Warn("agent unreachable on bootstrap, skipping registration", map[string]interface{}{
			"agent_id": agentID,
			"error":    herr.Error(),
		})
		return
	}

	d.register(ctx, synthesizeDescriptor(agentID, baseURL))
}

func descriptorFromCapabilities(agentID, baseURL string, resp *agentclient.CapabilitiesResponse) *core.AgentDescriptor {
	caps := make([]core.Capability, len(resp.Tools))
	for i, t := range resp.Tools {
		caps[i] = core.Capability{
			Operation:   t.Name,
			Class:       core.ClassForOperation(t.Name),
			InputSchema: t.InputSchema,
		}
	}
	return &core.AgentDescriptor{
		AgentID:      agentID,
		DisplayName:  resp.Name,
		Version:      resp.Version,
		BaseEndpoint: baseURL,
		Capabilities: caps,
		HealthEndpoint: baseURL + "/health",
	}
}

// defaultOperationByAgentPrefix is the built-in capability table used
// when an agent is reachable but its /capabilities endpoint cannot be
// used — agent ids are expected to be prefixed by domain, e.g.
// "weather-1", "route-2".
var defaultOperationByAgentPrefix = map[string]string{
	"port":    "get_port_info",
	"route":   "calculate_route",
	"weather": "get_marine_forecast",
	"wind":    "get_wind_analysis",
	"tide":    "get_tide_predictions",
	"safety":  "check_safety",
	"fuel":    "estimate_fuel",
}

func synthesizeDescriptor(agentID, baseURL string) *core.AgentDescriptor {
	op := "unknown"
	for prefix, candidate := range defaultOperationByAgentPrefix {
		if len(agentID) >= len(prefix) && agentID[:len(prefix)] == prefix {
			op = candidate
			break
		}
	}
	return &core.AgentDescriptor{
		AgentID:     agentID,
		DisplayName: agentID,
		Version:     "unknown",
		BaseEndpoint: baseURL,
		HealthEndpoint: baseURL + "/health",
		Capabilities: []core.Capability{
			{Operation: op, Class: core.ClassForOperation(op)},
		},
	}
}

func (d *Discovery) register(ctx context.Context, descriptor *core.AgentDescriptor) {
	d.reg.Register(ctx, descriptor)
	d.lastSeen[descriptor.AgentID] = fingerprintOf(descriptor)
}

func fingerprintOf(d *core.AgentDescriptor) fingerprint {
	ops := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		ops[i] = c.Operation
	}
	sort.Strings(ops)
	return fingerprint{version: d.Version, ops: ops}
}

func sameFingerprint(a, b fingerprint) bool {
	if a.version != b.version || len(a.ops) != len(b.ops) {
		return false
	}
	for i := range a.ops {
		if a.ops[i] != b.ops[i] {
			return false
		}
	}
	return true
}

// RefreshOnce re-probes every known agent's /capabilities once and
// re-registers any whose version or operation set drifted, emitting
// an agent:updated event, per spec.md §4.2's five-minute drift check.
func (d *Discovery) RefreshOnce(ctx context.Context) {
	urls := mergedURLs(d.sources)
	ids := make([]string, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d.refreshOne(ctx, id, urls[id])
	}
}

func (d *Discovery) refreshOne(ctx context.Context, agentID, baseURL string) {
	client := d.newClient(agentID, baseURL)
	caps, err := client.Capabilities(ctx, ProbeDeadline)
	if err != nil {
		// A single failed drift probe is not a deletion trigger; the
		// Health Monitor owns persistent-unreachability decisions.
		return
	}

	descriptor := descriptorFromCapabilities(agentID, baseURL, caps)
	fp := fingerprintOf(descriptor)
	prev, known := d.lastSeen[agentID]
	if known && sameFingerprint(prev, fp) {
		return
	}

	d.register(ctx, descriptor)
	if d.bus != nil {
		d.bus.Publish(ctx, events.Event{Type: events.AgentUpdated, AgentID: agentID})
	}
}

// Watch runs RefreshOnce on cfg.DiscoveryRefresh until ctx is
// cancelled. Intended to run in its own goroutine for the lifetime of
// the host process.
func (d *Discovery) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RefreshOnce(ctx)
		}
	}
}

// StaticSourceFromConfig builds the first merge source from a plain
// id->url map, most often cfg.AgentURLs itself. It exists so
// call sites can name the source distinctly from a runtime backend's.
func StaticSourceFromConfig(urls map[string]string) Source {
	return Source{Name: "static", URLs: urls}
}

// ErrNoAgentsConfigured is returned by callers that require at least
// one agent URL to bootstrap and found none.
var ErrNoAgentsConfigured = fmt.Errorf("discovery: no agent URLs configured")
