package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanic-passage/orchestrator/core"
)

type fakeLookup struct {
	descriptors map[string]*core.AgentDescriptor
	ranked      map[string][]string
	recorded    []string
}

func (f *fakeLookup) Lookup(agentID string) (*core.AgentDescriptor, bool) {
	d, ok := f.descriptors[agentID]
	return d, ok
}

func (f *fakeLookup) SelectByCapability(operation string) []string {
	return f.ranked[operation]
}

func (f *fakeLookup) RecordOutcome(agentID string, latency time.Duration, ok bool, errMsg string) {
	f.recorded = append(f.recorded, agentID)
}

type fakeInvoker struct {
	calls   int
	results []fakeResult
}

type fakeResult struct {
	payload map[string]interface{}
	err     error
}

func (f *fakeInvoker) Invoke(ctx context.Context, operation string, inputs map[string]interface{}, deadline time.Duration) (map[string]interface{}, error) {
	r := f.results[f.calls]
	f.calls++
	return r.payload, r.err
}

func testLookup() *fakeLookup {
	return &fakeLookup{
		descriptors: map[string]*core.AgentDescriptor{
			"weather-1": {AgentID: "weather-1", BaseEndpoint: "http://weather-1.local"},
			"weather-2": {AgentID: "weather-2", BaseEndpoint: "http://weather-2.local"},
		},
		ranked: map[string][]string{
			"get_marine_forecast": {"weather-1", "weather-2"},
		},
	}
}

func testBreakerConfig() core.BreakerConfig {
	return core.BreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Second, HalfOpenRequests: 3}
}

func testRetryPolicy() core.RetryPolicy {
	return core.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestCallSucceedsOnPrimary(t *testing.T) {
	lookup := testLookup()
	fake := &fakeInvoker{results: []fakeResult{{payload: map[string]interface{}{"wind_kn": 12.0}}}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return fake }))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "primary", outcome.Strategy)
	require.Equal(t, "weather-1", outcome.SourceAgentID)
	require.Equal(t, 12.0, outcome.Payload["wind_kn"])
}

func TestCallRetriesOnTimeoutThenSucceeds(t *testing.T) {
	lookup := testLookup()
	fake := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrTimeout, "weather-1", "get_marine_forecast", "slow", nil)},
		{payload: map[string]interface{}{"wind_kn": 10.0}},
	}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return fake }))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 2, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "retry", outcome.Strategy)
}

func TestCallFallsBackToAlternativeAgent(t *testing.T) {
	lookup := testLookup()
	primaryFailed := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrTransient, "weather-1", "get_marine_forecast", "boom", nil)},
	}}
	alt := &fakeInvoker{results: []fakeResult{{payload: map[string]interface{}{"wind_kn": 9.0}}}}

	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(agentID, _ string) invoker {
		if agentID == "weather-1" {
			return primaryFailed
		}
		return alt
	}))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", FallbackAgentID: "weather-2", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "alternative_agent", outcome.Strategy)
	require.Equal(t, "weather-2", outcome.SourceAgentID)
	require.True(t, outcome.Fallback)
}

func TestCallReturnsCachedEntryWhenAllAgentsFail(t *testing.T) {
	lookup := testLookup()
	failing := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrTransient, "weather-1", "get_marine_forecast", "boom", nil)},
	}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return failing }))

	key := cacheKey("weather-1", "get_marine_forecast", map[string]interface{}{"origin": "Boston"})
	m.cache.Set(key, "get_marine_forecast", map[string]interface{}{"wind_kn": 5.0})

	lookup.ranked["get_marine_forecast"] = nil // no alternative agent available
	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", Inputs: map[string]interface{}{"origin": "Boston"}, RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "cache", outcome.Strategy)
	require.Equal(t, 5.0, outcome.Payload["wind_kn"])
}

func TestCallReturnsDegradedWhenNoOtherStrategySucceeds(t *testing.T) {
	lookup := testLookup()
	lookup.ranked["get_marine_forecast"] = nil
	failing := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrTransient, "weather-1", "get_marine_forecast", "boom", nil)},
	}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return failing }))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "degraded", outcome.Strategy)
	require.True(t, outcome.Degraded)
}

func TestCallSurfacesInvalidInputImmediately(t *testing.T) {
	lookup := testLookup()
	failing := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrInvalidInput, "weather-1", "get_marine_forecast", "bad input", nil)},
	}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return failing }))

	_, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 1, Deadline: time.Second,
	})
	require.Error(t, err)
	require.Equal(t, core.ErrInvalidInput, core.KindOf(err))
}

func TestCallDoesNotFailOverToAlternativeAgentOnAuthError(t *testing.T) {
	lookup := testLookup()
	primaryFailed := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrAuth, "weather-1", "get_marine_forecast", "bad credentials", nil)},
	}}
	alt := &fakeInvoker{results: []fakeResult{{payload: map[string]interface{}{"wind_kn": 9.0}}}}

	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(agentID, _ string) invoker {
		if agentID == "weather-1" {
			return primaryFailed
		}
		return alt
	}))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", FallbackAgentID: "weather-2", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "degraded", outcome.Strategy, "AUTH is non-retryable and must not fail over to another agent")
	require.Equal(t, 0, alt.calls, "the alternative agent must never be invoked for a non-retryable error")
}

func TestCallDoesNotFailOverToAlternativeAgentOnCapabilityNotFound(t *testing.T) {
	lookup := testLookup()
	primaryFailed := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrCapabilityNotFound, "weather-1", "get_marine_forecast", "unknown operation", nil)},
	}}
	alt := &fakeInvoker{results: []fakeResult{{payload: map[string]interface{}{"wind_kn": 9.0}}}}

	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(agentID, _ string) invoker {
		if agentID == "weather-1" {
			return primaryFailed
		}
		return alt
	}))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", FallbackAgentID: "weather-2", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "degraded", outcome.Strategy)
	require.Equal(t, 0, alt.calls)
}

func TestCallFailsOverToAlternativeAgentWhenBreakerIsOpen(t *testing.T) {
	lookup := testLookup()
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1

	stuck := &fakeInvoker{}
	alt := &fakeInvoker{results: []fakeResult{{payload: map[string]interface{}{"wind_kn": 7.0}}}}
	m := New(lookup, cfg, testRetryPolicy(), WithClientFactory(func(agentID, _ string) invoker {
		if agentID == "weather-1" {
			return stuck
		}
		return alt
	}))
	m.ForceOpen("weather-1", "test setup")

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", FallbackAgentID: "weather-2", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "alternative_agent", outcome.Strategy, "CIRCUIT_OPEN must still be allowed to fail over, per spec.md §4.6.1")
	require.Equal(t, "weather-2", outcome.SourceAgentID)
}

func TestCallQueuesOnRateLimit(t *testing.T) {
	lookup := testLookup()
	lookup.ranked["get_marine_forecast"] = nil
	failing := &fakeInvoker{results: []fakeResult{
		{err: core.NewAgentError(core.ErrRateLimit, "weather-1", "get_marine_forecast", "slow down", nil)},
	}}
	m := New(lookup, testBreakerConfig(), testRetryPolicy(), WithClientFactory(func(string, string) invoker { return failing }))

	outcome, err := m.Call(context.Background(), CallRequest{
		Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 1, Deadline: time.Second,
	})
	require.NoError(t, err)
	require.True(t, outcome.Queued)
	require.NotEmpty(t, outcome.QueueID)
}

func TestBreakerOpensAfterConsecutiveFailuresAndRejectsSynchronously(t *testing.T) {
	lookup := testLookup()
	lookup.ranked["get_marine_forecast"] = nil
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 2

	failing := &fakeInvoker{}
	m := New(lookup, cfg, testRetryPolicy(), WithClientFactory(func(string, string) invoker { return failing }))

	for i := 0; i < 2; i++ {
		failing.results = append(failing.results, fakeResult{err: core.NewAgentError(core.ErrTransient, "weather-1", "get_marine_forecast", "boom", nil)})
		_, _ = m.Call(context.Background(), CallRequest{Operation: "get_marine_forecast", AgentID: "weather-1", RetryBudget: 1, Deadline: time.Second})
	}

	b := m.breakers.get("weather-1", "get_marine_forecast")
	require.Equal(t, BreakerOpen, b.currentState())

	_, err := m.attempt(context.Background(), "weather-1", CallRequest{Operation: "get_marine_forecast"}, true)
	require.Error(t, err)
	require.Equal(t, core.ErrCircuitOpen, core.KindOf(err))
}

func TestForceOpenOpensAllOperationsForAgent(t *testing.T) {
	lookup := testLookup()
	m := New(lookup, testBreakerConfig(), testRetryPolicy())

	_ = m.breakers.get("weather-1", "get_marine_forecast")
	m.ForceOpen("weather-1", "persistent unreachability")

	b := m.breakers.get("weather-1", "get_marine_forecast")
	require.Equal(t, BreakerOpen, b.currentState())
}

func TestCacheKeyIsStableAcrossInputOrdering(t *testing.T) {
	a := cacheKey("weather-1", "get_marine_forecast", map[string]interface{}{"origin": "Boston", "dest": "Portland"})
	b := cacheKey("weather-1", "get_marine_forecast", map[string]interface{}{"dest": "Portland", "origin": "Boston"})
	require.Equal(t, a, b)
}

func TestCacheExpiredEntryIsNotRevived(t *testing.T) {
	fc := &fixedClock{now: time.Now()}
	c := NewCache(fc)
	c.Set("k", "get_marine_forecast", map[string]interface{}{"wind_kn": 1.0})

	fc.now = fc.now.Add(301 * time.Second)
	_, ok := c.Get("k")
	require.False(t, ok)
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }
