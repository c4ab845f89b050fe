package fallback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oceanic-passage/orchestrator/core"
)

// ttlByOperation gives each known operation its cache TTL, per spec.md
// §4.6.2. Operations not listed use unknownTTL.
var ttlByOperation = map[string]time.Duration{
	"get_marine_forecast":  300 * time.Second,
	"get_wind_analysis":    1800 * time.Second,
	"get_tide_predictions": 86400 * time.Second,
	"get_port_info":        86400 * time.Second,
	"calculate_route":      1800 * time.Second,
}

const unknownTTL = 600 * time.Second

func ttlFor(operation string) time.Duration {
	if ttl, ok := ttlByOperation[operation]; ok {
		return ttl
	}
	return unknownTTL
}

// cacheKey is a stable hash of (target, operation, canonical JSON of
// inputs), per spec.md §4.6.2. target is the agent id when the step
// pinned one, or the operation's capability class when any-capable —
// the caller decides which to pass.
func cacheKey(target, operation string, inputs map[string]interface{}) string {
	canonical, _ := json.Marshal(canonicalize(inputs))
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize sorts map keys recursively by marshaling into an
// ordered representation, so semantically identical inputs hash
// identically regardless of construction order.
func canonicalize(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]keyValue, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, keyValue{Key: k, Value: canonicalize(m[k])})
	}
	return ordered
}

type keyValue struct {
	Key   string      `json:"k"`
	Value interface{} `json:"v"`
}

// cacheEntry is one stored response.
type cacheEntry struct {
	payload   map[string]interface{}
	expiresAt time.Time
}

// Cache is the Fallback Manager's response cache. Grounded on the
// teacher's infrastructure/cache idiom (TTL map entries), generalized
// to per-operation TTLs. Memory-only by default; a SharedBackend may
// be wired in to back it with Redis across replicas.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	clock   core.Clock
	shared  SharedBackend
}

// SharedBackend is an optional cross-process cache layer (e.g. Redis).
// nil means memory-only.
type SharedBackend interface {
	Get(key string) (map[string]interface{}, bool)
	Set(key string, payload map[string]interface{}, ttl time.Duration)
}

// NewCache builds a memory-only Cache.
func NewCache(clock core.Clock) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), clock: clock}
}

// WithSharedBackend attaches a cross-process backend, checked after
// the local map misses.
func (c *Cache) WithSharedBackend(b SharedBackend) *Cache {
	c.shared = b
	return c
}

// Get returns a non-expired entry for key, if any. Expired entries are
// never revived, per spec.md §4.6.2.
func (c *Cache) Get(key string) (map[string]interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if c.clock.Now().Before(entry.expiresAt) {
			return entry.payload, true
		}
		return nil, false
	}
	if c.shared != nil {
		return c.shared.Get(key)
	}
	return nil, false
}

// Set writes payload under key with operation's TTL.
func (c *Cache) Set(key, operation string, payload map[string]interface{}) {
	ttl := ttlFor(operation)
	c.mu.Lock()
	c.entries[key] = cacheEntry{payload: payload, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	if c.shared != nil {
		c.shared.Set(key, payload, ttl)
	}
}
