package collector

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// CachedObservation is the last good observation for one model.
type CachedObservation struct {
	ModelID     string
	Namespace   string
	Observation interfaces.ServiceObservation
	LastUpdated time.Time
}

// ObservationCache keeps the last successful Prometheus observation per model
// so a transient query failure does not immediately cost the engine a tick.
type ObservationCache struct {
	entries map[string]CachedObservation // key: "modelID:namespace"
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clock.PassiveClock
}

// NewObservationCache creates a cache with the given TTL. A TTL <= 0 defaults
// to 30 seconds. An expired entry stays in place until the next Set for the
// same key.
func NewObservationCache(ttl time.Duration, clk clock.PassiveClock) *ObservationCache {
	if ttl <= 0 {
		logger.Log.Warnw("Invalid TTL provided, using default", "provided", ttl, "default", "30s")
		ttl = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ObservationCache{
		entries: make(map[string]CachedObservation),
		ttl:     ttl,
		clock:   clk,
	}
}

func cacheKey(modelID, namespace string) string {
	return modelID + ":" + namespace
}

// Get returns the cached observation if present and not expired.
func (c *ObservationCache) Get(modelID, namespace string) (CachedObservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(modelID, namespace)]
	if !ok || c.clock.Since(entry.LastUpdated) > c.ttl {
		return CachedObservation{}, false
	}
	return entry, true
}

// Set stores obs and stamps it with the current time.
func (c *ObservationCache) Set(modelID, namespace string, obs interfaces.ServiceObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(modelID, namespace)] = CachedObservation{
		ModelID:     modelID,
		Namespace:   namespace,
		Observation: obs,
		LastUpdated: c.clock.Now(),
	}
}
