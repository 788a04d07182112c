package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/geo"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// Client is the interface used to estimate trip durations.
type Client interface {
	EstimateSeconds(from, to models.Coordinate) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coordinate) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coordinate) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coordinate, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coordinate, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.DistanceKm(from, to) * 1000
	return d / speedMps
}

// EstimateMinutes is EstimateSeconds expressed in minutes, the unit the fare
// table bills in.
func EstimateMinutes(from, to models.Coordinate, speedMps float64) float64 {
	return EstimateSeconds(from, to, speedMps) / 60
}

// Estimator resolves trip durations through a routing client with a small
// cache in front. When no client is configured or the lookup fails it falls
// back to the constant-speed estimate, so pricing never blocks on routing.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
}

func NewEstimator(client Client, cache *Cache, speedMps float64) *Estimator {
	if cache == nil {
		cache = NewCache(30 * time.Second)
	}
	return &Estimator{client: client, cache: cache, speedMps: speedMps}
}

// DurationMinutes returns the estimated trip duration in minutes.
func (e *Estimator) DurationMinutes(from, to models.Coordinate) float64 {
	if e.client != nil {
		if secs, ok := e.cache.Get(from, to); ok {
			return secs / 60
		}
		if secs, err := e.client.EstimateSeconds(from, to); err == nil {
			e.cache.Set(from, to, secs)
			return secs / 60
		}
	}
	return EstimateMinutes(from, to, e.speedMps)
}
