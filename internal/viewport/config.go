package viewport

import "time"

const (
	DefaultDebounce            = 400 * time.Millisecond
	DefaultChangeThreshold     = 0.20
	DefaultZoomChangeThreshold = 0.5
	DefaultMaxCacheEntries     = 5
	DefaultCacheValidity       = 5 * time.Minute
)

// Default zoom gates per layer. Below these the visible area is too large for
// per-viewport fetching to be useful and callers should fall back to the
// city-wide endpoints.
var DefaultMinZoom = map[string]float64{
	"incidents":   10.0,
	"rain-gauges": 9.0,
}

type Config struct {
	// Debounce is how long an accepted viewport change waits before the
	// fetch actually runs; a newer change within the window supersedes it.
	Debounce time.Duration

	// ChangeThreshold is the minimum geo.Region ChangeFraction against the
	// last fetched region required to refetch.
	ChangeThreshold float64

	// ZoomChangeThreshold is an absolute zoom delta that justifies a refetch
	// on its own, even when the positional change is below ChangeThreshold.
	ZoomChangeThreshold float64

	// MinZoom maps layer name to its zoom gate. Layers absent from the map
	// have no gate.
	MinZoom map[string]float64

	// MaxCacheEntries bounds the per-layer LRU cache.
	MaxCacheEntries int

	// CacheValidity is the age beyond which a cache entry is a miss.
	CacheValidity time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.ChangeThreshold <= 0 {
		c.ChangeThreshold = DefaultChangeThreshold
	}
	if c.ZoomChangeThreshold <= 0 {
		c.ZoomChangeThreshold = DefaultZoomChangeThreshold
	}
	if c.MinZoom == nil {
		c.MinZoom = make(map[string]float64, len(DefaultMinZoom))
		for k, v := range DefaultMinZoom {
			c.MinZoom[k] = v
		}
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = DefaultMaxCacheEntries
	}
	if c.CacheValidity <= 0 {
		c.CacheValidity = DefaultCacheValidity
	}
	return c
}
