package viewport

import "time"

// Metrics are process-lifetime counters for one coordinator instance.
type Metrics struct {
	// TotalRequests counts every RequestFetch/ForceFetch/FetchSync call for
	// a registered layer.
	TotalRequests uint64
	// Fetches counts fetches that actually hit the network.
	Fetches uint64
	// DebounceSkips counts requests dropped because a fetch was in flight.
	DebounceSkips uint64
	// ThresholdSkips counts requests below the change/zoom thresholds.
	ThresholdSkips uint64
	// ZoomSkips counts requests below the layer's zoom gate.
	ZoomSkips uint64
	// CacheHits counts payloads served from the local or shared cache.
	CacheHits uint64

	LastRequestAt time.Time
	LastFetchAt   time.Time
}

func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Coordinator) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = Metrics{}
}
