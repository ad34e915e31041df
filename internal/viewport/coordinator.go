// Package viewport decides, as a map view pans and zooms, when fetching fresh
// layer data is worth a network call, when the request can be skipped, and
// when a cached result serves instead.
package viewport

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cidadeops/viewport-cache/internal/geo"
	"github.com/cidadeops/viewport-cache/internal/observability"
)

var (
	ErrUnknownLayer = errors.New("viewport: layer not registered")
	ErrBelowMinZoom = errors.New("viewport: zoom below layer minimum")
)

// FetchFunc loads a layer's payload for a region, typically over HTTP. It
// must return an error on failure rather than a sentinel payload.
type FetchFunc func(ctx context.Context, region geo.Region) ([]byte, error)

// ResultFunc receives every payload the coordinator produces for a layer.
// The region is the one the payload was fetched for; callers that have moved
// on since can compare it against their current viewport and drop the frame.
type ResultFunc func(payload []byte, region geo.Region, fromCache bool)

// SharedStore is an optional second-level cache (e.g. Redis) consulted after
// a local miss and written through after a successful fetch. Implementations
// must treat failures as misses.
type SharedStore interface {
	Get(ctx context.Context, layer string, region geo.Region) ([]byte, bool)
	Set(ctx context.Context, layer string, region geo.Region, payload []byte)
}

// layerState is everything the coordinator tracks for one data layer. Each
// layer is independent: its own debounce timer, in-flight gate, baseline
// region and bounded cache.
type layerState struct {
	name       string
	fetch      FetchFunc
	onResult   ResultFunc
	minZoom    float64
	lastRegion *geo.Region
	timer      *time.Timer
	timerGen   uint64
	inFlight   bool
	cache      *regionCache
}

// stopTimer cancels the pending debounce schedule, if any, and bumps the
// generation so a timer that already fired and is waiting on the coordinator
// lock finds its schedule superseded and does not fetch. Callers hold the
// coordinator mutex.
func (st *layerState) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
}

// Coordinator owns per-layer fetch state and applies the decision policy:
// zoom gate, change threshold, debounce, cache lookup, serialized fetch.
// One mutex guards all state; fetches await outside the lock and callbacks
// are invoked outside the lock.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	shared SharedStore
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	layers  map[string]*layerState
	metrics Metrics
	closed  bool
}

type Option func(*Coordinator)

// WithSharedStore attaches a second-level store consulted during fetch
// execution.
func WithSharedStore(s SharedStore) Option {
	return func(c *Coordinator) { c.shared = s }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		layers: map[string]*layerState{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterLayer wires a layer's fetch function and result sink. Requests for
// layers that were never registered are dropped. Re-registering replaces the
// previous wiring and keeps the layer's cache.
func (c *Coordinator) RegisterLayer(layer string, fetch FetchFunc, onResult ResultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.layers[layer]
	if st == nil {
		st = &layerState{
			name:    layer,
			minZoom: c.cfg.MinZoom[layer],
			cache:   newRegionCache(c.cfg.MaxCacheEntries, c.cfg.CacheValidity),
		}
		c.layers[layer] = st
	} else {
		c.logger.Warn("layer re-registered", "layer", layer)
	}
	st.fetch = fetch
	st.onResult = onResult
}

// RequestFetch is the entry point for pan/zoom events. It either serves a
// cached payload synchronously via the layer's ResultFunc, schedules a
// debounced fetch, or drops the request.
func (c *Coordinator) RequestFetch(layer string, region geo.Region) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.layers[layer]
	if st == nil {
		c.mu.Unlock()
		c.logger.Warn("fetch requested for unregistered layer", "layer", layer)
		return
	}

	c.metrics.TotalRequests++
	c.metrics.LastRequestAt = c.now()

	if region.Zoom < st.minZoom {
		c.metrics.ZoomSkips++
		c.mu.Unlock()
		observability.ObserveDecision(layer, observability.OutcomeSkipZoom)
		return
	}

	// Either a big enough positional change or a big enough zoom jump
	// justifies a refetch; both below threshold means skip.
	if st.lastRegion != nil {
		cf := region.ChangeFraction(*st.lastRegion)
		zd := math.Abs(region.Zoom - st.lastRegion.Zoom)
		if cf < c.cfg.ChangeThreshold && zd < c.cfg.ZoomChangeThreshold {
			c.metrics.ThresholdSkips++
			c.mu.Unlock()
			observability.ObserveDecision(layer, observability.OutcomeSkipThreshold)
			return
		}
	}

	// newest viewport event wins; a superseded schedule is discarded
	st.stopTimer()

	if e, ok := st.cache.lookup(region, c.now()); ok {
		c.metrics.CacheHits++
		onResult := st.onResult
		payload, cached := e.payload, e.region
		c.mu.Unlock()
		observability.ObserveDecision(layer, observability.OutcomeCacheHit)
		if onResult != nil {
			onResult(payload, cached, true)
		}
		return
	}

	gen := st.timerGen
	st.timer = time.AfterFunc(c.cfg.Debounce, func() {
		c.executeFetch(layer, region, gen)
	})
	c.mu.Unlock()
}

// ForceFetch cancels any pending debounce and fetches immediately, bypassing
// the zoom, threshold and cache gates. The single-in-flight rule still holds.
func (c *Coordinator) ForceFetch(layer string, region geo.Region) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.layers[layer]
	if st == nil {
		c.mu.Unlock()
		c.logger.Warn("force fetch for unregistered layer", "layer", layer)
		return
	}
	c.metrics.TotalRequests++
	c.metrics.LastRequestAt = c.now()
	st.stopTimer()
	c.mu.Unlock()

	c.executeFetch(layer, region, 0)
}

// executeFetch runs when a debounce fires or a force fetch is issued. A
// nonzero gen identifies the debounce schedule that created the call; if a
// newer viewport event superseded that schedule while the fired timer was
// waiting for the lock, the call is discarded. Fetch failures are logged and
// absorbed here; the caller simply receives no update for the attempt and
// retries arrive only as further viewport events.
func (c *Coordinator) executeFetch(layer string, region geo.Region, gen uint64) {
	c.mu.Lock()
	st := c.layers[layer]
	if st == nil || c.closed {
		c.mu.Unlock()
		return
	}
	if gen != 0 && gen != st.timerGen {
		c.mu.Unlock()
		return
	}
	st.timer = nil
	if st.inFlight {
		c.metrics.DebounceSkips++
		c.mu.Unlock()
		observability.ObserveDecision(layer, observability.OutcomeSkipInflight)
		return
	}
	st.inFlight = true
	fetch, onResult := st.fetch, st.onResult
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		st.inFlight = false
		c.mu.Unlock()
	}()

	var (
		payload    []byte
		fromShared bool
	)
	if c.shared != nil {
		payload, fromShared = c.shared.Get(c.ctx, layer, region)
	}
	if !fromShared {
		p, err := fetch(c.ctx, region)
		if err != nil {
			c.logger.Warn("layer fetch failed", "layer", layer, "err", err)
			observability.ObserveDecision(layer, observability.OutcomeFetchError)
			return
		}
		payload = p
		if c.shared != nil {
			c.shared.Set(c.ctx, layer, region, payload)
		}
	}

	c.mu.Lock()
	now := c.now()
	st.cache.put(region, payload, now)
	lr := region
	st.lastRegion = &lr
	if fromShared {
		c.metrics.CacheHits++
	} else {
		c.metrics.Fetches++
		c.metrics.LastFetchAt = now
	}
	c.mu.Unlock()

	if fromShared {
		observability.ObserveDecision(layer, observability.OutcomeSharedHit)
	} else {
		observability.ObserveDecision(layer, observability.OutcomeFetch)
	}
	if onResult != nil {
		onResult(payload, region, fromShared)
	}
}

// FetchSync is the request/response path used by the HTTP deployment: zoom
// gate, cache lookup, then an inline fetch with cache fill. It reports fetch
// errors to the caller instead of absorbing them, and does not take the
// async pipeline's in-flight gate.
func (c *Coordinator) FetchSync(ctx context.Context, layer string, region geo.Region) (payload []byte, fromCache bool, err error) {
	c.mu.Lock()
	st := c.layers[layer]
	if st == nil || c.closed {
		c.mu.Unlock()
		return nil, false, ErrUnknownLayer
	}
	c.metrics.TotalRequests++
	c.metrics.LastRequestAt = c.now()

	if region.Zoom < st.minZoom {
		c.metrics.ZoomSkips++
		c.mu.Unlock()
		observability.ObserveDecision(layer, observability.OutcomeSkipZoom)
		return nil, false, ErrBelowMinZoom
	}

	if e, ok := st.cache.lookup(region, c.now()); ok {
		c.metrics.CacheHits++
		p := e.payload
		c.mu.Unlock()
		observability.ObserveDecision(layer, observability.OutcomeCacheHit)
		return p, true, nil
	}
	fetch := st.fetch
	c.mu.Unlock()

	var fromShared bool
	if c.shared != nil {
		payload, fromShared = c.shared.Get(ctx, layer, region)
	}
	if !fromShared {
		payload, err = fetch(ctx, region)
		if err != nil {
			observability.ObserveDecision(layer, observability.OutcomeFetchError)
			return nil, false, err
		}
		if c.shared != nil {
			c.shared.Set(ctx, layer, region, payload)
		}
	}

	c.mu.Lock()
	now := c.now()
	st.cache.put(region, payload, now)
	lr := region
	st.lastRegion = &lr
	if fromShared {
		c.metrics.CacheHits++
	} else {
		c.metrics.Fetches++
		c.metrics.LastFetchAt = now
	}
	c.mu.Unlock()

	if fromShared {
		observability.ObserveDecision(layer, observability.OutcomeSharedHit)
	} else {
		observability.ObserveDecision(layer, observability.OutcomeFetch)
	}
	return payload, fromShared, nil
}

// ClearCache empties a layer's cache and forgets its baseline region, so the
// next request is treated as having no prior fetch.
func (c *Coordinator) ClearCache(layer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.layers[layer]; st != nil {
		st.cache.purge()
		st.lastRegion = nil
	}
}

func (c *Coordinator) ClearAllCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.layers {
		st.cache.purge()
		st.lastRegion = nil
	}
}

// CancelAll stops every pending debounce timer without firing it.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.layers {
		st.stopTimer()
	}
}

// Close cancels pending timers and the context handed to fetch functions.
// The coordinator accepts no further requests afterwards.
func (c *Coordinator) Close() {
	c.CancelAll()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// CacheLen reports the number of live entries in a layer's cache.
func (c *Coordinator) CacheLen(layer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.layers[layer]; st != nil {
		return st.cache.len()
	}
	return 0
}
