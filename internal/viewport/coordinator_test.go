package viewport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cidadeops/viewport-cache/internal/geo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func region(w, s, e, n, z float64) geo.Region {
	return geo.Region{West: w, South: s, East: e, North: n, Zoom: z, At: time.Now()}
}

// shifted returns r panned east by frac of its width, same size and zoom.
func shifted(r geo.Region, frac float64) geo.Region {
	d := r.Width() * frac
	return geo.Region{West: r.West + d, South: r.South, East: r.East + d, North: r.North, Zoom: r.Zoom, At: time.Now()}
}

type capture struct {
	mu      sync.Mutex
	calls   []geo.Region
	results []result
	ch      chan result
}

type result struct {
	payload   []byte
	region    geo.Region
	fromCache bool
}

func newCapture() *capture {
	return &capture{ch: make(chan result, 16)}
}

func (c *capture) fetch(payload []byte) FetchFunc {
	return func(_ context.Context, r geo.Region) ([]byte, error) {
		c.mu.Lock()
		c.calls = append(c.calls, r)
		c.mu.Unlock()
		return payload, nil
	}
}

func (c *capture) onResult(payload []byte, r geo.Region, fromCache bool) {
	res := result{payload: payload, region: r, fromCache: fromCache}
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.ch <- res
}

func (c *capture) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *capture) await(t *testing.T) result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return result{}
	}
}

func (c *capture) expectNoResult(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-c.ch:
		t.Fatalf("unexpected result delivered: %+v", r)
	case <-time.After(d):
	}
}

func testConfig() Config {
	return Config{Debounce: 20 * time.Millisecond}
}

func TestRequestFetch_UnregisteredLayerIsNoop(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()

	c.RequestFetch("sirens", region(-43.3, -23.0, -43.1, -22.85, 12))

	if m := c.Metrics(); m.TotalRequests != 0 {
		t.Fatalf("unregistered layer must not count requests, got %+v", m)
	}
}

func TestRequestFetch_ZoomGate(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	c.RequestFetch("incidents", region(-43.3, -23.0, -43.1, -22.85, 9.5))
	cap.expectNoResult(t, 100*time.Millisecond)

	m := c.Metrics()
	if m.ZoomSkips != 1 || m.TotalRequests != 1 {
		t.Fatalf("metrics = %+v, want 1 zoom skip of 1 request", m)
	}
	if cap.fetchCount() != 0 {
		t.Fatalf("fetch function must not run below the zoom gate")
	}
}

func TestRequestFetch_ThresholdSkip(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.await(t)

	// pan by 5% of the width: below the 0.20 threshold, same zoom
	c.RequestFetch("incidents", shifted(a, 0.05))
	cap.expectNoResult(t, 100*time.Millisecond)

	m := c.Metrics()
	if m.ThresholdSkips != 1 {
		t.Fatalf("metrics = %+v, want 1 threshold skip", m)
	}
	if cap.fetchCount() != 1 {
		t.Fatalf("fetch count = %d, want 1 (seed only)", cap.fetchCount())
	}
}

func TestRequestFetch_ZoomDeltaAloneTriggersRefetch(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.await(t)

	// no pan at all, but a zoom jump of 2 levels: must pass the gate and,
	// with the zoom-13 bucket missing, containment serves A's entry
	b := a
	b.Zoom = 14
	c.RequestFetch("incidents", b)
	res := cap.await(t)
	if !res.fromCache {
		// containment hit is the expected path since bounds are identical
		t.Fatalf("expected cache containment hit for identical bounds, got network result")
	}

	if m := c.Metrics(); m.ThresholdSkips != 0 {
		t.Fatalf("pure zoom change must not be threshold-skipped: %+v", m)
	}
}

func TestRequestFetch_CacheHitSkipsDebounceAndNetwork(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[{"id":1}]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	first := cap.await(t)
	if first.fromCache {
		t.Fatalf("seed fetch must come from the network")
	}

	// zoom out past the zoom threshold so the request is not skipped; the
	// bounds are unchanged so the stored region contains the requested one
	b := a
	b.Zoom = 11.4
	start := time.Now()
	c.RequestFetch("incidents", b)
	res := cap.await(t)
	if !res.fromCache {
		t.Fatalf("expected cached payload")
	}
	if elapsed := time.Since(start); elapsed > 15*time.Millisecond {
		t.Fatalf("cache hit took %v, expected synchronous delivery", elapsed)
	}
	if cap.fetchCount() != 1 {
		t.Fatalf("cache hit must not invoke the fetch function")
	}
	m := c.Metrics()
	if m.CacheHits != 1 || m.Fetches != 1 {
		t.Fatalf("metrics = %+v, want 1 cache hit and 1 fetch", m)
	}
}

func TestRequestFetch_DebounceLatestWins(t *testing.T) {
	c := New(Config{Debounce: 60 * time.Millisecond}, testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	b := region(-43.60, -23.10, -43.40, -22.95, 12)
	c.RequestFetch("incidents", a)
	time.Sleep(10 * time.Millisecond)
	c.RequestFetch("incidents", b)

	res := cap.await(t)
	if res.region != b {
		t.Fatalf("fetched region = %+v, want the latest request %+v", res.region, b)
	}
	cap.expectNoResult(t, 150*time.Millisecond)
	if cap.fetchCount() != 1 {
		t.Fatalf("fetch count = %d, want 1 (first timer canceled)", cap.fetchCount())
	}
}

func TestExecuteFetch_SingleInFlight(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	blocking := func(_ context.Context, r geo.Region) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return []byte(`[]`), nil
	}
	c.RegisterLayer("incidents", blocking, cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	go c.ForceFetch("incidents", a)
	<-started

	// a second fetch while the first is in flight is a skip, never queued
	c.ForceFetch("incidents", a)
	if m := c.Metrics(); m.DebounceSkips != 1 {
		t.Fatalf("metrics = %+v, want 1 in-flight skip", m)
	}

	close(release)
	cap.await(t)
	if m := c.Metrics(); m.Fetches != 1 {
		t.Fatalf("metrics = %+v, want exactly 1 fetch", m)
	}
}

func TestExecuteFetch_ErrorIsAbsorbedAndStateCleared(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()

	fail := true
	flaky := func(ctx context.Context, r geo.Region) ([]byte, error) {
		if fail {
			return nil, errors.New("upstream 503")
		}
		return cap.fetch([]byte(`[]`))(ctx, r)
	}
	c.RegisterLayer("incidents", flaky, cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.expectNoResult(t, 50*time.Millisecond)
	if m := c.Metrics(); m.Fetches != 0 {
		t.Fatalf("failed fetch must not count: %+v", m)
	}

	// in-flight marker must be cleared so the retry goes through
	fail = false
	c.ForceFetch("incidents", a)
	res := cap.await(t)
	if res.fromCache {
		t.Fatalf("retry should hit the network")
	}
	if m := c.Metrics(); m.Fetches != 1 || m.DebounceSkips != 0 {
		t.Fatalf("metrics = %+v, want clean retry", m)
	}
}

// A debounce timer can fire and then stall waiting for the coordinator lock
// while a newer viewport event replaces its schedule. The stale execution must
// be discarded, never fetched after the superseding region.
func TestExecuteFetch_FiredTimerSupersededByNewerRequest(t *testing.T) {
	c := New(Config{Debounce: 50 * time.Millisecond}, testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	b := region(-43.30, -23.00, -43.10, -22.85, 12)
	newer := region(-43.60, -23.10, -43.40, -22.95, 12)

	c.RequestFetch("incidents", b)
	c.mu.Lock()
	staleGen := c.layers["incidents"].timerGen
	c.mu.Unlock()

	// supersedes b's schedule before its timer fires
	c.RequestFetch("incidents", newer)

	// b's timer firing late, after the replacement was installed
	c.executeFetch("incidents", b, staleGen)

	res := cap.await(t)
	if res.region != newer {
		t.Fatalf("fetched region = %+v, want the superseding request %+v", res.region, newer)
	}
	cap.expectNoResult(t, 120*time.Millisecond)
	if cap.fetchCount() != 1 {
		t.Fatalf("fetch count = %d, want 1 (superseded schedule discarded)", cap.fetchCount())
	}
}

func TestRequestFetch_AfterCloseIsSilentNoop(t *testing.T) {
	var buf bytes.Buffer
	c := New(testConfig(), slog.New(slog.NewTextHandler(&buf, nil)))
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)
	c.Close()

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.RequestFetch("incidents", a)
	c.ForceFetch("incidents", a)

	cap.expectNoResult(t, 80*time.Millisecond)
	if m := c.Metrics(); m.TotalRequests != 0 {
		t.Fatalf("closed coordinator must not count requests: %+v", m)
	}
	if cap.fetchCount() != 0 {
		t.Fatalf("closed coordinator must not fetch")
	}
	if strings.Contains(buf.String(), "unregistered") {
		t.Fatalf("registered layer logged as unregistered after close:\n%s", buf.String())
	}
}

func TestCancelAll_PendingDebounceNeverFires(t *testing.T) {
	c := New(Config{Debounce: 30 * time.Millisecond}, testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	c.RequestFetch("incidents", region(-43.30, -23.00, -43.10, -22.85, 12))
	c.CancelAll()

	cap.expectNoResult(t, 120*time.Millisecond)
	if cap.fetchCount() != 0 {
		t.Fatalf("canceled debounce must not fetch")
	}
}

func TestClearCache_ResetsBaseline(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.await(t)
	if c.CacheLen("incidents") != 1 {
		t.Fatalf("cache len = %d, want 1", c.CacheLen("incidents"))
	}

	c.ClearCache("incidents")
	if c.CacheLen("incidents") != 0 {
		t.Fatalf("cache not cleared")
	}

	// tiny pan that would have been threshold-skipped against baseline A
	c.RequestFetch("incidents", shifted(a, 0.01))
	res := cap.await(t)
	if res.fromCache {
		t.Fatalf("after clear the request must refetch")
	}
	if m := c.Metrics(); m.ThresholdSkips != 0 {
		t.Fatalf("baseline must be forgotten after clear: %+v", m)
	}
}

func TestExpiredEntry_EvictedOnLookup(t *testing.T) {
	c := New(Config{Debounce: 10 * time.Millisecond, CacheValidity: time.Minute}, testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	base := time.Now()
	c.mu.Lock()
	c.now = func() time.Time { return base }
	c.mu.Unlock()

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.await(t)

	c.mu.Lock()
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.mu.Unlock()

	// zoom jump so the request passes the threshold gate; the stale entry
	// must be evicted and the network fetched again
	b := a
	b.Zoom = 13
	c.RequestFetch("incidents", b)
	res := cap.await(t)
	if res.fromCache {
		t.Fatalf("expired entry must not be served")
	}
	if m := c.Metrics(); m.Fetches != 2 || m.CacheHits != 0 {
		t.Fatalf("metrics = %+v, want 2 fetches and no hits", m)
	}
}

func TestSharedStore_ServesOnLocalMiss(t *testing.T) {
	shared := &fakeShared{data: map[string][]byte{}}
	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	shared.data["incidents:"+a.Key()] = []byte(`[{"id":9}]`)

	c := New(testConfig(), testLogger(), WithSharedStore(shared))
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[]`)), cap.onResult)

	c.RequestFetch("incidents", a)
	res := cap.await(t)
	if !res.fromCache {
		t.Fatalf("shared store payload must be delivered as cached")
	}
	if cap.fetchCount() != 0 {
		t.Fatalf("shared hit must not reach the network")
	}
	if m := c.Metrics(); m.CacheHits != 1 || m.Fetches != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestSharedStore_WriteThroughAfterFetch(t *testing.T) {
	shared := &fakeShared{data: map[string][]byte{}}
	c := New(testConfig(), testLogger(), WithSharedStore(shared))
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[{"id":1}]`)), cap.onResult)

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	c.ForceFetch("incidents", a)
	cap.await(t)

	if _, ok := shared.data["incidents:"+a.Key()]; !ok {
		t.Fatalf("network result not written through to the shared store")
	}
}

type fakeShared struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeShared) Get(_ context.Context, layer string, r geo.Region) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.data[layer+":"+r.Key()]
	return p, ok
}

func (f *fakeShared) Set(_ context.Context, layer string, r geo.Region, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[layer+":"+r.Key()] = payload
}

func TestFetchSync(t *testing.T) {
	c := New(testConfig(), testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[{"id":1}]`)), nil)

	if _, _, err := c.FetchSync(context.Background(), "weather", region(-43.3, -23.0, -43.1, -22.85, 12)); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("err = %v, want ErrUnknownLayer", err)
	}
	if _, _, err := c.FetchSync(context.Background(), "incidents", region(-43.3, -23.0, -43.1, -22.85, 8)); !errors.Is(err, ErrBelowMinZoom) {
		t.Fatalf("err = %v, want ErrBelowMinZoom", err)
	}

	a := region(-43.30, -23.00, -43.10, -22.85, 12)
	p, fromCache, err := c.FetchSync(context.Background(), "incidents", a)
	if err != nil || fromCache {
		t.Fatalf("first sync fetch: payload=%q fromCache=%v err=%v", p, fromCache, err)
	}
	_, fromCache, err = c.FetchSync(context.Background(), "incidents", a)
	if err != nil || !fromCache {
		t.Fatalf("second sync fetch should be a cache hit, fromCache=%v err=%v", fromCache, err)
	}
	if cap.fetchCount() != 1 {
		t.Fatalf("fetch count = %d, want 1", cap.fetchCount())
	}
}

// End-to-end walk through the decision pipeline: fetch, threshold-skip,
// debounced refetch, containment cache hit.
func TestScenario_PanZoomLifecycle(t *testing.T) {
	c := New(Config{Debounce: 20 * time.Millisecond}, testLogger())
	defer c.Close()
	cap := newCapture()
	c.RegisterLayer("incidents", cap.fetch([]byte(`[{"id":1},{"id":2}]`)), cap.onResult)

	a := region(-43.40, -23.05, -43.10, -22.85, 12)
	c.RequestFetch("incidents", a)
	res := cap.await(t)
	if res.fromCache || res.region != a {
		t.Fatalf("seed result = %+v", res)
	}
	if c.CacheLen("incidents") != 1 {
		t.Fatalf("cache len = %d, want 1", c.CacheLen("incidents"))
	}

	// slight pan at the same zoom: threshold skip, nothing delivered
	c.RequestFetch("incidents", shifted(a, 0.05))
	cap.expectNoResult(t, 80*time.Millisecond)
	if m := c.Metrics(); m.ThresholdSkips != 1 {
		t.Fatalf("metrics = %+v, want a threshold skip", m)
	}

	// jump well past the threshold: debounced network fetch for B
	b := shifted(a, 0.40)
	c.RequestFetch("incidents", b)
	res = cap.await(t)
	if res.fromCache || res.region != b {
		t.Fatalf("jump result = %+v, want network fetch of %+v", res, b)
	}

	// pan back into a sub-region of A: served via containment, no network
	sub := region(-43.35, -23.00, -43.15, -22.90, 12)
	c.RequestFetch("incidents", sub)
	res = cap.await(t)
	if !res.fromCache || res.region != a {
		t.Fatalf("sub-region result = %+v, want cached payload for %+v", res, a)
	}

	m := c.Metrics()
	if m.Fetches != 2 || m.CacheHits != 1 || m.TotalRequests != 4 {
		t.Fatalf("final metrics = %+v", m)
	}
	if cap.fetchCount() != 2 {
		t.Fatalf("fetch function ran %d times, want 2", cap.fetchCount())
	}
}
