// Package upstream builds the per-layer fetch functions that pull payloads
// from the city-operations REST API.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cidadeops/viewport-cache/internal/geo"
	"github.com/cidadeops/viewport-cache/internal/observability"
	"github.com/cidadeops/viewport-cache/internal/viewport"
)

// payloads are JSON lists; cap reads so a misbehaving upstream cannot
// exhaust memory
const maxPayloadBytes = 8 << 20

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func New(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme: %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: u, http: httpClient, logger: logger}, nil
}

// LayerFetcher returns the FetchFunc for one layer, hitting
// GET {base}/v1/{layer}?bbox=west,south,east,north&zoom=z.
func (c *Client) LayerFetcher(layer string) viewport.FetchFunc {
	return func(ctx context.Context, region geo.Region) ([]byte, error) {
		u := *c.base
		u.Path = strings.TrimRight(u.Path, "/") + "/v1/" + layer
		q := url.Values{}
		q.Set("bbox", region.BBoxParam())
		q.Set("zoom", fmt.Sprintf("%.1f", region.Zoom))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		observability.ObserveUpstreamLatency(layer, time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", layer, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("fetch %s: status %d: %s", layer, resp.StatusCode, snippet)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
		if err != nil {
			return nil, fmt.Errorf("read %s payload: %w", layer, err)
		}
		c.logger.Debug("upstream fetch done",
			"layer", layer, "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())
		return body, nil
	}
}
