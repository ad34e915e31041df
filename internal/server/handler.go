package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cidadeops/viewport-cache/internal/config"
	"github.com/cidadeops/viewport-cache/internal/geo"
	mylog "github.com/cidadeops/viewport-cache/internal/logger"
	"github.com/cidadeops/viewport-cache/internal/observability"
	"github.com/cidadeops/viewport-cache/internal/viewport"
)

// Views resolves a viewport request into a layer payload, serving from
// cache when a valid entry covers the region.
type Views interface {
	FetchSync(ctx context.Context, layer string, region geo.Region) (payload []byte, fromCache bool, err error)
}

// HandleLayer serves GET /v1/layers/{layer}?bbox=west,south,east,north&zoom=z.
func HandleLayer(logger *slog.Logger, _ config.Config, views Views) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		layer := chi.URLParam(r, "layer")
		region, err := parseViewportQuery(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/layers/{layer}", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		ctx := mylog.WithLayer(r.Context(), layer)
		payload, fromCache, err := views.FetchSync(ctx, layer, region)
		switch {
		case errors.Is(err, viewport.ErrUnknownLayer):
			http.Error(sw, fmt.Sprintf("unknown layer %q", layer), http.StatusNotFound)
		case errors.Is(err, viewport.ErrBelowMinZoom):
			http.Error(sw, fmt.Sprintf("zoom %.1f is below the minimum for layer %q", region.Zoom, layer),
				http.StatusUnprocessableEntity)
		case err != nil:
			logger.LogAttrs(ctx, slog.LevelError, "layer fetch failed",
				slog.String("layer", layer), slog.String("err", err.Error()))
			http.Error(sw, "upstream fetch failed", http.StatusBadGateway)
		default:
			cacheResult := "MISS"
			if fromCache {
				cacheResult = "HIT"
			}
			sw.Header().Set("X-Cache", cacheResult)
			sw.Header().Set("Content-Type", "application/json")
			_, _ = sw.Write(payload)
		}
		observability.ObserveHTTP(r.Method, "/v1/layers/{layer}", sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func parseViewportQuery(r *http.Request) (geo.Region, error) {
	rawBBox := strings.TrimSpace(r.URL.Query().Get("bbox"))
	if rawBBox == "" {
		return geo.Region{}, errors.New("missing required parameter: bbox")
	}
	rawZoom := strings.TrimSpace(r.URL.Query().Get("zoom"))
	if rawZoom == "" {
		return geo.Region{}, errors.New("missing required parameter: zoom")
	}
	zoom, err := strconv.ParseFloat(rawZoom, 64)
	if err != nil {
		return geo.Region{}, fmt.Errorf("invalid zoom: %w", err)
	}
	if zoom < 0 || zoom > 22 {
		return geo.Region{}, errors.New("zoom must be in [0,22]")
	}
	region, err := geo.ParseBBox(rawBBox, zoom, time.Now())
	if err != nil {
		return geo.Region{}, fmt.Errorf("invalid bbox: %w", err)
	}
	return region, nil
}
