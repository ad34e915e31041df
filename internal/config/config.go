// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
}

type Config struct {
	Addr        string
	LogLevel    string
	UpstreamURL string

	Layers []string

	// coordinator tuning
	Debounce            time.Duration
	ChangeThreshold     float64
	ZoomChangeThreshold float64
	MinZoom             map[string]float64
	MaxCacheEntries     int
	CacheValidity       time.Duration

	// shared region store
	RedisEnabled bool
	RedisAddr    string
	StoreTTL     time.Duration
	IndexRes     int

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:        getenv("ADDR", ":8090"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		UpstreamURL: getenv("UPSTREAM_URL", "http://localhost:8000"),

		Layers: splitCSV(getenv("VIEWPORT_LAYERS", "incidents,rain-gauges")),

		Debounce:            getduration("VIEWPORT_DEBOUNCE", 400*time.Millisecond),
		ChangeThreshold:     getfloat("VIEWPORT_CHANGE_THRESHOLD", 0.20),
		ZoomChangeThreshold: getfloat("VIEWPORT_ZOOM_THRESHOLD", 0.5),
		MinZoom:             parseFloatMap(getenv("VIEWPORT_MIN_ZOOM", "incidents=10,rain-gauges=9")),
		MaxCacheEntries:     getint("VIEWPORT_MAX_CACHE_ENTRIES", 5),
		CacheValidity:       getduration("VIEWPORT_CACHE_VALIDITY", 300*time.Second),

		RedisEnabled: getbool("REDIS_ENABLED", false),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		StoreTTL:     getduration("STORE_TTL", 300*time.Second),
		IndexRes:     getint("STORE_INDEX_RES", 7),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "kafka"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		return strings.EqualFold(v, "true")
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseFloatMap parses "layer=zoom,layer=zoom" pairs; malformed pairs are
// dropped.
func parseFloatMap(s string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
