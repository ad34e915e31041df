// Command panloadgen smoke-tests a running viewportd stack: it checks Redis,
// replays a scripted pan/zoom path over the layers endpoint, produces one
// invalidation event to Kafka, and prints an H3 cell sample for the city
// center.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	h3 "github.com/uber/h3-go/v4"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	fmt.Println("redis PING ok")
	return nil
}

type panStep struct {
	name string
	bbox string
	zoom float64
}

// a pan/zoom path over central Rio de Janeiro: initial load, a small nudge,
// a jump to the west zone, and a return to a sub-region of the first view
var rioPath = []panStep{
	{"centro", "-43.25,-22.95,-43.15,-22.88", 12},
	{"small nudge", "-43.251,-22.951,-43.151,-22.881", 12},
	{"barra jump", "-43.45,-23.05,-43.30,-22.98", 12},
	{"back to lapa", "-43.23,-22.93,-43.17,-22.90", 12},
}

func replayPanPath(baseURL, layer string, pause time.Duration) error {
	fmt.Println("Pan path test:", layer)
	base := strings.TrimRight(baseURL, "/")
	for _, step := range rioPath {
		u := fmt.Sprintf("%s/v1/layers/%s?bbox=%s&zoom=%.1f",
			base, layer, url.QueryEscape(step.bbox), step.zoom)
		resp, err := http.Get(u)
		if err != nil {
			return fmt.Errorf("get %s: %w", step.name, err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d: %s", step.name, resp.StatusCode, body)
		}
		fmt.Printf("  %-14s cache=%-4s bytes>=%d\n",
			step.name, resp.Header.Get("X-Cache"), len(body))
		time.Sleep(pause)
	}
	return nil
}

func produceInvalidation(brokers []string, topic, layer string) error {
	fmt.Println("Kafka invalidation test")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_1_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	payload := map[string]any{
		"version":   1,
		"op":        "update",
		"layer":     layer,
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"source_id": "panloadgen",
		"point":     map[string]float64{"lat": -22.9068, "lng": -43.1729},
	}
	msgBytes, _ := json.Marshal(payload)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Value: sarama.ByteEncoder(msgBytes),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one invalidation event")
	return nil
}

func demoH3() {
	fmt.Println("H3 demo")
	// Praça Quinze, city center
	ll := h3.NewLatLng(-22.9024, -43.1730)
	cell, err := h3.LatLngToCell(ll, 7)
	if err != nil {
		fmt.Println("h3 error:", err)
		return
	}
	neighbors, err := h3.GridDisk(cell, 1)
	if err != nil {
		fmt.Println("h3 error:", err)
		return
	}
	fmt.Printf("H3 center: %s, neighbors: %d\n", cell.String(), len(neighbors))
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	serverURL := getenv("VIEWPORTD_URL", "http://localhost:8090")
	layer := getenv("LAYER", "incidents")
	brokers := strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getenv("KAFKA_TOPIC", "layer-invalidation")
	pause := 500 * time.Millisecond

	if err := testRedis(ctx, redisAddr); err != nil {
		fmt.Println("Redis error:", err)
		return
	}
	if err := replayPanPath(serverURL, layer, pause); err != nil {
		fmt.Println("Pan path error:", err)
		return
	}
	if err := produceInvalidation(brokers, topic, layer); err != nil {
		fmt.Println("Kafka error:", err)
		return
	}
	demoH3()
	fmt.Println("All checks completed")
}
