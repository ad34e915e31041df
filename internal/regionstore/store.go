package regionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cidadeops/viewport-cache/internal/cachekeys"
	"github.com/cidadeops/viewport-cache/internal/geo"
	"github.com/cidadeops/viewport-cache/internal/mapper/h3mapper"
)

const DefaultIndexRes = 7

// Store implements the coordinator's SharedStore contract on Redis. Failures
// are logged and treated as misses so a Redis outage degrades to
// network-only fetching.
type Store struct {
	cli      *Client
	ttl      time.Duration
	indexRes int
	logger   *slog.Logger
}

func New(cli *Client, ttl time.Duration, indexRes int, logger *slog.Logger) *Store {
	if indexRes <= 0 {
		indexRes = DefaultIndexRes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cli: cli, ttl: ttl, indexRes: indexRes, logger: logger}
}

func (s *Store) Get(ctx context.Context, layer string, region geo.Region) ([]byte, bool) {
	key := cachekeys.Region(layer, region.Key(), "")
	b, err := s.cli.Get(ctx, key)
	if err != nil {
		s.logger.Warn("region store get failed", "layer", layer, "err", err)
		return nil, false
	}
	if b == nil {
		return nil, false
	}
	return b, true
}

func (s *Store) Set(ctx context.Context, layer string, region geo.Region, payload []byte) {
	key := cachekeys.Region(layer, region.Key(), "")
	if err := s.cli.Set(ctx, key, payload, s.ttl); err != nil {
		s.logger.Warn("region store set failed", "layer", layer, "err", err)
		return
	}
	if err := s.indexRegion(ctx, layer, region, key); err != nil {
		s.logger.Warn("region store index failed", "layer", layer, "err", err)
	}
}

// indexRegion records the payload key under the H3 cell of the region's
// center. The index outlives the payload slightly; dangling keys in it are
// harmless because deletion of a missing key is a no-op.
func (s *Store) indexRegion(ctx context.Context, layer string, region geo.Region, key string) error {
	lat, lng := region.Center()
	cell, err := h3mapper.CellForPoint(lat, lng, s.indexRes)
	if err != nil {
		return fmt.Errorf("index cell: %w", err)
	}
	idxKey := cachekeys.Cell(layer, s.indexRes, cell)

	ids, err := s.readIndex(ctx, idxKey)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == key {
			return nil
		}
	}
	ids = append(ids, key)

	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := s.cli.Set(ctx, idxKey, payload, 2*s.ttl); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *Store) readIndex(ctx context.Context, idxKey string) ([]string, error) {
	raw, err := s.cli.Get(ctx, idxKey)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode index %q: %w", idxKey, err)
	}
	return ids, nil
}

// DropCells deletes every payload indexed under the given H3 cells for a
// layer, plus the index entries themselves. Returns the number of payload
// keys deleted.
func (s *Store) DropCells(ctx context.Context, layer string, cells []string) (int, error) {
	var delKeys []string
	var idxKeys []string
	for _, cell := range cells {
		idxKey := cachekeys.Cell(layer, s.indexRes, cell)
		ids, err := s.readIndex(ctx, idxKey)
		if err != nil {
			return 0, err
		}
		if ids == nil {
			continue
		}
		delKeys = append(delKeys, ids...)
		idxKeys = append(idxKeys, idxKey)
	}
	if len(delKeys) == 0 && len(idxKeys) == 0 {
		return 0, nil
	}
	if err := s.cli.Del(ctx, append(delKeys, idxKeys...)...); err != nil {
		return 0, fmt.Errorf("drop cells: %w", err)
	}
	return len(delKeys), nil
}

// IndexRes is the H3 resolution of the store's geographic index.
func (s *Store) IndexRes() int { return s.indexRes }
