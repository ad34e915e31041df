package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/cidadeops/viewport-cache/internal/invalidation"
	"github.com/cidadeops/viewport-cache/internal/mapper/h3mapper"
	"github.com/cidadeops/viewport-cache/internal/observability"
)

// RegionDropper removes indexed payloads for a layer under the given H3
// cells. Satisfied by regionstore.Store.
type RegionDropper interface {
	DropCells(ctx context.Context, layer string, cells []string) (int, error)
	IndexRes() int
}

// LocalCache clears a layer's in-process cache. Satisfied by
// viewport.Coordinator.
type LocalCache interface {
	ClearCache(layer string)
}

type Consumer struct {
	cfg   Config
	log   *slog.Logger
	store RegionDropper
	local LocalCache
}

func New(cfg Config, log *slog.Logger, store RegionDropper, local LocalCache) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{cfg: cfg, log: log, store: store, local: local}
}

// Start consumes invalidation events until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil {
		return errors.New("kafkaconsumer: missing region store")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info("invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error("consumer error", "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single invalidation event message.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncKafkaConsumerError("decode")
		c.log.Error("invalidation decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return fmt.Errorf("json decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		observability.IncKafkaConsumerError("validate")
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, time.Since(start), err)
		return fmt.Errorf("validate event: %w", err)
	}

	cells, err := c.cellsForEvent(ev)
	if err != nil {
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, time.Since(start), err)
		return fmt.Errorf("derive cells: %w", err)
	}
	if len(cells) == 0 {
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, time.Since(start), nil)
		c.log.Debug("no cells to invalidate (skipping)", "layer", ev.Layer, "op", ev.Op)
		return nil
	}

	deleted, err := c.store.DropCells(ctx, ev.Layer, cells)
	if err != nil {
		observability.IncKafkaConsumerError("store_drop")
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, time.Since(start), err)
		return fmt.Errorf("drop cells: %w", err)
	}

	// the in-process cache has no geographic index; drop the whole layer
	if c.local != nil {
		c.local.ClearCache(ev.Layer)
	}

	observability.ObserveInvalidation(ev.Op, ev.Layer, deleted, time.Since(start), nil)
	c.log.Debug("invalidated layer regions",
		"layer", ev.Layer, "op", ev.Op, "cells", len(cells), "keys", deleted)
	return nil
}

func (c *Consumer) cellsForEvent(ev invalidation.Event) ([]string, error) {
	res := c.store.IndexRes()
	switch {
	case ev.Point != nil:
		cell, err := h3mapper.CellForPoint(ev.Point.Lat, ev.Point.Lng, res)
		if err != nil {
			return nil, fmt.Errorf("cell for point: %w", err)
		}
		return []string{cell}, nil
	case ev.BBox != nil:
		cells, err := h3mapper.CellsForBBox(ev.BBox.West, ev.BBox.South, ev.BBox.East, ev.BBox.North, res)
		if err != nil {
			return nil, fmt.Errorf("cells for bbox: %w", err)
		}
		return cells, nil
	default:
		return nil, fmt.Errorf("unsupported event: missing point/bbox")
	}
}
