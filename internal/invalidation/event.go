// Package invalidation defines the incident-feed events that invalidate
// cached viewport payloads.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event is published by the ingestion pipeline whenever a feature of a layer
// changes. It carries either the point where the change happened or the
// bounding box it affects; cached regions overlapping that geometry are
// dropped.
type Event struct {
	Version  int       `json:"version"`
	Op       string    `json:"op"` // insert|update|delete
	Layer    string    `json:"layer"`
	TS       time.Time `json:"ts"`
	SourceID any       `json:"source_id,omitempty"`
	Point    *Point    `json:"point,omitempty"`
	BBox     *BBox     `json:"bbox,omitempty"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	hasPoint := e.Point != nil
	hasBBox := e.BBox != nil
	if hasPoint == hasBBox {
		return fmt.Errorf("exactly one of point or bbox is required")
	}
	if hasPoint {
		p := *e.Point
		if !(p.Lat >= -90 && p.Lat <= 90) {
			return fmt.Errorf("point latitude out of range")
		}
		if !(p.Lng >= -180 && p.Lng <= 180) {
			return fmt.Errorf("point longitude out of range")
		}
		return nil
	}
	bb := *e.BBox
	if !(bb.West >= -180 && bb.West <= 180 && bb.East >= -180 && bb.East <= 180) {
		return fmt.Errorf("bbox longitude out of range")
	}
	if !(bb.South >= -90 && bb.South <= 90 && bb.North >= -90 && bb.North <= 90) {
		return fmt.Errorf("bbox latitude out of range")
	}
	if !(bb.East > bb.West && bb.North > bb.South) {
		return fmt.Errorf("bbox must satisfy east>west and north>south")
	}
	return nil
}
