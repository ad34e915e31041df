// Package geo models map viewport regions in EPSG:4326.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Region is the bounding box and zoom level visible on a map at a point in
// time. Values are decimal degrees; immutable after construction.
type Region struct {
	West  float64
	South float64
	East  float64
	North float64
	Zoom  float64
	At    time.Time
}

func (r Region) Width() float64  { return r.East - r.West }
func (r Region) Height() float64 { return r.North - r.South }

// Area in degrees squared, used for relative-change comparison only.
func (r Region) Area() float64 { return r.Width() * r.Height() }

func (r Region) Center() (lat, lng float64) {
	return (r.South + r.North) / 2, (r.West + r.East) / 2
}

// Key is a coarse bucket for the region: bounds rounded to 2 decimal places
// and zoom rounded to the nearest integer, so near-identical viewports
// collapse to the same cache slot.
func (r Region) Key() string {
	return fmt.Sprintf("%.2f,%.2f,%.2f,%.2f,z%d",
		r.West, r.South, r.East, r.North, int(math.Round(r.Zoom)))
}

// BBoxParam renders the bounds as a west,south,east,north query parameter.
func (r Region) BBoxParam() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", r.West, r.South, r.East, r.North)
}

// Contains reports whether o fits entirely inside r.
func (r Region) Contains(o Region) bool {
	return o.West >= r.West && o.East <= r.East &&
		o.South >= r.South && o.North <= r.North
}

// ChangeFraction quantifies how different two viewports are, independent of
// absolute scale: the max of width delta, height delta and center shift
// (each axis), each normalized by the average extent on that axis.
func (r Region) ChangeFraction(o Region) float64 {
	avgW := (r.Width() + o.Width()) / 2
	avgH := (r.Height() + o.Height()) / 2

	lat1, lng1 := r.Center()
	lat2, lng2 := o.Center()

	f := ratio(r.Width()-o.Width(), avgW)
	if v := ratio(r.Height()-o.Height(), avgH); v > f {
		f = v
	}
	if v := ratio(lat1-lat2, avgH); v > f {
		f = v
	}
	if v := ratio(lng1-lng2, avgW); v > f {
		f = v
	}
	return f
}

// zero extents on both sides mean no measurable change on that axis
func ratio(delta, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return math.Abs(delta) / avg
}

// ParseBBox parses a west,south,east,north parameter into a Region with the
// given zoom. Validation mirrors what the mobile clients send.
func ParseBBox(bbox string, zoom float64, at time.Time) (Region, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return Region{}, errors.New("expected 4 comma-separated values: west,south,east,north")
	}
	vals := make([]float64, 4)
	names := [4]string{"west", "south", "east", "north"}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Region{}, fmt.Errorf("%s: %w", names[i], err)
		}
		vals[i] = v
	}
	west, south, east, north := vals[0], vals[1], vals[2], vals[3]

	if !(west >= -180 && west <= 180 && east >= -180 && east <= 180) {
		return Region{}, errors.New("longitude must be in [-180,180]")
	}
	if !(south >= -90 && south <= 90 && north >= -90 && north <= 90) {
		return Region{}, errors.New("latitude must be in [-90,90]")
	}
	if east <= west || north <= south {
		return Region{}, errors.New("coordinates must satisfy east>west and north>south")
	}

	return Region{West: west, South: south, East: east, North: north, Zoom: zoom, At: at}, nil
}
