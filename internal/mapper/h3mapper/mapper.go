// Package h3mapper maps points and bounding boxes to H3 cells for the shared
// region store's geographic index.
package h3mapper

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"
)

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("h3 resolution out of range: %d", res)
	}
	return nil
}

// CellForPoint returns the H3 cell containing a lat/lng at the given
// resolution.
func CellForPoint(lat, lng float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		return "", fmt.Errorf("latlng to cell: %w", err)
	}
	return cell.String(), nil
}

// CellsForBBox polyfills a west/south/east/north box (EPSG:4326 degrees) at
// the given resolution. The box's corner cells are always included, so small
// boxes that polyfill to nothing still map somewhere.
func CellsForBBox(west, south, east, north float64, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	outer := h3.GeoLoop{
		{Lat: south, Lng: west},
		{Lat: south, Lng: east},
		{Lat: north, Lng: east},
		{Lat: north, Lng: west},
	}
	poly := h3.GeoPolygon{GeoLoop: outer}
	cells, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("polygon to cells: %w", err)
	}

	seen := make(map[h3.Cell]struct{}, len(cells)+4)
	for _, c := range cells {
		seen[c] = struct{}{}
	}
	for _, ll := range outer {
		c, err := h3.LatLngToCell(h3.LatLng{Lat: ll.Lat, Lng: ll.Lng}, res)
		if err != nil {
			return nil, fmt.Errorf("corner cell: %w", err)
		}
		seen[c] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c.String())
	}
	return out, nil
}
