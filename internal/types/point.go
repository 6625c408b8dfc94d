// README: Geographic coordinate value object with range validation.
package types

import (
	"errors"
	"math"
)

var ErrCoordinateOutOfRange = errors.New("coordinate out of range")

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects NaN/Inf and anything outside [-90,90] x [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return ErrCoordinateOutOfRange
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrCoordinateOutOfRange
	}
	return nil
}

func (p Point) Equal(o Point) bool {
	return p.Lat == o.Lat && p.Lng == o.Lng
}

// SamePoint compares two optional points.
func SamePoint(a, b *Point) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
