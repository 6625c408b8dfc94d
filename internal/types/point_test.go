package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Point
		ok   bool
	}{
		{"origin", Point{0, 0}, true},
		{"bengaluru", Point{12.9716, 77.5946}, true},
		{"poles and antimeridian", Point{-90, 180}, true},
		{"lat too high", Point{90.0001, 0}, false},
		{"lng too low", Point{0, -180.5}, false},
		{"nan", Point{math.NaN(), 10}, false},
		{"inf", Point{10, math.Inf(1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCoordinateOutOfRange)
			}
		})
	}
}

func TestSamePoint(t *testing.T) {
	a := &Point{Lat: 1, Lng: 2}
	b := &Point{Lat: 1, Lng: 2}
	assert.True(t, SamePoint(a, b))
	assert.True(t, SamePoint(nil, nil))
	assert.False(t, SamePoint(a, nil))
	assert.False(t, SamePoint(a, &Point{Lat: 1, Lng: 3}))
}
