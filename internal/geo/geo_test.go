package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineSymmetry(t *testing.T) {
	pairs := [][4]float64{
		{41.3851, 2.1734, 41.4036, 2.1744},
		{-23.5505, -46.6333, -23.5629, -46.6544},
		{0, 0, 0, 1},
		{89.9, 179.9, -89.9, -179.9},
	}
	for _, p := range pairs {
		ab := Haversine(p[0], p[1], p[2], p[3])
		ba := Haversine(p[2], p[3], p[0], p[1])
		assert.InDelta(t, ab, ba, 1e-9)
	}
}

func TestHaversineZeroForSamePoint(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(41.3851, 2.1734, 41.3851, 2.1734))
}

func TestHaversineKnownDistance(t *testing.T) {
	// Sagrada Familia to Camp Nou is roughly 5.6 km.
	d := Haversine(41.4036, 2.1744, 41.3809, 2.1228)
	assert.InDelta(t, 5000, d, 1500)
}

func TestBearingRange(t *testing.T) {
	b := Bearing(41.3851, 2.1734, 41.4036, 2.1744)
	assert.GreaterOrEqual(t, b, 0.0)
	assert.Less(t, b, 360.0)

	// due east from the equator
	assert.InDelta(t, 90, Bearing(0, 0, 0, 1), 0.5)
}

func TestValidCoordinates(t *testing.T) {
	testCases := []struct {
		name  string
		lat   float64
		lon   float64
		valid bool
	}{
		{"origin", 0, 0, true},
		{"barcelona", 41.3851, 2.1734, true},
		{"lat too high", 90.1, 0, false},
		{"lat too low", -90.1, 0, false},
		{"lon too high", 0, 180.1, false},
		{"lon too low", 0, -180.1, false},
		{"nan lat", math.NaN(), 0, false},
		{"inf lon", 0, math.Inf(1), false},
		{"bounds", 90, -180, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidCoordinates(tc.lat, tc.lon))
		})
	}
}
