package db

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestHaversine(t *testing.T) {
	warsaw := Point{Latitude: 52.2297, Longitude: 21.0122}
	krakow := Point{Latitude: 50.0647, Longitude: 19.9450}

	distance := Haversine(warsaw, krakow)
	// Roughly 252 km between the two city centers.
	assert.Assert(t, distance > 251_000 && distance < 254_000, "got %f", distance)

	assert.Equal(t, Haversine(warsaw, warsaw), 0.0)
}

func TestPathDistance(t *testing.T) {
	a := Point{Latitude: 52.2297, Longitude: 21.0122}
	b := Point{Latitude: 52.2307, Longitude: 21.0122}
	c := Point{Latitude: 52.2317, Longitude: 21.0122}

	assert.Equal(t, PathDistance(nil), int64(0))
	assert.Equal(t, PathDistance([]Point{a}), int64(0))

	ab := PathDistance([]Point{a, b})
	abc := PathDistance([]Point{a, b, c})
	// 0.001 degrees of latitude is about 111 m.
	assert.Assert(t, ab > 100 && ab < 125, "got %d", ab)
	assert.Assert(t, abc >= 2*ab-1 && abc <= 2*ab+1, "got %d vs %d", abc, ab)
}
