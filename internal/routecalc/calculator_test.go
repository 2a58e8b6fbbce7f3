package routecalc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vantrack/internal/geo"
	"vantrack/internal/trip"
)

type calcClock struct {
	mu  sync.Mutex
	now time.Time
}

func newCalcClock() *calcClock {
	return &calcClock{now: time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)}
}

func (c *calcClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *calcClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testWaypoints() (driver Waypoint, students []Waypoint, school Waypoint) {
	driver = Waypoint{ID: "driver", Name: "Ana", Lat: 41.3800, Lng: 2.1700, Role: RoleDriver}
	students = []Waypoint{
		{ID: "s1", Name: "Bia", Address: "Rua X", Lat: 41.3850, Lng: 2.1750, Role: RolePickup},
		{ID: "s2", Name: "Caio", Address: "Rua Y", Lat: 41.3900, Lng: 2.1800, Role: RolePickup},
	}
	school = Waypoint{ID: "school", Name: "Escola", Lat: 41.3950, Lng: 2.1850, Role: RoleSchool}
	return
}

func TestCalculateRouteToSchoolOrdering(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver, students, school := testWaypoints()

	route := c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool)
	require.NotNil(t, route)

	ids := make([]string, len(route.Waypoints))
	for i, w := range route.Waypoints {
		ids[i] = w.ID
	}
	assert.Equal(t, []string{"driver", "s1", "s2", "school"}, ids)
	assert.Len(t, route.Legs, 3)
	assert.Len(t, route.Coordinates, 4)
	// coordinates are [lng, lat]
	assert.Equal(t, [2]float64{2.1700, 41.3800}, route.Coordinates[0])
}

func TestCalculateRouteToHomeOrdering(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver, students, school := testWaypoints()
	students[0].Role = RoleDropoff
	students[1].Role = RoleDropoff

	route := c.CalculateRoute(&driver, students, &school, trip.DirectionToHome)
	require.NotNil(t, route)

	ids := make([]string, len(route.Waypoints))
	for i, w := range route.Waypoints {
		ids[i] = w.ID
	}
	assert.Equal(t, []string{"school", "s1", "s2"}, ids)
}

func TestCalculateRouteInsufficientWaypoints(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver, _, school := testWaypoints()

	assert.Nil(t, c.CalculateRoute(nil, nil, nil, trip.DirectionToSchool))
	assert.Nil(t, c.CalculateRoute(&driver, nil, nil, trip.DirectionToSchool))
	assert.Nil(t, c.CalculateRoute(nil, nil, &school, trip.DirectionToHome))
}

func TestDistanceAndDurationModel(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver, students, school := testWaypoints()

	route := c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool)
	require.NotNil(t, route)

	wantDist := geo.Haversine(41.3800, 2.1700, 41.3850, 2.1750) +
		geo.Haversine(41.3850, 2.1750, 41.3900, 2.1800) +
		geo.Haversine(41.3900, 2.1800, 41.3950, 2.1850)
	assert.InDelta(t, wantDist, route.DistanceMeters, 0.01)

	// 30 km/h urban average
	assert.InDelta(t, wantDist/(30.0/3.6), route.DurationSeconds, 0.01)

	var legSum float64
	for _, leg := range route.Legs {
		legSum += leg.DistanceMeters
	}
	assert.InDelta(t, route.DistanceMeters, legSum, 0.01)
}

func TestCalculateRouteCaches(t *testing.T) {
	clock := newCalcClock()
	c := New(Config{Now: clock.Now})
	driver, students, school := testWaypoints()

	first := c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool)
	require.NotNil(t, first)

	clock.Advance(time.Minute)
	second := c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool)
	require.NotNil(t, second)

	// unchanged input: the cached snapshot comes back, not a fresh computation
	assert.Equal(t, first.CalculatedAt, second.CalculatedAt)

	// moving the driver produces a new computation
	moved := driver
	moved.Lat += 0.01
	third := c.CalculateRoute(&moved, students, &school, trip.DirectionToSchool)
	require.NotNil(t, third)
	assert.NotEqual(t, first.CalculatedAt, third.CalculatedAt)
}

func TestCacheBounded(t *testing.T) {
	c := New(Config{CacheCapacity: 5, Now: newCalcClock().Now})
	_, students, school := testWaypoints()

	for i := 0; i < 20; i++ {
		driver := Waypoint{ID: "driver", Lat: 41.38 + float64(i)*0.001, Lng: 2.17, Role: RoleDriver}
		require.NotNil(t, c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool))
	}
	assert.Equal(t, 5, c.cache.len())
}

func TestRecalculateReplacesDriverWaypoint(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver, students, school := testWaypoints()

	route := c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool)
	require.NotNil(t, route)

	newDriver := Waypoint{ID: "driver", Lat: 41.3860, Lng: 2.1760}
	recalced := c.Recalculate(route, newDriver, trip.DirectionToSchool)
	require.NotNil(t, recalced)
	assert.Equal(t, 41.3860, recalced.Waypoints[0].Lat)
	assert.Equal(t, RoleDriver, recalced.Waypoints[0].Role)
	assert.Equal(t, "s1", recalced.Waypoints[1].ID)

	// the previous snapshot is never mutated
	assert.Equal(t, 41.3800, route.Waypoints[0].Lat)
}

func TestRecalculateGeometricallyComplete(t *testing.T) {
	c := New(Config{Now: newCalcClock().Now})
	driver := Waypoint{ID: "driver", Lat: 41.38, Lng: 2.17}

	assert.Nil(t, c.Recalculate(nil, driver, trip.DirectionToSchool))

	oneLeft := &CalculatedRoute{Waypoints: []Waypoint{{ID: "school"}}}
	assert.Nil(t, c.Recalculate(oneLeft, driver, trip.DirectionToSchool))
}

func TestShouldRecalculateTimeDebounced(t *testing.T) {
	clock := newCalcClock()
	c := New(Config{RecalcInterval: 5 * time.Minute, Now: clock.Now})
	driver, students, school := testWaypoints()

	// never calculated: due immediately
	assert.True(t, c.ShouldRecalculate())

	require.NotNil(t, c.CalculateRoute(&driver, students, &school, trip.DirectionToSchool))

	// a burst of location updates inside the window triggers nothing
	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Second)
		assert.False(t, c.ShouldRecalculate())
	}

	clock.Advance(5 * time.Minute)
	assert.True(t, c.ShouldRecalculate())
}

func TestCacheKeyDistinguishesOrderAndDirection(t *testing.T) {
	a := Waypoint{ID: "a", Lat: 1, Lng: 1}
	b := Waypoint{ID: "b", Lat: 2, Lng: 2}

	k1 := cacheKey([]Waypoint{a, b}, trip.DirectionToSchool, 30)
	k2 := cacheKey([]Waypoint{b, a}, trip.DirectionToSchool, 30)
	k3 := cacheKey([]Waypoint{a, b}, trip.DirectionToHome, 30)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	for i, k := range []string{k1, k2, k3} {
		assert.NotEmpty(t, k, fmt.Sprintf("key %d", i))
	}
}
