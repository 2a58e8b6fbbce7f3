// Package routecalc assembles ordered waypoints and estimates route
// geometry. The distance model is a declared approximation: pairwise
// great-circle legs at a fixed urban average speed, not a traffic-aware
// estimate.
package routecalc

import (
	"log/slog"
	"sync"
	"time"

	"vantrack/internal/geo"
	"vantrack/internal/metrics"
	"vantrack/internal/trip"
)

const defaultAverageSpeedKmh = 30.0

type Role string

const (
	RoleDriver  Role = "driver"
	RolePickup  Role = "pickup"
	RoleDropoff Role = "dropoff"
	RoleSchool  Role = "school"
)

// Waypoint is one geocoded stop.
type Waypoint struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Role    Role    `json:"role"`
}

// Leg is the straight-line segment between two consecutive waypoints.
type Leg struct {
	FromID          string  `json:"fromId"`
	ToID            string  `json:"toId"`
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// CalculatedRoute is an immutable result snapshot.
type CalculatedRoute struct {
	Waypoints       []Waypoint   `json:"waypoints"`
	Coordinates     [][2]float64 `json:"coordinates"` // [lng, lat] pairs
	DistanceMeters  float64      `json:"distanceMeters"`
	DurationSeconds float64      `json:"durationSeconds"`
	Legs            []Leg        `json:"legs"`
	CalculatedAt    time.Time    `json:"calculatedAt"`
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector

	AverageSpeedKmh float64       // duration model speed
	CacheCapacity   int           // bounded result cache
	RecalcInterval  time.Duration // time-debounced recalculation policy

	Now func() time.Time
}

type Calculator struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	averageSpeedKmh float64
	recalcInterval  time.Duration
	now             func() time.Time

	mu         sync.Mutex
	cache      *lruCache
	lastCalcAt time.Time
}

func New(cfg Config) *Calculator {
	if cfg.AverageSpeedKmh <= 0 {
		cfg.AverageSpeedKmh = defaultAverageSpeedKmh
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 50
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Calculator{
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		averageSpeedKmh: cfg.AverageSpeedKmh,
		recalcInterval:  cfg.RecalcInterval,
		now:             cfg.Now,
		cache:           newLRUCache(cfg.CacheCapacity),
	}
}

// CalculateRoute builds the direction-dependent waypoint sequence and its
// geometry. Ordering is fixed, never optimized:
//
//	to_school: driver -> each pending student, in supplied order -> school
//	to_home:   school -> each student to drop, in supplied order
//
// Returns nil when fewer than 2 waypoints resolve.
func (c *Calculator) CalculateRoute(driver *Waypoint, students []Waypoint, school *Waypoint, direction trip.Direction) *CalculatedRoute {
	var ordered []Waypoint
	switch direction {
	case trip.DirectionToHome:
		if school != nil {
			ordered = append(ordered, *school)
		}
		ordered = append(ordered, students...)
	default:
		if driver != nil {
			ordered = append(ordered, *driver)
		}
		ordered = append(ordered, students...)
		if school != nil {
			ordered = append(ordered, *school)
		}
	}
	return c.compute(ordered, direction)
}

// Recalculate replaces the first waypoint with the new driver position and
// recomputes over the remaining, unvisited waypoints. Returns nil once
// fewer than 2 waypoints remain: the trip is geometrically complete.
func (c *Calculator) Recalculate(current *CalculatedRoute, driver Waypoint, direction trip.Direction) *CalculatedRoute {
	if current == nil || len(current.Waypoints) < 2 {
		return nil
	}
	ordered := make([]Waypoint, len(current.Waypoints))
	copy(ordered, current.Waypoints)
	driver.Role = RoleDriver
	ordered[0] = driver
	return c.compute(ordered, direction)
}

// ShouldRecalculate implements the time-debounced trigger policy: a route
// is recomputed when the recalc interval elapsed since the last
// calculation, not on every location event.
func (c *Calculator) ShouldRecalculate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCalcAt.IsZero() {
		return true
	}
	return c.now().Sub(c.lastCalcAt) >= c.recalcInterval
}

func (c *Calculator) compute(ordered []Waypoint, direction trip.Direction) *CalculatedRoute {
	if len(ordered) < 2 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(ordered, direction, c.averageSpeedKmh)
	if cached, ok := c.cache.get(key); ok {
		c.lastCalcAt = c.now()
		return cached
	}

	start := time.Now()
	legs := make([]Leg, 0, len(ordered)-1)
	coords := make([][2]float64, 0, len(ordered))
	coords = append(coords, [2]float64{ordered[0].Lng, ordered[0].Lat})
	var totalDist float64
	for i := 1; i < len(ordered); i++ {
		a, b := ordered[i-1], ordered[i]
		d := geo.Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
		legs = append(legs, Leg{
			FromID:          a.ID,
			ToID:            b.ID,
			DistanceMeters:  d,
			DurationSeconds: c.durationSeconds(d),
		})
		totalDist += d
		coords = append(coords, [2]float64{b.Lng, b.Lat})
	}

	route := &CalculatedRoute{
		Waypoints:       ordered,
		Coordinates:     coords,
		DistanceMeters:  totalDist,
		DurationSeconds: c.durationSeconds(totalDist),
		Legs:            legs,
		CalculatedAt:    c.now(),
	}
	c.cache.put(key, route)
	c.lastCalcAt = c.now()

	if c.metrics != nil {
		c.metrics.Recalculations.Inc()
		c.metrics.CalcDuration.Observe(time.Since(start).Seconds())
	}
	if c.logger != nil {
		c.logger.Debug("route calculated",
			slog.Int("waypoints", len(ordered)),
			slog.Float64("distance_m", totalDist),
		)
	}
	return route
}

func (c *Calculator) durationSeconds(distanceMeters float64) float64 {
	return distanceMeters / (c.averageSpeedKmh / 3.6)
}
