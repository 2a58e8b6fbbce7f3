package trip

import "time"

// Direction of a school-transport trip.
type Direction string

const (
	DirectionToSchool Direction = "to_school"
	DirectionToHome   Direction = "to_home"
)

func (d Direction) Valid() bool {
	return d == DirectionToSchool || d == DirectionToHome
}

// PickupStatus is the coarse per-student trip status. Transitions are
// forward-only: pending -> picked_up -> dropped_off.
type PickupStatus string

const (
	StatusPending    PickupStatus = "pending"
	StatusPickedUp   PickupStatus = "picked_up"
	StatusDroppedOff PickupStatus = "dropped_off"
)

var statusRank = map[PickupStatus]int{
	StatusPending:    0,
	StatusPickedUp:   1,
	StatusDroppedOff: 2,
}

func (s PickupStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the status
// sequence non-decreasing.
func (s PickupStatus) CanAdvanceTo(next PickupStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// RouteLocation is a filtered, accepted device position.
type RouteLocation struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy"` // meters
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

// VehiclePosition is a raw sampled position kept for stats only.
type VehiclePosition struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	SpeedMps  float64   `json:"speedMps"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentPickup tracks one student on the active route.
type StudentPickup struct {
	StudentID   string       `json:"studentId"`
	StudentName string       `json:"studentName"`
	Address     string       `json:"address"`
	Lat         *float64     `json:"lat,omitempty"`
	Lng         *float64     `json:"lng,omitempty"`
	Status      PickupStatus `json:"status"`
}

// ActiveRoute is the single live trip record.
type ActiveRoute struct {
	ID              string          `json:"id"`
	DriverID        string          `json:"driverId"`
	DriverName      string          `json:"driverName"`
	Direction       Direction       `json:"direction"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	IsActive        bool            `json:"isActive"`
	CurrentLocation *RouteLocation  `json:"currentLocation,omitempty"`
	Students        []StudentPickup `json:"students"`
}

// Clone returns a deep copy. Subscribers and callers only ever hold
// disposable copies of the canonical record.
func (r *ActiveRoute) Clone() *ActiveRoute {
	if r == nil {
		return nil
	}
	out := *r
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.CurrentLocation != nil {
		loc := *r.CurrentLocation
		if r.CurrentLocation.Speed != nil {
			v := *r.CurrentLocation.Speed
			loc.Speed = &v
		}
		if r.CurrentLocation.Heading != nil {
			v := *r.CurrentLocation.Heading
			loc.Heading = &v
		}
		out.CurrentLocation = &loc
	}
	out.Students = make([]StudentPickup, len(r.Students))
	for i, s := range r.Students {
		cp := s
		if s.Lat != nil {
			v := *s.Lat
			cp.Lat = &v
		}
		if s.Lng != nil {
			v := *s.Lng
			cp.Lng = &v
		}
		out.Students[i] = cp
	}
	return &out
}
