package trip

// RiderState is the finer five-state vocabulary used by viewer UIs:
// waiting -> van_arrived -> embarked -> at_school -> disembarked.
// It is a presentation refinement of PickupStatus; the two vocabularies
// are reconciled through the fixed tables below, never by inference.
type RiderState string

const (
	RiderWaiting     RiderState = "waiting"
	RiderVanArrived  RiderState = "van_arrived"
	RiderEmbarked    RiderState = "embarked"
	RiderAtSchool    RiderState = "at_school"
	RiderDisembarked RiderState = "disembarked"
)

var riderRank = map[RiderState]int{
	RiderWaiting:     0,
	RiderVanArrived:  1,
	RiderEmbarked:    2,
	RiderAtSchool:    3,
	RiderDisembarked: 4,
}

func (s RiderState) Valid() bool {
	_, ok := riderRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next goes forward.
func (s RiderState) CanAdvanceTo(next RiderState) bool {
	cur, ok := riderRank[s]
	if !ok {
		return false
	}
	nxt, ok := riderRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

var riderToStatus = map[RiderState]PickupStatus{
	RiderWaiting:     StatusPending,
	RiderVanArrived:  StatusPending,
	RiderEmbarked:    StatusPickedUp,
	RiderAtSchool:    StatusDroppedOff,
	RiderDisembarked: StatusDroppedOff,
}

// PickupStatusFor maps a rider state down to the coarse trip status.
func PickupStatusFor(state RiderState) (PickupStatus, bool) {
	s, ok := riderToStatus[state]
	return s, ok
}

// RiderStateFor maps a coarse trip status up to the rider state shown to
// viewers. The terminal state depends on trip direction: dropped_off means
// at_school when heading to school and disembarked when heading home.
func RiderStateFor(status PickupStatus, direction Direction) (RiderState, bool) {
	switch status {
	case StatusPending:
		return RiderWaiting, true
	case StatusPickedUp:
		return RiderEmbarked, true
	case StatusDroppedOff:
		if direction == DirectionToHome {
			return RiderDisembarked, true
		}
		return RiderAtSchool, true
	}
	return "", false
}
