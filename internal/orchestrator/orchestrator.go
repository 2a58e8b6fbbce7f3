// Package orchestrator ties the route store, the location sampler, the
// route calculator and the geocoder into one consistent view. It is the
// only component the outer layers talk to while a trip is running.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vantrack/internal/geocode"
	"vantrack/internal/location"
	"vantrack/internal/logging"
	"vantrack/internal/metrics"
	"vantrack/internal/notify"
	"vantrack/internal/routecalc"
	"vantrack/internal/routestore"
	"vantrack/internal/trip"
)

var (
	ErrNoActiveRoute   = errors.New("orchestrator: no active route")
	ErrInvalidState    = errors.New("orchestrator: invalid rider state")
	ErrUnknownStudent  = errors.New("orchestrator: unknown student")
	ErrStateNotForward = errors.New("orchestrator: rider state transition not forward")
)

// Publisher pushes snapshots to interested parties outside the process.
type Publisher interface {
	PublishSnapshot(routeID string, snapshot any) error
}

// Snapshot is the merged view delivered to subscribers: the canonical
// route record plus the derived geometry and sampling stats. Subscribers
// must treat it as read-only.
type Snapshot struct {
	Route       *trip.ActiveRoute          `json:"route"`
	Calculated  *routecalc.CalculatedRoute `json:"calculated,omitempty"`
	Stats       location.Stats             `json:"stats"`
	RefreshedAt time.Time                  `json:"refreshedAt"`
}

type Listener func(*Snapshot)

type Config struct {
	Store      *routestore.Store
	Sampler    *location.Sampler
	Calculator *routecalc.Calculator
	Geocoder   geocode.Geocoder
	Publisher  Publisher
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Metrics    *metrics.Collector

	SchoolName    string
	SchoolAddress string

	RefreshInterval time.Duration // periodic snapshot refresh, default 30s

	Now func() time.Time
}

type Orchestrator struct {
	store      *routestore.Store
	sampler    *location.Sampler
	calculator *routecalc.Calculator
	geocoder   geocode.Geocoder
	publisher  Publisher
	notifier   notify.Notifier
	logger     *slog.Logger
	metrics    *metrics.Collector

	schoolName    string
	schoolAddress string
	refreshEvery  time.Duration
	now           func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	current *routecalc.CalculatedRoute
	last    *Snapshot

	deliverMu sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func New(cfg Config) *Orchestrator {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	return &Orchestrator{
		store:         cfg.Store,
		sampler:       cfg.Sampler,
		calculator:    cfg.Calculator,
		geocoder:      cfg.Geocoder,
		publisher:     cfg.Publisher,
		notifier:      cfg.Notifier,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		schoolName:    cfg.SchoolName,
		schoolAddress: cfg.SchoolAddress,
		refreshEvery:  cfg.RefreshInterval,
		now:           cfg.Now,
		listeners:     make(map[int]Listener),
	}
}

// StartDataCapture starts location sampling for the active route, resolves
// the initial snapshot with a first calculator pass and begins the periodic
// refresh loop. Fails when no active route exists. Calling it again while
// running is a no-op.
func (o *Orchestrator) StartDataCapture(ctx context.Context) error {
	route := o.store.ActiveRoute(ctx)
	if route == nil {
		return ErrNoActiveRoute
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	onSample := func(loc trip.RouteLocation) { o.handleSample(runCtx, loc) }
	onError := func(err error) {
		logging.LogError(o.logger, "location acquisition error", err)
	}
	if err := o.sampler.StartTracking(runCtx, onSample, onError); err != nil {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
		cancel()
		return err
	}

	// tracking first so the initial fix feeds the capture pass
	if fresh := o.store.ActiveRoute(ctx); fresh != nil {
		route = fresh
	}
	o.refresh(ctx, route)

	o.wg.Add(1)
	go o.refreshLoop(runCtx)

	logging.LogOperation(o.logger, "data capture started",
		slog.String("route_id", route.ID),
		slog.String("direction", string(route.Direction)),
	)
	return nil
}

// StopDataCapture stops sampling and the refresh loop. Idempotent; no
// refresh fires after it returns.
func (o *Orchestrator) StopDataCapture() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	o.sampler.StopTracking()
	o.wg.Wait()

	logging.LogOperation(o.logger, "data capture stopped")
}

// ForceUpdate re-runs the snapshot capture path synchronously and returns
// the result. Unlike the periodic loop it reports the absence of a route.
func (o *Orchestrator) ForceUpdate(ctx context.Context) (*Snapshot, error) {
	route := o.store.ActiveRoute(ctx)
	if route == nil {
		return nil, ErrNoActiveRoute
	}
	return o.refresh(ctx, route), nil
}

// Subscribe registers a listener and synchronously replays the most recent
// snapshot (nil when none was captured yet). Returns the unsubscribe func.
func (o *Orchestrator) Subscribe(cb Listener) func() {
	// the replay snapshot is read under deliverMu so a concurrent
	// publish cannot land a newer snapshot between capture and replay
	o.deliverMu.Lock()
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	last := o.last
	o.mu.Unlock()
	o.listeners[id] = cb
	cb(last)
	o.deliverMu.Unlock()

	return func() {
		o.deliverMu.Lock()
		delete(o.listeners, id)
		o.deliverMu.Unlock()
	}
}

// AdvanceRiderState applies a viewer-vocabulary transition to a student.
// van_arrived does not change the stored pickup status; it only emits the
// driver-arrived event. Every other state maps down to the coarse status
// and goes through the store's forward-only transition check.
func (o *Orchestrator) AdvanceRiderState(ctx context.Context, studentID string, state trip.RiderState) error {
	if !state.Valid() {
		return ErrInvalidState
	}
	route := o.store.ActiveRoute(ctx)
	if route == nil {
		return ErrNoActiveRoute
	}
	var student *trip.StudentPickup
	for i := range route.Students {
		if route.Students[i].StudentID == studentID {
			student = &route.Students[i]
			break
		}
	}
	if student == nil {
		return ErrUnknownStudent
	}

	currentState, _ := trip.RiderStateFor(student.Status, route.Direction)
	if !currentState.CanAdvanceTo(state) {
		return ErrStateNotForward
	}

	if state == trip.RiderVanArrived {
		o.notifier.Notify(ctx, notify.Event{
			Kind:        notify.DriverArrived,
			RouteID:     route.ID,
			StudentID:   student.StudentID,
			StudentName: student.StudentName,
			At:          o.now(),
		})
		return nil
	}

	status, ok := trip.PickupStatusFor(state)
	if !ok {
		return ErrInvalidState
	}
	o.store.UpdateStudentStatus(ctx, studentID, status)
	return nil
}

// handleSample is the per-accepted-sample path: forward to the store,
// apply the time-debounced recalculation policy, republish.
func (o *Orchestrator) handleSample(ctx context.Context, loc trip.RouteLocation) {
	o.store.UpdateDriverLocation(ctx, loc)

	route := o.store.ActiveRoute(ctx)
	if route == nil {
		return
	}

	o.mu.Lock()
	current := o.current
	o.mu.Unlock()

	if current != nil && o.calculator.ShouldRecalculate() {
		driver := routecalc.Waypoint{
			ID:   route.DriverID,
			Name: route.DriverName,
			Lat:  loc.Lat,
			Lng:  loc.Lng,
			Role: routecalc.RoleDriver,
		}
		if next := o.calculator.Recalculate(current, driver, route.Direction); next != nil {
			o.mu.Lock()
			o.current = next
			o.mu.Unlock()
		}
	}

	o.publishSnapshot(route)
}

func (o *Orchestrator) refreshLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			route := o.store.ActiveRoute(ctx)
			if route == nil {
				continue
			}
			o.refresh(ctx, route)
		}
	}
}

// refresh re-derives the full snapshot: geocoded student and school
// waypoints, the driver's position, a fresh calculator pass, and a
// publish. An address that fails to geocode drops its waypoint only.
func (o *Orchestrator) refresh(ctx context.Context, route *trip.ActiveRoute) *Snapshot {
	driver := o.driverWaypoint(route)
	students := o.studentWaypoints(ctx, route)
	school := o.schoolWaypoint(ctx)

	if calculated := o.calculator.CalculateRoute(driver, students, school, route.Direction); calculated != nil {
		o.mu.Lock()
		o.current = calculated
		o.mu.Unlock()
	}

	if o.metrics != nil {
		o.metrics.SnapshotRefresh.Inc()
	}
	return o.publishSnapshot(route)
}

func (o *Orchestrator) driverWaypoint(route *trip.ActiveRoute) *routecalc.Waypoint {
	loc := route.CurrentLocation
	if known := o.sampler.LastKnown(); known != nil {
		loc = known
	}
	if loc == nil {
		return nil
	}
	return &routecalc.Waypoint{
		ID:   route.DriverID,
		Name: route.DriverName,
		Lat:  loc.Lat,
		Lng:  loc.Lng,
		Role: routecalc.RoleDriver,
	}
}

func (o *Orchestrator) studentWaypoints(ctx context.Context, route *trip.ActiveRoute) []routecalc.Waypoint {
	role := routecalc.RolePickup
	if route.Direction == trip.DirectionToHome {
		role = routecalc.RoleDropoff
	}
	waypoints := make([]routecalc.Waypoint, 0, len(route.Students))
	for _, st := range route.Students {
		if st.Status == trip.StatusDroppedOff {
			continue
		}
		if route.Direction == trip.DirectionToSchool && st.Status == trip.StatusPickedUp {
			continue
		}
		lng, lat, ok := o.resolve(ctx, st.Lng, st.Lat, st.Address)
		if !ok {
			continue
		}
		waypoints = append(waypoints, routecalc.Waypoint{
			ID:      st.StudentID,
			Name:    st.StudentName,
			Address: st.Address,
			Lat:     lat,
			Lng:     lng,
			Role:    role,
		})
	}
	return waypoints
}

func (o *Orchestrator) schoolWaypoint(ctx context.Context) *routecalc.Waypoint {
	if o.schoolAddress == "" {
		return nil
	}
	lng, lat, ok := o.resolve(ctx, nil, nil, o.schoolAddress)
	if !ok {
		return nil
	}
	return &routecalc.Waypoint{
		ID:      "school",
		Name:    o.schoolName,
		Address: o.schoolAddress,
		Lat:     lat,
		Lng:     lng,
		Role:    routecalc.RoleSchool,
	}
}

// resolve prefers known coordinates and falls back to the geocoder. A
// failed lookup is reported via ok=false, never as an error.
func (o *Orchestrator) resolve(ctx context.Context, lng, lat *float64, address string) (float64, float64, bool) {
	if lng != nil && lat != nil {
		return *lng, *lat, true
	}
	if o.geocoder == nil || address == "" {
		return 0, 0, false
	}
	gLng, gLat, ok := o.geocoder.Geocode(ctx, address)
	if !ok {
		if o.metrics != nil {
			o.metrics.GeocodeFailures.Inc()
		}
		if o.logger != nil {
			o.logger.Debug("geocode miss, waypoint dropped", slog.String("address", address))
		}
		return 0, 0, false
	}
	return gLng, gLat, true
}

func (o *Orchestrator) publishSnapshot(route *trip.ActiveRoute) *Snapshot {
	o.mu.Lock()
	snap := &Snapshot{
		Route:       route,
		Calculated:  o.current,
		Stats:       o.sampler.Stats(),
		RefreshedAt: o.now(),
	}
	o.last = snap
	o.mu.Unlock()

	if o.publisher != nil && route != nil {
		if err := o.publisher.PublishSnapshot(route.ID, snap); err != nil {
			logging.LogError(o.logger, "snapshot publish failed", err,
				slog.String("route_id", route.ID))
		}
	}

	o.deliverMu.Lock()
	for _, cb := range o.listeners {
		cb(snap)
	}
	o.deliverMu.Unlock()
	return snap
}
