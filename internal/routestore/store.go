// Package routestore owns the single persisted active-route record. The
// persisted record is last-writer-wins by design: there is always at most
// one active route, so every mutation coalesces into one in-memory record
// mutation followed by exactly one persist per logical event.
package routestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vantrack/internal/history"
	"vantrack/internal/logging"
	"vantrack/internal/metrics"
	"vantrack/internal/notify"
	"vantrack/internal/storage"
	"vantrack/internal/trip"
)

var ErrInvalidDirection = errors.New("invalid trip direction")

// Listener receives the current route (or nil once the route ends).
// Listeners never mutate what they receive; each call gets its own copy.
type Listener func(route *trip.ActiveRoute)

type Config struct {
	Storage  storage.Storage
	History  history.Sink
	Notifier notify.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Collector

	DebounceWindow   time.Duration // repeated StartRoute calls inside this window are absorbed
	StaleAfter       time.Duration // persisted records older than this are purged
	LivenessInterval time.Duration // how often the persisted record is re-stamped

	Now func() time.Time
}

type Store struct {
	storage  storage.Storage
	history  history.Sink
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Collector

	debounce         time.Duration
	staleAfter       time.Duration
	livenessInterval time.Duration
	now              func() time.Time

	mu          sync.Mutex
	current     *trip.ActiveRoute
	lastStartAt time.Time

	listeners  map[int]Listener
	nextListID int
	// deliverMu serializes listener delivery so the synchronous replay on
	// subscribe always lands before any subsequent event.
	deliverMu sync.Mutex

	livenessCancel context.CancelFunc
	livenessWG     sync.WaitGroup
}

func New(cfg Config) *Store {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	return &Store{
		storage:          cfg.Storage,
		history:          cfg.History,
		notifier:         cfg.Notifier,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		debounce:         cfg.DebounceWindow,
		staleAfter:       cfg.StaleAfter,
		livenessInterval: cfg.LivenessInterval,
		now:              cfg.Now,
		listeners:        make(map[int]Listener),
	}
}

// StartRoute creates the active route. A repeated call inside the debounce
// window returns the existing record without touching storage. Otherwise
// any prior record is cleared unconditionally, even if still marked active.
func (s *Store) StartRoute(ctx context.Context, driverID, driverName string, direction trip.Direction, students []trip.StudentPickup) (*trip.ActiveRoute, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	s.mu.Lock()
	now := s.now()
	if s.current != nil && now.Sub(s.lastStartAt) < s.debounce {
		existing := s.current.Clone()
		s.mu.Unlock()
		logging.LogOperation(s.logger, "start debounced", slog.String("route_id", existing.ID))
		return existing, nil
	}

	route := &trip.ActiveRoute{
		ID:         newRouteID(now),
		DriverID:   driverID,
		DriverName: driverName,
		Direction:  direction,
		StartTime:  now,
		IsActive:   true,
		Students:   make([]trip.StudentPickup, len(students)),
	}
	for i, st := range students {
		if !st.Status.Valid() {
			st.Status = trip.StatusPending
		}
		route.Students[i] = st
	}

	s.current = route
	s.lastStartAt = now
	s.persistLocked(ctx)
	if err := s.storage.Set(ctx, storage.KeyTrackingLive, []byte("true")); err != nil {
		logging.LogError(s.logger, "persist liveness marker", err)
	}
	s.startLivenessLocked()
	clone := route.Clone()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RoutesStarted.Inc()
		s.metrics.ActiveRoute.Set(1)
	}
	logging.LogOperation(s.logger, "route started",
		slog.String("route_id", route.ID),
		slog.String("driver_id", driverID),
		slog.String("direction", string(direction)),
		slog.Int("students", len(route.Students)),
	)
	s.notifyAll(clone)
	return route.Clone(), nil
}

// EndRoute terminates the active route. Returns false when no valid active
// record exists. This is the only normal-operation path that ends a trip.
func (s *Store) EndRoute(ctx context.Context) bool {
	s.mu.Lock()
	route := s.validateLocked(ctx)
	if route == nil {
		s.mu.Unlock()
		return false
	}

	now := s.now()
	route.IsActive = false
	route.EndTime = &now
	s.persistLocked(ctx) // terminal state, persisted once

	s.appendHistoryLocked(ctx, route)
	s.evictLocked(ctx)
	s.stopLivenessLocked()
	s.current = nil
	s.lastStartAt = time.Time{}
	s.mu.Unlock()
	s.livenessWG.Wait()

	if s.metrics != nil {
		s.metrics.RoutesEnded.Inc()
		s.metrics.ActiveRoute.Set(0)
	}
	logging.LogOperation(s.logger, "route ended", slog.String("route_id", route.ID))
	s.notifyAll(nil)
	return true
}

// ForceEndRoute is operator-triggered recovery: like EndRoute but tolerant
// of a missing or already-terminal record. Storage is wiped regardless.
func (s *Store) ForceEndRoute(ctx context.Context) {
	s.mu.Lock()
	candidate := s.current
	if candidate == nil {
		if raw, ok, err := s.storage.Get(ctx, storage.KeyActiveRoute); err == nil && ok {
			var r trip.ActiveRoute
			if json.Unmarshal(raw, &r) == nil {
				candidate = &r
			}
		}
	}
	if candidate != nil {
		if candidate.IsActive {
			now := s.now()
			candidate.IsActive = false
			candidate.EndTime = &now
		}
		s.appendHistoryLocked(ctx, candidate)
	}
	s.evictLocked(ctx)
	s.stopLivenessLocked()
	s.current = nil
	s.lastStartAt = time.Time{}
	s.mu.Unlock()
	s.livenessWG.Wait()

	if s.metrics != nil {
		s.metrics.ActiveRoute.Set(0)
	}
	logging.LogOperation(s.logger, "route force-ended")
	s.notifyAll(nil)
}

// UpdateDriverLocation records an accepted location sample. No-op when no
// active record exists.
func (s *Store) UpdateDriverLocation(ctx context.Context, loc trip.RouteLocation) {
	s.mu.Lock()
	if s.current == nil || !s.current.IsActive {
		s.mu.Unlock()
		return
	}
	l := loc
	s.current.CurrentLocation = &l
	s.persistLocked(ctx)
	clone := s.current.Clone()
	s.mu.Unlock()
	s.notifyAll(clone)
}

// UpdateStudentStatus advances one student's status. Backward transitions
// and unknown students are ignored.
func (s *Store) UpdateStudentStatus(ctx context.Context, studentID string, status trip.PickupStatus) {
	s.mu.Lock()
	if s.current == nil || !s.current.IsActive {
		s.mu.Unlock()
		return
	}
	var ev *notify.Event
	for i := range s.current.Students {
		st := &s.current.Students[i]
		if st.StudentID != studentID {
			continue
		}
		if !st.Status.CanAdvanceTo(status) {
			from := st.Status
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.Debug("status transition ignored",
					slog.String("student_id", studentID),
					slog.String("from", string(from)),
					slog.String("to", string(status)),
				)
			}
			return
		}
		st.Status = status
		ev = s.transitionEventLocked(st, status)
		break
	}
	if ev == nil {
		s.mu.Unlock()
		return
	}
	s.persistLocked(ctx)
	clone := s.current.Clone()
	s.mu.Unlock()

	s.notifyAll(clone)
	s.notifier.Notify(ctx, *ev)
}

// ActiveRoute re-validates the persisted record on every call and returns
// a copy, or nil when no valid active route exists.
func (s *Store) ActiveRoute(ctx context.Context) *trip.ActiveRoute {
	s.mu.Lock()
	route := s.validateLocked(ctx)
	clone := route.Clone()
	s.mu.Unlock()
	return clone
}

// Subscribe registers a listener and synchronously replays the current
// record (or nil) before any subsequent event. The returned function
// removes the listener.
func (s *Store) Subscribe(cb Listener) func() {
	// deliverMu is taken before registration: an in-flight delivery
	// finishes first, and no delivery can slip between the replay
	// snapshot and the replay itself.
	s.deliverMu.Lock()
	s.mu.Lock()
	id := s.nextListID
	s.nextListID++
	s.listeners[id] = cb
	snapshot := s.current.Clone()
	s.mu.Unlock()
	cb(snapshot)
	s.deliverMu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// newRouteID builds an opaque, time-derived, unique trip id.
func newRouteID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("route_%d_%s", now.UnixMilli(), suffix)
}

// persistLocked writes the current record plus the diagnostic save stamp.
// Persistence failures are logged and otherwise absorbed; the in-memory
// record stays authoritative for the running process.
func (s *Store) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(s.current)
	if err != nil {
		logging.LogError(s.logger, "marshal active route", err)
		return
	}
	if err := s.storage.Set(ctx, storage.KeyActiveRoute, raw); err != nil {
		logging.LogError(s.logger, "persist active route", err)
	}
	stamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.storage.Set(ctx, storage.KeyLastSave, []byte(stamp)); err != nil {
		logging.LogError(s.logger, "persist save stamp", err)
	}
}

// validateLocked reloads the persisted record and rejects stale, corrupt,
// inactive or liveness-less state, purging storage on rejection. A
// corrupted record is treated identically to no record.
func (s *Store) validateLocked(ctx context.Context) *trip.ActiveRoute {
	raw, ok, err := s.storage.Get(ctx, storage.KeyActiveRoute)
	if err != nil {
		// Transient read failure: keep trusting the in-memory record.
		logging.LogError(s.logger, "read active route", err)
		return s.current
	}
	if !ok {
		s.current = nil
		return nil
	}

	var route trip.ActiveRoute
	if err := json.Unmarshal(raw, &route); err != nil {
		s.purgeLocked(ctx, "corrupt")
		return nil
	}
	if !route.IsActive {
		s.purgeLocked(ctx, "inactive")
		return nil
	}
	if s.now().Sub(route.StartTime) > s.staleAfter {
		s.purgeLocked(ctx, "stale")
		return nil
	}
	if _, live, err := s.storage.Get(ctx, storage.KeyTrackingLive); err == nil && !live {
		s.purgeLocked(ctx, "no_liveness")
		return nil
	}
	s.current = &route
	return s.current
}

func (s *Store) purgeLocked(ctx context.Context, reason string) {
	s.evictLocked(ctx)
	s.current = nil
	if s.metrics != nil {
		s.metrics.RoutesPurged.WithLabelValues(reason).Inc()
		s.metrics.ActiveRoute.Set(0)
	}
	logging.LogOperation(s.logger, "route purged", slog.String("reason", reason))
}

func (s *Store) evictLocked(ctx context.Context) {
	if err := s.storage.Remove(ctx, storage.KeyActiveRoute); err != nil {
		logging.LogError(s.logger, "evict active route", err)
	}
	if err := s.storage.Remove(ctx, storage.KeyTrackingLive); err != nil {
		logging.LogError(s.logger, "evict liveness marker", err)
	}
}

func (s *Store) appendHistoryLocked(ctx context.Context, route *trip.ActiveRoute) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, route.Clone()); err != nil {
		// Archive failure must not prevent the route from ending.
		logging.LogError(s.logger, "history append", err, slog.String("route_id", route.ID))
		if s.metrics != nil {
			s.metrics.HistoryAppendErr.Inc()
		}
	}
}

func (s *Store) transitionEventLocked(st *trip.StudentPickup, status trip.PickupStatus) *notify.Event {
	kind := notify.StudentEmbarked
	if status == trip.StatusDroppedOff {
		kind = notify.StudentDropped
	}
	return &notify.Event{
		Kind:        kind,
		RouteID:     s.current.ID,
		StudentID:   st.StudentID,
		StudentName: st.StudentName,
		At:          s.now(),
	}
}

// notifyAll delivers in publish order; each listener receives its own copy.
func (s *Store) notifyAll(route *trip.ActiveRoute) {
	s.mu.Lock()
	cbs := make([]Listener, 0, len(s.listeners))
	for _, cb := range s.listeners {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, cb := range cbs {
		cb(route.Clone())
	}
}

// startLivenessLocked launches the periodic re-stamp of the persisted
// record. The loop self-cancels when no active route or no marker remains.
func (s *Store) startLivenessLocked() {
	s.stopLivenessLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.livenessCancel = cancel
	s.livenessWG.Add(1)
	go func() {
		defer s.livenessWG.Done()
		ticker := time.NewTicker(s.livenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// checks and writes stay under mu so an ending route
				// cannot evict storage between them, which would leave
				// a stray marker behind
				s.mu.Lock()
				if s.current == nil || !s.current.IsActive {
					s.mu.Unlock()
					return
				}
				if _, ok, err := s.storage.Get(ctx, storage.KeyTrackingLive); err != nil || !ok {
					s.mu.Unlock()
					return
				}
				if err := s.storage.Set(ctx, storage.KeyTrackingLive, []byte("true")); err != nil {
					logging.LogError(s.logger, "re-stamp liveness", err)
				}
				stamp := strconv.FormatInt(s.now().UnixMilli(), 10)
				if err := s.storage.Set(ctx, storage.KeyLastSave, []byte(stamp)); err != nil {
					logging.LogError(s.logger, "re-stamp save", err)
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Store) stopLivenessLocked() {
	if s.livenessCancel != nil {
		s.livenessCancel()
		s.livenessCancel = nil
	}
}
