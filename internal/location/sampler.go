// Package location acquires, validates and filters device positions.
// Samples failing validation are discarded, never corrected; "no sample"
// is always preferred over a fabricated coordinate.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vantrack/internal/geo"
	"vantrack/internal/logging"
	"vantrack/internal/metrics"
	"vantrack/internal/trip"
)

const historyCap = 100

// Stats are the running statistics over accepted samples.
type Stats struct {
	TotalUpdates     int        `json:"totalUpdates"`
	AverageAccuracy  float64    `json:"averageAccuracy"`  // meters, running mean
	DistanceTraveled float64    `json:"distanceTraveled"` // meters, cumulative
	CurrentSpeedKmh  float64    `json:"currentSpeedKmh"`  // implied by last two samples
	MaxSpeedKmh      float64    `json:"maxSpeedKmh"`      // maximum observed
	RejectedSamples  int        `json:"rejectedSamples"`  // validation + gate discards
	LastSampleAt     *time.Time `json:"lastSampleAt,omitempty"`
}

type Config struct {
	Source  PositionSource
	Logger  *slog.Logger
	Metrics *metrics.Collector

	MaxAccuracyMeters float64       // samples less accurate than this are discarded
	MaxSpeedKmh       float64       // implied speeds above this are implausible
	MinDistanceMeters float64       // distance gate between accepted samples
	HeartbeatInterval time.Duration // re-announcement of the last known position
	WatchTimeout      time.Duration // initial continuous-tracking fix timeout
	ForceTimeout      time.Duration // one-shot ForceUpdate timeout

	Now func() time.Time
}

// Sampler performs continuous position acquisition with validation,
// distance gating and a fixed-interval heartbeat.
type Sampler struct {
	source  PositionSource
	logger  *slog.Logger
	metrics *metrics.Collector

	maxAccuracy  float64
	maxSpeedKmh  float64
	minDistance  float64
	heartbeat    time.Duration
	watchTimeout time.Duration
	forceTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	tracking bool
	last     *trip.RouteLocation
	lastAt   time.Time
	history  []trip.VehiclePosition
	stats    Stats
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewSampler(cfg Config) *Sampler {
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = 100
	}
	if cfg.MaxSpeedKmh <= 0 {
		cfg.MaxSpeedKmh = 120
	}
	if cfg.MinDistanceMeters <= 0 {
		cfg.MinDistanceMeters = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 10 * time.Second
	}
	if cfg.ForceTimeout <= 0 {
		cfg.ForceTimeout = 8 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sampler{
		source:       cfg.Source,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		maxAccuracy:  cfg.MaxAccuracyMeters,
		maxSpeedKmh:  cfg.MaxSpeedKmh,
		minDistance:  cfg.MinDistanceMeters,
		heartbeat:    cfg.HeartbeatInterval,
		watchTimeout: cfg.WatchTimeout,
		forceTimeout: cfg.ForceTimeout,
		now:          cfg.Now,
	}
}

// StartTracking begins continuous acquisition. It fails only when the
// capability is unavailable; acquisition errors afterwards are surfaced
// through onError while the watch keeps running. onSample receives the
// initial fix once, every accepted sample, and a heartbeat re-announcement
// of the last known position.
func (s *Sampler) StartTracking(ctx context.Context, onSample func(trip.RouteLocation), onError func(error)) error {
	if s.source == nil || !s.source.Available() {
		return ErrUnsupported
	}

	s.mu.Lock()
	if s.tracking {
		s.mu.Unlock()
		return nil
	}
	s.tracking = true
	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	// initial position, once
	initCtx, initCancel := context.WithTimeout(ctx, s.watchTimeout)
	loc, err := s.source.Current(initCtx)
	initCancel()
	if err != nil {
		s.reportError(err, onError)
	} else if reason := s.accept(loc, true); reason == "" {
		onSample(loc)
	} else {
		s.countRejected(reason)
	}

	stream, err := s.source.Watch(watchCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.tracking = false
		s.cancel = nil
		s.mu.Unlock()
		return ErrUnsupported
	}

	s.wg.Add(2)
	go s.watchLoop(watchCtx, stream, onSample, onError)
	go s.heartbeatLoop(watchCtx, onSample)
	return nil
}

// StopTracking cancels the watch and the heartbeat. Idempotent; no timer
// fires after it returns.
func (s *Sampler) StopTracking() {
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return
	}
	s.tracking = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// ForceUpdate requests one fresh sample immediately, bypassing the watch
// and the distance gate but not validation.
func (s *Sampler) ForceUpdate(ctx context.Context) (trip.RouteLocation, error) {
	if s.source == nil || !s.source.Available() {
		return trip.RouteLocation{}, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.forceTimeout)
	defer cancel()
	loc, err := s.source.Current(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		return trip.RouteLocation{}, err
	}
	if reason := s.accept(loc, true); reason != "" {
		s.countRejected(reason)
		return trip.RouteLocation{}, ErrPositionUnavailable
	}
	return loc, nil
}

// LastKnown returns the most recent accepted sample, if any.
func (s *Sampler) LastKnown() *trip.RouteLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Stats returns a copy of the running statistics.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns the bounded raw-sample history, newest last.
func (s *Sampler) History() []trip.VehiclePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trip.VehiclePosition(nil), s.history...)
}

func (s *Sampler) watchLoop(ctx context.Context, stream <-chan Fix, onSample func(trip.RouteLocation), onError func(error)) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-stream:
			if !ok {
				return
			}
			if fix.Err != nil {
				s.reportError(fix.Err, onError)
				continue
			}
			if reason := s.accept(fix.Location, false); reason != "" {
				s.countRejected(reason)
				continue
			}
			onSample(fix.Location)
		}
	}
}

func (s *Sampler) heartbeatLoop(ctx context.Context, onSample func(trip.RouteLocation)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			var loc *trip.RouteLocation
			if s.last != nil {
				cp := *s.last
				loc = &cp
			}
			s.mu.Unlock()
			if loc == nil {
				continue
			}
			if s.metrics != nil {
				s.metrics.HeartbeatTicks.Inc()
			}
			onSample(*loc)
		}
	}
}

// accept validates a sample and, when it passes, folds it into the running
// state. It returns the rejection reason or "" for acceptance. The
// distance gate is skipped when skipGate is set (initial fix, ForceUpdate).
func (s *Sampler) accept(loc trip.RouteLocation, skipGate bool) string {
	if !geo.ValidCoordinates(loc.Lat, loc.Lng) {
		return "coords"
	}
	if loc.Accuracy > s.maxAccuracy {
		return "accuracy"
	}
	if loc.Speed != nil && *loc.Speed*3.6 > s.maxSpeedKmh {
		return "speed"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}

	var dist float64
	var impliedKmh float64
	if s.last != nil {
		dist = geo.Haversine(s.last.Lat, s.last.Lng, loc.Lat, loc.Lng)
		if dt := loc.Timestamp.Sub(s.lastAt).Seconds(); dt > 0 {
			impliedKmh = dist / dt * 3.6
		}
		if impliedKmh > s.maxSpeedKmh {
			return "speed"
		}
		if !skipGate && dist < s.minDistance {
			return "distance_gate"
		}
	}

	cp := loc
	s.last = &cp
	s.lastAt = loc.Timestamp

	s.stats.TotalUpdates++
	n := float64(s.stats.TotalUpdates)
	s.stats.AverageAccuracy += (loc.Accuracy - s.stats.AverageAccuracy) / n
	s.stats.DistanceTraveled += dist
	s.stats.CurrentSpeedKmh = impliedKmh
	if impliedKmh > s.stats.MaxSpeedKmh {
		s.stats.MaxSpeedKmh = impliedKmh
	}
	ts := loc.Timestamp
	s.stats.LastSampleAt = &ts

	pos := trip.VehiclePosition{
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		Accuracy:  loc.Accuracy,
		Heading:   derefOrZero(loc.Heading),
		SpeedMps:  derefOrZero(loc.Speed),
		Timestamp: loc.Timestamp,
	}
	s.history = append(s.history, pos)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}

	if s.metrics != nil {
		s.metrics.SamplesAccepted.Inc()
		s.metrics.DistanceTraveled.Set(s.stats.DistanceTraveled)
		s.metrics.CurrentSpeed.Set(s.stats.CurrentSpeedKmh)
		s.metrics.MaxSpeed.Set(s.stats.MaxSpeedKmh)
		s.metrics.AverageAccuracy.Set(s.stats.AverageAccuracy)
	}
	return ""
}

func (s *Sampler) countRejected(reason string) {
	s.mu.Lock()
	s.stats.RejectedSamples++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SamplesRejected.WithLabelValues(reason).Inc()
	}
	if s.logger != nil {
		s.logger.Debug("sample rejected", slog.String("reason", reason))
	}
}

func (s *Sampler) reportError(err error, onError func(error)) {
	s.countRejected("error")
	logging.LogError(s.logger, "location acquisition", err)
	if onError != nil {
		onError(err)
	}
}

func derefOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
