package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vantrack/internal/trip"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []trip.RouteLocation
	errs    []error
}

func (r *sampleRecorder) onSample(loc trip.RouteLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, loc)
}

func (r *sampleRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *sampleRecorder) Samples() []trip.RouteLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trip.RouteLocation(nil), r.samples...)
}

func (r *sampleRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *sampleRecorder) waitForSamples(t *testing.T, n int) []trip.RouteLocation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.Samples(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, have %d", n, len(r.Samples()))
	return nil
}

func fixAt(lat, lng, accuracy float64, at time.Time) Fix {
	return Fix{Location: trip.RouteLocation{Lat: lat, Lng: lng, Accuracy: accuracy, Timestamp: at}}
}

func newTestSampler(src PositionSource) *Sampler {
	return NewSampler(Config{
		Source:            src,
		MinDistanceMeters: 5,
		HeartbeatInterval: time.Hour, // effectively disabled unless the test wants it
	})
}

func TestStartTrackingUnsupportedSource(t *testing.T) {
	s := NewSampler(Config{Source: nil})
	err := s.StartTracking(context.Background(), func(trip.RouteLocation) {}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestStartTrackingDeliversInitialAndWatchSamples(t *testing.T) {
	src := NewPushSource()
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src.Offer(fixAt(41.3800, 2.1700, 10, base))

	s := newTestSampler(src)
	rec := &sampleRecorder{}
	require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
	defer s.StopTracking()

	got := rec.waitForSamples(t, 1)
	assert.Equal(t, 41.3800, got[0].Lat)

	// ~111 m north, a minute later: passes the gate
	src.Offer(fixAt(41.3810, 2.1700, 10, base.Add(time.Minute)))
	got = rec.waitForSamples(t, 2)
	assert.Equal(t, 41.3810, got[1].Lat)
}

func TestValidationRejectsBadSamples(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	testCases := []struct {
		name   string
		fix    Fix
		reason string
	}{
		{"latitude out of range", fixAt(95, 2.17, 10, base.Add(time.Minute)), "coords"},
		{"longitude out of range", fixAt(41.38, 190, 10, base.Add(time.Minute)), "coords"},
		{"accuracy 500", fixAt(41.3810, 2.1700, 500, base.Add(time.Minute)), "accuracy"},
		{"implausible speed", fixAt(41.58, 2.17, 10, base.Add(time.Minute)), "speed"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := NewPushSource()
			src.Offer(fixAt(41.3800, 2.1700, 10, base))
			s := newTestSampler(src)
			rec := &sampleRecorder{}
			require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
			defer s.StopTracking()
			rec.waitForSamples(t, 1)

			src.Offer(tc.fix)
			// a good sample afterwards proves the bad one was skipped
			src.Offer(fixAt(41.3820, 2.1700, 10, base.Add(2*time.Minute)))
			got := rec.waitForSamples(t, 2)
			assert.Equal(t, 41.3820, got[1].Lat)
			assert.Equal(t, 1, s.Stats().RejectedSamples)
		})
	}
}

func TestDistanceGateDropsJitter(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	src.Offer(fixAt(41.380000, 2.1700, 10, base))

	s := newTestSampler(src)
	rec := &sampleRecorder{}
	require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
	defer s.StopTracking()
	rec.waitForSamples(t, 1)

	// ~2 m away: below the 5 m gate
	src.Offer(fixAt(41.380018, 2.1700, 10, base.Add(10*time.Second)))
	// ~111 m away: accepted
	src.Offer(fixAt(41.381000, 2.1700, 10, base.Add(time.Minute)))

	got := rec.waitForSamples(t, 2)
	assert.Equal(t, 41.381000, got[1].Lat)
	assert.Equal(t, 2, s.Stats().TotalUpdates)
	assert.Equal(t, 1, s.Stats().RejectedSamples)
}

func TestRunningStats(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	src.Offer(fixAt(41.3800, 2.1700, 10, base))

	s := newTestSampler(src)
	rec := &sampleRecorder{}
	require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
	defer s.StopTracking()
	rec.waitForSamples(t, 1)

	src.Offer(fixAt(41.3810, 2.1700, 20, base.Add(time.Minute)))
	src.Offer(fixAt(41.3820, 2.1700, 30, base.Add(2*time.Minute)))
	rec.waitForSamples(t, 3)

	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalUpdates)
	assert.InDelta(t, 20, stats.AverageAccuracy, 1e-9)
	// two legs of ~111 m each
	assert.InDelta(t, 222, stats.DistanceTraveled, 10)
	// ~111 m/min is ~6.7 km/h
	assert.InDelta(t, 6.7, stats.CurrentSpeedKmh, 1)
	assert.GreaterOrEqual(t, stats.MaxSpeedKmh, stats.CurrentSpeedKmh)

	hist := s.History()
	assert.Len(t, hist, 3)
}

func TestHistoryBounded(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	s := NewSampler(Config{Source: src, HeartbeatInterval: time.Hour, MinDistanceMeters: 1})

	// feed through ForceUpdate to keep the test synchronous
	for i := 0; i < historyCap+20; i++ {
		src.Offer(fixAt(41.38+float64(i)*0.001, 2.17, 10, base.Add(time.Duration(i)*time.Hour)))
		_, err := s.ForceUpdate(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), historyCap)
}

func TestHeartbeatReAnnouncesLastPosition(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	src.Offer(fixAt(41.3800, 2.1700, 10, base))

	s := NewSampler(Config{Source: src, HeartbeatInterval: 20 * time.Millisecond})
	rec := &sampleRecorder{}
	require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
	defer s.StopTracking()

	// initial sample plus at least two heartbeats of the same position
	got := rec.waitForSamples(t, 3)
	assert.Equal(t, got[0].Lat, got[1].Lat)
	assert.Equal(t, got[0].Lat, got[2].Lat)
	assert.Equal(t, 1, s.Stats().TotalUpdates, "heartbeat must not count as a new sample")
}

func TestWatchSurvivesAcquisitionErrors(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	src.Offer(fixAt(41.3800, 2.1700, 10, base))

	s := newTestSampler(src)
	rec := &sampleRecorder{}
	require.NoError(t, s.StartTracking(context.Background(), rec.onSample, rec.onError))
	defer s.StopTracking()
	rec.waitForSamples(t, 1)

	src.Offer(Fix{Err: ErrPositionUnavailable})
	src.Offer(Fix{Err: ErrTimeout})
	src.Offer(fixAt(41.3810, 2.1700, 10, base.Add(time.Minute)))

	got := rec.waitForSamples(t, 2)
	assert.Equal(t, 41.3810, got[1].Lat)

	errs := rec.Errors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrPositionUnavailable)
	assert.ErrorIs(t, errs[1], ErrTimeout)
}

func TestStopTrackingIdempotent(t *testing.T) {
	src := NewPushSource()
	src.Offer(fixAt(41.3800, 2.1700, 10, time.Now()))
	s := newTestSampler(src)
	require.NoError(t, s.StartTracking(context.Background(), func(trip.RouteLocation) {}, nil))

	s.StopTracking()
	s.StopTracking() // second call is a no-op
}

func TestForceUpdateSkipsDistanceGate(t *testing.T) {
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	src := NewPushSource()
	s := newTestSampler(src)

	src.Offer(fixAt(41.380000, 2.1700, 10, base))
	first, err := s.ForceUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 41.380000, first.Lat)

	// ~2 m away: the gate would drop this, ForceUpdate must not
	src.Offer(fixAt(41.380018, 2.1700, 10, base.Add(10*time.Second)))
	second, err := s.ForceUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 41.380018, second.Lat)
}

func TestForceUpdateStillValidates(t *testing.T) {
	src := NewPushSource()
	s := newTestSampler(src)

	src.Offer(fixAt(41.38, 2.17, 500, time.Now()))
	_, err := s.ForceUpdate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, s.Stats().TotalUpdates)
}
