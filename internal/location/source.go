package location

import (
	"context"
	"errors"

	"vantrack/internal/trip"
)

// Distinguished acquisition error kinds. They are surfaced through the
// sampler's error callback; none of them stop the watch.
var (
	ErrUnsupported         = errors.New("location: no position source available")
	ErrPermissionDenied    = errors.New("location: permission denied")
	ErrPositionUnavailable = errors.New("location: position unavailable")
	ErrTimeout             = errors.New("location: acquisition timed out")
)

// Fix is one acquisition result. Location is meaningful only when Err is nil.
type Fix struct {
	Location trip.RouteLocation
	Err      error
}

// PositionSource abstracts the device position capability. The engine is
// device-agnostic: in production fixes arrive over the driver app's HTTP
// feed, in tests from a script.
type PositionSource interface {
	// Available reports whether the capability exists at all.
	Available() bool
	// Watch streams fixes until ctx is canceled. The stream stays open
	// across individual acquisition errors.
	Watch(ctx context.Context) (<-chan Fix, error)
	// Current acquires one fresh fix, honoring ctx deadline.
	Current(ctx context.Context) (trip.RouteLocation, error)
}

// PushSource is a PositionSource fed externally via Offer. It backs both
// the HTTP location feed and scripted tests. Each offered fix is consumed
// exactly once, by whichever of Watch or Current asks for it first.
type PushSource struct {
	ch chan Fix
}

func NewPushSource() *PushSource {
	return &PushSource{ch: make(chan Fix, 64)}
}

func (p *PushSource) Available() bool { return true }

// Offer feeds one fix. Drops the fix when the buffer is full rather than
// blocking the producer.
func (p *PushSource) Offer(fix Fix) {
	select {
	case p.ch <- fix:
	default:
	}
}

func (p *PushSource) Watch(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-p.ch:
				select {
				case <-ctx.Done():
					return
				case out <- fix:
				}
			}
		}
	}()
	return out, nil
}

// Current waits for the next offered fix, honoring ctx.
func (p *PushSource) Current(ctx context.Context) (trip.RouteLocation, error) {
	select {
	case <-ctx.Done():
		return trip.RouteLocation{}, ErrTimeout
	case fix := <-p.ch:
		if fix.Err != nil {
			return trip.RouteLocation{}, fix.Err
		}
		return fix.Location, nil
	}
}
