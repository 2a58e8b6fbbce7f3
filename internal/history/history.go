// Package history archives terminal route records for reporting. Archive
// failures never prevent a route from being marked ended.
package history

import (
	"context"
	"log/slog"

	"vantrack/internal/logging"
	"vantrack/internal/trip"
)

// Sink receives one terminal ActiveRoute snapshot per ended route.
type Sink interface {
	Append(ctx context.Context, route *trip.ActiveRoute) error
}

// LogSink records ended routes to the log only. Used when no archive
// database is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(_ context.Context, route *trip.ActiveRoute) error {
	logging.LogOperation(s.Logger, "route archived",
		slog.String("route_id", route.ID),
		slog.String("driver_id", route.DriverID),
		slog.String("direction", string(route.Direction)),
		slog.Int("students", len(route.Students)),
	)
	return nil
}
