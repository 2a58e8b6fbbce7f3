// Package storage provides the narrow key/value persistence the route
// store depends on. Values are JSON-serializable blobs; the backend is
// swappable (Postgres in production, Memory in tests).
package storage

import "context"

// Keys used by the route store.
const (
	KeyActiveRoute  = "active_route"  // canonical ActiveRoute record
	KeyLastSave     = "last_save"     // epoch millis, diagnostic only
	KeyTrackingLive = "tracking_live" // liveness marker; absence means "not active"
)

// Storage is the persistence boundary. Get returns (nil, false, nil) for a
// missing key rather than an error.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
