// Package notify carries discrete trip events to an external delivery
// collaborator. The core only emits the transition; delivery, sound and
// UI concerns live elsewhere.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"vantrack/internal/logging"
)

type Kind string

const (
	DriverArrived   Kind = "driver_arrived"
	StudentEmbarked Kind = "student_embarked"
	StudentDropped  Kind = "student_dropped"
)

type Event struct {
	Kind        Kind      `json:"kind"`
	RouteID     string    `json:"routeId"`
	StudentID   string    `json:"studentId,omitempty"`
	StudentName string    `json:"studentName,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier receives transition events. Implementations handle their own
// failures; the core never blocks on delivery confirmation.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// NATSNotifier publishes events on <prefix>.events.<kind>.
type NATSNotifier struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

func NewNATSNotifier(nc *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "vantrack"
	}
	return &NATSNotifier{nc: nc, subjectPrefix: subjectPrefix, logger: logger}
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		logging.LogError(n.logger, "marshal event", err)
		return
	}
	subject := fmt.Sprintf("%s.events.%s", n.subjectPrefix, ev.Kind)
	if err := n.nc.Publish(subject, b); err != nil {
		logging.LogError(n.logger, "publish event", err, slog.String("subject", subject))
	}
}
