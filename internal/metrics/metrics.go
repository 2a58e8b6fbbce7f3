package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveRoute prometheus.Gauge

	RoutesStarted prometheus.Counter
	RoutesEnded   prometheus.Counter
	RoutesPurged  *prometheus.CounterVec // reason label: stale|corrupt|no_liveness

	SamplesAccepted prometheus.Counter
	SamplesRejected *prometheus.CounterVec // reason label: coords|accuracy|speed|distance_gate|error
	HeartbeatTicks  prometheus.Counter

	DistanceTraveled prometheus.Gauge // meters, current trip
	CurrentSpeed     prometheus.Gauge // km/h
	MaxSpeed         prometheus.Gauge // km/h
	AverageAccuracy  prometheus.Gauge // meters

	Recalculations   prometheus.Counter
	SnapshotRefresh  prometheus.Counter
	GeocodeFailures  prometheus.Counter
	HistoryAppendErr prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	CalcDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveRoute: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_route",
			Help: "1 if an active route exists, 0 otherwise.",
		}),
		RoutesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_routes_started_total",
			Help: "Total routes started.",
		}),
		RoutesEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_routes_ended_total",
			Help: "Total routes ended.",
		}),
		RoutesPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routes_purged_total",
			Help: "Persisted route records purged during validation.",
		}, []string{"reason"}),
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_location_samples_accepted_total",
			Help: "Location samples accepted after validation and distance gating.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_location_samples_rejected_total",
			Help: "Location samples rejected, by reason.",
		}, []string{"reason"}),
		HeartbeatTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_heartbeat_ticks_total",
			Help: "Re-announcements of the last known position.",
		}),
		DistanceTraveled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_distance_traveled_meters",
			Help: "Cumulative distance of accepted samples for the current trip.",
		}),
		CurrentSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_current_speed_kmh",
			Help: "Speed implied by the two most recent accepted samples.",
		}),
		MaxSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_max_speed_kmh",
			Help: "Maximum observed speed for the current trip.",
		}),
		AverageAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_average_accuracy_meters",
			Help: "Running mean accuracy of accepted samples.",
		}),
		Recalculations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_route_recalculations_total",
			Help: "Route recalculations triggered by the time-debounced policy.",
		}),
		SnapshotRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_snapshot_refreshes_total",
			Help: "Periodic full snapshot refreshes.",
		}),
		GeocodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_geocode_failures_total",
			Help: "Addresses that failed to geocode and were omitted.",
		}),
		HistoryAppendErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_history_append_errors_total",
			Help: "Failed history archive appends.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		CalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_route_calc_duration_seconds",
			Help:    "Duration of route calculations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.ActiveRoute,
		c.RoutesStarted, c.RoutesEnded, c.RoutesPurged,
		c.SamplesAccepted, c.SamplesRejected, c.HeartbeatTicks,
		c.DistanceTraveled, c.CurrentSpeed, c.MaxSpeed, c.AverageAccuracy,
		c.Recalculations, c.SnapshotRefresh, c.GeocodeFailures, c.HistoryAppendErr,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.CalcDuration, c.PublishDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
