package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"vantrack/internal/config"
	"vantrack/internal/location"
	"vantrack/internal/metrics"
	"vantrack/internal/orchestrator"
	"vantrack/internal/routestore"
	"vantrack/internal/trip"
)

// application holds the dependencies for the HTTP handlers.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *routestore.Store
	orch    *orchestrator.Orchestrator
	sampler *location.Sampler
	source  *location.PushSource
	metrics *metrics.Collector
}

func (app *application) routes() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/routes/start", app.startRouteHandler)
	router.HandlerFunc(http.MethodPost, "/routes/end", app.endRouteHandler)
	router.HandlerFunc(http.MethodPost, "/routes/force-end", app.forceEndRouteHandler)
	router.HandlerFunc(http.MethodPost, "/routes/refresh", app.refreshHandler)
	router.HandlerFunc(http.MethodGet, "/routes/active", app.activeRouteHandler)
	router.HandlerFunc(http.MethodPut, "/students/:id/status", app.studentStatusHandler)
	router.HandlerFunc(http.MethodPost, "/location", app.locationHandler)
	router.HandlerFunc(http.MethodGet, "/stats", app.statsHandler)
	router.HandlerFunc(http.MethodGet, "/healthz", app.healthzHandler)
	return router
}

type startRouteRequest struct {
	DriverID   string `json:"driverId"`
	DriverName string `json:"driverName"`
	Direction  string `json:"direction"`
	Students   []struct {
		StudentID   string   `json:"studentId"`
		StudentName string   `json:"studentName"`
		Address     string   `json:"address"`
		Lat         *float64 `json:"lat,omitempty"`
		Lng         *float64 `json:"lng,omitempty"`
	} `json:"students"`
}

func (app *application) startRouteHandler(w http.ResponseWriter, r *http.Request) {
	var req startRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DriverID == "" {
		app.errorResponse(w, http.StatusBadRequest, "driverId is required")
		return
	}

	students := make([]trip.StudentPickup, len(req.Students))
	for i, st := range req.Students {
		students[i] = trip.StudentPickup{
			StudentID:   st.StudentID,
			StudentName: st.StudentName,
			Address:     st.Address,
			Lat:         st.Lat,
			Lng:         st.Lng,
			Status:      trip.StatusPending,
		}
	}

	route, err := app.store.StartRoute(r.Context(), req.DriverID, req.DriverName, trip.Direction(req.Direction), students)
	if err != nil {
		if errors.Is(err, routestore.ErrInvalidDirection) {
			app.errorResponse(w, http.StatusBadRequest, "direction must be to_school or to_home")
			return
		}
		app.serverErrorResponse(w, err)
		return
	}

	// capture waits on the first device fix, so it runs off the request path
	go func() {
		if err := app.orch.StartDataCapture(context.Background()); err != nil && !errors.Is(err, orchestrator.ErrNoActiveRoute) {
			app.logger.Error("start data capture", slog.String("error", err.Error()))
		}
	}()

	app.sendJSON(w, http.StatusCreated, route)
}

func (app *application) endRouteHandler(w http.ResponseWriter, r *http.Request) {
	app.orch.StopDataCapture()
	ended := app.store.EndRoute(r.Context())
	app.sendJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func (app *application) forceEndRouteHandler(w http.ResponseWriter, r *http.Request) {
	app.orch.StopDataCapture()
	app.store.ForceEndRoute(r.Context())
	app.sendJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (app *application) refreshHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := app.orch.ForceUpdate(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoActiveRoute) {
			app.errorResponse(w, http.StatusConflict, "no active route")
			return
		}
		app.serverErrorResponse(w, err)
		return
	}
	app.sendJSON(w, http.StatusOK, snap)
}

func (app *application) activeRouteHandler(w http.ResponseWriter, r *http.Request) {
	route := app.store.ActiveRoute(r.Context())
	if route == nil {
		app.sendNull(w)
		return
	}
	app.sendJSON(w, http.StatusOK, route)
}

type studentStatusRequest struct {
	Status string `json:"status,omitempty"`
	State  string `json:"state,omitempty"`
}

func (app *application) studentStatusHandler(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	studentID := params.ByName("id")

	var req studentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.State != "":
		err := app.orch.AdvanceRiderState(r.Context(), studentID, trip.RiderState(req.State))
		switch {
		case errors.Is(err, orchestrator.ErrNoActiveRoute):
			app.errorResponse(w, http.StatusConflict, "no active route")
		case errors.Is(err, orchestrator.ErrUnknownStudent):
			app.errorResponse(w, http.StatusNotFound, "unknown student")
		case errors.Is(err, orchestrator.ErrInvalidState):
			app.errorResponse(w, http.StatusBadRequest, "invalid rider state")
		case errors.Is(err, orchestrator.ErrStateNotForward):
			app.errorResponse(w, http.StatusConflict, "rider state only moves forward")
		case err != nil:
			app.serverErrorResponse(w, err)
		default:
			app.sendJSON(w, http.StatusOK, map[string]string{"studentId": studentID, "state": req.State})
		}
	case req.Status != "":
		status := trip.PickupStatus(req.Status)
		if !status.Valid() {
			app.errorResponse(w, http.StatusBadRequest, "status must be pending, picked_up or dropped_off")
			return
		}
		app.store.UpdateStudentStatus(r.Context(), studentID, status)
		app.sendJSON(w, http.StatusOK, map[string]string{"studentId": studentID, "status": req.Status})
	default:
		app.errorResponse(w, http.StatusBadRequest, "status or state is required")
	}
}

type locationRequest struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"` // epoch millis, device clock
}

// locationHandler is the driver app's position feed. Fixes are offered to
// the sampler, which applies validation and the distance gate; the feed
// itself never rejects a fix.
func (app *application) locationHandler(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ts := time.Now()
	if req.Timestamp != nil {
		ts = time.UnixMilli(*req.Timestamp)
	}
	app.source.Offer(location.Fix{Location: trip.RouteLocation{
		Lat:       req.Lat,
		Lng:       req.Lng,
		Timestamp: ts,
		Accuracy:  req.Accuracy,
		Speed:     req.Speed,
		Heading:   req.Heading,
	}})
	w.WriteHeader(http.StatusAccepted)
}

func (app *application) statsHandler(w http.ResponseWriter, r *http.Request) {
	route := app.store.ActiveRoute(r.Context())
	app.sendJSON(w, http.StatusOK, map[string]any{
		"tracking": route != nil,
		"sampling": app.sampler.Stats(),
		"history":  app.sampler.History(),
	})
}

func (app *application) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	app.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *application) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		app.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (app *application) sendNull(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte("null\n")); err != nil {
		app.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func (app *application) errorResponse(w http.ResponseWriter, status int, message string) {
	app.sendJSON(w, status, map[string]string{"error": message})
}

func (app *application) serverErrorResponse(w http.ResponseWriter, err error) {
	app.logger.Error("internal error", slog.String("error", err.Error()))
	app.errorResponse(w, http.StatusInternalServerError, "internal server error")
}
