package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/httpapi"
	"github.com/iota-uz/telemetry-sdk/pkg/server"
)

type OpsController struct {
	scheduler *delivery.Scheduler
	store     delivery.Store
	basePath  string
}

func NewOpsController(scheduler *delivery.Scheduler, store delivery.Store) server.Controller {
	return &OpsController{
		scheduler: scheduler,
		store:     store,
		basePath:  "/ops/delivery",
	}
}

func (c *OpsController) Key() string {
	return c.basePath
}

func (c *OpsController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("", c.Status).Methods(http.MethodGet)
	router.HandleFunc("/flush", c.control(c.scheduler.FlushNow)).Methods(http.MethodPost)
	router.HandleFunc("/suspend", c.control(c.scheduler.Suspend)).Methods(http.MethodPost)
	router.HandleFunc("/resume", c.control(c.scheduler.Resume)).Methods(http.MethodPost)
	router.HandleFunc("/foreground", c.control(c.scheduler.Foreground)).Methods(http.MethodPost)
}

type deliveryStatus struct {
	State            delivery.State `json:"state"`
	Suspended        bool           `json:"suspended"`
	Pending          int            `json:"pending"`
	RetryDeadline    string         `json:"retryDeadline"`
	RetentionHorizon string         `json:"retentionHorizon"`
}

func (c *OpsController) status(ctx context.Context) (deliveryStatus, error) {
	n, err := c.store.CountEvents(ctx)
	if err != nil {
		return deliveryStatus{}, err
	}
	policy := c.scheduler.Policy()
	return deliveryStatus{
		State:            c.scheduler.CurrentState(),
		Suspended:        c.scheduler.Suspended(),
		Pending:          n,
		RetryDeadline:    policy.RetryDeadline.String(),
		RetentionHorizon: policy.RetentionHorizon.String(),
	}, nil
}

func (c *OpsController) Status(w http.ResponseWriter, r *http.Request) {
	st, err := c.status(r.Context())
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, st)
}

func (c *OpsController) control(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action()
		st, err := c.status(r.Context())
		if err != nil {
			writeTrackingError(w, r, err)
			return
		}
		_ = httpapi.WriteJSON(w, http.StatusAccepted, st)
	}
}

type HealthController struct {
	store delivery.Store
}

func NewHealthController(store delivery.Store) server.Controller {
	return &HealthController{store: store}
}

func (c *HealthController) Key() string {
	return "/health"
}

func (c *HealthController) Register(r *mux.Router) {
	r.HandleFunc("/health", c.Health).Methods(http.MethodGet)
}

func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	n, err := c.store.CountEvents(ctx)
	if err != nil {
		_ = httpapi.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down",
			"error":  err.Error(),
		})
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"pending":      n,
		"responseTime": time.Since(start).String(),
	})
}
