package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/iota-uz/telemetry-sdk/modules/tracking/services"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/httpapi"
	"github.com/iota-uz/telemetry-sdk/pkg/server"
)

type EventsController struct {
	tracking *services.TrackingService
	basePath string
}

func NewEventsController(tracking *services.TrackingService) server.Controller {
	return &EventsController{
		tracking: tracking,
		basePath: "/api/events",
	}
}

func (c *EventsController) Key() string {
	return c.basePath
}

func (c *EventsController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("", c.Enqueue).Methods(http.MethodPost)
	router.HandleFunc("/sync", c.EnqueueSync).Methods(http.MethodPost)
	router.HandleFunc("/installation", c.Installation).Methods(http.MethodPost)
	router.HandleFunc("/info", c.InfoUpdated).Methods(http.MethodPost)
	router.HandleFunc("/push-delivered", c.PushDelivered).Methods(http.MethodPost)
	router.HandleFunc("/click", c.Click).Methods(http.MethodPost)
	router.HandleFunc("/visit", c.Visit).Methods(http.MethodPost)
	router.HandleFunc("/custom", c.Custom).Methods(http.MethodPost)
	router.HandleFunc("/sdk-logs", c.SDKLogs).Methods(http.MethodPost)
}

type enqueueRequest struct {
	Type delivery.EventType `json:"type"`
	Body json.RawMessage    `json:"body"`
	// TimeoutMs applies to /sync only; zero uses the configured default.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

type enqueueResponse struct {
	TransactionID string  `json:"transactionId"`
	Type          string  `json:"type"`
	EnqueuedAt    float64 `json:"enqueueTimestamp"`
}

type syncResponse struct {
	Delivered bool `json:"delivered"`
}

type visitResponse struct {
	Recorded bool             `json:"recorded"`
	Event    *enqueueResponse `json:"event,omitempty"`
}

func toResponse(e delivery.Event) *enqueueResponse {
	return &enqueueResponse{
		TransactionID: e.TransactionID,
		Type:          string(e.Type),
		EnqueuedAt:    e.EnqueueTimestamp,
	}
}

func (c *EventsController) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := c.tracking.Track(r.Context(), req.Type, req.Body)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusAccepted, toResponse(e))
}

func (c *EventsController) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TimeoutMs < 0 {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "TRACKING_INVALID_TIMEOUT", "timeoutMs must be non-negative", nil)
		return
	}
	ok, err := c.tracking.TrackSync(r.Context(), req.Type, req.Body, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, syncResponse{Delivered: ok})
}

func (c *EventsController) Installation(w http.ResponseWriter, r *http.Request) {
	var dto services.InstallationDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, err := c.tracking.TrackInstallation(r.Context(), &dto)
	c.respond(w, r, e, err)
}

func (c *EventsController) InfoUpdated(w http.ResponseWriter, r *http.Request) {
	var dto services.InfoUpdatedDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, err := c.tracking.TrackInfoUpdated(r.Context(), &dto)
	c.respond(w, r, e, err)
}

func (c *EventsController) PushDelivered(w http.ResponseWriter, r *http.Request) {
	var dto services.PushDeliveredDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	ok, err := c.tracking.TrackPushDelivered(r.Context(), &dto, 0)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, syncResponse{Delivered: ok})
}

func (c *EventsController) Click(w http.ResponseWriter, r *http.Request) {
	var dto services.ClickDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, err := c.tracking.TrackClick(r.Context(), &dto)
	c.respond(w, r, e, err)
}

func (c *EventsController) Visit(w http.ResponseWriter, r *http.Request) {
	var dto services.VisitDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, recorded, err := c.tracking.TrackVisit(r.Context(), &dto)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	resp := visitResponse{Recorded: recorded}
	if recorded {
		resp.Event = toResponse(e)
	}
	_ = httpapi.WriteJSON(w, http.StatusAccepted, resp)
}

func (c *EventsController) Custom(w http.ResponseWriter, r *http.Request) {
	var dto services.CustomEventDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, err := c.tracking.TrackCustomEvent(r.Context(), &dto)
	c.respond(w, r, e, err)
}

func (c *EventsController) SDKLogs(w http.ResponseWriter, r *http.Request) {
	var dto services.SDKLogsDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	e, err := c.tracking.TrackSDKLogs(r.Context(), &dto)
	c.respond(w, r, e, err)
}

func (c *EventsController) respond(w http.ResponseWriter, r *http.Request, e delivery.Event, err error) {
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusAccepted, toResponse(e))
}
