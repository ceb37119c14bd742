// Package api exposes the engine over HTTP: phase ingestion, record queries,
// health, metrics and the live websocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/reqcorr/pkg/engine"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/observer"
	"github.com/psantana5/reqcorr/pkg/store"
)

const maxEventBytes = 4 << 20

// Engine is the part of the engine the API drives
type Engine interface {
	OnSendHeaders(ctx context.Context, ev models.SendHeadersEvent) error
	OnBeforeRequest(ctx context.Context, ev models.BeforeRequestEvent) error
	OnResponseStarted(ctx context.Context, ev models.ResponseStartedEvent) error
	OnChannelClosed(ctx context.Context, ev models.ChannelClosedEvent) error
	Pending(channelID string) []models.RequestRecord
	Stats() engine.Stats
}

// Handler serves the API routes
type Handler struct {
	engine  Engine
	store   store.RecordStore
	logger  *logging.Logger
	version string
	started time.Time
}

// NewHandler creates a handler
func NewHandler(e Engine, rs store.RecordStore, logger *logging.Logger, version string) *Handler {
	return &Handler{
		engine:  e,
		store:   rs,
		logger:  logger.WithField("component", "api"),
		version: version,
		started: time.Now(),
	}
}

// RegisterRoutes registers the ingestion and query routes on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events/send-headers", h.SendHeaders).Methods(http.MethodPost)
	r.HandleFunc("/events/before-request", h.BeforeRequest).Methods(http.MethodPost)
	r.HandleFunc("/events/response-started", h.ResponseStarted).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/close", h.CloseChannel).Methods(http.MethodPost)

	r.HandleFunc("/records", h.ListRecords).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/records", h.ChannelRecords).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/records/{requestId}", h.GetRecord).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/pending", h.PendingRecords).Methods(http.MethodGet)
}

// SendHeaders ingests a header-phase event
func (h *Handler) SendHeaders(w http.ResponseWriter, r *http.Request) {
	var ev models.SendHeadersEvent
	if !h.decode(w, r, &ev) {
		return
	}
	h.accepted(w, r, h.engine.OnSendHeaders(r.Context(), ev))
}

// BeforeRequest ingests a body-phase event
func (h *Handler) BeforeRequest(w http.ResponseWriter, r *http.Request) {
	var ev models.BeforeRequestEvent
	if !h.decode(w, r, &ev) {
		return
	}
	h.accepted(w, r, h.engine.OnBeforeRequest(r.Context(), ev))
}

// ResponseStarted ingests a terminal-phase event
func (h *Handler) ResponseStarted(w http.ResponseWriter, r *http.Request) {
	var ev models.ResponseStartedEvent
	if !h.decode(w, r, &ev) {
		return
	}
	h.accepted(w, r, h.engine.OnResponseStarted(r.Context(), ev))
}

// CloseChannel discards a channel's in-flight records
func (h *Handler) CloseChannel(w http.ResponseWriter, r *http.Request) {
	ev := models.ChannelClosedEvent{ChannelID: mux.Vars(r)["id"]}
	h.accepted(w, r, h.engine.OnChannelClosed(r.Context(), ev))
}

// ListRecords returns completed records, newest first.
// Query parameters: channel, limit.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := store.Query{ChannelID: r.URL.Query().Get("channel")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}
	h.list(w, r, q)
}

// ChannelRecords returns completed records of one channel
func (h *Handler) ChannelRecords(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.Query{ChannelID: mux.Vars(r)["id"]})
}

// GetRecord returns one completed record
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.store.Get(r.Context(), vars["id"], vars["requestId"])
	if errors.Is(err, store.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to read record", map[string]interface{}{"error": err})
		writeError(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PendingRecords returns the in-flight records of a channel
func (h *Handler) PendingRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Pending(mux.Vars(r)["id"]))
}

type healthResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Engine        engine.Stats `json:"engine"`
	Records       int          `json:"records"`
	Process       processStats `json:"process"`
}

type processStats struct {
	PID            int     `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rssBytes,omitempty"`
	HostMemPercent float64 `json:"hostMemoryPercent,omitempty"`
}

// Health reports liveness plus engine and process counters
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Engine:        h.engine.Stats(),
		Process:       h.processStats(r.Context()),
	}

	n, err := h.store.Count(r.Context())
	if err != nil {
		resp.Status = "degraded"
		h.logger.Warn("Record store unavailable", map[string]interface{}{"error": err})
	}
	resp.Records = n

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) processStats(ctx context.Context) processStats {
	ps := processStats{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}

	if p, err := process.NewProcessWithContext(ctx, int32(ps.PID)); err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			ps.RSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ps.HostMemPercent = vm.UsedPercent
	}
	return ps
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, q store.Query) {
	recs, err := h.store.List(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list records", map[string]interface{}{"error": err})
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) accepted(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, observer.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "event not processed before the request ended")
	default:
		h.logger.Error("Failed to process event", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err,
		})
		writeError(w, http.StatusInternalServerError, "failed to process event")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
