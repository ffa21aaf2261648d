package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"originguard/internal/guard"
	"originguard/internal/models"
	"originguard/internal/stats"
	"originguard/internal/store"
)

// LandingMessage is returned by the built-in landing handler.
const LandingMessage = "originguard is active."

// DefaultRecordTimeout bounds the stats write made for each decision.
const DefaultRecordTimeout = 200 * time.Millisecond

// Handlers contains the HTTP handlers of the guard
type Handlers struct {
	pipeline *guard.Pipeline
	recorder stats.Recorder
	resolver guard.OriginResolver
	version  string

	recordTimeout time.Duration

	// downstream receives admitted traffic that no built-in route serves.
	// Nil serves the landing page on / and 404 elsewhere.
	downstream http.Handler
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handlers)

// WithDownstream forwards unmatched admitted requests to next.
func WithDownstream(next http.Handler) HandlerOption {
	return func(h *Handlers) {
		h.downstream = next
	}
}

// WithRecorder records every guard decision in rec.
func WithRecorder(rec stats.Recorder) HandlerOption {
	return func(h *Handlers) {
		if rec != nil {
			h.recorder = rec
		}
	}
}

// WithRecordTimeout bounds each Record call by d. Non-positive values keep
// DefaultRecordTimeout.
func WithRecordTimeout(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.recordTimeout = d
		}
	}
}

// WithVersion reports ver on /health.
func WithVersion(ver string) HandlerOption {
	return func(h *Handlers) {
		h.version = ver
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(pipeline *guard.Pipeline, resolver guard.OriginResolver, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		pipeline:      pipeline,
		recorder:      stats.Nop{},
		resolver:      resolver,
		recordTimeout: DefaultRecordTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.pipeline.Status()
	response := models.NewHealthResponse(status.BlockedCount, status.SuspiciousCount)
	response.Version = h.version

	h.writeJSONResponse(w, http.StatusOK, response)
}

// Root serves the landing page when no upstream is configured
// GET /
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, &models.RootResponse{
		Message:   LandingMessage,
		Timestamp: time.Now().UTC(),
		YourIP:    h.resolver.Origin(r),
	})
}

// AdminStatus reports tracked, blocked and suspicious origins
// GET /admin/status
func (h *Handlers) AdminStatus(w http.ResponseWriter, r *http.Request) {
	status := h.pipeline.Status()

	response := &models.StatusResponse{
		ActiveConnections: status.TrackedOrigins,
		TotalTrackedIPs:   status.TrackedOrigins,
		BlockedIPs:        blockedInfo(h.pipeline.BlockedOrigins()),
		SuspiciousIPs:     h.pipeline.SuspiciousOrigins(),
		Timestamp:         time.Now().UTC(),
	}
	if response.SuspiciousIPs == nil {
		response.SuspiciousIPs = []string{}
	}

	totals, err := h.recorder.Totals(r.Context())
	if err != nil {
		slog.Warn("Failed to read decision totals", "error", err)
	} else {
		response.Decisions = &models.DecisionTotals{
			Allowed: totals.Allowed,
			Denied:  totals.Denied,
			Reasons: totals.Reasons,
		}
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// Downstream serves admitted requests that no built-in route matched.
func (h *Handlers) Downstream(w http.ResponseWriter, r *http.Request) {
	if h.downstream != nil {
		h.downstream.ServeHTTP(w, r)
		return
	}
	h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
}

// HasDownstream reports whether an upstream handler is configured.
func (h *Handlers) HasDownstream() bool {
	return h.downstream != nil
}

func (h *Handlers) record(ctx context.Context, req guard.Request, d guard.Decision, path string) {
	ev := stats.Event{
		Origin:  req.Origin,
		Allowed: d.Allowed(),
		Method:  req.Method,
		Path:    path,
		At:      time.Now(),
	}
	if !d.Allowed() {
		ev.Reason = d.Reason
	}
	ctx, cancel := context.WithTimeout(ctx, h.recordTimeout)
	defer cancel()
	if err := h.recorder.Record(ctx, ev); err != nil {
		slog.Debug("Failed to record decision", "origin", req.Origin, "error", err)
	}
}

func blockedInfo(entries []store.BlockedOrigin) []models.BlockedOriginInfo {
	out := make([]models.BlockedOriginInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.BlockedOriginInfo{
			IP:        e.Origin,
			BlockedAt: time.UnixMilli(e.BlockedAtMs).UTC(),
			Until:     time.UnixMilli(e.ExpiresAtMs).UTC(),
			Reason:    e.Reason,
		})
	}
	return out
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, models.NewErrorResponse(message, errorCode))
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out; nothing else can be sent.
		slog.Error("Error encoding JSON response", "error", err)
	}
}
