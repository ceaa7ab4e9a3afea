package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
)

// healthCheckTimeout bounds each dependency check on /healthz.
const healthCheckTimeout = 2 * time.Second

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // connection may be closed
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, checker := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := checker.HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":  status,
		"version": s.deps.Version,
		"clients": s.hub.ClientCount(),
		"checks":  checks,
	}
	if s.deps.Outbox != nil {
		backlog, err := s.deps.Outbox.CountUnpublished(r.Context(), s.deps.DB)
		if err != nil {
			s.logger.Warn("counting outbox backlog failed", "error", err)
		} else {
			body["outboxBacklog"] = backlog
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Devices.List(r.Context(), s.deps.DB)
	if err != nil {
		s.internalError(w, "listing devices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	history, err := s.deps.Devices.History(r.Context(), s.deps.DB, dev.ID, limit)
	if err != nil {
		s.internalError(w, "loading status history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceUuid": dev.DeviceUUID, "history": history})
}

func (s *Server) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	alerts, err := s.deps.Alerts.Recent(r.Context(), s.deps.DB, dev.ID, limit)
	if err != nil {
		s.internalError(w, "listing alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceUuid": dev.DeviceUUID, "alerts": alerts, "count": len(alerts)})
}

// loadDevice resolves {uuid} through the snapshot cache when one is
// configured, falling back to the repository.
func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	deviceUUID := chi.URLParam(r, "uuid")

	var (
		dev *device.Device
		err error
	)
	if s.deps.Snapshots != nil {
		dev, err = s.deps.Snapshots.Snapshot(r.Context(), deviceUUID)
	} else {
		dev, err = s.deps.Devices.GetByUUID(r.Context(), s.deps.DB, deviceUUID)
	}
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "device not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "loading device", err)
		return nil, false
	}
	return dev, true
}

// listableStatuses are the processing states /events can filter on.
var listableStatuses = map[event.ProcessingStatus]bool{
	event.StatusReceived:     true,
	event.StatusValidated:    true,
	event.StatusProcessed:    true,
	event.StatusFailed:       true,
	event.StatusRetryPending: true,
	event.StatusDeadLettered: true,
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	status := event.ProcessingStatus(r.URL.Query().Get("status"))
	if !listableStatuses[status] {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "status must be a processing status")
		return
	}
	events, err := s.deps.Events.ListByStatus(r.Context(), s.deps.DB, status, limit)
	if err != nil {
		s.internalError(w, "listing events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	evt, err := s.deps.Events.GetByID(r.Context(), s.deps.DB, id)
	if errors.Is(err, event.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "event not found")
		return
	}
	if err != nil {
		s.internalError(w, "loading event", err)
		return
	}

	logs, err := s.deps.Events.Logs(r.Context(), s.deps.DB, id)
	if err != nil {
		s.internalError(w, "loading processing log", err)
		return
	}
	body := map[string]any{"event": evt, "log": logs}

	if s.deps.Retries != nil {
		retries, err := s.deps.Retries.History(r.Context(), s.deps.DB, id)
		if err != nil {
			s.internalError(w, "loading retries", err)
			return
		}
		body["retries"] = retries
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := s.deps.DeadLetters.List(r.Context(), s.deps.DB, limit)
	if err != nil {
		s.internalError(w, "listing dead letters", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": records, "count": len(records)})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	entries, err := s.deps.Audit.List(r.Context(), s.deps.DB, audit.Filter{
		EventType:     query.Get("event_type"),
		AggregateType: query.Get("aggregate_type"),
		AggregateID:   query.Get("aggregate_id"),
		CorrelationID: query.Get("correlation_id"),
		Limit:         limit,
	})
	if err != nil {
		s.internalError(w, "listing audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, action+" failed")
}

// parseLimit reads the optional limit query parameter. Zero means the
// repository default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
