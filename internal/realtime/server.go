package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/smartaccess-core/internal/alert"
	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/deadletter"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/logging"
	"github.com/nerrad567/smartaccess-core/internal/retry"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readHeaderTimeout       = 5 * time.Second
)

// HealthChecker is implemented by every infrastructure client with a
// HealthCheck method (database, MQTT, Redis, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DeviceReader lists devices and their status history.
type DeviceReader interface {
	List(ctx context.Context, q database.Querier) ([]device.Device, error)
	GetByUUID(ctx context.Context, q database.Querier, deviceUUID string) (*device.Device, error)
	History(ctx context.Context, q database.Querier, deviceID string, limit int) ([]device.StatusHistoryEntry, error)
}

// SnapshotReader serves cached device snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, deviceUUID string) (*device.Device, error)
}

// EventReader loads stored events and their processing log.
type EventReader interface {
	GetByID(ctx context.Context, q database.Querier, id string) (*event.DomainEvent, error)
	Logs(ctx context.Context, q database.Querier, eventID string) ([]event.ProcessingLogEntry, error)
	ListByStatus(ctx context.Context, q database.Querier, status event.ProcessingStatus, limit int) ([]event.DomainEvent, error)
}

// AlertReader lists the alerts raised for a device.
type AlertReader interface {
	Recent(ctx context.Context, q database.Querier, deviceID string, limit int) ([]alert.Alert, error)
}

// OutboxReader reports the relay backlog.
type OutboxReader interface {
	CountUnpublished(ctx context.Context, q database.Querier) (int, error)
}

// RetryReader loads the retry history of an event.
type RetryReader interface {
	History(ctx context.Context, q database.Querier, eventID string) ([]retry.Record, error)
}

// DeadLetterReader lists dead-lettered events.
type DeadLetterReader interface {
	List(ctx context.Context, q database.Querier, limit int) ([]deadletter.Record, error)
}

// AuditReader queries the audit trail.
type AuditReader interface {
	List(ctx context.Context, q database.Querier, filter audit.Filter) ([]audit.Entry, error)
}

// Deps holds the server's collaborators. Readers left nil disable their
// routes.
type Deps struct {
	Config      config.WebSocketConfig
	Logger      *logging.Logger
	Hub         *Hub
	DB          database.Querier
	Devices     DeviceReader
	Snapshots   SnapshotReader
	Events      EventReader
	Retries     RetryReader
	DeadLetters DeadLetterReader
	Audit       AuditReader
	Alerts      AlertReader
	Outbox      OutboxReader
	Checks      map[string]HealthChecker
	Version     string
}

// Server exposes the websocket hub, a health endpoint and read-only
// inspection routes over HTTP.
//
//	srv, err := realtime.NewServer(deps)
//	srv.Start(ctx)
//	defer srv.Close()
type Server struct {
	deps   Deps
	logger *logging.Logger
	hub    *Hub
	server *http.Server
	cancel context.CancelFunc
}

// NewServer validates deps and creates a server. It does not listen
// until Start is called.
func NewServer(deps Deps) (*Server, error) {
	if deps.Hub == nil {
		return nil, errors.New("realtime: hub is required")
	}
	if deps.Devices != nil || deps.Events != nil || deps.DeadLetters != nil || deps.Audit != nil ||
		deps.Alerts != nil || deps.Outbox != nil {
		if deps.DB == nil {
			return nil, errors.New("realtime: db is required for inspection routes")
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{deps: deps, logger: logger, hub: deps.Hub}, nil
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	path := s.deps.Config.Path
	if path == "" {
		path = "/ws"
	}
	r.Handle(path, s.hub)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Devices != nil {
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{uuid}", s.handleGetDevice)
			r.Get("/devices/{uuid}/history", s.handleDeviceHistory)
			if s.deps.Alerts != nil {
				r.Get("/devices/{uuid}/alerts", s.handleDeviceAlerts)
			}
		}
		if s.deps.Events != nil {
			r.Get("/events", s.handleListEvents)
			r.Get("/events/{id}", s.handleGetEvent)
		}
		if s.deps.DeadLetters != nil {
			r.Get("/dead-letters", s.handleListDeadLetters)
		}
		if s.deps.Audit != nil {
			r.Get("/audit", s.handleListAudit)
		}
	})

	return r
}

// Start runs the hub and begins listening in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.deps.Config.Host, s.deps.Config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("realtime server error", "error", err)
		}
	}()
	s.logger.Info("realtime server listening", "address", ln.Addr().String(), "path", s.deps.Config.Path)
	return nil
}

// Close disconnects websocket clients and shuts the listener down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down realtime server: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code. It forwards Hijack so websocket
// upgrades pass through the logging middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("realtime: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
