package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"github.com/gamedata-sync/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// GameDataService is the child-scoped game data API
type GameDataService interface {
	ProvisionChild(ctx context.Context, childID uuid.UUID) (bool, error)
	ProvisionInstance(ctx context.Context, childID uuid.UUID, gameKey string, settings json.RawMessage) (*domain.ChildGameInstance, bool, error)
	GetInstance(ctx context.Context, childID uuid.UUID, gameKey string) (*domain.ChildGameInstance, error)
	UpdateInstanceSettings(ctx context.Context, childID uuid.UUID, gameKey string, settings json.RawMessage) (*domain.ChildGameInstance, error)
	SaveChildData(ctx context.Context, childID uuid.UUID, req domain.SaveGameDataRequest) (*domain.GameDataRecord, error)
	GetChildData(ctx context.Context, childID uuid.UUID, gameKey, dataKey string) (*domain.GameDataRecord, error)
	ListChildData(ctx context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error)
	DeleteChildData(ctx context.Context, childID uuid.UUID, gameKey, dataKey string) (bool, error)
	DeleteChildGameData(ctx context.Context, childID uuid.UUID, gameKey string) (int, error)
}

// GameCatalog is the game registry
type GameCatalog interface {
	Register(ctx context.Context, def domain.GameDefinition) (*domain.GameDefinition, error)
	GetByKey(gameKey string) (*domain.GameDefinition, error)
	ListActive() []domain.GameDefinition
	SetActive(ctx context.Context, gameKey string, active bool) (*domain.GameDefinition, error)
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Options configures the router
type Options struct {
	MaxBodyBytes   int64
	MetricsEnabled bool
	MetricsPath    string
}

// Handler provides HTTP handlers for the game data API
type Handler struct {
	data    GameDataService
	catalog GameCatalog
	hub     *websocket.Hub
	checks  map[string]ReadinessCheck
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler. hub may be nil when the change
// feed is disabled.
func NewHandler(data GameDataService, catalog GameCatalog, hub *websocket.Hub, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Handler{
		data:    data,
		catalog: catalog,
		hub:     hub,
		checks:  make(map[string]ReadinessCheck),
		opts:    opts,
		logger:  logger,
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.opts.MetricsEnabled {
		r.Use(metrics.InstrumentHandler)
	}
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.opts.MetricsEnabled {
		r.Handle(h.opts.MetricsPath, metrics.Handler())
	}

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)
	r.Get("/ws/stats", h.GetWebSocketStats)

	r.Route("/games", func(r chi.Router) {
		r.Get("/", h.ListGames)
		r.Get("/{gameKey}", h.GetGame)

		r.Route("/children/{childId}", func(r chi.Router) {
			r.Put("/data", h.SaveData)
			r.Get("/data", h.ListData)
			r.Get("/data/{gameKey}/{dataKey}", h.GetData)
			r.Delete("/data/{gameKey}/{dataKey}", h.DeleteData)
			r.Delete("/data/{gameKey}", h.DeleteGameData)

			r.Post("/instances/{gameKey}", h.CreateInstance)
			r.Get("/instances/{gameKey}", h.GetInstance)
			r.Put("/instances/{gameKey}/settings", h.UpdateInstanceSettings)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/games", h.RegisterGame)
		r.Put("/games/{gameKey}/active", h.SetGameActive)
		r.Put("/children/{childId}", h.ProvisionChild)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Message: message,
	})
}

// writeServiceError maps a typed service error to a status code. Unexpected
// errors are logged and hidden from the caller.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err.Error())
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsTransientError(err):
		h.logger.Warn(op+" failed transiently",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
	default:
		h.logger.Error(op+" failed",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError.Error())
	}
}

// decodeBody decodes a JSON request body into dst. When optional is set an
// empty body leaves dst untouched.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	h.writeError(w, http.StatusBadRequest, "malformed JSON request body")
	return false
}

// childID parses the childId path parameter, writing a 400 on failure
func (h *Handler) childID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "childId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid child ID format")
		return uuid.Nil, false
	}
	return id, true
}

// pathParam returns a decoded path parameter. chi matches against the raw
// path when the request carries escapes such as %2F, and its parameters are
// then still escaped.
func pathParam(r *http.Request, name string) (string, error) {
	value := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return value, nil
	}
	return url.PathUnescape(value)
}

// recordKey reads the gameKey and dataKey path parameters, writing a 400 on
// a malformed escape
func (h *Handler) recordKey(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	gameKey, err := pathParam(r, "gameKey")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid game key escape")
		return "", "", false
	}
	dataKey, err := pathParam(r, "dataKey")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid data key escape")
		return "", "", false
	}
	return gameKey, dataKey, true
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusNotFound, "change feed disabled")
		return
	}
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	total := 0
	if h.hub != nil {
		total = h.hub.GetTotalConnections()
	}
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": total,
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Message: "not ready",
			Data:    status,
		})
		return
	}
	status["status"] = "ready"
	h.writeSuccess(w, status)
}
