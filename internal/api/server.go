// Package api exposes scan sessions and adaptive weights over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/pipeline"
	"github.com/sells-group/scout-cli/internal/store"
	"github.com/sells-group/scout-cli/internal/weights"
)

// Pipeline is the session surface served by the API.
type Pipeline interface {
	CreateSession(ctx context.Context, userID string, source model.SourceType, payload string) (*model.ScanSession, error)
	Start(ctx context.Context, sessionID string)
	GetSession(ctx context.Context, sessionID string) (*model.ScanSession, error)
	ListResults(ctx context.Context, sessionID string) ([]model.ScoredResult, error)
	ListEvents(ctx context.Context, sessionID string) ([]model.ProgressEvent, error)
	ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error)
	ReconcileStaleSessions(ctx context.Context, timeout time.Duration) (int, error)
}

// Weights is the adaptive weight surface served by the API.
type Weights interface {
	Current(ctx context.Context, userID string) (*model.UserWeights, error)
	RecordOutcome(ctx context.Context, userID string, feature model.Feature, outcome model.Outcome, value float64) (*model.UserWeights, error)
	Reset(ctx context.Context, userID string) (*model.UserWeights, error)
	Events(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	CreateRatePerSec float64
	CreateBurst      int
	AllowedOrigins   []string
	StaleAfter       time.Duration
	MaxPayloadBytes  int64
	RequestTimeout   time.Duration
}

// Server holds the handlers' dependencies.
type Server struct {
	pipeline Pipeline
	weights  Weights
	health   Pinger
	cfg      Config

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewServer creates a Server.
func NewServer(p Pipeline, w Weights, health Pinger, cfg Config) *Server {
	if cfg.CreateRatePerSec <= 0 {
		cfg.CreateRatePerSec = 5
	}
	if cfg.CreateBurst <= 0 {
		cfg.CreateBurst = 10
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 4 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		pipeline: p,
		weights:  w,
		health:   health,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/results", s.handleListResults)
			r.Get("/events", s.handleListEvents)
			r.Get("/entities", s.handleListEntities)
		})
	})

	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/weights", s.handleGetWeights)
		r.Delete("/weights", s.handleResetWeights)
		r.Get("/weights/events", s.handleWeightEvents)
		r.Post("/outcomes", s.handleRecordOutcome)
	})

	r.Post("/maintenance/reconcile", s.handleReconcile)
	return r
}

// createLimiter returns the token bucket for a user. The map is dropped
// hourly to bound memory.
func (s *Server) createLimiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastCleanup) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.CreateRatePerSec), s.cfg.CreateBurst)
		s.limiters[userID] = l
	}
	return l
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, weights.ErrUnknownFeature),
		errors.Is(err, weights.ErrUnknownOutcome),
		errors.Is(err, weights.ErrInvalidValue),
		errors.Is(err, pipeline.ErrInvalidSource),
		errors.Is(err, pipeline.ErrMissingUser):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrSessionTerminal), errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		zap.L().Warn("api: request timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "timed out")
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
