package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/circuitbreaker"
	"github.com/yourorg/realm-aggregator/internal/config"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/publish"
	"github.com/yourorg/realm-aggregator/internal/refresh"
	"github.com/yourorg/realm-aggregator/internal/security"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server serves the published realm summaries over HTTP
type Server struct {
	cfg      config.Config
	realms   *config.Registry
	service  *refresh.Service
	hub      *publish.Hub
	exporter *publish.Exporter
	signer   *security.Signer
	gatherer prometheus.Gatherer
	metrics  *serverMetrics

	rateLimit *rate.Limiter
	server    *http.Server
}

// serverMetrics holds Prometheus metrics for the HTTP API
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_api_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realm_api_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "realm_api_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
	}

	reg.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.rateLimited,
	)
	return m
}

// ServerDeps are the components a Server exposes
type ServerDeps struct {
	Realms   *config.Registry
	Service  *refresh.Service
	Hub      *publish.Hub
	Exporter *publish.Exporter
	Signer   *security.Signer
	Registry *prometheus.Registry
}

// NewServer creates a server instance
func NewServer(cfg config.Config, deps ServerDeps) *Server {
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	s := &Server{
		cfg:       cfg,
		realms:    deps.Realms,
		service:   deps.Service,
		hub:       deps.Hub,
		exporter:  deps.Exporter,
		signer:    deps.Signer,
		gatherer:  deps.Registry,
		metrics:   registerMetrics(deps.Registry),
		rateLimit: rate.NewLimiter(limit, cfg.RateLimitBurst),
	}

	logrus.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"realms":     len(deps.Realms.Realms()),
		"rate_limit": cfg.RateLimitRPS,
		"exporter":   deps.Exporter != nil,
	}).Info("Server initialized")
	return s
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.StripSlashes)
	mux.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)
	mux.Use(s.instrument)

	mux.Get("/health", s.handleHealth)
	mux.Get("/status", s.handleStatus)
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Get("/circuit", s.handleCircuit)
	mux.Post("/circuit", s.handleCircuit)

	mux.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Get("/realms", s.handleRealms)
		r.Get("/realms/{id}", s.handleRealm)
		r.Get("/realms/{id}/markets", s.handleMarkets)
		r.Get("/realms/{id}/events", s.handleEvents)
		r.Post("/realms/{id}/refresh", s.handleRefresh)
	})
	return mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: event streams stay open
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimit.Allow() {
			s.metrics.rateLimited.Inc()
			errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "operational",
		"uptime":    time.Since(startTime).String(),
		"version":   version,
		"realms":    s.service.Status(),
		"published": s.hub.RealmIDs(),
		"configuration": map[string]interface{}{
			"refresh_interval": s.cfg.RefreshInterval.String(),
			"apy_model":        s.cfg.APYModel,
			"account":          s.cfg.Account,
		},
	}
	if s.signer != nil {
		status["signer"] = s.signer.Address().Hex()
	}
	if s.exporter != nil {
		status["exporter"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// realmInfo is the listing entry of a realm
type realmInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Key         string `json:"key"`
	Markets     int    `json:"markets"`
	Published   bool   `json:"published"`
	CollectedAt int64  `json:"collectedAt,omitempty"`
}

func (s *Server) handleRealms(w http.ResponseWriter, r *http.Request) {
	realms := s.realms.Realms()
	out := make([]realmInfo, 0, len(realms))
	for _, realm := range realms {
		info := realmInfo{
			ID:      realm.ID,
			Name:    realm.Name,
			Icon:    realm.Icon,
			Key:     realm.Key,
			Markets: len(realm.Markets),
		}
		if summary, ok := s.hub.Latest(realm.ID); ok {
			info.Published = true
			info.CollectedAt = summary.CollectedAt
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRealm(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.latest(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if signed, _ := strconv.ParseBool(r.URL.Query().Get("signed")); signed {
		if s.signer == nil {
			errorResponse(w, http.StatusNotImplemented, "Signing is not configured")
			return
		}
		env, err := s.signer.Sign(summary)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, env)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.latest(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summary.MarketData)
}

// handleEvents streams the realm's summaries as server-sent events, starting
// with the current one if any
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	realmID := chi.URLParam(r, "id")
	if _, _, err := s.realms.Realm(realmID); err != nil {
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	updates, cancel := s.hub.Subscribe(realmID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if summary, ok := s.hub.Latest(realmID); ok {
		if err := writeEvent(w, summary); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case summary, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, summary); err != nil {
				logrus.WithField("realm", realmID).WithError(err).Debug("Event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Refresh(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, config.ErrUnknownRealm):
		errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

// latest writes an error and returns false unless the realm has a summary
func (s *Server) latest(w http.ResponseWriter, realmID string) (*model.Summary, bool) {
	if _, _, err := s.realms.Realm(realmID); err != nil {
		errorResponse(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	summary, ok := s.hub.Latest(realmID)
	if !ok {
		errorResponse(w, http.StatusServiceUnavailable, "No summary published yet for realm "+realmID)
		return nil, false
	}
	return summary, true
}

// handleCircuit allows viewing and resetting the circuit breakers
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	realmID := r.URL.Query().Get("realm")
	if realmID == "" {
		if r.Method == http.MethodPost {
			errorResponse(w, http.StatusBadRequest, "realm is required")
			return
		}
		circuits := make(map[string]circuitbreaker.Status)
		for _, st := range s.service.Status() {
			circuits[st.RealmID] = st.Circuit
		}
		writeJSON(w, http.StatusOK, circuits)
		return
	}

	if _, _, err := s.realms.Realm(realmID); err != nil {
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	breaker := s.service.Breaker(realmID)

	response := map[string]interface{}{}
	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		breaker.Reset()
		response["message"] = "Circuit breaker reset"
	}
	response["state"] = breaker.GetState()

	if good := breaker.LastGood(); good != nil && good.CollectedAt != 0 {
		response["last_good_timestamp"] = time.Unix(good.CollectedAt, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}
