package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fartnode/distributor/distributor/pkg/notify"
	"github.com/fartnode/distributor/distributor/pkg/summary"
)

//go:embed templates/index.html.tmpl
var templateFiles embed.FS

var indexTemplate = template.Must(template.New("index.html.tmpl").Funcs(template.FuncMap{
	"sol":       notify.FormatSOL,
	"timestamp": formatTimestamp,
}).ParseFS(templateFiles, "templates/index.html.tmpl"))

// SummaryReader is the read side of the epoch summary store.
type SummaryReader interface {
	ReadRecent(ctx context.Context, limit int) ([]summary.EpochSummary, error)
}

type Config struct {
	Logger *slog.Logger
	Store  SummaryReader
	Clock  clockwork.Clock

	// Limit is how many recent epochs are shown.
	Limit int

	// RequestsPerMinute and Burst bound each client IP.
	RequestsPerMinute int
	Burst             int

	// AllowedOrigins for cross-origin GETs. Empty allows any origin.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("summary store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = summary.DefaultRecentLimit
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}

// Server renders recent epoch summaries.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.Clock, rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.Burst, 5*time.Minute),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Limiter is exposed so the caller can run its sweep loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/", s.handleIndex)
		r.Get("/metrics.json", s.handleSummariesJSON)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.cfg.Store.ReadRecent(r.Context(), s.cfg.Limit)
	if err != nil {
		SummaryReadErrorsTotal.Inc()
		s.log.Error("monitor: failed to load epoch summaries", "error", err)
		http.Error(w, "Error loading summaries", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, struct{ Summaries []summary.EpochSummary }{summaries}); err != nil {
		s.log.Error("monitor: failed to render dashboard", "error", err)
		http.Error(w, "Error rendering summaries", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleSummariesJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	summaries, err := s.cfg.Store.ReadRecent(r.Context(), s.cfg.Limit)
	if err != nil {
		SummaryReadErrorsTotal.Inc()
		s.log.Error("monitor: failed to load epoch summaries", "error", err, "format", "json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Failed to read summaries"})
		return
	}
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		s.log.Warn("monitor: failed to write response", "error", err)
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
