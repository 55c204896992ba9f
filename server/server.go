package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

// Where planners come from. Implemented by journey.Manager.
type PlannerSource interface {
	Current(source string) (*journey.Planner, error)
}

type Config struct {
	// Feed sources that may be queried. The first is the default
	// when a request names none.
	Feeds []string

	// Served at /metrics if set.
	Metrics http.Handler

	// Requests per second across all clients. Zero disables
	// limiting.
	RateLimit int

	Logger *slog.Logger
}

type Server struct {
	source  PlannerSource
	feeds   map[string]bool
	def     string
	metrics http.Handler
	limiter *rate.Limiter
	logger  *slog.Logger
}

type ItineraryResponse struct {
	Feed      string           `json:"feed"`
	Query     QueryResponse    `json:"query"`
	Itinerary *model.Itinerary `json:"itinerary"`
}

type QueryResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
	Mode string `json:"mode"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func New(source PlannerSource, cfg Config) *Server {
	s := &Server{
		source:  source,
		feeds:   map[string]bool{},
		metrics: cfg.Metrics,
		logger:  logging.OrDefault(cfg.Logger),
	}
	for _, feed := range cfg.Feeds {
		s.feeds[feed] = true
	}
	if len(cfg.Feeds) > 0 {
		s.def = cfg.Feeds[0]
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return s
}

// The complete HTTP handler, with compression applied.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/v1/direct", s.query(journey.ModeDirect))
	router.GET("/v1/transfer", s.query(journey.ModeTransfer))
	router.GET("/v1/plan", s.query(""))
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}

	var handler http.Handler = router
	if s.limiter != nil {
		handler = s.rateLimit(handler)
	}
	handler = s.withRequestLogger(handler)

	return gzhttp.GzipHandler(handler)
}

// Stores a logger carrying the request path in the request context.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.sendError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(response)
	if err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, err error) {
	s.sendJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := http.StatusOK
	feeds := map[string]string{}
	for feed := range s.feeds {
		_, err := s.source.Current(feed)
		if err != nil {
			feeds[feed] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		feeds[feed] = "ok"
	}
	s.sendJSON(w, status, map[string]interface{}{"feeds": feeds})
}

func (s *Server) query(mode journey.Mode) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		start := time.Now()
		params := r.URL.Query()

		from := params.Get("from")
		to := params.Get("to")
		if from == "" || to == "" {
			s.sendError(w, http.StatusBadRequest, errors.New("from and to are required"))
			return
		}

		at, err := parse.ParseQueryTime(params.Get("at"))
		if err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Errorf("bad at: %w", err))
			return
		}

		mode := mode
		if mode == "" {
			mode, err = journey.ParseMode(params.Get("mode"))
			if err != nil {
				s.sendError(w, http.StatusBadRequest, err)
				return
			}
		}

		feed := params.Get("feed")
		if feed == "" {
			feed = s.def
		}
		if !s.feeds[feed] {
			s.sendError(w, http.StatusNotFound, fmt.Errorf("unknown feed '%s'", feed))
			return
		}

		planner, err := s.source.Current(feed)
		if errors.Is(err, journey.ErrNoIndex) {
			s.sendError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			logging.LogError(logging.FromContext(r.Context()), "getting planner", err, slog.String("feed", feed))
			s.sendError(w, http.StatusInternalServerError, errors.New("internal server error"))
			return
		}

		it, found, err := planner.Plan(r.Context(), journey.Query{
			From: from,
			To:   to,
			At:   at,
			Mode: mode,
		})
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err)
			return
		}

		response := ItineraryResponse{
			Feed: feed,
			Query: QueryResponse{
				From: from,
				To:   to,
				At:   parse.FormatTime(at),
				Mode: string(mode),
			},
		}
		if found {
			response.Itinerary = &it
		}

		logging.FromContext(r.Context()).Debug("query",
			slog.String("feed", feed),
			slog.String("from", from),
			slog.String("to", to),
			slog.String("mode", string(mode)),
			slog.Bool("found", found),
			slog.Duration("duration", time.Since(start)))

		s.sendJSON(w, http.StatusOK, response)
	}
}
