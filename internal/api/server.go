package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/downloader"
	"fetchq/internal/ports"
	"fetchq/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine is what the API drives.
type Engine interface {
	SubmitBatch(ctx context.Context, tasks []*domain.Task) error
	Drain(ctx context.Context) error
	Query(ctx context.Context, id uint64) (domain.TaskInfo, error)
	Stats(ctx context.Context) (downloader.Stats, error)
	Finished(ctx context.Context) ([]domain.TaskInfo, error)
}

type Server struct {
	router *chi.Mux

	engine   Engine
	factory  usecase.Factory
	pipeline usecase.Pipeline
	// optional
	enqueuer  *usecase.Enqueuer
	catalogue ports.Catalogue
}

type Option func(*Server)

// WithEnqueuer enables POST /enqueue.
func WithEnqueuer(e usecase.Enqueuer) Option {
	return func(s *Server) { s.enqueuer = &e }
}

// WithCatalogue enables the /records routes.
func WithCatalogue(c ports.Catalogue) Option {
	return func(s *Server) { s.catalogue = c }
}

func NewServer(engine Engine, factory usecase.Factory, pipeline usecase.Pipeline, opts ...Option) *Server {
	s := &Server{engine: engine, factory: factory, pipeline: pipeline}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/tasks", s.submit)
	r.Get("/tasks", s.finished)
	r.Get("/tasks/{id}", s.query)
	r.Get("/stats", s.stats)
	r.Post("/drain", s.drain)
	r.Post("/enqueue", s.enqueue)
	r.Get("/records", s.records)
	r.Get("/records/{ref}", s.record)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

type submitResp struct {
	TaskID uint64 `json:"task_id"`
	Ref    string `json:"ref"`
}

// submit accepts a single request object or an array of them.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var reqs []domain.Request
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		var req domain.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		reqs = []domain.Request{req}
	}

	tasks := make([]*domain.Task, 0, len(reqs))
	out := make([]submitResp, 0, len(reqs))
	for i, req := range reqs {
		t, err := s.factory.Task(req, s.pipeline.Hooks())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("request %d: %w", i, err))
			return
		}
		tasks = append(tasks, t)
		out = append(out, submitResp{TaskID: t.ID(), Ref: t.Ref})
	}

	if err := s.engine.SubmitBatch(r.Context(), tasks); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := s.engine.Query(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) finished(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.Finished(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := infos[:0]
		for _, info := range infos {
			if string(info.Status) == status {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// drain waits for every submitted task, bounded by ?timeout (default 30s).
func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := s.engine.Drain(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.stats(w, r)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no intake configured"))
		return
	}
	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.enqueuer.Now(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	if s.catalogue == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no catalogue configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.catalogue.List(r.Context(), domain.TaskStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	if s.catalogue == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no catalogue configured"))
		return
	}
	rec, err := s.catalogue.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, domain.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		logger := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		next.ServeHTTP(ww, r)

		level := zerolog.DebugLevel
		if ww.Status() >= 500 {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// Run serves on port until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run(port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-done
	log.Info().Msg("Server stopped")
	return nil
}
