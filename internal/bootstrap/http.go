package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Popie52/jobclerk/internal/model"
)

const requestIDHeader = "X-Request-Id"

var (
	errRouteNotFound    = errors.New("no such route")
	errMethodNotAllowed = errors.New("method not allowed")
)

// JobService is the part of core.Service the HTTP layer needs.
type JobService interface {
	AddJob(ctx context.Context, project string, payload json.RawMessage) (*model.Job, error)
	ListJobs(ctx context.Context, project string) ([]*model.Job, error)
	GetJob(ctx context.Context, project string, id int64) (*model.Job, error)
	ClaimNext(ctx context.Context, project, runner string) (*model.Job, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	MaxBodyBytes int64
	Metrics      http.Handler
}

func NewRouter(svc JobService, health Pinger, logger zerolog.Logger, cfg RouterConfig) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Use(recoverer)

	// Set before any Route call so the subrouters inherit them.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("%w: %s %s", errRouteNotFound, r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("%w: %s %s", errMethodNotAllowed, r.Method, r.URL.Path))
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Get("/health", healthHandler(health))

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", listProjectsHandler(svc))
		r.Route("/{project}", func(r chi.Router) {
			r.Get("/jobs", listJobsHandler(svc))
			r.Post("/jobs", addJobHandler(svc, cfg.MaxBodyBytes))
			r.Get("/jobs/{id}", getJobHandler(svc))

			claim := claimHandler(svc, cfg.MaxBodyBytes)
			r.Post("/take-job", claim)
			r.Post("/request-job", claim)
		})
	})

	return r
}

// requestLogger tags each request with a ULID, stores a request-scoped
// logger in the context and logs the outcome.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = ulid.Make().String()
			}
			w.Header().Set(requestIDHeader, id)

			l := base.With().Str("request_id", id).Logger()
			r = r.WithContext(l.WithContext(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := l.Debug()
			if status >= http.StatusInternalServerError {
				ev = l.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

// recoverer turns a handler panic into a JSON internal error.
// http.ErrAbortHandler is re-raised so net/http can abort the response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rvr).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			writeError(w, r, fmt.Errorf("panic: %v", rvr))
		}()
		next.ServeHTTP(w, r)
	})
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func listProjectsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := svc.ListProjects(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		names := make([]string, 0, len(projects))
		for _, p := range projects {
			names = append(names, p.Name)
		}
		writeJSON(w, http.StatusOK, names)
	}
}

func listJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := svc.ListJobs(r.Context(), chi.URLParam(r, "project"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*model.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func addJobHandler(svc JobService, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, r, bodyErr(err))
			return
		}

		job, err := svc.AddJob(r.Context(), chi.URLParam(r, "project"), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func getJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: job id must be an integer", model.ErrValidation))
			return
		}

		job, err := svc.GetJob(r.Context(), chi.URLParam(r, "project"), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type claimRequest struct {
	Runner string `json:"runner"`
}

// claimHandler serves both take-job and request-job. The runner comes from
// the JSON body, or from ?runner= when the body is empty or omits it.
func claimHandler(svc JobService, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, bodyErr(err))
			return
		}
		if req.Runner == "" {
			req.Runner = r.URL.Query().Get("runner")
		}

		job, err := svc.ClaimNext(r.Context(), chi.URLParam(r, "project"), req.Runner)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func bodyErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body too large", model.ErrValidation)
	}
	return fmt.Errorf("%w: malformed request body", model.ErrValidation)
}

// Responses

type errorResponse struct {
	Status  int    `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrProjectNotFound), errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, errRouteNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrConflictRetryExhausted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrStorage):
		return http.StatusServiceUnavailable, "storage"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)

	l := zerolog.Ctx(r.Context())
	ev := l.Info()
	if status >= http.StatusInternalServerError {
		ev = l.Error()
	}
	ev.Err(err).Str("kind", kind).Int("status", status).Msg("request failed")

	msg := err.Error()
	if kind == "internal" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Status: status, Kind: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
