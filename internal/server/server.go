// Package server exposes the read-only status API: health and job
// snapshots. The write surface (policy CRUD, explain, retry) lives in the
// cluster plugin REST layer, not here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/ism"
	"github.com/qreshi/index-management/pkg/rollup"
)

// Deps are the read-only collaborators the handlers consume.
type Deps struct {
	ISMSource    *ism.JobSource
	RollupSource *rollup.JobSource
	Logger       *zap.Logger
}

// Server is the status HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New builds the server and its routes.
func New(host string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{host: host, port: port, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/jobs", s.handleJobs(deps))
	r.Get("/jobs/{id}", s.handleJob(deps))

	s.router = r
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// ListenAndServe runs until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("Status server listening", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jobSummary is the wire form of one scheduled job.
type jobSummary struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []jobSummary

		if deps.ISMSource != nil {
			jobs, err := deps.ISMSource.ListJobs(r.Context())
			if err != nil {
				s.logger.Warn("Failed to list managed index jobs", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "failed to list jobs")
				return
			}
			for _, j := range jobs {
				out = append(out, jobSummary{ID: j.JobID(), Kind: "managed_index", Enabled: j.JobEnabled()})
			}
		}
		if deps.RollupSource != nil {
			jobs, err := deps.RollupSource.ListJobs(r.Context())
			if err != nil {
				s.logger.Warn("Failed to list rollup jobs", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "failed to list jobs")
				return
			}
			for _, j := range jobs {
				out = append(out, jobSummary{ID: j.JobID(), Kind: "rollup", Enabled: j.JobEnabled()})
			}
		}

		if out == nil {
			out = []jobSummary{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := s.findJob(r.Context(), deps, id)
		if err != nil {
			s.logger.Warn("Failed to look up job", zap.String("id", id), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "failed to look up job")
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("no job with id %q", id))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// findJob resolves one job by id across both families.
func (s *Server) findJob(ctx context.Context, deps Deps, id string) (*jobSummary, error) {
	if deps.ISMSource != nil {
		jobs, err := deps.ISMSource.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.JobID() == id {
				return &jobSummary{ID: id, Kind: "managed_index", Enabled: j.JobEnabled()}, nil
			}
		}
	}
	if deps.RollupSource != nil {
		jobs, err := deps.RollupSource.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.JobID() == id {
				return &jobSummary{ID: id, Kind: "rollup", Enabled: j.JobEnabled()}, nil
			}
		}
	}
	return nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
