// Package server exposes the pipeline, queue and admin surfaces over HTTP.
// Identity travels in X-Corpus-Author / X-Corpus-Org headers; requests
// without them fall back to the legacy bypass on the job surface and are
// rejected on the admin surface.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/clearance"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/pipeline"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

const (
	headerAuthor = "X-Corpus-Author"
	headerOrg    = "X-Corpus-Org"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	store      store.Store
	pipeline   *pipeline.Service
	queue      *queue.Service
	chainer    *claims.Chainer
	clearances *clearance.Service
	recorder   audit.Recorder
	logger     *zap.Logger
}

// New creates a Server over the wired services.
func New(s store.Store, p *pipeline.Service, q *queue.Service, ch *claims.Chainer, cl *clearance.Service, rec audit.Recorder) *Server {
	return &Server{
		store:      s,
		pipeline:   p,
		queue:      q,
		chainer:    ch,
		clearances: cl,
		recorder:   rec,
		logger:     zap.L().Named("server"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", headerAuthor, headerOrg},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/collections", func(r chi.Router) {
		r.With(s.requireAdmin).Post("/", s.handleCreateCollection)
		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", s.handleGetCollection)
			r.Post("/batch", s.handleWriteBatch)
			r.Get("/entries/{id}", s.handleGetEntry)
			r.Post("/entries/{id}/claims", s.handleSetClaims)
			r.Get("/jobs/next", s.handleClaimNext)
			r.Post("/jobs/{id}/complete", s.handleCompleteJob)
			r.Post("/jobs/{id}/fail", s.handleFailJob)
			r.Get("/jobs/stats", s.handleJobStats)
			r.With(s.requireAdmin).Get("/audit", s.handleQueryAudit)
		})
	})

	r.Route("/clearances", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleListClearances)
		r.Post("/", s.handleUpsertClearance)
		r.Delete("/{author}/{org}", s.handleDeleteClearance)
		r.Post("/flush", s.handleFlushClearances)
	})

	r.With(s.requireAdmin).Get("/audit", s.handleQueryAudit)

	return r
}

// identity returns the caller's author/org headers. Both empty means the
// caller presented no identity at all.
func identity(r *http.Request) (author, org string) {
	return r.Header.Get(headerAuthor), r.Header.Get(headerOrg)
}

// grant resolves the caller's clearance, or nil when no identity was
// presented.
func (s *Server) grant(r *http.Request) (*label.Clearance, error) {
	author, org := identity(r)
	if author == "" {
		return nil, nil
	}
	g, err := s.clearances.Resolve(r.Context(), author, org)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// requireAdmin gates the admin surface: an identity must be presented and
// its grant must reach the top level. Grants are seeded out of band with
// `corpus migrate --seed`.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		author, _ := identity(r)
		if author == "" {
			s.writeError(w, r, model.ErrForbidden)
			return
		}
		g, err := s.grant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if g == nil || g.Level != label.LevelTopSecret {
			s.writeError(w, r, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain error kinds to status codes. Unknown errors are
// logged server-side and returned as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.ErrValidation
	}
	return nil
}
