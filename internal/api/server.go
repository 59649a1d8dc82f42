// Package api exposes the HTTP status interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/config"
	"github.com/rawer886/weibo-crawler/internal/crawl"
	"github.com/rawer886/weibo-crawler/internal/metrics"
)

// Store is the read surface the API serves from. Every store backend
// satisfies it.
type Store interface {
	crawl.DedupStore
	GetAuthor(ctx context.Context, authorID string) (crawl.Author, error)
}

// Server wires HTTP handlers to the dedup and progress stores.
type Server struct {
	router   chi.Router
	store    Store
	progress crawl.ProgressStore
	cfg      config.ServerConfig
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, progress crawl.ProgressStore, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		store:    store,
		progress: progress,
		cfg:      cfg,
		logger:   logger,
	}
	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Route("/authors/{author_id}", func(r chi.Router) {
			r.Get("/", s.getAuthor)
			r.Get("/progress", s.getAuthorProgress)
		})
		r.Route("/posts/{post_id}", func(r chi.Router) {
			r.Get("/", s.getPost)
			r.Get("/comments", s.getPostComments)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Readiness means the backing store answers queries.
	if _, err := s.store.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getAuthor(w http.ResponseWriter, r *http.Request) {
	authorID := chi.URLParam(r, "author_id")
	author, err := s.store.GetAuthor(r.Context(), authorID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "author not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load author")
		return
	}
	writeJSON(w, http.StatusOK, author)
}

func (s *Server) getAuthorProgress(w http.ResponseWriter, r *http.Request) {
	authorID := chi.URLParam(r, "author_id")
	author, err := s.store.GetAuthor(r.Context(), authorID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "author not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load author")
		return
	}
	progress, ok, err := s.progress.Progress(r.Context(), authorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	resp := authorProgressResponse{Author: author}
	if ok {
		resp.ListScanCursor = progress.ListScanCursor
		resp.UpdatedAt = &progress.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "post_id")
	post, err := s.store.GetPost(r.Context(), postID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load post")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) getPostComments(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "post_id")
	exists, err := s.store.PostExists(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load post")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	comments, err := s.store.ListComments(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load comments")
		return
	}
	writeJSON(w, http.StatusOK, postCommentsResponse{
		PostID:   postID,
		Count:    len(comments),
		Comments: crawl.BuildThread(comments),
	})
}

type authorProgressResponse struct {
	Author         crawl.Author `json:"author"`
	ListScanCursor string       `json:"list_scan_cursor,omitempty"`
	UpdatedAt      *time.Time   `json:"updated_at,omitempty"`
}

type postCommentsResponse struct {
	PostID   string             `json:"post_id"`
	Count    int                `json:"count"`
	Comments []crawl.ThreadNode `json:"comments"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
