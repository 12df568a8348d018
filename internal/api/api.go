// Package api serves the HTTP interface of the transcription service:
// account management, upload and processing of recordings, document
// download, live status events and semantic search.
//
// Every /transcriptions route requires a bearer token and only ever sees the
// caller's own jobs; a job of another owner is reported as not found.
// Errors are returned as JSON objects of the form {"detail": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/pocwisper/internal/auth"
	"github.com/MrWong99/pocwisper/internal/events"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/internal/pipeline"
	"github.com/MrWong99/pocwisper/internal/search"
)

// Version is reported by the banner endpoint.
const Version = "1.0.0"

// DefaultMaxUploadBytes caps an upload when no limit is configured.
const DefaultMaxUploadBytes = 512 << 20

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// Processor runs the processing pipeline of one job.
type Processor interface {
	Process(ctx context.Context, ownerID, jobID int64) (*job.Job, error)
}

// Files persists uploaded audio and removes job files.
type Files interface {
	SaveAudio(ownerID int64, name string, r io.Reader) (string, error)
	Remove(paths ...string) error
}

// Searcher answers semantic queries over refined transcripts.
type Searcher interface {
	Query(ctx context.Context, ownerID int64, q string, limit int) ([]search.Hit, error)
	Remove(ctx context.Context, ownerID, jobID int64) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	auth      *auth.Service
	store     job.Store
	files     Files
	processor Processor

	hub       *events.Hub
	searcher  Searcher
	metrics   *observe.Metrics
	origins   []string
	maxUpload int64
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithEvents enables the websocket status stream backed by hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithSearch enables the search endpoint and removes deleted jobs from the
// index.
func WithSearch(sr Searcher) Option {
	return func(s *Server) { s.searcher = sr }
}

// WithMetrics records upload metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the browser origins allowed to open event streams.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMaxUploadBytes caps the request body of an upload.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New creates a Server.
func New(authSvc *auth.Service, store job.Store, files Files, processor Processor, opts ...Option) *Server {
	s := &Server{
		auth:      authSvc,
		store:     store,
		files:     files,
		processor: processor,
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds all API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.Handle("GET /auth/me", s.authed(s.handleMe))
	mux.Handle("DELETE /auth/me", s.authed(s.handleDeleteMe))

	mux.Handle("POST /transcriptions/{$}", s.authed(s.handleCreate))
	mux.Handle("GET /transcriptions/{$}", s.authed(s.handleList))
	mux.Handle("GET /transcriptions/search", s.authed(s.handleSearch))
	mux.Handle("GET /transcriptions/{id}", s.authed(s.handleGet))
	mux.Handle("POST /transcriptions/{id}/process", s.authed(s.handleProcess))
	mux.Handle("GET /transcriptions/{id}/download", s.authed(s.handleDownload))
	mux.Handle("GET /transcriptions/{id}/events", s.authed(s.handleEvents))
	mux.Handle("DELETE /transcriptions/{id}", s.authed(s.handleDelete))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Pocwisper API",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ownerHandler is an http handler that runs on behalf of an authenticated owner.
type ownerHandler func(w http.ResponseWriter, r *http.Request, owner *job.Owner)

// authed resolves the bearer token of the request and rejects it with 401
// when it is missing or invalid.
func (s *Server) authed(h ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			writeError(w, r, auth.ErrInvalidToken)
			return
		}
		owner, err := s.auth.Authenticate(r.Context(), tok)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r, owner)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeError maps err to a status code and detail message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		maxErr  *http.MaxBytesError
		stepErr *pipeline.StepError
	)
	switch {
	case errors.Is(err, job.ErrBadInput):
		writeDetail(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), job.ErrBadInput.Error()+": "))
	case errors.Is(err, job.ErrDuplicate):
		writeDetail(w, http.StatusBadRequest, "Username or email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
	case errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
	case errors.Is(err, job.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Transcription not found")
	case errors.Is(err, job.ErrConflict):
		writeDetail(w, http.StatusConflict, "Transcription is already being processed")
	case errors.Is(err, pipeline.ErrDraining):
		writeDetail(w, http.StatusServiceUnavailable, "Server is shutting down")
	case errors.As(err, &stepErr):
		writeDetail(w, http.StatusInternalServerError, "Error processing transcription: "+stepErr.Err.Error())
	case errors.As(err, &maxErr):
		writeDetail(w, http.StatusRequestEntityTooLarge, "Upload too large")
	default:
		observe.Logger(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}
