// Package api provides the HTTP server and handlers for the asset namespace.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/namespace"
	"github.com/fruitsalade/assetspace/internal/queue"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/local"
	"github.com/fruitsalade/assetspace/internal/sweeper"
)

// TenantHeader carries the calling tenant's id.
const TenantHeader = "X-Tenant-ID"

// Enqueuer hands work to the background worker.
type Enqueuer interface {
	EnqueueSweep(ctx context.Context, cutoffDays int) (string, error)
	EnqueueImport(ctx context.Context, p queue.ImportPayload) (string, error)
}

// Config wires a Server.
type Config struct {
	Service *namespace.Service
	Sweeper *sweeper.Sweeper

	// Queue is optional; without it async requests are rejected.
	Queue Enqueuer

	// Files and Signer serve signed links for the local backend. Both are
	// nil when objects live in a remote store that presigns natively.
	Files  *local.Backend
	Signer *storage.URLSigner

	MaxUploadSize   int64
	MaxArchiveSize  int64
	SweepCutoffDays int

	// CORSOrigins enables cross-origin requests from these origins.
	CORSOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	cfg Config
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 100 * 1024 * 1024
	}
	if cfg.MaxArchiveSize <= 0 {
		cfg.MaxArchiveSize = 512 * 1024 * 1024
	}
	if cfg.SweepCutoffDays <= 0 {
		cfg.SweepCutoffDays = 1
	}
	return &Server{cfg: cfg}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("POST /api/v1/content/{path...}", s.handleUpload)
	mux.HandleFunc("POST /api/v1/folders/{path...}", s.handleCreateFolder)
	mux.HandleFunc("GET /api/v1/assets/{id}", s.handleGetAsset)
	mux.HandleFunc("PATCH /api/v1/assets/{id}", s.handleRename)
	mux.HandleFunc("DELETE /api/v1/assets/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/assets/{id}/url", s.handleURL)
	mux.HandleFunc("GET /api/v1/assets/{id}/children", s.handleChildren)
	mux.HandleFunc("POST /api/v1/import", s.handleImport)

	// Admin maintenance
	mux.HandleFunc("POST /api/v1/sweep", s.handleSweep)

	// Signed links for the local backend
	mux.HandleFunc("GET /files/{key...}", s.handleFile)

	// metrics sits inside logging so it sees the pattern the mux matched.
	handler := logging.Middleware(metrics.Middleware(mux))

	if len(s.cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", TenantHeader},
		}).Handler(handler)
	}
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": s.cfg.Service.Backend().Type(),
	})
}

// tenant returns the caller's tenant id or writes a 400.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(TenantHeader))
	if id == "" {
		s.sendError(w, http.StatusBadRequest, TenantHeader+" header required")
		return "", false
	}
	return id, true
}

func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusOK && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(v)
		return
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendFailure maps err to a status code and writes it.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", logging.Err(err))
	}
	s.sendError(w, code, err.Error())
}

func statusFor(err error) int {
	var (
		se  *storage.Error
		mbe *http.MaxBytesError
	)
	switch {
	case errors.Is(err, keys.ErrInvalidPath), errors.Is(err, keys.ErrInvalidName),
		errors.Is(err, namespace.ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, namespace.ErrAssetNotFound), storage.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, namespace.ErrAssetExists):
		return http.StatusConflict
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &se):
		if se.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendReport writes a cascade or import outcome: 207 when some items
// failed, otherwise 200.
func (s *Server) sendReport(w http.ResponseWriter, r *http.Request, v any, err error) {
	var pfe *namespace.PartialFailureError
	switch {
	case err == nil:
		s.sendJSON(w, r, http.StatusOK, v)
	case errors.As(err, &pfe):
		logging.WithContext(r.Context()).Warn("partial failure",
			logging.String("op", pfe.Op),
			logging.Int("failed", len(pfe.Failed)))
		s.sendJSON(w, r, http.StatusMultiStatus, v)
	default:
		s.sendFailure(w, r, err)
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}
