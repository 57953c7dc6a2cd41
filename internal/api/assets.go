package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/storage"
)

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var exts []string
	if raw := q.Get("ext"); raw != "" {
		exts = strings.Split(raw, ",")
	}
	fromRecords := false
	switch q.Get("source") {
	case "", "storage":
	case "records":
		fromRecords = true
	default:
		s.sendError(w, http.StatusBadRequest, "source must be storage or records")
		return
	}

	root, err := s.cfg.Service.Tree(r.Context(), tenantID, q.Get("root"), exts, fromRecords)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, r, http.StatusOK, root)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	if path == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}
	if r.ContentLength > s.cfg.MaxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	asset, err := s.cfg.Service.Upload(r.Context(), tenantID, path, body, r.ContentLength, contentType)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, r, http.StatusCreated, asset)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	asset, err := s.cfg.Service.CreateFolder(r.Context(), tenantID, r.PathValue("path"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, r, http.StatusCreated, asset)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	asset, err := s.cfg.Service.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, r, http.StatusOK, asset)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	children, err := s.cfg.Service.Children(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if children == nil {
		children = []*metadata.Asset{}
	}
	s.sendJSON(w, r, http.StatusOK, children)
}

// RenameRequest is the body of PATCH /api/v1/assets/{id}.
type RenameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req RenameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, err := s.cfg.Service.Rename(r.Context(), tenantID, r.PathValue("id"), req.Name)
	s.sendReport(w, r, report, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	report, err := s.cfg.Service.Delete(r.Context(), tenantID, r.PathValue("id"))
	s.sendReport(w, r, report, err)
}

func (s *Server) handleURL(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	ttl := storage.DefaultLinkTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			s.sendError(w, http.StatusBadRequest, "ttl must be a duration up to 168h")
			return
		}
		ttl = d
	}

	link, err := s.cfg.Service.PresignedURL(r.Context(), tenantID, r.PathValue("id"), ttl)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, r, http.StatusOK, map[string]any{
		"url":        link,
		"expires_at": time.Now().Add(ttl).UTC(),
	})
}
