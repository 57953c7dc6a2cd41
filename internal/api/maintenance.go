package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/namespace"
	"github.com/fruitsalade/assetspace/internal/queue"
)

// ImportResponse is returned by a synchronous import.
type ImportResponse struct {
	Records []*metadata.Asset       `json:"records"`
	Report  *namespace.ImportReport `json:"report"`
}

// JobResponse is returned when work is queued.
type JobResponse struct {
	TaskID     string `json:"task_id"`
	StagingKey string `json:"staging_key,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	async := q.Get("async") == "true"
	if async && s.cfg.Queue == nil {
		s.sendError(w, http.StatusServiceUnavailable, "background queue not configured")
		return
	}
	if r.ContentLength > s.cfg.MaxArchiveSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, "archive too large")
		return
	}

	archive, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxArchiveSize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "archive too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "failed to read archive")
		return
	}
	if len(archive) == 0 {
		s.sendError(w, http.StatusBadRequest, "archive body required")
		return
	}

	dest := q.Get("dest")
	if async {
		key, err := s.cfg.Service.StageArchive(r.Context(), tenantID, archive)
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
		taskID, err := s.cfg.Queue.EnqueueImport(r.Context(), queue.ImportPayload{
			TenantID:    tenantID,
			StagingKey:  key,
			Destination: dest,
		})
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
		s.sendJSON(w, r, http.StatusAccepted, JobResponse{TaskID: taskID, StagingKey: key})
		return
	}

	records, report, err := s.cfg.Service.ImportArchive(r.Context(), tenantID, archive, dest)
	if records == nil {
		records = []*metadata.Asset{}
	}
	s.sendReport(w, r, ImportResponse{Records: records, Report: report}, err)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := s.cfg.SweepCutoffDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	if q.Get("async") == "true" {
		if s.cfg.Queue == nil {
			s.sendError(w, http.StatusServiceUnavailable, "background queue not configured")
			return
		}
		taskID, err := s.cfg.Queue.EnqueueSweep(r.Context(), days)
		if err != nil {
			s.sendFailure(w, r, err)
			return
		}
		s.sendJSON(w, r, http.StatusAccepted, JobResponse{TaskID: taskID})
		return
	}

	report := s.cfg.Sweeper.Sweep(r.Context(), time.Duration(days)*24*time.Hour)
	s.sendJSON(w, r, http.StatusOK, report)
}
