package api

import (
	"errors"
	"net/http"

	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/storage"
)

// handleFile serves a signed link issued by the local backend.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Files == nil || s.cfg.Signer == nil {
		s.sendError(w, http.StatusNotFound, "signed links are served by the object store")
		return
	}
	key := r.PathValue("key")

	if err := s.cfg.Signer.Verify(key, r.URL.Query()); err != nil {
		code := http.StatusForbidden
		if errors.Is(err, storage.ErrLinkExpired) {
			code = http.StatusGone
		}
		s.sendError(w, code, err.Error())
		return
	}

	f, info, err := s.cfg.Files.Open(key)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	defer f.Close()

	logging.WithContext(r.Context()).Debug("serving signed link", logging.Key(key))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
