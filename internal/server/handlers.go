package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/intake"
	"github.com/jonathan/revalidate/internal/types"
)

// -----------------------------------------------------------------------------
// Upload
// -----------------------------------------------------------------------------

// handleValidate accepts a multipart batch: repeated "files" parts plus the
// optional "gameVersion" and "mapUid" fields naming a map override.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxBody {
		s.writeError(w, &http.MaxBytesError{Limit: s.maxBody})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, err)
			return
		}
		s.writeError(w, &ErrValidation{Field: "files", Message: "request must be multipart/form-data"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	uploads := make([]intake.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err))
			return
		}
		defer closeQuietly(f)
		uploads = append(uploads, intake.Upload{Name: fh.Filename, Size: fh.Size, Content: f})
	}

	var override *intake.MapOverride
	gameVersion, mapUID := r.FormValue("gameVersion"), r.FormValue("mapUid")
	if gameVersion != "" || mapUID != "" {
		override = &intake.MapOverride{GameVersion: types.ParseGameVersion(gameVersion), MapUID: mapUID}
	}

	req, err := s.intake.Submit(r.Context(), uploads, override)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if req.HasPending() {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, req)
}

func closeQuietly(f multipart.File) {
	_ = f.Close()
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req == nil {
		s.writeError(w, &ErrNotFound{Resource: "request", ID: id.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.store.DeleteRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, &ErrNotFound{Resource: "request", ID: id.String()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.store.DeleteJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, &ErrNotFound{Resource: "result", ID: id.String()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileKind string

const (
	fileReplay fileKind = "Replay"
	fileGhost  fileKind = "Ghost"
)

// handleDownload serves the stored recording with ETag and Last-Modified
// validators so clients can revalidate cheaply.
func (s *Server) handleDownload(kind fileKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := s.loadJob(w, r)
		if !ok {
			return
		}

		meta := job.Ghost
		if kind == fileReplay {
			meta = job.Replay
		}
		if meta == nil {
			s.writeError(w, &ErrNotFound{Resource: string(kind), ID: job.ID.String()})
			return
		}

		blob, err := s.store.GetBlob(r.Context(), meta.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if blob == nil {
			s.writeError(w, &ErrNotFound{Resource: string(kind), ID: job.ID.String()})
			return
		}

		name := fmt.Sprintf("%s.%s.Gbx", job.ID, kind)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Set("ETag", blob.ETag)
		http.ServeContent(w, r, name, blob.LastModifiedAt, bytes.NewReader(blob.Data))
	}
}

func (s *Server) handleListInputs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	inputs, err := s.store.ListInputs(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if inputs == nil {
		inputs = []types.Input{}
	}
	s.jsonResponse(w, http.StatusOK, inputs)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	distro := r.PathValue("distro")
	run := job.Distro(distro)
	if run == nil || run.LogID == nil {
		s.writeError(w, &ErrNotFound{Resource: "log", ID: distro})
		return
	}

	content, found, err := s.store.GetLog(r.Context(), *run.LogID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, &ErrNotFound{Resource: "log", ID: distro})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, &ErrValidation{Field: "id", Message: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	id, ok := s.pathID(w, r)
	if !ok {
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if job == nil {
		s.writeError(w, &ErrNotFound{Resource: "result", ID: id.String()})
		return nil, false
	}
	return job, true
}

// writeError maps err to a status. Rejected batches carry their per-file messages.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)

	var rejected *intake.ValidationFailedError
	if errors.As(err, &rejected) {
		s.jsonResponse(w, status, map[string]any{"error": "validation failed", "errors": rejected.Errors})
		return
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}
