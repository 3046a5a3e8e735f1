package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a store lookup failure to a status code.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// RunLinks are the status endpoints of a submitted run.
type RunLinks struct {
	Status string `json:"status"`
	Watch  string `json:"watch"`
	Cancel string `json:"cancel"`
}

// CreateRunResponse is the body of a 202 answer to a submission.
type CreateRunResponse struct {
	Run   storage.Run `json:"run"`
	Links RunLinks    `json:"links"`
}

func linksFor(id string) RunLinks {
	base := "/api/runs/" + id
	return RunLinks{Status: base, Watch: base + "/ws", Cancel: base + "/cancel"}
}

// --- Run handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.RunListOptions{}
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+status)
			return
		}
	}
	if q.Get("unfinished") == "true" {
		opts.Unfinished = true
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleCreateRun takes the raw source as the request body. The optional
// ext query parameter sets the artifact's file extension.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "submission too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading submission: "+err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "submission is empty")
		return
	}

	ext := r.URL.Query().Get("ext")
	if ext == "" {
		ext = DefaultExtension
	}

	// The journal entry outlives the request.
	ctx := context.WithoutCancel(r.Context())

	run := &storage.Run{
		ID:       uuid.NewString(),
		Status:   storage.StatusCreated,
		Artifact: artifact.NewLocation(s.opts.Container, ext),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger := s.logger.With(zap.String("run", run.ID))

	run.Status = storage.StatusUploading
	if err := s.store.UpdateRun(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	readURL, err := s.artifacts.Upload(ctx, run.Artifact, bytes.NewReader(body))
	if err != nil {
		// The workflow still runs so that a partial upload is deleted.
		logger.Error("artifact upload failed", zap.Error(err))
		run.Error = "uploading artifact: " + err.Error()
		s.runs.Start(run)
		writeError(w, http.StatusBadGateway, run.Error)
		return
	}
	run.ArtifactURL = readURL
	if err := s.store.UpdateRun(ctx, run); err != nil {
		logger.Warn("journaling upload failed", zap.Error(err))
	}
	logger.Info("run submitted", zap.Stringer("artifact", run.Artifact), zap.Int("bytes", len(body)))

	resp := CreateRunResponse{Run: *run, Links: linksFor(run.ID)}
	s.runs.Start(run)

	w.Header().Set("Location", resp.Links.Status)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.Done() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if !s.runs.Cancel(run.ID) {
		writeError(w, http.StatusConflict, "run is not executing on this server")
		return
	}
	s.logger.Info("run cancelled", zap.String("run", run.ID))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": "cancelling"})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !run.Done() {
		writeError(w, http.StatusConflict, "run is still in progress")
		return
	}
	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
