package api

import (
	"fmt"
	"net/http"

	"localmind/internal/download"
)

type startDownloadRequest struct {
	ModelID string   `json:"model_id"`
	Kind    string   `json:"kind"`
	Files   []string `json:"files"`
}

type downloadOpResponse struct {
	Result download.OpResult `json:"result"`
	ID     string            `json:"id,omitempty"`
}

type downloadControlRequest struct {
	ID      string `json:"id"`
	Action  string `json:"action"` // "pause", "resume", "cancel", "delete"
	Cleanup bool   `json:"cleanup"`
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("model_id required"))
		return
	}
	if req.Kind == "" {
		req.Kind = download.KindGGUF
	}

	res, id, err := s.deps.Downloads.Start(r.Context(), req.ModelID, req.Kind, req.Files)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadOpResponse{Result: res, ID: id})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Downloads.List())
}

// handleDownloadProgress takes the artifact id as a query parameter;
// download ids contain slashes and do not survive as path segments.
func (s *Server) handleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id required"))
		return
	}
	p, ok := s.deps.Downloads.Progress(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("download %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDownloadControl(w http.ResponseWriter, r *http.Request) {
	var req downloadControlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id required"))
		return
	}

	var (
		res download.OpResult
		err error
	)
	switch req.Action {
	case "pause":
		res, err = s.deps.Downloads.Pause(req.ID)
	case "resume":
		res, err = s.deps.Downloads.Resume(req.ID)
	case "cancel", "stop":
		res, err = s.deps.Downloads.Cancel(req.ID, req.Cleanup)
	case "delete":
		res, err = s.deps.Downloads.Delete(req.ID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid action %q", req.Action))
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if res == download.ResultNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, downloadOpResponse{Result: res, ID: req.ID})
}
