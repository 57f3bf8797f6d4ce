package api

import (
	"fmt"
	"net/http"
	"time"

	"localmind/internal/updater"
)

type settingsResponse struct {
	ImportanceGate       float64 `json:"importance_gate"`
	RetrievalUrgency     string  `json:"retrieval_urgency"`
	BandwidthLimit       int64   `json:"bandwidth_limit"`
	MaxMemoriesPerUser   int     `json:"max_memories_per_user"`
	WorkerBatchSize      int     `json:"worker_batch_size"`
	APIMaxConcurrent     int     `json:"api_max_concurrent"`
	MaintenanceSpec      string  `json:"maintenance_spec"`
	EnableIntegrityCheck bool    `json:"enable_integrity_check"`
}

// settingsUpdate uses pointers so absent fields stay untouched.
type settingsUpdate struct {
	ImportanceGate       *float64 `json:"importance_gate"`
	RetrievalUrgency     *string  `json:"retrieval_urgency"`
	BandwidthLimit       *int64   `json:"bandwidth_limit"`
	MaxMemoriesPerUser   *int     `json:"max_memories_per_user"`
	WorkerBatchSize      *int     `json:"worker_batch_size"`
	MaintenanceSpec      *string  `json:"maintenance_spec"`
	EnableIntegrityCheck *bool    `json:"enable_integrity_check"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	writeJSON(w, http.StatusOK, settingsResponse{
		ImportanceGate:       cfg.GetImportanceGate(),
		RetrievalUrgency:     cfg.GetRetrievalUrgency(),
		BandwidthLimit:       cfg.GetBandwidthLimit(),
		MaxMemoriesPerUser:   cfg.GetMaxMemoriesPerUser(),
		WorkerBatchSize:      cfg.GetWorkerBatchSize(),
		APIMaxConcurrent:     cfg.GetAPIMaxConcurrent(),
		MaintenanceSpec:      cfg.GetMaintenanceSpec(),
		EnableIntegrityCheck: cfg.GetEnableIntegrityCheck(),
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdate
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := s.deps.Config
	if req.ImportanceGate != nil {
		if *req.ImportanceGate < 0 || *req.ImportanceGate > 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("importance_gate must be in [0,1]"))
			return
		}
		if err := cfg.SetImportanceGate(*req.ImportanceGate); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if req.RetrievalUrgency != nil {
		if err := cfg.SetRetrievalUrgency(*req.RetrievalUrgency); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.BandwidthLimit != nil {
		if err := cfg.SetBandwidthLimit(*req.BandwidthLimit); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// Apply to live workers immediately.
		s.deps.Downloads.SetBandwidthLimit(*req.BandwidthLimit)
	}
	if req.MaxMemoriesPerUser != nil {
		if err := cfg.SetMaxMemoriesPerUser(*req.MaxMemoriesPerUser); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if req.WorkerBatchSize != nil {
		if err := cfg.SetWorkerBatchSize(*req.WorkerBatchSize); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if req.MaintenanceSpec != nil {
		// Rescheduling parses the expression; reject bad ones before persisting.
		if err := s.deps.Upkeep.Reschedule(*req.MaintenanceSpec); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("maintenance_spec: %w", err))
			return
		}
		if err := cfg.SetMaintenanceSpec(*req.MaintenanceSpec); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if req.EnableIntegrityCheck != nil {
		if err := cfg.SetEnableIntegrityCheck(*req.EnableIntegrityCheck); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.deps.Downloads.SetIntegrityCheck(*req.EnableIntegrityCheck)
	}

	s.handleGetSettings(w, r)
}

// handleUIActivity lets the front-end mark or clear the interaction lease
// that pauses background extraction.
func (s *Server) handleUIActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	if req.Active {
		err = s.deps.Flag.Mark()
	} else {
		err = s.deps.Flag.Clear()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ui_active": req.Active})
}

func (s *Server) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Upkeep.RunNow())
}

func (s *Server) handleMaintenanceLast(w http.ResponseWriter, r *http.Request) {
	report, ranAt := s.deps.Upkeep.Last()
	if report == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("maintenance has not run yet"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report": report,
		"ran_at": ranAt.Format(time.RFC3339),
	})
}

type updateResponse struct {
	UpdateAvailable bool             `json:"update_available"`
	Release         *updater.Release `json:"release,omitempty"`
	StagedPath      string           `json:"staged_path,omitempty"`
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no update source configured"))
		return
	}
	rel, err := s.deps.Checker.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{UpdateAvailable: rel != nil, Release: rel})
}

// handleUpdateStage checks, downloads, and verifies the newest bundle. The
// verified file stays on disk for the host installer.
func (s *Server) handleUpdateStage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil || s.deps.Stager == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no update source configured"))
		return
	}
	rel, err := s.deps.Checker.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if rel == nil {
		writeJSON(w, http.StatusOK, updateResponse{UpdateAvailable: false})
		return
	}

	staged, err := s.deps.Stager.Stage(r.Context(), rel)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{
		UpdateAvailable: true,
		Release:         rel,
		StagedPath:      staged,
	})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Audit.GetRecentLogs(queryInt(r, "limit", 50)))
}
