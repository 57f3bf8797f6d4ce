package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"localmind/internal/memory"
	"localmind/internal/storage"
)

type storeMemoryRequest struct {
	UserID     string   `json:"user_id"`
	Content    string   `json:"content"`
	MemoryType string   `json:"memory_type"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Category   string   `json:"category"`
	Keywords   []string `json:"keywords"`
	Context    string   `json:"context"`
	Metadata   string   `json:"metadata"`
	RelatedIDs []string `json:"related_ids"`
}

type storeMemoryResponse struct {
	Result memory.StoreResult `json:"result"`
	Memory *storage.Memory    `json:"memory,omitempty"`
}

type searchRequest struct {
	UserID  string   `json:"user_id"`
	Query   string   `json:"query"`
	Urgency string   `json:"urgency"`
	Types   []string `json:"types"`
	Limit   int      `json:"limit"`
}

type deleteRequest struct {
	UserID        string   `json:"user_id"`
	IDs           []string `json:"ids"`
	Types         []string `json:"types"`
	OlderThanDays int      `json:"older_than_days"`
	MaxImportance float64  `json:"max_importance"`
}

type optimizeRequest struct {
	UserID string `json:"user_id"`
	Force  bool   `json:"force"`
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and content required"))
		return
	}

	res, row, err := s.deps.Memories.Remember(r.Context(), memory.Draft{
		UserID:     req.UserID,
		Content:    req.Content,
		MemoryType: req.MemoryType,
		Importance: req.Importance,
		Confidence: req.Confidence,
		Category:   req.Category,
		Keywords:   req.Keywords,
		Context:    req.Context,
		Metadata:   req.Metadata,
		RelatedIDs: req.RelatedIDs,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, storeMemoryResponse{Result: res, Memory: row})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id required"))
		return
	}

	minImportance, _ := strconv.ParseFloat(r.URL.Query().Get("min_importance"), 64)
	filters := storage.MemoryFilters{
		Types:         splitList(r.URL.Query().Get("types")),
		Tier:          r.URL.Query().Get("tier"),
		MinImportance: minImportance,
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	}

	rows, err := s.deps.Memories.List(userID, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and query required"))
		return
	}

	result, err := s.deps.Retrieval.Retrieve(r.Context(), memory.Request{
		UserID:  req.UserID,
		Query:   req.Query,
		Urgency: req.Urgency,
		Types:   req.Types,
		Limit:   req.Limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.deps.Memories.Get(id)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Errorf("memory %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleRelatedMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := s.deps.Memories.Related(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeleteMemories(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id required"))
		return
	}

	n, err := s.deps.Memories.Delete(r.Context(), req.UserID, memory.DeleteFilter{
		IDs:           req.IDs,
		Types:         req.Types,
		OlderThanDays: req.OlderThanDays,
		MaxImportance: req.MaxImportance,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleOptimizeMemories(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := s.deps.Memories.Optimize(r.Context(), req.UserID, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
