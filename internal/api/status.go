package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"localmind/internal/scheduler"
	"localmind/internal/vector"
)

type resourceUsage struct {
	Total       string  `json:"total"`
	Used        string  `json:"used"`
	Free        string  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	SystemMemory resourceUsage `json:"system_memory"`
	Disk         resourceUsage `json:"disk"`

	Downloads         int                     `json:"downloads"`
	MemoriesByTier    map[string]int64        `json:"memories_by_tier"`
	IndexedVectors    int                     `json:"indexed_vectors"`
	IndexTiers        map[string]vector.Stats `json:"index_tiers"`
	LearningBacklog   int64                   `json:"learning_backlog"`
	ExtractionBacklog int64                   `json:"extraction_backlog"`
	UIActive          bool                    `json:"ui_active"`
	LastMaintenance   *scheduler.Report       `json:"last_maintenance,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "running",
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.started) / time.Second),
	}

	// Host stats are best-effort; a probe failure leaves zeros.
	if v, err := mem.VirtualMemory(); err == nil {
		resp.SystemMemory = resourceUsage{
			Total:       humanize.IBytes(v.Total),
			Used:        humanize.IBytes(v.Used),
			Free:        humanize.IBytes(v.Available),
			UsedPercent: v.UsedPercent,
		}
	}
	if d, err := disk.Usage(s.deps.Settings.DataDir); err == nil {
		resp.Disk = resourceUsage{
			Total:       humanize.IBytes(d.Total),
			Used:        humanize.IBytes(d.Used),
			Free:        humanize.IBytes(d.Free),
			UsedPercent: d.UsedPercent,
		}
	}

	resp.Downloads = len(s.deps.Downloads.List())
	if tiers, err := s.deps.DB.TierCounts(); err == nil {
		resp.MemoriesByTier = tiers
	}
	resp.IndexedVectors = s.deps.Index.TotalCount()
	resp.IndexTiers = make(map[string]vector.Stats, len(vector.AllTiers))
	for _, tier := range vector.AllTiers {
		resp.IndexTiers[string(tier)] = s.deps.Index.TierStats(tier)
	}
	resp.LearningBacklog, _ = s.deps.DB.CountUnprocessedLearning()
	resp.ExtractionBacklog, _ = s.deps.DB.CountUnprocessedPending()
	resp.UIActive = s.deps.Config.IsUIActive()
	if report, _ := s.deps.Upkeep.Last(); report != nil {
		resp.LastMaintenance = report
	}

	writeJSON(w, http.StatusOK, resp)
}
