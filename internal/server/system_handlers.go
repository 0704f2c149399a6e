package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tranche/internal/database"
)

// SystemHandlers serves host and database statistics
type SystemHandlers struct {
	dataDir   string
	databases map[string]*database.DB
	started   time.Time
	log       zerolog.Logger
}

// SystemStatsResponse is served by /api/system/stats
type SystemStatsResponse struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
	DiskUsedPct    float64 `json:"disk_used_percent"`
	Goroutines     int     `json:"goroutines"`
	HeapAllocMB    float64 `json:"heap_alloc_mb"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	LastCheckedUTC string  `json:"last_checked"`
}

// DBInfo describes one database file
type DBInfo struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	FreelistPages int64   `json:"freelist_pages"`
	Error         string  `json:"error,omitempty"`
}

// NewSystemHandlers creates the handlers
func NewSystemHandlers(dataDir string, databases map[string]*database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		dataDir:   dataDir,
		databases: databases,
		started:   time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// HandleSystemStats returns CPU, memory and disk usage for the host
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := SystemStatsResponse{
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(ms.HeapAlloc) / 1024 / 1024,
		UptimeSeconds:  int64(time.Since(h.started).Seconds()),
		LastCheckedUTC: time.Now().UTC().Format(time.RFC3339),
	}
	if h.dataDir != "" {
		if usage, err := disk.UsageWithContext(r.Context(), h.dataDir); err == nil {
			resp.DiskFreeGB = float64(usage.Free) / 1e9
			resp.DiskUsedPct = usage.UsedPercent
		} else {
			h.log.Warn().Err(err).Msg("Failed to get disk usage")
		}
	}

	writeJSONResponse(w, h.log, resp)
}

// HandleDatabaseStats returns file sizes and fragmentation per database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DBInfo, 0, len(names))
	for _, name := range names {
		db := h.databases[name]
		if db == nil {
			continue
		}
		info := DBInfo{Name: name, Path: db.Path()}
		stats, err := db.GetStats()
		if err != nil {
			info.Error = err.Error()
		} else {
			info.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
			info.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
			info.FreelistPages = stats.FreelistCount
		}
		out = append(out, info)
	}

	writeJSONResponse(w, h.log, out)
}

// getSystemStats samples CPU over 100ms so the request stays fast
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

func writeJSONResponse(w http.ResponseWriter, log zerolog.Logger, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
