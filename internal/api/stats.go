package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/pebble-core/internal/pebble"
)

// SystemStats represents the complete /stats response.
type SystemStats struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeStats    `json:"runtime"`
	WebSocket     WSStats         `json:"websocket"`
	Transports    map[string]bool `json:"transports"`
	Ingest        IngestStats     `json:"ingest"`
	Relations     pebble.Counts   `json:"relations"`
	Database      *DatabaseStats  `json:"database,omitempty"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// IngestStats describes the dispatcher.
type IngestStats struct {
	PendingPayloads int `json:"pending_payloads"`
}

// DatabaseStats contains database connection pool statistics.
type DatabaseStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleStats returns relation counts alongside runtime and transport state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count relations", "error", err)
		writeInternalError(w, "failed to count relations")
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSStats{
			ConnectedClients: s.Hub().ClientCount(),
		},
		Transports: make(map[string]bool, len(s.transports)),
		Ingest: IngestStats{
			PendingPayloads: s.dispatcher.Pending(),
		},
		Relations: counts,
	}

	for name, t := range s.transports {
		stats.Transports[name] = t.IsConnected()
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		stats.Database = &DatabaseStats{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, stats)
}
