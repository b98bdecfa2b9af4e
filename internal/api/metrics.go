package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/factory-core/internal/transport"
)

// SystemMetrics represents the complete system overview response.
type SystemMetrics struct {
	Timestamp     string                   `json:"timestamp"`
	Version       string                   `json:"version"`
	Environment   string                   `json:"environment"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runtime       RuntimeMetrics           `json:"runtime"`
	WebSocket     WSMetrics                `json:"websocket"`
	Domains       map[string]DomainMetrics `json:"domains"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// DomainMetrics summarises one domain.
type DomainMetrics struct {
	Connected       bool              `json:"connected"`
	State           transport.State   `json:"state"`
	BufferedTopics  int               `json:"buffered_topics"`
	MessagesByTopic map[string]uint64 `json:"messages_by_topic"`
	ReceivedByTopic map[string]uint64 `json:"received_by_topic"`
	ActiveOrders    int               `json:"active_orders"`
	CompletedOrders int               `json:"completed_orders"`
}

// handleSystem returns runtime and per-domain statistics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		Environment:   s.core.Environment(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Domains: make(map[string]DomainMetrics),
	}

	for _, name := range s.core.Domains() {
		dc, ok := s.core.Domain(name)
		if !ok {
			continue
		}
		info := dc.Transport.ConnectionInfo()
		active, completed := dc.Orders.Counts()
		metrics.Domains[name] = DomainMetrics{
			Connected:       info.Connected,
			State:           info.State,
			BufferedTopics:  info.BufferedTopics,
			MessagesByTopic: dc.Messages.MessageCountByTopic(),
			ReceivedByTopic: dc.Messages.ReceivedCountByTopic(),
			ActiveOrders:    active,
			CompletedOrders: completed,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
