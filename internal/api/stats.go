package api

import (
	"net/http"

	"github.com/ratnotify/notifyd/internal/domain"
)

// HandleStats handles GET /v1/stats: a lightweight snapshot of queue
// usage for dashboards and capacity alarms, per the engine's documented
// QueueUsage accessor.
func (s *Server) HandleStats(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Engine.Config()
	writeJSON(w, http.StatusOK, domain.StatsResponse{
		QueueUsage:   s.Engine.QueueUsage(),
		MaxPages:     cfg.MaxQueuePages,
		BackendCount: s.Engine.BackendCount(),
	})
}
