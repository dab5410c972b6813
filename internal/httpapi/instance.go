package httpapi

import (
	"net/http"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// handleInstanceHealth reports subsystem checks. Unhealthy instances answer
// 503 so upstream balancers rotate them out.
func (s *Server) handleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	report, healthy := s.status.Health(r.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleInstanceDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Detailed(r.Context()))
}

func (s *Server) handleLoadMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.LoadMetrics())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	probes := s.status.Peers(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId": s.cfg.InstanceID,
		"peers":      probes,
		"timestamp":  types.NowMS(),
	})
}

// handleDrain flips the instance into connection-draining mode. Existing
// sessions stay up while new websocket upgrades are refused.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Drain())
}
