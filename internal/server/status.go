package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// handleServerStatus reports every configured MCP server and its tools.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	statuses := s.manager.Status()
	response := models.ServerStatusResponse{
		Servers:     make([]models.ServerStatus, 0, len(statuses)),
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
	for _, status := range statuses {
		tools := status.Tools
		if tools == nil {
			tools = []string{}
		}
		response.Servers = append(response.Servers, models.ServerStatus{
			Name:      status.Name,
			IsRunning: status.Connected && !status.Degraded,
			Tools:     tools,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
