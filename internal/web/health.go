package web

import (
	"net/http"
	"time"

	"github.com/rosterlabs/roster/internal/cache"
)

type healthResponse struct {
	Status        string            `json:"status"`
	Agents        []string          `json:"agents"`
	ToolSessions  map[string]string `json:"tool_sessions"`
	Cache         cache.Stats       `json:"cache"`
	ActiveStreams int               `json:"active_streams"`
	Time          time.Time         `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := map[string]string{}
	for name, state := range s.opts.Tools.SessionStates() {
		sessions[name] = string(state)
	}

	resp := healthResponse{
		Status:       "ok",
		Agents:       s.opts.Agents.Names(),
		ToolSessions: sessions,
		Time:         time.Now().UTC(),
	}
	if s.opts.Cache != nil {
		resp.Cache = s.opts.Cache.Stats()
	}
	if s.opts.Hub != nil {
		resp.ActiveStreams = s.opts.Hub.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRebuild reloads configuration and swaps the agent set atomically.
// On failure the previous agents keep serving.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Rebuild(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "rebuilt",
		"agents": s.opts.Agents.Names(),
	})
}
