package httpapi

import "net/http"

func (s *Server) handlePerfReactions(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Reactions == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"conditions":   []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Reactions.Snapshot())
}
