package httpapi

import (
	"net/http"

	"github.com/antoniostano/stroop/internal/config"
)

type displaySettingsResponse struct {
	Language     string `json:"language"`
	FontSize     int    `json:"font_size"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	Fullscreen   bool   `json:"fullscreen"`
	FrameRate    int    `json:"frame_rate"`
	Background   string `json:"background"`
}

// handleDisplaySettings tells the display page how to lay out frames.
func (s *Server) handleDisplaySettings(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	if language == "" {
		language = s.cfg.Language
	}
	tc, err := config.LoadTask(s.cfg.TaskConfigDir, language)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, displaySettingsResponse{
		Language:     tc.Language,
		FontSize:     tc.General.FontSize,
		ScreenWidth:  tc.General.ScreenWidth,
		ScreenHeight: tc.General.ScreenHeight,
		Fullscreen:   tc.General.Fullscreen,
		FrameRate:    s.cfg.FrameRate,
		Background:   "#000000",
	})
}
