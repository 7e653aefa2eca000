package session

import "time"

// RunRequest is the RUN command: which block to present and how. Zero
// values select the defaults (60 trials, the configured language, color
// focus, ready-gate mode, a random seed).
type RunRequest struct {
	ParticipantID string  `json:"participant_id"`
	BlockNr       int     `json:"block_nr"`
	Trials        int     `json:"n_trials"`
	Language      string  `json:"language"`
	Focus         string  `json:"focus"`
	RandomWait    bool    `json:"random_wait"`
	Classic       bool    `json:"classic"`
	Tutorial      bool    `json:"tutorial"`
	Seed          *uint64 `json:"seed,omitempty"`
}

// CreateRequest describes the block a session runs.
type CreateRequest struct {
	ParticipantID string `json:"participant_id"`
	BlockNr       int    `json:"block_nr"`
	Trials        int    `json:"trials"`
	Language      string `json:"language"`
	Focus         string `json:"focus"`
	Mode          string `json:"mode"`
	Classic       bool   `json:"classic"`
	Seed          uint64 `json:"seed"`
}

// Summary is the list view of a session.
type Summary struct {
	ID            string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	BlockNr       int       `json:"block_nr"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
