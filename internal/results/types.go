package results

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/stroop/internal/task"
)

var ErrNotFound = errors.New("block not found")

// TrialRecord is one reaction row.
type TrialRecord struct {
	Trial     int     `json:"trial"`
	Condition string  `json:"condition"`
	TopWord   string  `json:"top_word"`
	TopColor  string  `json:"top_color"`
	Bottom    string  `json:"bottom"`
	Match     bool    `json:"match"`
	Response  string  `json:"response"`
	LatencyMS float64 `json:"latency_ms"`
	Correct   bool    `json:"correct"`
	LiftOffMS float64 `json:"lift_off_ms,omitempty"`
}

// BlockRecord is the persisted outcome of one block.
type BlockRecord struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	BlockNr       int           `json:"block_nr"`
	Language      string        `json:"language"`
	Focus         string        `json:"focus"`
	Mode          string        `json:"mode"`
	Classic       bool          `json:"classic"`
	Seed          uint64        `json:"seed"`
	Aborted       bool          `json:"aborted"`
	MeanLatencyMS float64       `json:"mean_latency_ms"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Trials        []TrialRecord `json:"trials"`
}

// Store persists block results.
type Store interface {
	SaveBlock(ctx context.Context, record BlockRecord) error
	GetBlock(ctx context.Context, id string) (BlockRecord, error)
	ListBlocks(ctx context.Context, participantID string, limit int) ([]BlockRecord, error)
	Close() error
}

// Meta is the run context a task.Result does not carry.
type Meta struct {
	ID            string
	SessionID     string
	ParticipantID string
	BlockNr       int
	Language      string
	Mode          string
	Classic       bool
}

// FromResult flattens a finished block into a record.
func FromResult(meta Meta, r task.Result) BlockRecord {
	rec := BlockRecord{
		ID:            meta.ID,
		SessionID:     meta.SessionID,
		ParticipantID: meta.ParticipantID,
		BlockNr:       meta.BlockNr,
		Language:      meta.Language,
		Focus:         string(r.Plan.Focus),
		Mode:          meta.Mode,
		Classic:       meta.Classic,
		Seed:          r.Plan.Seed,
		Aborted:       r.Aborted,
		MeanLatencyMS: ms(r.Mean),
		StartedAt:     r.StartedAt.UTC(),
		EndedAt:       r.EndedAt.UTC(),
		Trials:        make([]TrialRecord, 0, len(r.Reactions)),
	}
	for _, re := range r.Reactions {
		rec.Trials = append(rec.Trials, TrialRecord{
			Trial:     re.Trial,
			Condition: string(re.Condition),
			TopWord:   re.Spec.TopWord,
			TopColor:  re.Spec.TopColor,
			Bottom:    re.Spec.Bottom,
			Match:     re.Spec.Match,
			Response:  string(re.Kind),
			LatencyMS: ms(re.Latency),
			Correct:   re.Correct,
			LiftOffMS: ms(re.LiftOff),
		})
	}
	return rec
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
