package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{
	"block_id", "participant_id", "block_nr", "trial", "condition",
	"top_word", "top_color", "bottom", "match", "response",
	"latency_ms", "correct", "lift_off_ms",
}

// WriteCSV writes one row per trial of record.
func WriteCSV(w io.Writer, record BlockRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, t := range record.Trials {
		row := []string{
			record.ID,
			record.ParticipantID,
			strconv.Itoa(record.BlockNr),
			strconv.Itoa(t.Trial),
			t.Condition,
			t.TopWord,
			t.TopColor,
			t.Bottom,
			strconv.FormatBool(t.Match),
			t.Response,
			strconv.FormatFloat(t.LatencyMS, 'f', 3, 64),
			strconv.FormatBool(t.Correct),
			strconv.FormatFloat(t.LiftOffMS, 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", t.Trial, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
