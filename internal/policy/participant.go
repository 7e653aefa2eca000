package policy

import (
	"errors"
	"fmt"
	"unicode"
)

// MaxParticipantIDLen bounds identifiers stored with results and used in
// export file names.
const MaxParticipantIDLen = 64

var (
	ErrInvalidParticipantID = errors.New("invalid participant id")
	// ErrPersonalData is returned for identifiers that look like contact
	// details or birth dates. Results must only carry pseudonyms.
	ErrPersonalData = errors.New("participant id looks like personal data")
)

// CheckParticipantID accepts short printable pseudonyms.
func CheckParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(id) > MaxParticipantIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidParticipantID, MaxParticipantIDLen)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidParticipantID)
		}
	}
	if _, changed := RedactPII(id); changed {
		return ErrPersonalData
	}
	return nil
}
