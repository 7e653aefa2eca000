package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Participant sam@example.com, +1 (555) 123-9876, born 1990-04-12."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_DATE]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "1990") {
		t.Fatalf("date leaked: %q", out)
	}
}

func TestCheckParticipantID(t *testing.T) {
	for _, id := range []string{"anonymous", "P-017", "sub-04_ses-2", "proband 12", "sub-2023110501", "P0123456789"} {
		if err := CheckParticipantID(id); err != nil {
			t.Fatalf("CheckParticipantID(%q) error = %v", id, err)
		}
	}

	personal := []string{"anna@uni-example.de", "+49 170 1234567", "030 1234 5678", "12.03.1988"}
	for _, id := range personal {
		if err := CheckParticipantID(id); !errors.Is(err, ErrPersonalData) {
			t.Fatalf("CheckParticipantID(%q) error = %v, want ErrPersonalData", id, err)
		}
	}

	invalid := []string{"", strings.Repeat("x", MaxParticipantIDLen+1), "p1\n"}
	for _, id := range invalid {
		if err := CheckParticipantID(id); !errors.Is(err, ErrInvalidParticipantID) {
			t.Fatalf("CheckParticipantID(%q) error = %v, want ErrInvalidParticipantID", id, err)
		}
	}
}
