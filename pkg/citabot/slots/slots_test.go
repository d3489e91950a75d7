package slots

import (
	"testing"
	"time"
)

func TestExtractTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text   string
		hour   int
		minute int
		ok     bool
	}{
		{"a las 10", 10, 0, true},
		{"10am", 10, 0, true},
		{"10:30am", 10, 30, true},
		{"4pm", 16, 0, true},
		{"4 de la tarde", 16, 0, true},
		{"9 de la mañana", 9, 0, true},
		{"16:30", 16, 30, true},
		{"22h", 22, 0, true},
		{"12am", 0, 0, true},
		{"el lunes 3 a las 9am", 9, 0, true},
		{"el martes a las 10am", 10, 0, true},
		{"quiero una cita", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			h, m, ok := ExtractTime(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (h != tt.hour || m != tt.minute) {
				t.Errorf("got %02d:%02d, want %02d:%02d", h, m, tt.hour, tt.minute)
			}
		})
	}
}

func TestExtractWeekday(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		day  time.Weekday
		ok   bool
	}{
		{"el martes a las 10", time.Tuesday, true},
		{"el miércoles por favor", time.Wednesday, true},
		{"miercoles", time.Wednesday, true},
		{"sábado en la mañana", time.Saturday, true},
		{"a las 10", time.Sunday, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			day, ok := ExtractWeekday(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && day != tt.day {
				t.Errorf("day = %v, want %v", day, tt.day)
			}
		})
	}
}

// twoTuesdaysAndThursday offers the same time on two different weekdays,
// plus a distinct afternoon option.
func sampleSlots() []Slot {
	return []Slot{
		{Label: "martes 4 de marzo a las 10:00", Time: "10:00", Date: "2025-03-04"},
		{Label: "jueves 6 de marzo a las 10:00", Time: "10:00", Date: "2025-03-06"},
		{Label: "jueves 6 de marzo a las 16:00", Time: "16:00", Date: "2025-03-06"},
	}
}

func TestMatchSlotWithWeekday(t *testing.T) {
	t.Parallel()

	got := MatchSlot("el martes a las 10am", sampleSlots())
	if got == nil {
		t.Fatal("expected a match")
	}
	if got.Date != "2025-03-04" {
		t.Errorf("matched %q, want the Tuesday slot", got.Date)
	}
}

func TestMatchSlotWithoutWeekday(t *testing.T) {
	t.Parallel()

	got := MatchSlot("a las 10am", sampleSlots())
	if got == nil {
		t.Fatal("expected a match")
	}
	if got.Date != "2025-03-04" {
		t.Errorf("matched %q, want the first time match", got.Date)
	}
}

func TestMatchSlotNoTimeMatch(t *testing.T) {
	t.Parallel()

	if got := MatchSlot("a las 11am", sampleSlots()); got != nil {
		t.Errorf("expected no match, got %+v", got)
	}
}

func TestMatchSlotWeekdayMismatch(t *testing.T) {
	t.Parallel()

	// 16:00 exists only on Thursday; asking for Friday must not match.
	if got := MatchSlot("el viernes a las 4pm", sampleSlots()); got != nil {
		t.Errorf("expected no match, got %+v", got)
	}
}

func TestMatchSlotNoTimeInText(t *testing.T) {
	t.Parallel()

	if got := MatchSlot("quiero una cita pronto", sampleSlots()); got != nil {
		t.Errorf("expected no match without a time, got %+v", got)
	}
}

func TestCorrectDateFromSlotsSingleMatch(t *testing.T) {
	t.Parallel()

	// Model hallucinated 2025-03-11; only one offered slot is at 16:00.
	got := CorrectDateFromSlots("2025-03-11", "16:00", sampleSlots(), "el jueves a las 4", nil)
	if got != "2025-03-06" {
		t.Errorf("got %q, want the offered slot's date", got)
	}
}

func TestCorrectDateFromSlotsAmbiguousResolvedByWeekday(t *testing.T) {
	t.Parallel()

	got := CorrectDateFromSlots("2025-03-20", "10:00", sampleSlots(), "el jueves a las 10", nil)
	if got != "2025-03-06" {
		t.Errorf("got %q, want the Thursday slot date", got)
	}
}

func TestCorrectDateFromSlotsAmbiguousFallsBackToEarliest(t *testing.T) {
	t.Parallel()

	got := CorrectDateFromSlots("2025-03-20", "10:00", sampleSlots(), "a las 10 está bien", nil)
	if got != "2025-03-04" {
		t.Errorf("got %q, want the earliest matching date", got)
	}
}

func TestCorrectDateFromSlotsNoMatchKeepsCandidate(t *testing.T) {
	t.Parallel()

	got := CorrectDateFromSlots("2025-03-20", "11:00", sampleSlots(), "a las 11", nil)
	if got != "2025-03-20" {
		t.Errorf("got %q, want the candidate passed through", got)
	}
}

// Property from the design: whenever at least one offered slot matches the
// time, the corrected date is always a date present in the offered list.
func TestCorrectDateAlwaysFromOfferedList(t *testing.T) {
	t.Parallel()

	offered := sampleSlots()
	candidates := []string{"1999-01-01", "2025-03-04", "2030-12-31", ""}
	for _, cand := range candidates {
		got := CorrectDateFromSlots(cand, "10:00", offered, "cualquier texto", nil)
		found := false
		for _, s := range offered {
			if s.Date == got {
				found = true
			}
		}
		if !found {
			t.Errorf("candidate %q: corrected date %q not in offered list", cand, got)
		}
	}
}
