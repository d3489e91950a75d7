package slots

import "testing"

func TestLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		date, start string
		want        string
	}{
		{"2026-09-01", "09:30", "martes 1 de septiembre a las 09:30"},
		{"2026-09-03", "16:00", "jueves 3 de septiembre a las 16:00"},
		{"2026-12-25", "10:00", "viernes 25 de diciembre a las 10:00"},
		{"not-a-date", "10:00", "not-a-date a las 10:00"},
	}
	for _, tt := range tests {
		if got := Label(tt.date, tt.start); got != tt.want {
			t.Errorf("Label(%q, %q) = %q, want %q", tt.date, tt.start, got, tt.want)
		}
	}
}

func TestNewDerivesMatchableLabel(t *testing.T) {
	t.Parallel()
	s := New("2026-09-01", "10:00")
	if wd, ok := ExtractWeekday(s.Label); !ok || wd.String() != "Tuesday" {
		t.Errorf("label %q: weekday = %v, %v", s.Label, wd, ok)
	}
	if h, m, ok := ExtractTime(s.Label); !ok || h != 10 || m != 0 {
		t.Errorf("label %q: time = %d:%02d, %v", s.Label, h, m, ok)
	}
}
