// Package slots reconciles free-text replies against the list of bookable
// time slots previously offered to a patient. Calendar arithmetic ("what date
// is next Tuesday") is error-prone for a language model, so every booking
// decision is grounded in a server-enumerated slot list instead: the matcher
// extracts an hour (and optionally a weekday) from the patient's text and the
// corrector overrides any model-proposed date with the date of a matching
// offered slot.
package slots

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Slot is one bookable option offered to the patient.
type Slot struct {
	// Label is the human-readable description shown to the patient, e.g.
	// "martes 4 de marzo a las 10:00". The weekday is always taken from this
	// label, never recomputed from Date, to avoid off-by-one calendar errors.
	Label string `json:"label"`

	// Time is the time of day in "HH:MM" (24h).
	Time string `json:"time"`

	// Date is the canonical booking date in "2006-01-02".
	Date string `json:"date"`
}

// timePattern matches "10", "10:30", "10am", "a las 10", "22h", "10 de la
// mañana" style expressions. Group 1: hour, group 2: minutes, group 3:
// meridiem marker.
var timePattern = regexp.MustCompile(`(?i)(?:\ba\s+las?\s+)?\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|hrs?|h\b|de\s+la\s+mañana|de\s+la\s+tarde|de\s+la\s+noche)?`)

// weekdays maps Spanish weekday names (accented and plain) to time.Weekday.
var weekdays = map[string]time.Weekday{
	"domingo":   time.Sunday,
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miercoles": time.Wednesday,
	"miércoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sabado":    time.Saturday,
	"sábado":    time.Saturday,
}

// ExtractTime parses an hour and minute from free text. Supports bare hours
// ("10"), 12h with meridiem ("10am", "4 de la tarde") and 24h ("16:30",
// "22h"). When the text carries several numbers ("el lunes 3 a las 9am"),
// matches anchored by "a las" or a meridiem are preferred over bare digits.
// Returns ok=false when no plausible time is present.
func ExtractTime(text string) (hour, minute int, ok bool) {
	all := timePattern.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return 0, 0, false
	}

	m := all[0]
	for _, cand := range all {
		anchored := cand[3] != "" || strings.Contains(strings.ToLower(cand[0]), "a la")
		if anchored {
			m = cand
			break
		}
	}

	hour = atoiSafe(m[1])
	if m[2] != "" {
		minute = atoiSafe(m[2])
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}

	switch meridiem := strings.ToLower(strings.Join(strings.Fields(m[3]), " ")); {
	case meridiem == "pm", strings.Contains(meridiem, "tarde"), strings.Contains(meridiem, "noche"):
		if hour < 12 {
			hour += 12
		}
	case meridiem == "am", strings.Contains(meridiem, "mañana"):
		if hour == 12 {
			hour = 0
		}
	}

	return hour, minute, true
}

// ExtractWeekday finds a Spanish weekday name in free text.
func ExtractWeekday(text string) (time.Weekday, bool) {
	lower := strings.ToLower(text)
	for name, day := range weekdays {
		if containsWord(lower, name) {
			return day, true
		}
	}
	return time.Sunday, false
}

// MatchSlot matches free text against the offered slots. Slots are filtered
// by exact time-of-day; if the text names no weekday the first time match
// wins, otherwise the match is narrowed by the weekday found in each slot's
// label. Returns nil when nothing matches.
func MatchSlot(text string, offered []Slot) *Slot {
	hour, minute, ok := ExtractTime(text)
	if !ok {
		return nil
	}

	byTime := filterByTime(offered, hour, minute)
	if len(byTime) == 0 {
		return nil
	}

	day, hasDay := ExtractWeekday(text)
	if !hasDay {
		s := byTime[0]
		return &s
	}

	for _, s := range byTime {
		if labelDay, ok := ExtractWeekday(s.Label); ok && labelDay == day {
			match := s
			return &match
		}
	}
	return nil
}

// CorrectDateFromSlots overrides a model-chosen date with the canonical date
// of an offered slot sharing the requested time. When several offered slots
// share that time, the weekday is re-extracted from the patient's original
// text to disambiguate; if that fails, the earliest matching slot wins and
// the discrepancy is logged. The candidate date passes through untouched only
// when no offered slot matches the time at all.
func CorrectDateFromSlots(candidateDate, timeOfDay string, offered []Slot, userText string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	hour, minute, ok := parseClock(timeOfDay)
	if !ok {
		return candidateDate
	}

	matches := filterByTime(offered, hour, minute)
	switch len(matches) {
	case 0:
		return candidateDate
	case 1:
		if matches[0].Date != candidateDate {
			logger.Warn("overriding model-proposed date with offered slot",
				"proposed", candidateDate, "corrected", matches[0].Date)
		}
		return matches[0].Date
	}

	if day, hasDay := ExtractWeekday(userText); hasDay {
		for _, s := range matches {
			if labelDay, ok := ExtractWeekday(s.Label); ok && labelDay == day {
				return s.Date
			}
		}
	}

	earliest := matches[0]
	for _, s := range matches[1:] {
		if s.Date < earliest.Date {
			earliest = s
		}
	}
	if earliest.Date != candidateDate {
		logger.Warn("ambiguous slot time, using earliest offered date",
			"proposed", candidateDate, "corrected", earliest.Date, "candidates", len(matches))
	}
	return earliest.Date
}

// filterByTime keeps slots whose Time equals the given clock time.
func filterByTime(offered []Slot, hour, minute int) []Slot {
	var out []Slot
	for _, s := range offered {
		h, m, ok := parseClock(s.Time)
		if ok && h == hour && m == minute {
			out = append(out, s)
		}
	}
	return out
}

// parseClock parses "HH:MM" or "H:MM".
func parseClock(s string) (hour, minute int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	hour, minute = atoiSafe(parts[0]), atoiSafe(parts[1])
	if hour > 23 || minute > 59 || parts[0] == "" || parts[1] == "" {
		return 0, 0, false
	}
	return hour, minute, true
}

// containsWord reports whether text contains name as a whole word.
func containsWord(text, name string) bool {
	idx := strings.Index(text, name)
	for idx >= 0 {
		before := idx == 0 || !isLetter(rune(text[idx-1]))
		afterIdx := idx + len(name)
		after := afterIdx >= len(text) || !isLetter(rune(text[afterIdx]))
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], name)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
