package slots

import (
	"fmt"
	"time"
)

var weekdayNames = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

var monthNames = [...]string{"", "enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}

// WeekdayName returns the Spanish name for d.
func WeekdayName(d time.Weekday) string {
	return weekdayNames[d]
}

// Label builds the patient-facing description of a bookable option, e.g.
// "martes 1 de septiembre a las 09:30". The weekday comes from the date, so
// the label is the single source of truth for which day is being offered.
func Label(date, startTime string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return fmt.Sprintf("%s a las %s", date, startTime)
	}
	return fmt.Sprintf("%s %d de %s a las %s",
		weekdayNames[t.Weekday()], t.Day(), monthNames[t.Month()], startTime)
}

// New builds a Slot for a date and start time, deriving the label.
func New(date, startTime string) Slot {
	return Slot{Label: Label(date, startTime), Date: date, Time: startTime}
}
