// Package reminder runs the scheduled background jobs: appointment reminders
// the day before a visit, and expired-session cleanup.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rmaranhao/citabot/pkg/citabot/scheduling"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
	"github.com/rmaranhao/citabot/pkg/citabot/slots"
)

// pruneSchedule runs session cleanup often enough that expired sessions do
// not pile up between patient messages.
const pruneSchedule = "*/10 * * * *"

// AppointmentSource lists appointments for a date.
type AppointmentSource interface {
	AppointmentsOn(ctx context.Context, date string) ([]scheduling.Appointment, error)
}

// Sender delivers a text to a recipient on a channel.
type Sender interface {
	SendText(ctx context.Context, channel, to, body string) error
}

// Service schedules the reminder and cleanup jobs.
type Service struct {
	cron       *cron.Cron
	clinic     AppointmentSource
	sender     Sender
	store      *session.Store
	clinicName string
	schedule   string
	daysAhead  int
	logger     *slog.Logger
	now        func() time.Time
}

// New builds the service. schedule is a cron expression for the reminder
// run; daysAhead is how far before the visit the reminder goes out.
func New(clinic AppointmentSource, sender Sender, store *session.Store, clinicName, schedule string, daysAhead int, logger *slog.Logger) *Service {
	if daysAhead <= 0 {
		daysAhead = 1
	}
	return &Service{
		cron:       cron.New(),
		clinic:     clinic,
		sender:     sender,
		store:      store,
		clinicName: clinicName,
		schedule:   schedule,
		daysAhead:  daysAhead,
		logger:     logger.With("component", "reminder"),
		now:        time.Now,
	}
}

// Start registers the cron jobs and begins running them.
func (s *Service) Start() error {
	if s.schedule != "" && s.clinic != nil && s.sender != nil {
		if _, err := s.cron.AddFunc(s.schedule, s.runReminders); err != nil {
			return fmt.Errorf("invalid reminder schedule %q: %w", s.schedule, err)
		}
	}
	if s.store != nil {
		if _, err := s.cron.AddFunc(pruneSchedule, func() { s.store.PruneExpired() }); err != nil {
			return fmt.Errorf("failed to register session cleanup: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("background jobs started", "reminder_schedule", s.schedule)
	return nil
}

// Stop halts the jobs and waits for a running one to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) runReminders() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	date := s.now().AddDate(0, 0, s.daysAhead).Format("2006-01-02")
	appts, err := s.clinic.AppointmentsOn(ctx, date)
	if err != nil {
		s.logger.Error("failed to list appointments for reminders", "date", date, "error", err)
		return
	}

	sent := 0
	for _, appt := range appts {
		if appt.PatientPhone == "" || appt.Status == "cancelled" {
			continue
		}
		if err := s.sender.SendText(ctx, "whatsapp", jidFor(appt.PatientPhone), s.message(appt)); err != nil {
			s.logger.Error("failed to send reminder", "appointment", appt.ID, "error", err)
			continue
		}
		sent++
	}
	s.logger.Info("reminder run finished", "date", date, "appointments", len(appts), "sent", sent)
}

func (s *Service) message(appt scheduling.Appointment) string {
	name := appt.PatientName
	if name == "" {
		name = "¡Hola!"
	} else {
		name = "¡Hola, " + name + "!"
	}
	return fmt.Sprintf("%s Te recordamos tu cita en %s el %s. Si necesitas cambiarla o cancelarla, responde a este mensaje.",
		name, s.clinicName, slots.Label(appt.Date, appt.StartTime))
}

func jidFor(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return digits + "@s.whatsapp.net"
}
