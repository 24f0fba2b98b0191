// Package scheduler runs the daily subscription expiration notices.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/messaging"
)

// Window is how far ahead (and behind) expirations are considered.
const Window = 7 * 24 * time.Hour

// Payments lists completed payments by expiration date.
type Payments interface {
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]domain.Payment, error)
	ListExpiredSince(ctx context.Context, since, before time.Time) ([]domain.Payment, error)
}

// Members resolves members and records overdue notices.
type Members interface {
	FindMember(ctx context.Context, id primitive.ObjectID) (domain.Member, error)
	ClaimOverdueNotice(ctx context.Context, id primitive.ObjectID, dayStart, at time.Time) (bool, error)
}

// Notifier sends a chat message.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, kb messaging.Keyboard) error
}

// Report summarises one pass.
type Report struct {
	Upcoming int
	Overdue  int
	Skipped  int
	Failed   int
}

// Scheduler fires RunOnce once a day at a wall-clock time.
type Scheduler struct {
	payments Payments
	members  Members
	notifier Notifier
	hour     int
	minute   int
	loc      *time.Location
	logger   *logrus.Entry
	now      func() time.Time
}

// New constructs a Scheduler firing daily at hour:minute in loc.
func New(payments Payments, members Members, notifier Notifier, hour, minute int, loc *time.Location, logger *logrus.Entry) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Scheduler{
		payments: payments,
		members:  members,
		notifier: notifier,
		hour:     hour,
		minute:   minute,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks, executing a pass at every scheduled time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	for {
		next := s.NextRun(s.now())
		s.logger.WithFields(logrus.Fields{"event": "expiry_schedule", "next_run": next.Format(time.RFC3339)}).Debug("next expiration check scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		report, err := s.RunOnce(ctx, s.now())
		if err != nil {
			s.logger.WithError(err).WithField("event", "expiry_check").Error("expiration check failed")
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"event":    "expiry_check",
			"upcoming": report.Upcoming,
			"overdue":  report.Overdue,
			"skipped":  report.Skipped,
			"failed":   report.Failed,
		}).Info("expiration check finished")
	}
}

// NextRun returns the first scheduled instant strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunOnce performs the upcoming and overdue passes for the instant now.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	if s == nil || s.payments == nil || s.members == nil || s.notifier == nil {
		return Report{}, errors.New("scheduler is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}

	var report Report

	upcoming, err := s.payments.ListExpiringBetween(ctx, now, now.Add(Window))
	if err != nil {
		return report, fmt.Errorf("list upcoming expirations: %w", err)
	}
	for _, p := range upcoming {
		s.notifyUpcoming(ctx, now, p, &report)
	}

	overdue, err := s.payments.ListExpiredSince(ctx, now.Add(-Window), now)
	if err != nil {
		return report, fmt.Errorf("list overdue expirations: %w", err)
	}
	dayStart := startOfDay(now, s.loc)
	seen := make(map[primitive.ObjectID]bool, len(overdue))
	for _, p := range overdue {
		if seen[p.AccountID] {
			continue
		}
		seen[p.AccountID] = true
		s.notifyOverdue(ctx, now, dayStart, p, &report)
	}

	return report, nil
}

func (s *Scheduler) notifyUpcoming(ctx context.Context, now time.Time, p domain.Payment, report *Report) {
	log := s.logger.WithFields(logrus.Fields{"event": "expiry_upcoming", "payment_id": p.ID.Hex()})

	member, ok := s.linkedMember(ctx, p, report, log)
	if !ok {
		return
	}

	days := DaysRemaining(now, *p.ExpirationDate)
	if err := s.notifier.Send(ctx, *member.TelegramID, upcomingText(p, days, s.loc), nil); err != nil {
		report.Failed++
		log.WithError(err).Warn("failed to send expiration reminder")
		return
	}
	report.Upcoming++
}

func (s *Scheduler) notifyOverdue(ctx context.Context, now, dayStart time.Time, p domain.Payment, report *Report) {
	log := s.logger.WithFields(logrus.Fields{"event": "expiry_overdue", "payment_id": p.ID.Hex()})

	member, ok := s.linkedMember(ctx, p, report, log)
	if !ok {
		return
	}

	won, err := s.members.ClaimOverdueNotice(ctx, member.ID, dayStart, now)
	if err != nil {
		report.Failed++
		log.WithError(err).Warn("failed to record overdue notice")
		return
	}
	if !won {
		report.Skipped++
		return
	}

	if err := s.notifier.Send(ctx, *member.TelegramID, overdueText(p, s.loc), nil); err != nil {
		report.Failed++
		log.WithError(err).Warn("failed to send overdue notice")
		return
	}
	report.Overdue++
}

func (s *Scheduler) linkedMember(ctx context.Context, p domain.Payment, report *Report, log *logrus.Entry) (domain.Member, bool) {
	if p.ExpirationDate == nil {
		report.Skipped++
		return domain.Member{}, false
	}

	member, err := s.members.FindMember(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			report.Skipped++
			return domain.Member{}, false
		}
		report.Failed++
		log.WithError(err).Warn("failed to load member")
		return domain.Member{}, false
	}

	if member.TelegramID == nil || *member.TelegramID == 0 {
		report.Skipped++
		return domain.Member{}, false
	}

	return member, true
}

// DaysRemaining rounds the time left until expiresAt up to whole days.
func DaysRemaining(now, expiresAt time.Time) int {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func upcomingText(p domain.Payment, days int, loc *time.Location) string {
	when := "today"
	switch {
	case days == 1:
		when = "in 1 day"
	case days > 1:
		when = fmt.Sprintf("in %d days", days)
	}
	return fmt.Sprintf(
		"⏳ Your <b>%s</b> access expires %s (%s).\nRenew with /payment to keep receiving updates.",
		html.EscapeString(p.Service.Name), when, p.ExpirationDate.In(loc).Format("2006-01-02"),
	)
}

func overdueText(p domain.Payment, loc *time.Location) string {
	return fmt.Sprintf(
		"⚠️ Your <b>%s</b> access expired on %s.\nRenew with /payment to restore access.",
		html.EscapeString(p.Service.Name), p.ExpirationDate.In(loc).Format("2006-01-02"),
	)
}
