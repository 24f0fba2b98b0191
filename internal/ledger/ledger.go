// Package ledger owns the payment state machine and keeps member eligibility
// in step with it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/mailer"
	"tg_member_bot/internal/messaging"
)

const maxAttempts = 3

// Payments is the persistence the ledger needs.
type Payments interface {
	Insert(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	FindByID(ctx context.Context, id string) (domain.Payment, error)
	CompareAndSwap(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	HasCompleted(ctx context.Context, accountID primitive.ObjectID) (bool, error)
	ListPending(ctx context.Context, limit int64) ([]domain.Payment, error)
}

// Accounts resolves members and writes their eligibility flag.
type Accounts interface {
	FindMember(ctx context.Context, id primitive.ObjectID) (domain.Member, error)
	SetEligibility(ctx context.Context, id primitive.ObjectID, eligible bool) error
}

// Confirmer sends a confirmation to the member's contact address.
type Confirmer interface {
	SendConfirmation(ctx context.Context, c mailer.Confirmation) error
}

// Notifier sends a chat message.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, kb messaging.Keyboard) error
}

// Result reports the state after a ledger mutation.
type Result struct {
	Payment  domain.Payment
	Member   domain.Member
	Eligible bool
}

// Ledger creates and transitions payments.
type Ledger struct {
	payments  Payments
	accounts  Accounts
	confirmer Confirmer
	notifier  Notifier
	currency  string
	logger    *logrus.Entry
	now       func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithCurrency sets the currency recorded on new payments.
func WithCurrency(code string) Option {
	return func(l *Ledger) {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			l.currency = code
		}
	}
}

// WithNotifier enables chat notifications to members on approval.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs a Ledger.
func New(payments Payments, accounts Accounts, confirmer Confirmer, logger *logrus.Entry, opts ...Option) *Ledger {
	if logger == nil {
		logger = logging.Logger()
	}
	l := &Ledger{
		payments:  payments,
		accounts:  accounts,
		confirmer: confirmer,
		currency:  "USD",
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreatePending records a receipt upload as a pending payment.
func (l *Ledger) CreatePending(ctx context.Context, accountID string, service domain.Service, receipt domain.Receipt) (domain.Payment, error) {
	if err := l.guard(ctx); err != nil {
		return domain.Payment{}, err
	}

	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return domain.Payment{}, domain.ErrAccountNotFound
	}

	member, err := l.accounts.FindMember(ctx, oid)
	if err != nil {
		return domain.Payment{}, err
	}

	payment, err := l.payments.Insert(ctx, domain.Payment{
		AccountID:     member.ID,
		Email:         member.Email,
		Service:       service,
		Amount:        service.Price,
		Currency:      l.currency,
		Status:        domain.StatusPending,
		PaymentMethod: domain.MethodBankTransfer,
		Receipt:       receipt,
		CreatedAt:     l.now().UTC(),
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}

	l.logger.WithFields(logging.Context{
		Event:     "payment_created",
		AccountID: accountID,
		PaymentID: payment.ID.Hex(),
	}.Fields()).WithField("service", service.Name).Info("pending payment recorded")

	return payment, nil
}

// Toggle flips a payment between completed and pending and recomputes the
// member's eligibility. Any non-completed status moves to completed.
func (l *Ledger) Toggle(ctx context.Context, paymentID, adminID string) (Result, error) {
	adminOID, err := l.prepare(ctx, adminID)
	if err != nil {
		return Result{}, err
	}

	result, err := l.transition(ctx, paymentID, func(p *domain.Payment, now time.Time) {
		if p.Completed() {
			p.MarkPending()
			return
		}
		p.MarkCompleted(adminOID, now)
	})
	if err != nil {
		return Result{}, err
	}

	eligible := result.Payment.Completed()
	if !eligible {
		eligible, err = l.payments.HasCompleted(ctx, result.Member.ID)
		if err != nil {
			return Result{}, fmt.Errorf("recompute eligibility: %w", err)
		}
	}
	eligible, err = l.settle(ctx, result.Member.ID, eligible)
	if err != nil {
		return Result{}, err
	}
	result.Eligible = eligible
	result.Member.PaymentStatus = eligible

	l.logger.WithFields(logging.Context{
		Event:     "payment_toggled",
		AccountID: result.Member.ID.Hex(),
		PaymentID: paymentID,
	}.Fields()).WithFields(logrus.Fields{
		"status":   result.Payment.Status,
		"eligible": eligible,
	}).Info("payment status toggled")

	return result, nil
}

// Approve marks a payment completed, makes the member eligible and sends the
// confirmation. Notification failures are logged and never fail the approval.
func (l *Ledger) Approve(ctx context.Context, paymentID, adminID string) (Result, error) {
	adminOID, err := l.prepare(ctx, adminID)
	if err != nil {
		return Result{}, err
	}

	result, err := l.transition(ctx, paymentID, func(p *domain.Payment, now time.Time) {
		p.MarkCompleted(adminOID, now)
	})
	if err != nil {
		return Result{}, err
	}

	eligible, err := l.settle(ctx, result.Member.ID, true)
	if err != nil {
		return Result{}, err
	}
	result.Eligible = eligible
	result.Member.PaymentStatus = eligible

	log := l.logger.WithFields(logging.Context{
		Event:     "payment_approved",
		AccountID: result.Member.ID.Hex(),
		PaymentID: paymentID,
	}.Fields())

	if l.confirmer != nil {
		err := l.confirmer.SendConfirmation(ctx, mailer.Confirmation{
			To:        result.Member.Email,
			Name:      result.Member.Account().DisplayName(),
			Service:   result.Payment.Service.Name,
			Amount:    result.Payment.Amount,
			Currency:  result.Payment.Currency,
			ExpiresAt: result.Payment.ExpirationDate,
		})
		if err != nil {
			log.WithError(err).Warn("failed to send payment confirmation")
		}
	}

	if l.notifier != nil && result.Member.TelegramID != nil {
		if err := l.notifier.Send(ctx, *result.Member.TelegramID, approvalText(result.Payment), nil); err != nil {
			log.WithError(err).Warn("failed to notify member of approval")
		}
	}

	log.Info("payment approved")
	return result, nil
}

// Pending lists the oldest pending payments.
func (l *Ledger) Pending(ctx context.Context, limit int64) ([]domain.Payment, error) {
	if err := l.guard(ctx); err != nil {
		return nil, err
	}
	payments, err := l.payments.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return payments, nil
}

func (l *Ledger) transition(ctx context.Context, paymentID string, mutate func(*domain.Payment, time.Time)) (Result, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payment, err := l.payments.FindByID(ctx, strings.TrimSpace(paymentID))
		if err != nil {
			return Result{}, err
		}

		member, err := l.accounts.FindMember(ctx, payment.AccountID)
		if err != nil {
			return Result{}, err
		}

		mutate(&payment, l.now().UTC())

		updated, err := l.payments.CompareAndSwap(ctx, payment)
		if errors.Is(err, domain.ErrConflict) {
			l.logger.WithFields(logrus.Fields{
				"event":      "payment_conflict",
				"payment_id": paymentID,
				"attempt":    attempt,
			}).Debug("payment changed concurrently; retrying")
			continue
		}
		if err != nil {
			return Result{}, err
		}

		return Result{Payment: updated, Member: member}, nil
	}

	return Result{}, fmt.Errorf("payment %s: %w", paymentID, domain.ErrConflict)
}

// settle writes the eligibility flag, then re-reads the member's completed
// payments and rewrites the flag until both agree. A transition on another
// payment of the same member that lands between the read and the write is
// picked up by the re-read.
func (l *Ledger) settle(ctx context.Context, memberID primitive.ObjectID, eligible bool) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := l.accounts.SetEligibility(ctx, memberID, eligible); err != nil {
			return false, fmt.Errorf("update eligibility: %w", err)
		}

		actual, err := l.payments.HasCompleted(ctx, memberID)
		if err != nil {
			return false, fmt.Errorf("recompute eligibility: %w", err)
		}
		if actual == eligible {
			return eligible, nil
		}

		l.logger.WithFields(logrus.Fields{
			"event":      "eligibility_drift",
			"account_id": memberID.Hex(),
			"attempt":    attempt,
			"eligible":   actual,
		}).Debug("eligibility changed concurrently; rewriting")
		eligible = actual
	}

	return false, fmt.Errorf("member %s eligibility: %w", memberID.Hex(), domain.ErrConflict)
}

func (l *Ledger) prepare(ctx context.Context, adminID string) (primitive.ObjectID, error) {
	if err := l.guard(ctx); err != nil {
		return primitive.NilObjectID, err
	}
	oid, err := primitive.ObjectIDFromHex(adminID)
	if err != nil {
		return primitive.NilObjectID, domain.ErrPermissionDenied
	}
	return oid, nil
}

func (l *Ledger) guard(ctx context.Context) error {
	if l == nil || l.payments == nil || l.accounts == nil {
		return errors.New("ledger is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func approvalText(p domain.Payment) string {
	text := fmt.Sprintf("✅ Your payment for <b>%s</b> has been approved. Welcome aboard!", html.EscapeString(p.Service.Name))
	if p.ExpirationDate != nil {
		text += fmt.Sprintf("\nAccess is active until %s.", p.ExpirationDate.UTC().Format("2006-01-02"))
	}
	return text
}
