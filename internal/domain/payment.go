package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PaymentStatus is the state of a payment attempt.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusRefunded   PaymentStatus = "refunded"
)

// MethodBankTransfer is the only payment method the bot records.
const MethodBankTransfer = "bank_transfer"

// DefaultServiceDuration applies when a service does not define its own length.
const DefaultServiceDuration = 30

// Service describes what a payment buys.
type Service struct {
	Name         string  `bson:"name" json:"name"`
	Price        float64 `bson:"price" json:"price"`
	Description  string  `bson:"description" json:"description"`
	DurationDays int     `bson:"duration_days,omitempty" json:"duration_days,omitempty"`
}

// UnknownService is recorded when a receipt arrives without a prior selection.
func UnknownService() Service {
	return Service{
		Name:        "Unknown service",
		Description: "Receipt uploaded without selecting a service",
	}
}

// Duration returns how long a completed payment for the service lasts.
func (s Service) Duration() time.Duration {
	days := s.DurationDays
	if days <= 0 {
		days = DefaultServiceDuration
	}
	return time.Duration(days) * 24 * time.Hour
}

// Receipt references the uploaded proof of transfer on the messaging platform.
type Receipt struct {
	FileID   string `bson:"file_id" json:"file_id"`
	FileName string `bson:"file_name,omitempty" json:"file_name,omitempty"`
	Kind     string `bson:"kind,omitempty" json:"kind,omitempty"`
}

// Payment is one subscription purchase attempt backed by a manual receipt.
type Payment struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	AccountID      primitive.ObjectID  `bson:"account_id" json:"account_id"`
	Email          string              `bson:"email" json:"email"`
	Service        Service             `bson:"service" json:"service"`
	Amount         float64             `bson:"amount" json:"amount"`
	Currency       string              `bson:"currency" json:"currency"`
	Status         PaymentStatus       `bson:"status" json:"status"`
	PaymentMethod  string              `bson:"payment_method" json:"payment_method"`
	Receipt        Receipt             `bson:"receipt" json:"receipt"`
	AdminNotes     string              `bson:"admin_notes,omitempty" json:"admin_notes,omitempty"`
	ProcessedBy    *primitive.ObjectID `bson:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt    *time.Time          `bson:"processed_at" json:"processed_at,omitempty"`
	StartDate      *time.Time          `bson:"start_date,omitempty" json:"start_date,omitempty"`
	ExpirationDate *time.Time          `bson:"expiration_date,omitempty" json:"expiration_date,omitempty"`
	Version        int64               `bson:"version" json:"version"`
	CreatedAt      time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `bson:"updated_at" json:"updated_at"`
}

// Completed reports whether the payment counts toward eligibility.
func (p Payment) Completed() bool {
	return p.Status == StatusCompleted
}

// MarkCompleted moves the payment to completed, stamping the processing admin
// and opening the subscription window if it was never opened.
func (p *Payment) MarkCompleted(adminID primitive.ObjectID, now time.Time) {
	p.Status = StatusCompleted
	p.ProcessedBy = &adminID
	p.ProcessedAt = &now
	if p.StartDate == nil {
		start := now
		expires := now.Add(p.Service.Duration())
		p.StartDate = &start
		p.ExpirationDate = &expires
	}
}

// MarkPending reverts the payment to pending and clears processing stamps.
func (p *Payment) MarkPending() {
	p.Status = StatusPending
	p.ProcessedBy = nil
	p.ProcessedAt = nil
}
