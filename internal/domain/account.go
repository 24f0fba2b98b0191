package domain

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Member is a website account whose access to paid content depends on payments.
type Member struct {
	ID                           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FirstName                    string             `bson:"first_name" json:"first_name"`
	LastName                     string             `bson:"last_name" json:"last_name"`
	Email                        string             `bson:"email" json:"email"`
	TelegramID                   *int64             `bson:"telegram_id,omitempty" json:"telegram_id,omitempty"`
	PaymentStatus                bool               `bson:"payment_status" json:"payment_status"`
	LastExpirationNotificationAt *time.Time         `bson:"last_expiration_notification_at,omitempty" json:"last_expiration_notification_at,omitempty"`
	ExpirationNotificationCount  int                `bson:"expiration_notification_count" json:"expiration_notification_count"`
	CreatedAt                    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt                    time.Time          `bson:"updated_at" json:"updated_at"`
}

// Admin is an administrator account. The invite link of the broadcast group is
// stored on the administrator record.
type Admin struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FirstName       string             `bson:"first_name" json:"first_name"`
	LastName        string             `bson:"last_name" json:"last_name"`
	Email           string             `bson:"email" json:"email"`
	TelegramID      *int64             `bson:"telegram_id,omitempty" json:"telegram_id,omitempty"`
	GroupInviteLink string             `bson:"group_invite_link,omitempty" json:"group_invite_link,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
}

// Account is the role-tagged projection of either a Member or an Admin.
type Account struct {
	ID         string
	Role       Role
	FirstName  string
	LastName   string
	Email      string
	TelegramID int64
	Eligible   bool
}

// Account projects the member into the role-tagged view.
func (m Member) Account() Account {
	return Account{
		ID:         m.ID.Hex(),
		Role:       RoleMember,
		FirstName:  m.FirstName,
		LastName:   m.LastName,
		Email:      m.Email,
		TelegramID: deref(m.TelegramID),
		Eligible:   m.PaymentStatus,
	}
}

// Account projects the administrator into the role-tagged view. Administrators
// are always eligible.
func (a Admin) Account() Account {
	return Account{
		ID:         a.ID.Hex(),
		Role:       RoleAdmin,
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Email:      a.Email,
		TelegramID: deref(a.TelegramID),
		Eligible:   true,
	}
}

// IsAdmin reports whether the account is an administrator.
func (a Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Linked reports whether a chat identity is bound to the account.
func (a Account) Linked() bool {
	return a.TelegramID != 0
}

// DisplayName joins first and last name, falling back to the email.
func (a Account) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
	if name == "" {
		return a.Email
	}
	return name
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
