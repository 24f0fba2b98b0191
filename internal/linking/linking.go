// Package linking issues and redeems the one-time tokens that bind a web
// account to a chat identity.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/tokens"
)

const (
	// TokenTTL is how long an issued token stays redeemable.
	TokenTTL = 10 * time.Minute

	tokenBytes = 32
)

// Directory is the subset of the account directory the redeemer needs.
type Directory interface {
	FindByTelegramID(ctx context.Context, telegramID int64) (domain.Account, error)
	FindByID(ctx context.Context, id string, role domain.Role) (domain.Account, error)
	BindTelegram(ctx context.Context, account domain.Account, telegramID int64) error
}

// Issued is the result of issuing a token.
type Issued struct {
	Token     string    `json:"connectionToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Profile is the redacted account view returned after a successful redemption.
type Profile struct {
	FirstName     string      `json:"firstName"`
	LastName      string      `json:"lastName"`
	Email         string      `json:"email"`
	PaymentStatus bool        `json:"paymentStatus"`
	Role          domain.Role `json:"role"`
}

// Service issues and redeems connection tokens.
type Service struct {
	store  tokens.Store
	dir    Directory
	logger *logrus.Entry
	now    func() time.Time
	random io.Reader
}

// NewService constructs a Service.
func NewService(store tokens.Store, dir Directory, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Service{
		store:  store,
		dir:    dir,
		logger: logger,
		now:    time.Now,
		random: rand.Reader,
	}
}

// Issue creates a token for the account. Expired tokens are swept as a side effect.
func (s *Service) Issue(ctx context.Context, accountID string, role domain.Role) (Issued, error) {
	if err := s.guard(ctx); err != nil {
		return Issued{}, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Issued{}, errors.New("account id is required")
	}
	if !role.Valid() {
		return Issued{}, fmt.Errorf("unknown role %q", role)
	}

	now := s.now()
	if removed, err := s.store.SweepExpired(ctx, now); err != nil {
		s.logger.WithError(err).WithField("event", "token_sweep").Warn("failed to sweep expired tokens")
	} else if removed > 0 {
		s.logger.WithFields(logrus.Fields{"event": "token_sweep", "removed": removed}).Debug("swept expired tokens")
	}

	token, err := s.newToken()
	if err != nil {
		return Issued{}, err
	}

	expiresAt := now.Add(TokenTTL)
	if err := s.store.Set(ctx, token, tokens.Entry{AccountID: accountID, Role: role, ExpiresAt: expiresAt}); err != nil {
		return Issued{}, fmt.Errorf("store token: %w", err)
	}

	s.logger.WithFields(logging.Context{Event: "token_issued", AccountID: accountID}.Fields()).
		WithField("role", role).
		Info("connection token issued")

	return Issued{Token: token, ExpiresAt: expiresAt}, nil
}

// Redeem binds telegramID to the account the token was issued for. Only one
// of several concurrent redemptions of the same token can succeed.
func (s *Service) Redeem(ctx context.Context, telegramID int64, token string) (Profile, error) {
	if err := s.guard(ctx); err != nil {
		return Profile{}, err
	}
	token = strings.TrimSpace(token)
	if telegramID == 0 {
		return Profile{}, errors.New("telegram id is required")
	}

	if _, err := s.dir.FindByTelegramID(ctx, telegramID); err == nil {
		return Profile{}, domain.ErrAlreadyConnected
	} else if !errors.Is(err, domain.ErrAccountNotFound) {
		return Profile{}, fmt.Errorf("check existing binding: %w", err)
	}

	if token == "" {
		return Profile{}, domain.ErrInvalidToken
	}

	entry, err := s.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return Profile{}, domain.ErrInvalidToken
		}
		return Profile{}, fmt.Errorf("read token: %w", err)
	}

	if entry.Expired(s.now()) {
		if err := s.store.Delete(ctx, token); err != nil {
			s.logger.WithError(err).WithField("event", "token_delete").Warn("failed to delete expired token")
		}
		return Profile{}, domain.ErrTokenExpired
	}

	account, err := s.dir.FindByID(ctx, entry.AccountID, entry.Role)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return Profile{}, domain.ErrAccountNotFound
		}
		return Profile{}, fmt.Errorf("resolve account: %w", err)
	}

	claimed, err := s.store.Claim(ctx, token)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return Profile{}, domain.ErrInvalidToken
		}
		return Profile{}, fmt.Errorf("claim token: %w", err)
	}

	if err := s.dir.BindTelegram(ctx, account, telegramID); err != nil {
		s.restore(ctx, token, claimed)
		if errors.Is(err, domain.ErrAlreadyConnected) || errors.Is(err, domain.ErrAccountNotFound) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("bind account: %w", err)
	}

	s.logger.WithFields(logging.Context{
		Event:     "token_redeemed",
		AccountID: account.ID,
		ChatID:    telegramID,
	}.Fields()).WithField("role", account.Role).Info("chat identity linked")

	return Profile{
		FirstName:     account.FirstName,
		LastName:      account.LastName,
		Email:         account.Email,
		PaymentStatus: account.Eligible,
		Role:          account.Role,
	}, nil
}

func (s *Service) restore(ctx context.Context, token string, entry tokens.Entry) {
	if entry.Expired(s.now()) {
		return
	}
	if err := s.store.Set(ctx, token, entry); err != nil {
		s.logger.WithError(err).WithField("event", "token_restore").Warn("failed to restore token after bind failure")
	}
}

func (s *Service) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) guard(ctx context.Context) error {
	if s == nil || s.store == nil || s.dir == nil {
		return errors.New("linking service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
