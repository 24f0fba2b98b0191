// Package tokens stores short-lived account connection tokens.
package tokens

import (
	"context"
	"errors"
	"sync"
	"time"

	"tg_member_bot/internal/domain"
)

// ErrNotFound is returned when a token is absent.
var ErrNotFound = errors.New("token not found")

// Entry is the payload kept under a token.
type Entry struct {
	AccountID string      `json:"account_id"`
	Role      domain.Role `json:"role"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is no longer redeemable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store keeps connection tokens. Claim must be atomic: of two concurrent
// claims on the same token at most one succeeds.
type Store interface {
	Set(ctx context.Context, token string, entry Entry) error
	Get(ctx context.Context, token string) (Entry, error)
	Claim(ctx context.Context, token string) (Entry, error)
	Delete(ctx context.Context, token string) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Set(_ context.Context, token string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) Claim(_ context.Context, token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(s.entries, token)
	return entry, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored tokens.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
