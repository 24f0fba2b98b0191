package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_member_bot/internal/domain"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider reports member and payment counts for the admin /stats
// command without leaking MongoDB internals to callers.
type StatsProvider struct {
	members  countCollection
	payments countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided member
// and payment collections.
func NewStatsProvider(members, payments countCollection) *StatsProvider {
	return &StatsProvider{
		members:  members,
		payments: payments,
	}
}

// Snapshot counts members, linked members, eligible members and pending
// payments. The counts are not taken atomically.
func (p *StatsProvider) Snapshot(ctx context.Context) (domain.Stats, error) {
	if ctx == nil {
		return domain.Stats{}, errors.New("context is required")
	}
	if p == nil || p.members == nil || p.payments == nil {
		return domain.Stats{}, errors.New("stats provider is not initialized")
	}

	var stats domain.Stats
	counts := []struct {
		name   string
		coll   countCollection
		filter bson.M
		out    *int64
	}{
		{"members", p.members, bson.M{}, &stats.Members},
		{"linked members", p.members, bson.M{"telegram_id": bson.M{"$exists": true, "$ne": nil}}, &stats.LinkedMembers},
		{"eligible members", p.members, bson.M{"payment_status": true}, &stats.EligibleMembers},
		{"pending payments", p.payments, bson.M{"status": domain.StatusPending}, &stats.PendingPayments},
	}

	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return domain.Stats{}, fmt.Errorf("count %s: %w", c.name, err)
		}
		*c.out = n
	}

	return stats, nil
}
