// Package admin provides the startup helper that ensures the configured
// administrator account exists and carries the current group invite link.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_member_bot/internal/logging"
)

type adminCollection interface {
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar bootstraps the configured administrator record.
type Registrar struct {
	admins adminCollection
	logger *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided admins collection.
func NewRegistrar(admins adminCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		admins: admins,
		logger: logger,
	}
}

// EnsureAdmin upserts the administrator identified by email. When inviteLink
// is set it is written to every administrator so the directory resolves the
// same link whichever record it reads. The chat identity is never touched
// here; administrators link through the token flow like members do.
func (r *Registrar) EnsureAdmin(ctx context.Context, email, name, inviteLink string) error {
	if r == nil || r.admins == nil {
		return errors.New("admin registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("admin email is required")
	}
	inviteLink = strings.TrimSpace(inviteLink)

	now := time.Now().UTC()

	var synced *mongo.UpdateResult
	if inviteLink != "" {
		var err error
		synced, err = r.admins.UpdateMany(ctx,
			bson.M{"email": bson.M{"$ne": email}, "group_invite_link": bson.M{"$ne": inviteLink}},
			bson.M{"$set": bson.M{
				"group_invite_link": inviteLink,
				"updated_at":        now,
			}},
		)
		if err != nil {
			return fmt.Errorf("sync group invite link: %w", err)
		}
	}

	set := bson.M{
		"email":      email,
		"updated_at": now,
	}
	first, last := splitName(name)
	if first != "" {
		set["first_name"] = first
		set["last_name"] = last
	}
	if inviteLink != "" {
		set["group_invite_link"] = inviteLink
	}

	upsertResult, err := r.admins.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":          "admin_bootstrap",
		"email":          email,
		"synced_admins":  modifiedCount(synced),
		"matched_admin":  matchedCount(upsertResult),
		"upserted_admin": upsertedCount(upsertResult),
	}).Info("ensured administrator")

	return nil
}

func splitName(name string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func modifiedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.ModifiedCount
}

func matchedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.MatchedCount
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
