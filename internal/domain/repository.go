package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type accountCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

type paymentCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// AccountDirectory resolves accounts across the members and admins collections.
// A chat identity is looked up in members first, then admins.
type AccountDirectory struct {
	members accountCollection
	admins  accountCollection
}

// NewAccountDirectory constructs an AccountDirectory.
func NewAccountDirectory(members, admins accountCollection) *AccountDirectory {
	return &AccountDirectory{members: members, admins: admins}
}

// FindByTelegramID returns the account bound to the chat identity.
func (d *AccountDirectory) FindByTelegramID(ctx context.Context, telegramID int64) (Account, error) {
	if err := d.guard(ctx); err != nil {
		return Account{}, err
	}
	if telegramID == 0 {
		return Account{}, errors.New("telegram_id is required")
	}

	filter := bson.M{"telegram_id": telegramID}

	var member Member
	err := findOne(ctx, d.members, filter, &member)
	if err == nil {
		return member.Account(), nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("find member by telegram_id: %w", err)
	}

	admin, err := d.FindAdminByTelegramID(ctx, telegramID)
	if err != nil {
		return Account{}, err
	}

	return admin.Account(), nil
}

// FindAdminByTelegramID returns the administrator bound to the chat identity.
// It always reads through to the database; callers rely on this for live
// permission checks.
func (d *AccountDirectory) FindAdminByTelegramID(ctx context.Context, telegramID int64) (Admin, error) {
	if err := d.guard(ctx); err != nil {
		return Admin{}, err
	}
	if telegramID == 0 {
		return Admin{}, ErrAccountNotFound
	}

	var admin Admin
	if err := findOne(ctx, d.admins, bson.M{"telegram_id": telegramID}, &admin); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Admin{}, err
		}
		return Admin{}, fmt.Errorf("find admin by telegram_id: %w", err)
	}

	return admin, nil
}

// FindByID resolves an account id. A known role limits the lookup to that
// role's collection; an empty role searches members first, then admins.
func (d *AccountDirectory) FindByID(ctx context.Context, id string, role Role) (Account, error) {
	if err := d.guard(ctx); err != nil {
		return Account{}, err
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Account{}, ErrAccountNotFound
	}

	if role != RoleAdmin {
		member, err := d.FindMember(ctx, oid)
		if err == nil {
			return member.Account(), nil
		}
		if !errors.Is(err, ErrAccountNotFound) || role == RoleMember {
			return Account{}, err
		}
	}

	var admin Admin
	if err := findOne(ctx, d.admins, bson.M{"_id": oid}, &admin); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("find admin: %w", err)
	}

	return admin.Account(), nil
}

// FindMember fetches a member by id.
func (d *AccountDirectory) FindMember(ctx context.Context, id primitive.ObjectID) (Member, error) {
	if err := d.guard(ctx); err != nil {
		return Member{}, err
	}

	var member Member
	if err := findOne(ctx, d.members, bson.M{"_id": id}, &member); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Member{}, err
		}
		return Member{}, fmt.Errorf("find member: %w", err)
	}

	return member, nil
}

// BindTelegram sets the chat identity on the account. The write only applies
// while the account's telegram_id is unset or already equal to telegramID. The
// unique telegram_id index covers a single collection, so after binding the
// other collection is checked and the bind is undone if it holds the identity.
func (d *AccountDirectory) BindTelegram(ctx context.Context, account Account, telegramID int64) error {
	if err := d.guard(ctx); err != nil {
		return err
	}
	if telegramID == 0 {
		return errors.New("telegram_id is required")
	}

	oid, err := primitive.ObjectIDFromHex(account.ID)
	if err != nil {
		return ErrAccountNotFound
	}

	coll, other := d.members, d.admins
	if account.Role == RoleAdmin {
		coll, other = d.admins, d.members
	}

	result, err := coll.UpdateOne(ctx,
		bson.M{
			"_id": oid,
			"$or": bson.A{
				bson.M{"telegram_id": bson.M{"$exists": false}},
				bson.M{"telegram_id": nil},
				bson.M{"telegram_id": telegramID},
			},
		},
		bson.M{"$set": bson.M{
			"telegram_id": telegramID,
			"updated_at":  now(),
		}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyConnected
		}
		return fmt.Errorf("bind telegram_id: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return d.bindMiss(ctx, coll, oid)
	}

	var holder bson.M
	err = findOne(ctx, other, bson.M{"telegram_id": telegramID}, &holder)
	switch {
	case err == nil:
		if _, err := coll.UpdateOne(ctx,
			bson.M{"_id": oid, "telegram_id": telegramID},
			bson.M{"$unset": bson.M{"telegram_id": ""}, "$set": bson.M{"updated_at": now()}},
		); err != nil {
			return fmt.Errorf("undo telegram_id bind: %w", err)
		}
		return ErrAlreadyConnected
	case errors.Is(err, ErrAccountNotFound):
		return nil
	default:
		return fmt.Errorf("check telegram_id binding: %w", err)
	}
}

// bindMiss tells a missing account apart from one bound to another chat.
func (d *AccountDirectory) bindMiss(ctx context.Context, coll accountCollection, oid primitive.ObjectID) error {
	var existing bson.M
	if err := findOne(ctx, coll, bson.M{"_id": oid}, &existing); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("find account: %w", err)
	}
	return ErrAlreadyConnected
}

// Unbind clears the chat identity from whichever account holds it. It reports
// whether an account was unbound.
func (d *AccountDirectory) Unbind(ctx context.Context, telegramID int64) (bool, error) {
	if err := d.guard(ctx); err != nil {
		return false, err
	}
	if telegramID == 0 {
		return false, errors.New("telegram_id is required")
	}

	update := bson.M{
		"$unset": bson.M{"telegram_id": ""},
		"$set":   bson.M{"updated_at": now()},
	}

	for i, coll := range []accountCollection{d.members, d.admins} {
		result, err := coll.UpdateOne(ctx, bson.M{"telegram_id": telegramID}, update)
		if err != nil {
			return false, fmt.Errorf("unbind %s: %w", [...]string{"member", "admin"}[i], err)
		}
		if result != nil && result.MatchedCount > 0 {
			return true, nil
		}
	}

	return false, nil
}

// ListEligibleLinked returns members with payment_status=true and a bound chat identity.
func (d *AccountDirectory) ListEligibleLinked(ctx context.Context) ([]Account, error) {
	if err := d.guard(ctx); err != nil {
		return nil, err
	}

	cursor, err := d.members.Find(ctx, bson.M{
		"payment_status": true,
		"telegram_id":    bson.M{"$exists": true, "$ne": nil},
	})
	if err != nil {
		return nil, fmt.Errorf("list eligible members: %w", err)
	}

	var members []Member
	if err := cursor.All(ctx, &members); err != nil {
		return nil, fmt.Errorf("decode eligible members: %w", err)
	}

	accounts := make([]Account, 0, len(members))
	for _, m := range members {
		accounts = append(accounts, m.Account())
	}

	return accounts, nil
}

// ListAdminChatIDs returns the chat identities of every linked administrator.
func (d *AccountDirectory) ListAdminChatIDs(ctx context.Context) ([]int64, error) {
	if err := d.guard(ctx); err != nil {
		return nil, err
	}

	cursor, err := d.admins.Find(ctx, bson.M{"telegram_id": bson.M{"$exists": true, "$ne": nil}})
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}

	var admins []Admin
	if err := cursor.All(ctx, &admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}

	ids := make([]int64, 0, len(admins))
	for _, a := range admins {
		if a.TelegramID != nil {
			ids = append(ids, *a.TelegramID)
		}
	}

	return ids, nil
}

// GroupInviteLink returns the broadcast group invite link stored on an
// administrator record, or an empty string when none is set.
func (d *AccountDirectory) GroupInviteLink(ctx context.Context) (string, error) {
	if err := d.guard(ctx); err != nil {
		return "", err
	}

	var admin Admin
	err := findOne(ctx, d.admins, bson.M{"group_invite_link": bson.M{"$nin": bson.A{nil, ""}}}, &admin)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("find group invite link: %w", err)
	}

	return admin.GroupInviteLink, nil
}

// SetEligibility writes the member's payment_status flag.
func (d *AccountDirectory) SetEligibility(ctx context.Context, id primitive.ObjectID, eligible bool) error {
	if err := d.guard(ctx); err != nil {
		return err
	}

	result, err := d.members.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"payment_status": eligible,
			"updated_at":     now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("set payment_status: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ClaimOverdueNotice atomically records an overdue notification for the
// member unless one was already recorded on the calendar day starting at
// dayStart. It reports whether the caller won the claim and should notify.
func (d *AccountDirectory) ClaimOverdueNotice(ctx context.Context, id primitive.ObjectID, dayStart, at time.Time) (bool, error) {
	if err := d.guard(ctx); err != nil {
		return false, err
	}

	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_expiration_notification_at": bson.M{"$exists": false}},
			bson.M{"last_expiration_notification_at": nil},
			bson.M{"last_expiration_notification_at": bson.M{"$lt": dayStart}},
			bson.M{"expiration_notification_count": bson.M{"$lt": 1}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"last_expiration_notification_at": at,
			"updated_at":                      now(),
		},
		"$inc": bson.M{"expiration_notification_count": 1},
	}

	result, err := d.members.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("claim overdue notice: %w", err)
	}

	return result != nil && result.ModifiedCount > 0, nil
}

func (d *AccountDirectory) guard(ctx context.Context) error {
	if d == nil || d.members == nil || d.admins == nil {
		return errors.New("account directory is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// PaymentRepository persists payments in MongoDB.
type PaymentRepository struct {
	collection paymentCollection
}

// NewPaymentRepository constructs a PaymentRepository.
func NewPaymentRepository(collection paymentCollection) *PaymentRepository {
	return &PaymentRepository{collection: collection}
}

// Insert stores a new payment with populated id, version and timestamps.
func (r *PaymentRepository) Insert(ctx context.Context, payment Payment) (Payment, error) {
	if err := r.guard(ctx); err != nil {
		return Payment{}, err
	}
	if payment.AccountID.IsZero() {
		return Payment{}, errors.New("account_id is required")
	}

	ts := now()
	if payment.ID.IsZero() {
		payment.ID = primitive.NewObjectID()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = ts
	}
	payment.UpdatedAt = ts
	payment.Version = 1

	if _, err := r.collection.InsertOne(ctx, payment); err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}

	return payment, nil
}

// FindByID fetches a payment by its hex id. Malformed ids are reported as not found.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (Payment, error) {
	if err := r.guard(ctx); err != nil {
		return Payment{}, err
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Payment{}, ErrPaymentNotFound
	}

	var payment Payment
	if err := findOne(ctx, r.collection, bson.M{"_id": oid}, &payment); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("find payment: %w", err)
	}

	return payment, nil
}

// CompareAndSwap writes the mutable fields of payment only if the stored
// version still equals payment.Version, bumping the version. ErrConflict means
// another writer got there first.
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, payment Payment) (Payment, error) {
	if err := r.guard(ctx); err != nil {
		return Payment{}, err
	}

	ts := now()
	next := payment
	next.Version = payment.Version + 1
	next.UpdatedAt = ts

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": payment.ID, "version": payment.Version},
		bson.M{"$set": bson.M{
			"status":          next.Status,
			"processed_by":    next.ProcessedBy,
			"processed_at":    next.ProcessedAt,
			"start_date":      next.StartDate,
			"expiration_date": next.ExpirationDate,
			"admin_notes":     next.AdminNotes,
			"version":         next.Version,
			"updated_at":      ts,
		}},
	)
	if err != nil {
		return Payment{}, fmt.Errorf("update payment: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return Payment{}, ErrConflict
	}

	return next, nil
}

// HasCompleted reports whether the account owns at least one completed payment.
func (r *PaymentRepository) HasCompleted(ctx context.Context, accountID primitive.ObjectID) (bool, error) {
	if err := r.guard(ctx); err != nil {
		return false, err
	}

	count, err := r.collection.CountDocuments(ctx,
		bson.M{"account_id": accountID, "status": StatusCompleted},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("count completed payments: %w", err)
	}

	return count > 0, nil
}

// ListPending returns the oldest pending payments first.
func (r *PaymentRepository) ListPending(ctx context.Context, limit int64) ([]Payment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return r.list(ctx, bson.M{"status": StatusPending}, opts)
}

// ListExpiringBetween returns completed payments with a start date whose
// expiration date falls in [from, to].
func (r *PaymentRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]Payment, error) {
	return r.list(ctx, bson.M{
		"status":          StatusCompleted,
		"start_date":      bson.M{"$ne": nil},
		"expiration_date": bson.M{"$gte": from, "$lte": to},
	}, options.Find().SetSort(bson.D{{Key: "expiration_date", Value: 1}}))
}

// ListExpiredSince returns completed payments with a start date whose
// expiration date falls in [since, before).
func (r *PaymentRepository) ListExpiredSince(ctx context.Context, since, before time.Time) ([]Payment, error) {
	return r.list(ctx, bson.M{
		"status":          StatusCompleted,
		"start_date":      bson.M{"$ne": nil},
		"expiration_date": bson.M{"$gte": since, "$lt": before},
	}, options.Find().SetSort(bson.D{{Key: "expiration_date", Value: 1}}))
}

// LatestCompleted returns the completed payment with the furthest expiration
// for the account, or ErrPaymentNotFound.
func (r *PaymentRepository) LatestCompleted(ctx context.Context, accountID primitive.ObjectID) (Payment, error) {
	if err := r.guard(ctx); err != nil {
		return Payment{}, err
	}

	var payment Payment
	err := findOne(ctx, r.collection,
		bson.M{"account_id": accountID, "status": StatusCompleted},
		&payment,
		options.FindOne().SetSort(bson.D{{Key: "expiration_date", Value: -1}}),
	)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("find latest payment: %w", err)
	}

	return payment, nil
}

func (r *PaymentRepository) list(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Payment, error) {
	if err := r.guard(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find payments: %w", err)
	}

	var payments []Payment
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, fmt.Errorf("decode payments: %w", err)
	}

	return payments, nil
}

func (r *PaymentRepository) guard(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("payment repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

type findOneCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// findOne decodes a single document into out. A missing document is reported
// as ErrAccountNotFound so callers can translate it to their own sentinel.
func findOne(ctx context.Context, coll findOneCollection, filter interface{}, out interface{}, opts ...*options.FindOneOptions) error {
	result := coll.FindOne(ctx, filter, opts...)
	if result == nil {
		return errors.New("find returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrAccountNotFound
		}
		return err
	}

	if err := result.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
