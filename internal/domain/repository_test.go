package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestFindByTelegramIDFallsBackToAdmins(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	adminID := primitive.NewObjectID()
	chatID := int64(555)
	admins.findOne = func(filter bson.M) (interface{}, error) {
		if filter["telegram_id"] != chatID {
			return nil, mongo.ErrNoDocuments
		}
		return Admin{ID: adminID, FirstName: "Ada", Email: "ada@example.com", TelegramID: &chatID}, nil
	}

	dir := NewAccountDirectory(members, admins)

	account, err := dir.FindByTelegramID(context.Background(), chatID)
	if err != nil {
		t.Fatalf("FindByTelegramID returned error: %v", err)
	}
	if account.Role != RoleAdmin || account.ID != adminID.Hex() {
		t.Fatalf("expected admin %s, got %+v", adminID.Hex(), account)
	}
	if !account.Eligible {
		t.Fatalf("expected admins to always be eligible")
	}
	if len(members.findOneFilters) != 1 {
		t.Fatalf("expected members to be consulted first, got %d lookups", len(members.findOneFilters))
	}
}

func TestFindByTelegramIDPrefersMembers(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	chatID := int64(42)
	members.findOne = func(filter bson.M) (interface{}, error) {
		return Member{ID: primitive.NewObjectID(), FirstName: "Mo", TelegramID: &chatID, PaymentStatus: true}, nil
	}

	account, err := NewAccountDirectory(members, admins).FindByTelegramID(context.Background(), chatID)
	if err != nil {
		t.Fatalf("FindByTelegramID returned error: %v", err)
	}
	if account.Role != RoleMember || !account.Eligible || account.TelegramID != chatID {
		t.Fatalf("unexpected account: %+v", account)
	}
	if len(admins.findOneFilters) != 0 {
		t.Fatalf("expected admins not to be consulted")
	}
}

func TestFindByTelegramIDNotFound(t *testing.T) {
	dir := NewAccountDirectory(newFakeCollection(t), newFakeCollection(t))

	_, err := dir.FindByTelegramID(context.Background(), 7)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFindByIDRejectsMalformedID(t *testing.T) {
	dir := NewAccountDirectory(newFakeCollection(t), newFakeCollection(t))

	_, err := dir.FindByID(context.Background(), "not-an-object-id", "")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFindByIDUsesRoleCollection(t *testing.T) {
	id := primitive.NewObjectID()
	memberDoc := func(filter bson.M) (interface{}, error) {
		return Member{ID: id, FirstName: "Mo"}, nil
	}
	adminDoc := func(filter bson.M) (interface{}, error) {
		return Admin{ID: id, FirstName: "Ada"}, nil
	}

	tests := []struct {
		name         string
		role         Role
		memberLookup bool
		adminLookup  bool
		want         Role
	}{
		{name: "admin token", role: RoleAdmin, adminLookup: true, want: RoleAdmin},
		{name: "member token", role: RoleMember, memberLookup: true, want: RoleMember},
		{name: "no role", role: "", memberLookup: true, want: RoleMember},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			members := newFakeCollection(t)
			admins := newFakeCollection(t)
			members.findOne = memberDoc
			admins.findOne = adminDoc

			account, err := NewAccountDirectory(members, admins).FindByID(context.Background(), id.Hex(), tt.role)
			if err != nil {
				t.Fatalf("FindByID returned error: %v", err)
			}
			if account.Role != tt.want {
				t.Fatalf("expected role %s, got %s", tt.want, account.Role)
			}
			if (len(members.findOneFilters) > 0) != tt.memberLookup || (len(admins.findOneFilters) > 0) != tt.adminLookup {
				t.Fatalf("unexpected lookups: members=%d admins=%d", len(members.findOneFilters), len(admins.findOneFilters))
			}
		})
	}
}

func TestFindByIDMemberRoleDoesNotFallBackToAdmins(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	admins.findOne = func(filter bson.M) (interface{}, error) {
		return Admin{ID: primitive.NewObjectID()}, nil
	}

	_, err := NewAccountDirectory(members, admins).FindByID(context.Background(), primitive.NewObjectID().Hex(), RoleMember)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if len(admins.findOneFilters) != 0 {
		t.Fatalf("expected admins not to be consulted")
	}
}

func TestBindTelegramTargetsRoleCollection(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	admins.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}

	dir := NewAccountDirectory(members, admins)
	id := primitive.NewObjectID()

	if err := dir.BindTelegram(context.Background(), Account{ID: id.Hex(), Role: RoleAdmin}, 99); err != nil {
		t.Fatalf("BindTelegram returned error: %v", err)
	}

	if len(members.updates) != 0 {
		t.Fatalf("expected members collection untouched")
	}
	if len(admins.updates) != 1 {
		t.Fatalf("expected one admin update, got %d", len(admins.updates))
	}
	set := admins.updates[0].update["$set"].(bson.M)
	if set["telegram_id"] != int64(99) {
		t.Fatalf("expected telegram_id 99, got %v", set["telegram_id"])
	}
	if admins.updates[0].filter["_id"] != id {
		t.Fatalf("expected filter by _id, got %v", admins.updates[0].filter)
	}
	if _, ok := admins.updates[0].filter["$or"].(bson.A); !ok {
		t.Fatalf("expected bind to require an unset or equal telegram_id, got %v", admins.updates[0].filter)
	}
	if len(members.findOneFilters) != 1 || members.findOneFilters[0]["telegram_id"] != int64(99) {
		t.Fatalf("expected members to be checked for the chat identity, got %v", members.findOneFilters)
	}
}

func TestBindTelegramUndoesCrossCollectionClash(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	chatID := int64(404)
	members.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	admins.findOne = func(filter bson.M) (interface{}, error) {
		if filter["telegram_id"] != chatID {
			return nil, mongo.ErrNoDocuments
		}
		return Admin{ID: primitive.NewObjectID(), TelegramID: &chatID}, nil
	}

	dir := NewAccountDirectory(members, admins)
	id := primitive.NewObjectID()

	err := dir.BindTelegram(context.Background(), Account{ID: id.Hex(), Role: RoleMember}, chatID)
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}

	if len(members.updates) != 2 {
		t.Fatalf("expected bind followed by undo, got %d updates", len(members.updates))
	}
	undo := members.updates[1]
	if undo.filter["_id"] != id || undo.filter["telegram_id"] != chatID {
		t.Fatalf("expected undo scoped to this bind, got %v", undo.filter)
	}
	if _, ok := undo.update["$unset"].(bson.M)["telegram_id"]; !ok {
		t.Fatalf("expected telegram_id to be unset, got %v", undo.update)
	}
}

func TestBindTelegramMapsErrors(t *testing.T) {
	tests := []struct {
		name    string
		result  *mongo.UpdateResult
		err     error
		findOne func(filter bson.M) (interface{}, error)
		want    error
	}{
		{name: "no match", result: &mongo.UpdateResult{}, want: ErrAccountNotFound},
		{
			name:   "bound to another chat",
			result: &mongo.UpdateResult{},
			findOne: func(filter bson.M) (interface{}, error) {
				other := int64(6)
				return Member{ID: primitive.NewObjectID(), TelegramID: &other}, nil
			},
			want: ErrAlreadyConnected,
		},
		{name: "duplicate", err: mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000}}}, want: ErrAlreadyConnected},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			members := newFakeCollection(t)
			members.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
				return tt.result, tt.err
			}
			members.findOne = tt.findOne

			dir := NewAccountDirectory(members, newFakeCollection(t))
			err := dir.BindTelegram(context.Background(), Account{ID: primitive.NewObjectID().Hex(), Role: RoleMember}, 5)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUnbindChecksMembersThenAdmins(t *testing.T) {
	members := newFakeCollection(t)
	admins := newFakeCollection(t)
	admins.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}

	removed, err := NewAccountDirectory(members, admins).Unbind(context.Background(), 12)
	if err != nil {
		t.Fatalf("Unbind returned error: %v", err)
	}
	if !removed {
		t.Fatalf("expected admin binding to be removed")
	}
	if len(members.updates) != 1 || len(admins.updates) != 1 {
		t.Fatalf("expected both collections to be tried in order, got members=%d admins=%d", len(members.updates), len(admins.updates))
	}
	if _, ok := admins.updates[0].update["$unset"]; !ok {
		t.Fatalf("expected $unset update, got %v", admins.updates[0].update)
	}
}

func TestClaimOverdueNoticeReportsWinner(t *testing.T) {
	members := newFakeCollection(t)
	modified := int64(1)
	members.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: modified, ModifiedCount: modified}, nil
	}

	dir := NewAccountDirectory(members, newFakeCollection(t))
	id := primitive.NewObjectID()
	dayStart := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	at := dayStart.Add(9 * time.Hour)

	won, err := dir.ClaimOverdueNotice(context.Background(), id, dayStart, at)
	if err != nil || !won {
		t.Fatalf("expected claim to be won, got won=%v err=%v", won, err)
	}

	update := members.updates[0].update
	if inc := update["$inc"].(bson.M); inc["expiration_notification_count"] != 1 {
		t.Fatalf("expected count increment, got %v", inc)
	}
	if _, ok := members.updates[0].filter["$or"]; !ok {
		t.Fatalf("expected conditional filter, got %v", members.updates[0].filter)
	}

	modified = 0
	won, err = dir.ClaimOverdueNotice(context.Background(), id, dayStart, at)
	if err != nil || won {
		t.Fatalf("expected second claim on the same day to lose, got won=%v err=%v", won, err)
	}
}

func TestListEligibleLinkedDecodesMembers(t *testing.T) {
	members := newFakeCollection(t)
	a, b := int64(1), int64(2)
	members.find = func(filter bson.M) ([]interface{}, error) {
		if filter["payment_status"] != true {
			return nil, fmt.Errorf("unexpected filter %v", filter)
		}
		return []interface{}{
			Member{ID: primitive.NewObjectID(), TelegramID: &a, PaymentStatus: true},
			Member{ID: primitive.NewObjectID(), TelegramID: &b, PaymentStatus: true},
		}, nil
	}

	accounts, err := NewAccountDirectory(members, newFakeCollection(t)).ListEligibleLinked(context.Background())
	if err != nil {
		t.Fatalf("ListEligibleLinked returned error: %v", err)
	}
	if len(accounts) != 2 || accounts[0].TelegramID != 1 || accounts[1].TelegramID != 2 {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestGroupInviteLinkEmptyWhenUnset(t *testing.T) {
	link, err := NewAccountDirectory(newFakeCollection(t), newFakeCollection(t)).GroupInviteLink(context.Background())
	if err != nil {
		t.Fatalf("GroupInviteLink returned error: %v", err)
	}
	if link != "" {
		t.Fatalf("expected empty link, got %q", link)
	}
}

func TestPaymentRepositoryInsertAndFind(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewPaymentRepository(coll)
	ctx := context.Background()

	created, err := repo.Insert(ctx, Payment{
		AccountID: primitive.NewObjectID(),
		Email:     "m@example.com",
		Service:   Service{Name: "Signals", Price: 80},
		Amount:    80,
		Status:    StatusPending,
	})
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if created.ID.IsZero() || created.Version != 1 {
		t.Fatalf("expected id and version to be set, got %+v", created)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching timestamps on insert, got %v and %v", created.CreatedAt, created.UpdatedAt)
	}

	doc := coll.inserted[0]
	assertStringField(t, doc, "status", string(StatusPending))
	assertTimeFieldSet(t, doc, "created_at")

	coll.findOne = func(filter bson.M) (interface{}, error) {
		if filter["_id"] != created.ID {
			return nil, mongo.ErrNoDocuments
		}
		return doc, nil
	}

	found, err := repo.FindByID(ctx, created.ID.Hex())
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if found.Service.Name != "Signals" || found.Amount != 80 {
		t.Fatalf("unexpected payment: %+v", found)
	}

	if _, err := repo.FindByID(ctx, primitive.NewObjectID().Hex()); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := repo.FindByID(ctx, "zzz"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for malformed id, got %v", err)
	}
}

func TestPaymentRepositoryCompareAndSwap(t *testing.T) {
	coll := newFakeCollection(t)
	matched := int64(1)
	coll.update = func(filter, update bson.M) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: matched}, nil
	}
	repo := NewPaymentRepository(coll)

	payment := Payment{ID: primitive.NewObjectID(), Status: StatusPending, Version: 3}
	payment.MarkCompleted(primitive.NewObjectID(), time.Now())

	next, err := repo.CompareAndSwap(context.Background(), payment)
	if err != nil {
		t.Fatalf("CompareAndSwap returned error: %v", err)
	}
	if next.Version != 4 {
		t.Fatalf("expected version 4, got %d", next.Version)
	}
	if coll.updates[0].filter["version"] != int64(3) {
		t.Fatalf("expected filter on prior version, got %v", coll.updates[0].filter)
	}

	matched = 0
	if _, err := repo.CompareAndSwap(context.Background(), payment); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPaymentRepositoryHasCompleted(t *testing.T) {
	coll := newFakeCollection(t)
	coll.count = 1
	repo := NewPaymentRepository(coll)

	ok, err := repo.HasCompleted(context.Background(), primitive.NewObjectID())
	if err != nil || !ok {
		t.Fatalf("expected completed payment, got ok=%v err=%v", ok, err)
	}

	coll.count = 0
	ok, err = repo.HasCompleted(context.Background(), primitive.NewObjectID())
	if err != nil || ok {
		t.Fatalf("expected no completed payment, got ok=%v err=%v", ok, err)
	}
}

func TestPaymentRepositoryExpiryWindows(t *testing.T) {
	coll := newFakeCollection(t)
	coll.find = func(filter bson.M) ([]interface{}, error) {
		return nil, nil
	}
	repo := NewPaymentRepository(coll)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)

	if _, err := repo.ListExpiringBetween(context.Background(), from, to); err != nil {
		t.Fatalf("ListExpiringBetween returned error: %v", err)
	}
	if _, err := repo.ListExpiredSince(context.Background(), from, to); err != nil {
		t.Fatalf("ListExpiredSince returned error: %v", err)
	}

	upcoming := coll.findFilters[0]["expiration_date"].(bson.M)
	if upcoming["$gte"] != from || upcoming["$lte"] != to {
		t.Fatalf("expected inclusive window, got %v", upcoming)
	}
	overdue := coll.findFilters[1]["expiration_date"].(bson.M)
	if overdue["$gte"] != from || overdue["$lt"] != to {
		t.Fatalf("expected half-open window, got %v", overdue)
	}
	for _, f := range coll.findFilters {
		if f["status"] != StatusCompleted {
			t.Fatalf("expected completed filter, got %v", f)
		}
	}
}

func TestRepositoriesRequireContext(t *testing.T) {
	dir := NewAccountDirectory(newFakeCollection(t), newFakeCollection(t))
	//nolint:staticcheck
	if _, err := dir.FindByTelegramID(nil, 1); err == nil {
		t.Fatalf("expected error for nil context")
	}

	var repo *PaymentRepository
	if _, err := repo.FindByID(context.Background(), primitive.NewObjectID().Hex()); err == nil {
		t.Fatalf("expected error for uninitialized repository")
	}
}

type recordedUpdate struct {
	filter bson.M
	update bson.M
}

// fakeCollection scripts responses per operation and records what it was asked.
type fakeCollection struct {
	t *testing.T

	findOne func(filter bson.M) (interface{}, error)
	find    func(filter bson.M) ([]interface{}, error)
	update  func(filter, update bson.M) (*mongo.UpdateResult, error)
	count   int64

	inserted       []bson.M
	findOneFilters []bson.M
	findFilters    []bson.M
	updates        []recordedUpdate
}

func newFakeCollection(t *testing.T) *fakeCollection {
	t.Helper()
	return &fakeCollection{t: t}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	doc := marshalDoc(f.t, document)
	f.inserted = append(f.inserted, doc)
	return &mongo.InsertOneResult{InsertedID: doc["_id"]}, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.M{}, fmt.Errorf("unexpected filter type %T", filter), nil)
	}
	f.findOneFilters = append(f.findOneFilters, filterDoc)

	if f.findOne == nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}

	doc, err := f.findOne(filterDoc)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, err, nil)
	}
	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	filterDoc, _ := filter.(bson.M)
	f.findFilters = append(f.findFilters, filterDoc)

	var docs []interface{}
	if f.find != nil {
		var err error
		docs, err = f.find(filterDoc)
		if err != nil {
			return nil, err
		}
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	filterDoc, _ := filter.(bson.M)
	updateDoc, _ := update.(bson.M)
	f.updates = append(f.updates, recordedUpdate{filter: filterDoc, update: updateDoc})

	if f.update == nil {
		return &mongo.UpdateResult{}, nil
	}
	return f.update(filterDoc, updateDoc)
}

func (f *fakeCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	return f.count, nil
}

func marshalDoc(t *testing.T, document interface{}) bson.M {
	t.Helper()

	switch doc := document.(type) {
	case bson.M:
		return doc
	default:
		raw, err := bson.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var out bson.M
		if err := bson.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		return out
	}
}

func assertStringField(t *testing.T, doc bson.M, field, expected string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}
	if value != expected {
		t.Fatalf("expected %s=%s, got %v", field, expected, value)
	}
}

func assertTimeFieldSet(t *testing.T, doc bson.M, field string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}

	parsed := parseTime(t, value)
	if parsed.IsZero() {
		t.Fatalf("expected %s to be non-zero", field)
	}
}

func parseTime(t *testing.T, value interface{}) time.Time {
	t.Helper()

	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time()
	case time.Time:
		return v
	default:
		t.Fatalf("expected time value, got %T", value)
		return time.Time{}
	}
}
