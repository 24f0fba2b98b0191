package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_member_bot/internal/config"
)

func TestNewManagerConnectsAndExposesCollections(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	cfg := config.Config{
		MongoURI: "mongodb://stub-host:27017",
		MongoDB:  "tg_bot_test",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	manager, err := NewManager(ctx, cfg)
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if manager.Database().Name() != cfg.MongoDB {
		t.Fatalf("expected database %s, got %s", cfg.MongoDB, manager.Database().Name())
	}

	if len(fake.databaseRequests) != 1 || fake.databaseRequests[0] != cfg.MongoDB {
		t.Fatalf("expected database request for %s, got %v", cfg.MongoDB, fake.databaseRequests)
	}

	names := map[string]string{
		CollectionMembers:  manager.Members().Name(),
		CollectionAdmins:   manager.Admins().Name(),
		CollectionPayments: manager.Payments().Name(),
	}
	for want, got := range names {
		if got != want {
			t.Fatalf("expected collection name %s, got %s", want, got)
		}
	}

	if err := manager.Close(ctx); err != nil {
		t.Fatalf("expected clean disconnect, got %v", err)
	}

	if !fake.disconnectCalled {
		t.Fatalf("expected disconnect to be called")
	}
}

func TestNewManagerFailsOnPingAndCleansUp(t *testing.T) {
	fake := newFakeMongoClient(t)
	fake.pingErr = errors.New("ping failed")

	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err == nil {
		t.Fatalf("expected ping error")
	}

	if !fake.disconnectCalled {
		t.Fatalf("expected disconnect after ping failure")
	}
}

func TestNewManagerPropagatesConnectError(t *testing.T) {
	restore := stubConnect(nil, errors.New("connect failed"))
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestNewManagerValidatesContext(t *testing.T) {
	_, err := NewManager(nil, config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerCloseRequiresContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.Close(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerPingChecksConnectivity(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := manager.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed, got error: %v", err)
	}

	if fake.pingCalls < 2 {
		t.Fatalf("expected ping to be invoked at least twice (init + explicit), got %d", fake.pingCalls)
	}
	if fake.lastReadPref != "primary" {
		t.Fatalf("expected ping to use primary read preference, got %q", fake.lastReadPref)
	}
}

func TestManagerPingPropagatesErrors(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	errPing := errors.New("ping failed")
	fake.pingErr = errPing

	if err := manager.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail")
	} else if !errors.Is(err, errPing) {
		t.Fatalf("expected ping error to wrap ping failed, got %v", err)
	}
}

func TestManagerPingValidatesContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.Ping(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestEnsureIndexesCreatesAccountAndPaymentIndexes(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	recorder := newIndexRecorder(t, "")
	restoreIndexes := recorder.stub()
	t.Cleanup(restoreIndexes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := manager.EnsureIndexes(ctx); err != nil {
		t.Fatalf("expected indexes to be created, got error: %v", err)
	}

	if len(recorder.calls) != 3 {
		t.Fatalf("expected 3 index creation calls, got %d", len(recorder.calls))
	}

	for i, coll := range []string{CollectionMembers, CollectionAdmins} {
		call := recorder.calls[i]
		if call.collection != coll {
			t.Fatalf("expected collection %s, got %s", coll, call.collection)
		}
		if len(call.models) != 2 {
			t.Fatalf("expected 2 account index models, got %d", len(call.models))
		}
		assertUniqueIndex(t, call.models[0], "telegram_id", "telegram_id_unique")
		if call.models[0].Options.Sparse == nil || !*call.models[0].Options.Sparse {
			t.Fatalf("expected telegram_id index to be sparse")
		}
		assertUniqueIndex(t, call.models[1], "email", "email_unique")
	}

	paymentCall := recorder.calls[2]
	if paymentCall.collection != CollectionPayments {
		t.Fatalf("expected collection %s, got %s", CollectionPayments, paymentCall.collection)
	}
	if len(paymentCall.models) != 2 {
		t.Fatalf("expected 2 payment index models, got %d", len(paymentCall.models))
	}
	if name := *paymentCall.models[1].Options.Name; name != "status_expiration" {
		t.Fatalf("expected status_expiration index, got %s", name)
	}
}

func TestEnsureIndexesFailsFastOnErrors(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	recorder := newIndexRecorder(t, CollectionMembers)
	restoreIndexes := recorder.stub()
	t.Cleanup(restoreIndexes)

	err = manager.EnsureIndexes(context.Background())
	if err == nil {
		t.Fatalf("expected error from index creation")
	}
	if len(recorder.calls) != 1 {
		t.Fatalf("expected to stop after first failure, got %d calls", len(recorder.calls))
	}
	if !errors.Is(err, errIndexFailure) {
		t.Fatalf("expected error to wrap index failure, got %v", err)
	}
}

func TestEnsureIndexesValidatesContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "tg_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.EnsureIndexes(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

type fakeMongoClient struct {
	client           *mongo.Client
	pingErr          error
	disconnectErr    error
	disconnectCalled bool
	databaseRequests []string
	pingCalls        int
	lastReadPref     string
}

func newFakeMongoClient(t *testing.T) *fakeMongoClient {
	t.Helper()

	client, err := mongo.NewClient(options.Client().ApplyURI("mongodb://example.com:27017"))
	if err != nil {
		t.Fatalf("failed to build fake client: %v", err)
	}

	return &fakeMongoClient{client: client}
}

func (f *fakeMongoClient) Ping(_ context.Context, rp *readpref.ReadPref) error {
	f.pingCalls++
	if rp != nil {
		f.lastReadPref = rp.String()
	}
	return f.pingErr
}

func (f *fakeMongoClient) Database(name string, opts ...*options.DatabaseOptions) *mongo.Database {
	f.databaseRequests = append(f.databaseRequests, name)
	return f.client.Database(name, opts...)
}

func (f *fakeMongoClient) Disconnect(context.Context) error {
	f.disconnectCalled = true
	return f.disconnectErr
}

func stubConnect(fake mongoClient, err error) func() {
	prev := connectMongo
	connectMongo = func(context.Context, *options.ClientOptions) (mongoClient, error) {
		return fake, err
	}

	return func() {
		connectMongo = prev
	}
}

var errIndexFailure = errors.New("index failure")

type indexCall struct {
	collection string
	models     []mongo.IndexModel
}

type indexRecorder struct {
	t               *testing.T
	calls           []indexCall
	errorCollection string
}

func newIndexRecorder(t *testing.T, errorCollection string) *indexRecorder {
	t.Helper()
	return &indexRecorder{t: t, errorCollection: errorCollection}
}

func (r *indexRecorder) stub() func() {
	prev := createIndexes
	createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
		r.calls = append(r.calls, indexCall{collection: coll.Name(), models: models})
		if r.errorCollection == coll.Name() {
			return nil, errIndexFailure
		}
		return []string{coll.Name() + "_idx"}, nil
	}

	return func() {
		createIndexes = prev
	}
}

func assertUniqueIndex(t *testing.T, model mongo.IndexModel, key, name string) {
	t.Helper()

	keysDoc, ok := model.Keys.(bson.D)
	if !ok {
		t.Fatalf("expected bson.D keys, got %T", model.Keys)
	}

	if len(keysDoc) != 1 || keysDoc[0].Key != key {
		t.Fatalf("expected index key %s, got %v", key, keysDoc)
	}

	if model.Options == nil || model.Options.Unique == nil || !*model.Options.Unique {
		t.Fatalf("expected unique option for %s", key)
	}

	if model.Options.Name == nil || *model.Options.Name != name {
		t.Fatalf("expected index name %s, got %v", name, model.Options.Name)
	}
}
