// Package mongodb implements storage.MessageStore on MongoDB.
// Live inserts come from a change stream, which requires a replica set.
// On replica sets the sequence counter and the message are written in one transaction,
// so sequence order equals commit order.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"
	"chatrelay/internal/storage/zapadapter"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	messagesCollection = "messages"
	usersCollection    = "users"
	countersCollection = "counters"

	// server error codes
	documentValidationFailure = 121
	changeStreamReplicaOnly   = 40573
	unrecognizedPipelineStage = 40324
)

var _ storage.MessageStore = (*Store)(nil)

type messageDocument struct {
	Seq      int64     `bson:"seq"`
	Username string    `bson:"username"`
	Message  string    `bson:"message"`
	Datetime time.Time `bson:"datetime"`
}

type userDocument struct {
	Name      string     `bson:"name"`
	LastLogin *time.Time `bson:"last_login"`
}

type counterDocument struct {
	Seq int64 `bson:"seq"`
}

// helloReply is the part of the hello reply telling whether transactions are available
type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

func (r helloReply) transactions() bool {
	return r.SetName != "" || r.Msg == "isdbgrid"
}

func (d messageDocument) event() storage.ChangeEvent {
	return storage.ChangeEvent{
		Seq: storage.Sequence(d.Seq),
		Message: storage.ChatMessage{
			Username: d.Username,
			Message:  d.Message,
			Datetime: d.Datetime.UTC(),
		},
	}
}

// Store defines fields used in MongoDB interaction processes
type Store struct {
	logger      *zap.SugaredLogger
	client      *mongo.Client
	messages    *mongo.Collection
	users       *mongo.Collection
	counters    *mongo.Collection
	subscribers atomic.Int64

	// transactions is false on standalone servers, which have no change streams either
	transactions bool
}

// New connects to cfg.MongoURI, pings the deployment and ensures indexes
func New(ctx context.Context, logger *zap.SugaredLogger, cfg storage.Config) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetMonitor(zapadapter.NewCommandMonitor(logger.Desugar()))
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout).SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}

	db := client.Database(cfg.MongoDatabase)
	s := &Store{
		logger:   logger,
		client:   client,
		messages: db.Collection(messagesCollection),
		users:    db.Collection(usersCollection),
		counters: db.Collection(countersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	var hello helloReply
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classify(err)
	}
	s.transactions = hello.transactions()
	if !s.transactions {
		logger.Warn("Deployment has no transactions, live message feeds are unavailable")
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "datetime", Value: 1}}},
	})
	if err != nil {
		return classify(err)
	}
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return classify(err)
	}
	// the counter must exist before the first transaction touches it
	_, err = s.counters.UpdateOne(ctx,
		bson.M{"_id": messagesCollection},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0)}},
		options.Update().SetUpsert(true),
	)
	return classify(err)
}

// Close disconnects the client, which also ends open change streams
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Subscribers returns the number of change streams that are not closed yet
func (s *Store) Subscribers() int {
	return int(s.subscribers.Load())
}

// Insert takes the next sequence from the counters collection and inserts the message document.
// Concurrent transactions conflict on the counter document, so a later sequence cannot commit first.
func (s *Store) Insert(ctx context.Context, m storage.ChatMessage) (storage.Sequence, error) {
	s.logger.Debugf("Inserting message from user (%s)", m.Username)

	if m.Username == "" {
		return 0, fmt.Errorf("%w: username is empty", storage.ErrWriteRejected)
	}

	if !s.transactions {
		seq, err := s.insert(ctx, m)
		return seq, classify(err)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return 0, classify(err)
	}
	defer session.EndSession(context.Background())

	// write conflicts carry the transient label and are retried by WithTransaction
	seq, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.insert(sc, m)
	})
	if err != nil {
		return 0, classify(err)
	}
	return seq.(storage.Sequence), nil
}

// insert returns driver errors unclassified so that their labels survive
func (s *Store) insert(ctx context.Context, m storage.ChatMessage) (storage.Sequence, error) {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return 0, err
	}

	_, err = s.messages.InsertOne(ctx, messageDocument{
		Seq:      seq,
		Username: m.Username,
		Message:  m.Message,
		Datetime: m.Datetime,
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Inserted message with sequence %d", seq)

	return storage.Sequence(seq), nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var c counterDocument
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": messagesCollection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, err
	}
	return c.Seq, nil
}

func (s *Store) head(ctx context.Context) (int64, error) {
	var c counterDocument
	err := s.counters.FindOne(ctx, bson.M{"_id": messagesCollection}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return c.Seq, nil
}

// Messages returns the whole history ordered by sequence
func (s *Store) Messages(ctx context.Context) ([]storage.ChangeEvent, error) {
	s.logger.Debug("Retrieving all messages")
	return s.find(ctx, bson.M{})
}

// QueryAfter returns messages with datetime strictly greater than after
func (s *Store) QueryAfter(ctx context.Context, after time.Time) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages after %s", storage.FormatDatetime(after))
	return s.find(ctx, bson.M{"datetime": bson.M{"$gt": after}})
}

// Since returns messages with sequence strictly greater than seq
func (s *Store) Since(ctx context.Context, seq storage.Sequence) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages since sequence %d", seq)
	return s.find(ctx, bson.M{"seq": bson.M{"$gt": int64(seq)}})
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]storage.ChangeEvent, error) {
	cursor, err := s.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, classify(err)
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}

	events := make([]storage.ChangeEvent, 0, len(docs))
	for _, d := range docs {
		events = append(events, d.event())
	}

	s.logger.Debugf("Retrieved %d messages", len(events))

	return events, nil
}

// UserByName returns the user with provided name or storage.ErrUserNotExist
func (s *Store) UserByName(ctx context.Context, name string) (storage.User, error) {
	s.logger.Debugf("Retrieving user (%s)", name)

	var d userDocument
	err := s.users.FindOne(ctx, bson.M{"name": name}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.User{}, storage.ErrUserNotExist
	}
	if err != nil {
		return storage.User{}, classify(err)
	}

	u := storage.User{Name: d.Name}
	if d.LastLogin != nil {
		u.LastLogin = d.LastLogin.UTC()
	}
	return u, nil
}

// UpsertUser replaces the user document, creating it when absent
func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	s.logger.Debugf("Upserting user (%s)", u.Name)

	d := userDocument{Name: u.Name}
	if !u.LastLogin.IsZero() {
		d.LastLogin = &u.LastLogin
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"name": u.Name}, d, options.Replace().SetUpsert(true))
	return classify(err)
}

// classify maps driver errors onto the storage error kinds
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == documentValidationFailure {
				return fmt.Errorf("%w: %v", storage.ErrWriteRejected, err)
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case changeStreamReplicaOnly, unrecognizedPipelineStage:
			return fmt.Errorf("%w: %v", storage.ErrSubscriptionUnavailable, err)
		case documentValidationFailure:
			return fmt.Errorf("%w: %v", storage.ErrWriteRejected, err)
		}
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return err
}
