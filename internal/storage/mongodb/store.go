// Package mongodb implements the storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-gateway/internal/storage"
)

// casAttempts bounds the optimistic-concurrency retry loop of the
// conditional update helpers.
const casAttempts = 5

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	messages  *mongo.Collection
	logs      *mongo.Collection
	pullLocks *mongo.Collection
	groups    *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:    client,
		db:        db,
		messages:  db.Collection("messages"),
		logs:      db.Collection("delivery_logs"),
		pullLocks: db.Collection("pull_locks"),
		groups:    db.Collection("message_groups"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "received", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating delivery log indexes: %w", err)
	}

	// the unique key makes AcquirePullLock an insert-if-absent
	_, err = s.pullLocks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "mpc", Value: 1}, {Key: "party_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "expiry", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating pull lock indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "group_id", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// MessageStore implementation

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	_, err := s.messages.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("message %s already exists: %w", msg.MessageID, storage.ErrConflict)
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*storage.Message, error) {
	var msg storage.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) ClearPayload(ctx context.Context, messageID string) error {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{
		"$unset": bson.M{"payload": ""},
		"$set":   bson.M{"payload_cleared": true},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.messages.DeleteOne(ctx, bson.M{"_id": messageID})
	return err
}

// DeliveryLogStore implementation

func (s *Store) CreateDeliveryLog(ctx context.Context, log *storage.DeliveryLog) error {
	log.Version = 1
	_, err := s.logs.InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("delivery log %s already exists: %w", log.MessageID, storage.ErrConflict)
	}
	return err
}

func (s *Store) GetDeliveryLog(ctx context.Context, messageID string) (*storage.DeliveryLog, error) {
	var log storage.DeliveryLog
	err := s.logs.FindOne(ctx, bson.M{"_id": messageID}).Decode(&log)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// UpdateDeliveryLog applies mutate under optimistic concurrency: the
// replace is conditional on the version read, and a lost race re-reads
// the winner's state and re-runs mutate against it.
func (s *Store) UpdateDeliveryLog(ctx context.Context, messageID string, mutate func(*storage.DeliveryLog) error) (*storage.DeliveryLog, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		log, err := s.GetDeliveryLog(ctx, messageID)
		if err != nil {
			return nil, err
		}
		readVersion := log.Version
		if err := mutate(log); err != nil {
			return nil, err
		}
		log.Version = readVersion + 1

		res, err := s.logs.ReplaceOne(ctx,
			bson.M{"_id": messageID, "version": readVersion}, log)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 1 {
			return log, nil
		}
		// lost the race; re-read and retry
	}
	return nil, fmt.Errorf("updating delivery log %s: %w", messageID, storage.ErrConflict)
}

func (s *Store) FindRetryDue(ctx context.Context, now time.Time) ([]string, error) {
	filter := bson.M{
		"status":       bson.M{"$in": []storage.MessageStatus{storage.StatusWaitingForRetry, storage.StatusSendEnqueued}},
		"next_attempt": bson.M{"$lte": now},
		"$expr":        bson.M{"$lt": bson.A{"$send_attempts", "$send_attempts_max"}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_attempt", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	return s.findLogIDs(ctx, filter, opts)
}

func (s *Store) FindByStatus(ctx context.Context, status storage.MessageStatus, limit int) ([]string, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return s.findLogIDs(ctx, bson.M{"status": status}, opts)
}

func (s *Store) findLogIDs(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]string, error) {
	cursor, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// PullLockStore implementation

func (s *Store) AcquirePullLock(ctx context.Context, lock *storage.PullLock) (bool, error) {
	_, err := s.pullLocks.InsertOne(ctx, lock)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetPullLock(ctx context.Context, messageID string) (*storage.PullLock, error) {
	var lock storage.PullLock
	err := s.pullLocks.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&lock)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// TransitionPullLock is a conditional update: whichever node matches
// the expected state first wins; the loser gets false.
func (s *Store) TransitionPullLock(ctx context.Context, messageID string, from, to storage.PullLockState) (bool, error) {
	res, err := s.pullLocks.UpdateOne(ctx,
		bson.M{"message_id": messageID, "state": from},
		bson.M{"$set": bson.M{"state": to}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) DeletePullLock(ctx context.Context, messageID string) error {
	_, err := s.pullLocks.DeleteOne(ctx, bson.M{"message_id": messageID})
	return err
}

func (s *Store) FindPullLocksByState(ctx context.Context, state storage.PullLockState) ([]*storage.PullLock, error) {
	return s.findLocks(ctx, bson.M{"state": state})
}

func (s *Store) FindExpiredPullLocks(ctx context.Context, now time.Time) ([]*storage.PullLock, error) {
	return s.findLocks(ctx, bson.M{
		"state":  bson.M{"$ne": storage.PullStaled},
		"expiry": bson.M{"$lte": now},
	})
}

func (s *Store) findLocks(ctx context.Context, filter bson.M) ([]*storage.PullLock, error) {
	cursor, err := s.pullLocks.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var locks []*storage.PullLock
	for cursor.Next(ctx) {
		var lock storage.PullLock
		if err := cursor.Decode(&lock); err != nil {
			return nil, err
		}
		locks = append(locks, &lock)
	}
	return locks, cursor.Err()
}

// MessageGroupStore implementation

func (s *Store) CreateMessageGroup(ctx context.Context, group *storage.MessageGroup) error {
	group.Version = 1
	_, err := s.groups.InsertOne(ctx, group)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("message group %s already exists: %w", group.GroupID, storage.ErrConflict)
	}
	return err
}

func (s *Store) GetMessageGroup(ctx context.Context, groupID string) (*storage.MessageGroup, error) {
	var group storage.MessageGroup
	err := s.groups.FindOne(ctx, bson.M{"_id": groupID}).Decode(&group)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Store) UpdateMessageGroup(ctx context.Context, groupID string, mutate func(*storage.MessageGroup) error) (*storage.MessageGroup, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		group, err := s.GetMessageGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		readVersion := group.Version
		if err := mutate(group); err != nil {
			return nil, err
		}
		group.Version = readVersion + 1

		res, err := s.groups.ReplaceOne(ctx,
			bson.M{"_id": groupID, "version": readVersion}, group)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 1 {
			return group, nil
		}
	}
	return nil, fmt.Errorf("updating message group %s: %w", groupID, storage.ErrConflict)
}

func (s *Store) DeleteMessageGroup(ctx context.Context, groupID string) error {
	_, err := s.groups.DeleteOne(ctx, bson.M{"_id": groupID})
	return err
}
