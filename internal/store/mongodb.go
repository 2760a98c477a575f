package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"shopfloor-backend/internal/model"
)

// MongoDB wraps a connected client and its database.
type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDB connects to uri and pings the primary.
func NewMongoDB(uri, database string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	log.Printf("Connected to MongoDB: %s", database)

	return &MongoDB{
		client: client,
		db:     client.Database(database),
	}, nil
}

func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// mongoBatchStore keeps each batch as one document with embedded
// active_workers and ledger arrays, mutated only through single-document
// update operators.
type mongoBatchStore struct {
	batches *mongo.Collection
}

// NewMongoBatchStore creates the batch collection indexes and returns the store.
func NewMongoBatchStore(ctx context.Context, db *MongoDB) (BatchStore, error) {
	batches := db.Collection("batches")

	if _, err := batches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "current_stage_id", Value: 1}}},
		{Keys: bson.D{{Key: "active_workers.user_id", Value: 1}}},
		{Keys: bson.D{{Key: "ledger.user_id", Value: 1}, {Key: "ledger.ended_at", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create batches indexes: %w", err)
	}

	return &mongoBatchStore{batches: batches}, nil
}

func (s *mongoBatchStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.StageProgress == nil {
		b.StageProgress = model.StageProgress{}
	}
	// Arrays must exist for $push to succeed.
	if b.ActiveWorkers == nil {
		b.ActiveWorkers = []model.BatchWorker{}
	}
	if b.Ledger == nil {
		b.Ledger = []model.BatchWorkerSession{}
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if _, err := s.batches.InsertOne(ctx, b); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *mongoBatchStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	err := s.batches.FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find batch %s: %w", id, err)
	}
	fillBatchIDs(&b)
	return &b, nil
}

func (s *mongoBatchStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	filter := bson.M{}
	if f.Workflow != "" {
		filter["workflow"] = f.Workflow
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.StageID != "" {
		filter["current_stage_id"] = f.StageID
	}
	if f.WithActiveWorkers {
		filter["active_workers.0"] = bson.M{"$exists": true}
	}

	cursor, err := s.batches.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find batches: %w", err)
	}
	var results []model.Batch
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode batches: %w", err)
	}
	for i := range results {
		fillBatchIDs(&results[i])
	}
	return results, nil
}

func (s *mongoBatchStore) AddWorker(ctx context.Context, batchID string, w model.BatchWorker, now time.Time) (bool, error) {
	// First worker: push and stamp timer_started_at in one update.
	notCompleted := bson.M{"$ne": model.BatchStatusCompleted}
	res, err := s.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "status": notCompleted, "active_workers": bson.M{"$size": 0}},
		bson.M{
			"$push": bson.M{"active_workers": w},
			"$set":  bson.M{"timer_started_at": now, "updated_at": now},
		})
	if err != nil {
		return false, fmt.Errorf("add first worker to batch %s: %w", batchID, err)
	}
	if res.MatchedCount == 0 {
		res, err = s.batches.UpdateOne(ctx,
			bson.M{"_id": batchID, "status": notCompleted, "active_workers.user_id": bson.M{"$ne": w.UserID}},
			bson.M{
				"$push": bson.M{"active_workers": w},
				"$set":  bson.M{"updated_at": now},
			})
		if err != nil {
			return false, fmt.Errorf("add worker to batch %s: %w", batchID, err)
		}
		if res.MatchedCount == 0 {
			completed, err := s.batches.CountDocuments(ctx, bson.M{"_id": batchID, "status": model.BatchStatusCompleted})
			if err != nil {
				return false, fmt.Errorf("check batch %s: %w", batchID, err)
			}
			if completed > 0 {
				return false, ErrBatchCompleted
			}
			return false, nil
		}
	}

	if _, err := s.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "time_started": nil},
		bson.M{"$set": bson.M{"time_started": now}}); err != nil {
		return true, fmt.Errorf("stamp time_started on batch %s: %w", batchID, err)
	}
	if _, err := s.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "assigned_to": ""},
		bson.M{"$set": bson.M{"assigned_to": w.UserID}}); err != nil {
		return true, fmt.Errorf("assign batch %s: %w", batchID, err)
	}
	return true, nil
}

func (s *mongoBatchStore) UpdateWorker(ctx context.Context, batchID string, w model.BatchWorker, wasPaused bool) (bool, error) {
	res, err := s.batches.UpdateOne(ctx,
		bson.M{
			"_id":            batchID,
			"active_workers": bson.M{"$elemMatch": bson.M{"user_id": w.UserID, "is_paused": wasPaused}},
		},
		bson.M{"$set": bson.M{
			"active_workers.$.started_at":          w.StartedAt,
			"active_workers.$.accumulated_minutes": w.AccumulatedMinutes,
			"active_workers.$.is_paused":           w.IsPaused,
		}})
	if err != nil {
		return false, fmt.Errorf("update worker %s on batch %s: %w", w.UserID, batchID, err)
	}
	return res.MatchedCount == 1, nil
}

func (s *mongoBatchStore) RemoveWorker(ctx context.Context, batchID, userID string, entry model.BatchWorkerSession) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.UserID = userID
	res, err := s.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "active_workers.user_id": userID},
		bson.M{
			"$pull": bson.M{"active_workers": bson.M{"user_id": userID}},
			"$push": bson.M{"ledger": entry},
			"$inc":  bson.M{"accumulated_minutes": entry.Minutes},
			"$set":  bson.M{"updated_at": entry.EndedAt},
		})
	if err != nil {
		return false, fmt.Errorf("remove worker %s from batch %s: %w", userID, batchID, err)
	}
	return res.MatchedCount == 1, nil
}

func (s *mongoBatchStore) ListActiveWorkers(ctx context.Context, workflow model.Workflow) ([]ActiveBatchWorker, error) {
	batches, err := s.ListBatches(ctx, BatchFilter{Workflow: workflow, WithActiveWorkers: true})
	if err != nil {
		return nil, err
	}
	return flattenActive(batches), nil
}

func (s *mongoBatchStore) LedgerForUser(ctx context.Context, userID string, endedFrom, endedTo time.Time) ([]model.BatchWorkerSession, error) {
	cursor, err := s.batches.Find(ctx, bson.M{"ledger": bson.M{"$elemMatch": bson.M{
		"user_id":  userID,
		"ended_at": bson.M{"$gte": endedFrom, "$lt": endedTo},
	}}})
	if err != nil {
		return nil, fmt.Errorf("find ledger for %s: %w", userID, err)
	}
	var batches []model.Batch
	if err := cursor.All(ctx, &batches); err != nil {
		return nil, fmt.Errorf("decode ledger for %s: %w", userID, err)
	}

	var out []model.BatchWorkerSession
	for _, b := range batches {
		for _, e := range b.Ledger {
			if e.UserID == userID && !e.EndedAt.Before(endedFrom) && e.EndedAt.Before(endedTo) {
				e.BatchID = b.ID
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *mongoBatchStore) MoveStage(ctx context.Context, batchID, stageID, stageName string, now time.Time) error {
	_, err := s.batches.UpdateOne(ctx, bson.M{"_id": batchID}, bson.M{"$set": bson.M{
		"current_stage_id":   stageID,
		"current_stage_name": stageName,
		"stage_progress":     bson.M{},
		"updated_at":         now,
	}})
	if err != nil {
		return fmt.Errorf("move batch %s: %w", batchID, err)
	}
	return nil
}

func (s *mongoBatchStore) CompleteItem(ctx context.Context, batchID, stageID, itemID string, now time.Time) error {
	if !ValidKey(stageID) || !ValidKey(itemID) {
		return fmt.Errorf("complete item %q at %q: %w", itemID, stageID, ErrInvalidKey)
	}
	_, err := s.batches.UpdateOne(ctx, bson.M{"_id": batchID}, bson.M{"$set": bson.M{
		"stage_progress." + stageID + "." + itemID: true,
		"updated_at": now,
	}})
	if err != nil {
		return fmt.Errorf("complete item %s on batch %s: %w", itemID, batchID, err)
	}
	return nil
}

func (s *mongoBatchStore) MarkCompleted(ctx context.Context, batchID string, now time.Time) (bool, error) {
	res, err := s.batches.UpdateOne(ctx,
		bson.M{"_id": batchID, "status": bson.M{"$ne": model.BatchStatusCompleted}},
		bson.M{"$set": bson.M{"status": model.BatchStatusCompleted, "completed_at": now, "updated_at": now}})
	if err != nil {
		return false, fmt.Errorf("complete batch %s: %w", batchID, err)
	}
	return res.ModifiedCount == 1, nil
}

// fillBatchIDs restores the parent key that embedded entries do not store.
func fillBatchIDs(b *model.Batch) {
	for i := range b.ActiveWorkers {
		b.ActiveWorkers[i].BatchID = b.ID
	}
	for i := range b.Ledger {
		b.Ledger[i].BatchID = b.ID
	}
}
