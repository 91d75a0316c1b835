package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"biodata-backend/internal/model"
	"biodata-backend/internal/slot"
)

// Collection names used by the MongoDB backend.
const (
	DoorEventsCollection = "door_events"
	TenMinCollection     = "10mindata"
	FourHCollection      = "4hdata"
)

type mongoStore struct {
	events *mongo.Collection
	slots  map[slot.Grid]*mongo.Collection
	now    func() time.Time
}

// NewMongoStore creates a MongoDB-backed store on database and ensures the
// indexes the queries rely on.
func NewMongoStore(ctx context.Context, database *mongo.Database) (Store, error) {
	s := &mongoStore{
		events: database.Collection(DoorEventsCollection),
		slots: map[slot.Grid]*mongo.Collection{
			slot.TenMinutes: database.Collection(TenMinCollection),
			slot.FourHours:  database.Collection(FourHCollection),
		},
		now: time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}, {Key: "opened_at", Value: -1}}},
		{Keys: bson.D{{Key: "username", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "opened_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create door event indexes: %w", err)
	}
	for grid, coll := range s.slots {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "username", Value: 1}, {Key: "time_slot", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create %s slot index: %w", grid, err)
		}
	}
	return nil
}

func activeEventFilter(identity string, since time.Time) bson.M {
	return bson.M{
		"username":  identity,
		"status":    model.EventInProgress,
		"opened_at": bson.M{"$gte": since.UTC()},
	}
}

func eventListFilter(identity string, status model.EventStatus) bson.M {
	filter := bson.M{"username": identity}
	if status != "" {
		filter["status"] = status
	}
	return filter
}

// guardedUpdate builds the $set document of UpdateEvent.
func guardedUpdate(fields model.Fields, now time.Time) bson.M {
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}
	set["updated_at"] = now.UTC()
	return bson.M{"$set": set}
}

func (s *mongoStore) FindActiveEvent(ctx context.Context, identity string, since time.Time) (*model.DoorEvent, error) {
	var event model.DoorEvent
	err := s.events.FindOne(ctx, activeEventFilter(identity, since),
		options.FindOne().SetSort(bson.D{{Key: "opened_at", Value: -1}})).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active event for %s: %w", identity, err)
	}
	return &event, nil
}

func (s *mongoStore) CreateEvent(ctx context.Context, event *model.DoorEvent) (string, error) {
	prepareEvent(event)
	now := s.now().UTC()
	event.CreatedAt, event.UpdatedAt = now, now
	if _, err := s.events.InsertOne(ctx, event); err != nil {
		return "", fmt.Errorf("failed to create door event for %s: %w", event.Username, err)
	}
	return event.ID, nil
}

func (s *mongoStore) UpdateEvent(ctx context.Context, id string, fields model.Fields) (bool, error) {
	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.EventInProgress},
		guardedUpdate(fields, s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to update door event %s: %w", id, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *mongoStore) AppendDisconnection(ctx context.Context, id string, d model.Disconnection) error {
	_, err := s.events.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"disconnections": d},
		"$set":  bson.M{"updated_at": s.now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to append disconnection to door event %s: %w", id, err)
	}
	return nil
}

func (s *mongoStore) CloseDisconnection(ctx context.Context, id string, reconnectedAt time.Time) error {
	var event model.DoorEvent
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&event); err != nil {
		return fmt.Errorf("failed to load door event %s: %w", id, err)
	}
	if !closeLastDisconnection(&event, reconnectedAt) {
		return nil
	}
	_, err := s.events.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"disconnections":                   event.Disconnections,
		"total_disconnection_time_seconds": event.TotalDisconnectionTimeSeconds,
		"updated_at":                       s.now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to save disconnections of door event %s: %w", id, err)
	}
	return nil
}

func (s *mongoStore) ListInProgressEvents(ctx context.Context) ([]model.DoorEvent, error) {
	cursor, err := s.events.Find(ctx, bson.M{"status": model.EventInProgress},
		options.Find().SetSort(bson.D{{Key: "opened_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress door events: %w", err)
	}
	var events []model.DoorEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode in-progress door events: %w", err)
	}
	return events, nil
}

func (s *mongoStore) ListEvents(ctx context.Context, identity string, status model.EventStatus, limit int) ([]model.DoorEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "opened_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.events.Find(ctx, eventListFilter(identity, status), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list door events for %s: %w", identity, err)
	}
	var events []model.DoorEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode door events for %s: %w", identity, err)
	}
	return events, nil
}

func (s *mongoStore) WriteSlotIfAbsent(ctx context.Context, grid slot.Grid, sample model.SlotSample) (bool, error) {
	coll, ok := s.slots[grid]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownGrid, grid)
	}
	sample.TimeSlot = sample.TimeSlot.UTC()
	sample.Datetime = sample.Datetime.UTC()
	sample.CreatedAt = s.now().UTC()

	if _, err := coll.InsertOne(ctx, sample); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write %s slot for %s: %w", grid, sample.Username, err)
	}
	return true, nil
}
