package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"biodata-backend/internal/model"
	"biodata-backend/internal/slot"
)

// ErrUnknownGrid is returned for a slot grid the store has no table for.
var ErrUnknownGrid = errors.New("unknown slot grid")

// Store defines the interface for all durable operations of the engine.
type Store interface {
	// FindActiveEvent returns the newest in_progress event of identity opened
	// at or after since, or nil when there is none.
	FindActiveEvent(ctx context.Context, identity string, since time.Time) (*model.DoorEvent, error)
	// CreateEvent inserts a new event and returns its id.
	CreateEvent(ctx context.Context, event *model.DoorEvent) (string, error)
	// UpdateEvent applies fields to the event if it is still in_progress and
	// reports whether a row changed.
	UpdateEvent(ctx context.Context, id string, fields model.Fields) (bool, error)
	AppendDisconnection(ctx context.Context, id string, d model.Disconnection) error
	// CloseDisconnection completes the last open disconnection of the event
	// and adds its duration to the event total.
	CloseDisconnection(ctx context.Context, id string, reconnectedAt time.Time) error
	ListInProgressEvents(ctx context.Context) ([]model.DoorEvent, error)
	ListEvents(ctx context.Context, identity string, status model.EventStatus, limit int) ([]model.DoorEvent, error)
	// WriteSlotIfAbsent stores sample unless the (identity, slot) pair already
	// exists on grid. A duplicate is reported as (false, nil).
	WriteSlotIfAbsent(ctx context.Context, grid slot.Grid, sample model.SlotSample) (bool, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindActiveEvent(ctx context.Context, identity string, since time.Time) (*model.DoorEvent, error) {
	var event model.DoorEvent
	err := s.db.WithContext(ctx).
		Where("username = ? AND status = ? AND opened_at >= ?", identity, string(model.EventInProgress), since.UTC()).
		Order("opened_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active event for %s: %w", identity, err)
	}
	return &event, nil
}

func (s *gormStore) CreateEvent(ctx context.Context, event *model.DoorEvent) (string, error) {
	prepareEvent(event)
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return "", fmt.Errorf("failed to create door event for %s: %w", event.Username, err)
	}
	return event.ID, nil
}

func (s *gormStore) UpdateEvent(ctx context.Context, id string, fields model.Fields) (bool, error) {
	values, err := columnValues(fields)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&model.DoorEvent{}).
		Where("id = ? AND status = ?", id, string(model.EventInProgress)).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update door event %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) AppendDisconnection(ctx context.Context, id string, d model.Disconnection) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event model.DoorEvent
		if err := tx.Where("id = ?", id).First(&event).Error; err != nil {
			return fmt.Errorf("failed to load door event %s: %w", id, err)
		}
		event.Disconnections = append(event.Disconnections, d)
		return saveDisconnections(tx, &event)
	})
}

func (s *gormStore) CloseDisconnection(ctx context.Context, id string, reconnectedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event model.DoorEvent
		if err := tx.Where("id = ?", id).First(&event).Error; err != nil {
			return fmt.Errorf("failed to load door event %s: %w", id, err)
		}
		if !closeLastDisconnection(&event, reconnectedAt) {
			return nil
		}
		return saveDisconnections(tx, &event)
	})
}

func saveDisconnections(tx *gorm.DB, event *model.DoorEvent) error {
	values, err := columnValues(model.Fields{
		"disconnections":                   event.Disconnections,
		"total_disconnection_time_seconds": event.TotalDisconnectionTimeSeconds,
	})
	if err != nil {
		return err
	}
	if err := tx.Model(&model.DoorEvent{}).Where("id = ?", event.ID).Updates(values).Error; err != nil {
		return fmt.Errorf("failed to save disconnections of door event %s: %w", event.ID, err)
	}
	return nil
}

func (s *gormStore) ListInProgressEvents(ctx context.Context) ([]model.DoorEvent, error) {
	var events []model.DoorEvent
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(model.EventInProgress)).
		Order("opened_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list in-progress door events: %w", err)
	}
	return events, nil
}

func (s *gormStore) ListEvents(ctx context.Context, identity string, status model.EventStatus, limit int) ([]model.DoorEvent, error) {
	query := s.db.WithContext(ctx).Where("username = ?", identity)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []model.DoorEvent
	if err := query.Order("opened_at DESC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list door events for %s: %w", identity, err)
	}
	return events, nil
}

func (s *gormStore) WriteSlotIfAbsent(ctx context.Context, grid slot.Grid, sample model.SlotSample) (bool, error) {
	sample.TimeSlot = sample.TimeSlot.UTC()
	sample.Datetime = sample.Datetime.UTC()

	var record any
	switch grid {
	case slot.TenMinutes:
		record = &model.TenMinData{SlotSample: sample}
	case slot.FourHours:
		record = &model.FourHData{SlotSample: sample}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownGrid, grid)
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "time_slot"}},
		DoNothing: true,
	}).Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("failed to write %s slot for %s: %w", grid, sample.Username, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// prepareEvent assigns the id and defaults shared by every backend.
func prepareEvent(event *model.DoorEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = model.EventInProgress
	}
	event.OpenedAt = event.OpenedAt.UTC()
	if event.Disconnections == nil {
		event.Disconnections = []model.Disconnection{}
	}
}

// closeLastDisconnection completes the last open disconnection and reports
// whether one was open.
func closeLastDisconnection(event *model.DoorEvent, reconnectedAt time.Time) bool {
	idx := event.OpenDisconnection()
	if idx < 0 {
		return false
	}
	d := &event.Disconnections[idx]
	at := reconnectedAt.UTC()
	duration := at.Sub(d.DisconnectedAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	d.ReconnectedAt = &at
	d.DurationSeconds = &duration
	event.TotalDisconnectionTimeSeconds += duration
	return true
}

// columnValues converts fields into values the SQL drivers accept. JSON
// columns are encoded here because map updates bypass gorm serializers.
func columnValues(fields model.Fields) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for column, v := range fields {
		switch typed := v.(type) {
		case model.EventStatus:
			values[column] = string(typed)
		case map[string]any, []model.Disconnection:
			raw, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("failed to encode column %s: %w", column, err)
			}
			values[column] = string(raw)
		default:
			values[column] = v
		}
	}
	return values, nil
}
