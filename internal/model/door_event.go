package model

import "time"

// EventStatus is the lifecycle state of a DoorEvent.
type EventStatus string

const (
	EventInProgress EventStatus = "in_progress"
	EventCompleted  EventStatus = "completed"
	EventIncomplete EventStatus = "incomplete"
)

// Disconnection reasons recorded on a door event.
const (
	ReasonWebsocketClose          = "websocket_close"
	ReasonTimeout                 = "timeout"
	ReasonUnknown                 = "unknown"
	ReasonEstimatedFromInactivity = "estimated_from_inactivity"
)

// Fields is a partial update of a stored document, keyed by column name.
type Fields map[string]any

// Disconnection records a span during which a door event's sensor had no
// open session.
type Disconnection struct {
	DisconnectedAt  time.Time  `json:"disconnected_at" bson:"disconnected_at"`
	ReconnectedAt   *time.Time `json:"reconnected_at" bson:"reconnected_at"`
	DurationSeconds *float64   `json:"duration_seconds" bson:"duration_seconds"`
	Reason          string     `json:"reason" bson:"reason"`
}

// DoorEvent is one open→close cycle of a sensor's door.
type DoorEvent struct {
	ID       string `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	Username string `gorm:"size:128;not null;index:idx_door_events_username_opened,priority:1;index:idx_door_events_username_status,priority:1" bson:"username" json:"username"`

	OpenedAt       time.Time `gorm:"not null;index;index:idx_door_events_username_opened,priority:2,sort:desc" bson:"opened_at" json:"opened_at"`
	TempOutBefore  *float64  `bson:"temp_out_before" json:"temp_OUT_before"`
	TempInBefore   *float64  `bson:"temp_in_before" json:"temp_IN_before"`
	HumidityBefore *float64  `bson:"humidity_before" json:"humidity_before"`

	ClosedAt        *time.Time `bson:"closed_at" json:"closed_at"`
	TempOutAfter    *float64   `bson:"temp_out_after" json:"temp_OUT_after"`
	TempInAfter     *float64   `bson:"temp_in_after" json:"temp_IN_after"`
	HumidityAfter   *float64   `bson:"humidity_after" json:"humidity_after"`
	DurationSeconds *float64   `bson:"duration_seconds" json:"duration_seconds"`

	TempOutDrop *float64 `bson:"temp_out_drop" json:"temp_OUT_drop"`
	TempInDrop  *float64 `bson:"temp_in_drop" json:"temp_IN_drop"`

	Disconnections                []Disconnection `gorm:"serializer:json;type:jsonb" bson:"disconnections" json:"disconnections"`
	TotalDisconnectionTimeSeconds float64         `gorm:"not null;default:0" bson:"total_disconnection_time_seconds" json:"total_disconnection_time_seconds"`

	Status   EventStatus    `gorm:"size:16;not null;index;index:idx_door_events_username_status,priority:2" bson:"status" json:"status"`
	Notes    *string        `bson:"notes" json:"notes"`
	Metadata map[string]any `gorm:"serializer:json;type:jsonb" bson:"metadata" json:"metadata"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// OpenDisconnection returns the index of the last disconnection without a
// reconnection time, or -1.
func (e *DoorEvent) OpenDisconnection() int {
	for i := len(e.Disconnections) - 1; i >= 0; i-- {
		if e.Disconnections[i].ReconnectedAt == nil {
			return i
		}
	}
	return -1
}
