package model

import "time"

// SlotSample is the first reading persisted for a sensor within one slot.
// (username, time_slot) is unique per grid.
type SlotSample struct {
	Username      string    `gorm:"primaryKey;size:128" bson:"username" json:"username"`
	TimeSlot      time.Time `gorm:"primaryKey" bson:"time_slot" json:"time_slot"`
	Datetime      time.Time `gorm:"not null" bson:"datetime" json:"datetime"`
	Temperature   *float64  `bson:"temperature" json:"temperature"`
	Humidity      *float64  `bson:"humidity" json:"humidity"`
	DSTemperature *float64  `gorm:"column:ds_temperature" bson:"dsTemperature" json:"dsTemperature"`
	DoorStatus    string    `gorm:"size:8;not null;default:closed" bson:"doorStatus" json:"doorStatus"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}

// NewSlotSample builds the persisted sample for a reading.
func NewSlotSample(r Reading, timeSlot time.Time) SlotSample {
	door := string(r.Door)
	if r.Door == DoorNone {
		door = string(DoorClosed)
	}
	return SlotSample{
		Username:      r.Identity,
		TimeSlot:      timeSlot,
		Datetime:      r.Time,
		Temperature:   r.Temperature.Ptr(),
		Humidity:      r.Humidity.Ptr(),
		DSTemperature: r.DSTemperature.Ptr(),
		DoorStatus:    door,
	}
}

// TenMinData is a sample on the 10-minute grid.
type TenMinData struct {
	SlotSample
}

// TableName overrides the default table name.
func (TenMinData) TableName() string { return "ten_min_data" }

// FourHData is a sample on the 4-hour grid.
type FourHData struct {
	SlotSample
}

// TableName overrides the default table name.
func (FourHData) TableName() string { return "four_h_data" }
