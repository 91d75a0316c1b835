// Package slot maps reading timestamps onto the fixed aggregation grids used
// to deduplicate persisted samples.
package slot

import "time"

// Grid identifies one aggregation window.
type Grid string

const (
	TenMinutes Grid = "10min"
	FourHours  Grid = "4h"
)

// Grids lists every grid a reading is written to, in write order.
var Grids = []Grid{TenMinutes, FourHours}

// TenMinute returns the start of the 10-minute bucket containing t.
func TenMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), (t.Minute()/10)*10, 0, 0, t.Location())
}

// FourHour returns the start of the 4-hour bucket containing t.
func FourHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), (t.Hour()/4)*4, 0, 0, 0, t.Location())
}

// Start returns the bucket of t on grid g, computed in loc. A nil loc keeps
// t's own location.
func Start(g Grid, t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	switch g {
	case FourHours:
		return FourHour(t)
	default:
		return TenMinute(t)
	}
}
