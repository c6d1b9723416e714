package types

import (
	"database/sql/driver"
	"time"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// TrackingEntry is one append-only record in a delivery's tracking log.
type TrackingEntry struct {
	Status    enums.DeliveryStatus `json:"status"`
	Location  *Point               `json:"location,omitempty"`
	Note      string               `json:"note,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// TrackingLog is stored as a jsonb array.
type TrackingLog []TrackingEntry

func (t TrackingLog) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	return jsonValue([]TrackingEntry(t))
}

func (t *TrackingLog) Scan(value any) error {
	out := []TrackingEntry{}
	if err := jsonScan(value, &out, "tracking log"); err != nil {
		return err
	}
	*t = out
	return nil
}

// Append returns a new log with entry added at the end.
func (t TrackingLog) Append(entry TrackingEntry) TrackingLog {
	out := make(TrackingLog, 0, len(t)+1)
	out = append(out, t...)
	return append(out, entry)
}

// Last returns the most recent entry.
func (t TrackingLog) Last() (TrackingEntry, bool) {
	if len(t) == 0 {
		return TrackingEntry{}, false
	}
	return t[len(t)-1], true
}
