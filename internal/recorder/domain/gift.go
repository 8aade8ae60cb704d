// Package domain holds the recorder's core types: gift events and the
// in-memory per-room session aggregate with its ranking views.
package domain

import "time"

// GiftEvent is one reported gift occurrence. Immutable once constructed.
type GiftEvent struct {
	Timestamp time.Time
	UserName  string
	UserID    string
	GiftID    string
	GiftName  string
	GiftCount int64
	// GiftValue is the currency value of a single gift unit.
	GiftValue float64
}
