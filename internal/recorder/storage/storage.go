// Package storage defines the persistence boundary for recorded live
// sessions and their gift logs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/streamkit/giftledger/internal/recorder/domain"
)

// ErrNotFound indicates a requested session row is missing.
var ErrNotFound = errors.New("session not found")

// SessionRecord is one persisted session row. EndTime is nil while the
// session is open; Summary is nil until the session is finalized with one.
type SessionRecord struct {
	ID             int64
	RoomID         int64
	StartTime      time.Time
	EndTime        *time.Time
	Duration       time.Duration
	TotalGiftCount int64
	TotalGiftValue float64
	GiftUserCount  int
	Summary        *domain.Summary
}

// FinalizeSessionInput carries every terminal field written when a session
// closes. The store must apply all of it in a single atomic update.
type FinalizeSessionInput struct {
	SessionID      int64
	EndTime        time.Time
	Duration       time.Duration
	TotalGiftCount int64
	TotalGiftValue float64
	GiftUserCount  int
	Summary        domain.Summary
}

// Store persists sessions and gifts and answers historical queries.
type Store interface {
	// CreateSession inserts a new open session row and returns its id.
	CreateSession(ctx context.Context, roomID int64, startTime time.Time) (int64, error)
	// CloseStaleOpenSession force-closes the open session for a room, if one
	// exists, and reports the closed session id.
	CloseStaleOpenSession(ctx context.Context, roomID int64, endTime time.Time) (int64, bool, error)
	// AppendGift inserts one gift row under an existing session.
	AppendGift(ctx context.Context, sessionID int64, gift domain.GiftEvent) error
	// FinalizeSession writes end time, duration, totals, and summary together.
	FinalizeSession(ctx context.Context, input FinalizeSessionInput) error
	// ListClosedSessions returns finished sessions for a room, most recent
	// start first, capped at limit.
	ListClosedSessions(ctx context.Context, roomID int64, limit int) ([]SessionRecord, error)
	Close() error
}
