// Package service orchestrates live-session lifecycle for the recorder: it
// owns the durable store plus the per-room active aggregates and serializes
// every mutation crossing the process boundary.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/streamkit/giftledger/internal/recorder/domain"
	"github.com/streamkit/giftledger/internal/recorder/storage"
)

var (
	// ErrNoActiveSession indicates the room has no tracked session.
	ErrNoActiveSession = errors.New("no active session for room")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("session store is not configured")
)

// DefaultHistoryLimit caps history queries when the caller passes no limit.
const DefaultHistoryLimit = 10

// AddGiftInput describes one reported gift occurrence for a room.
type AddGiftInput struct {
	UserName  string
	UserID    string
	GiftID    string
	GiftName  string
	GiftCount int64
	GiftValue float64
}

// Service tracks one active session per room and mirrors every gift into the
// durable store. A single mutex serializes all operations, so durable writes
// never interleave and the open-session invariant holds.
type Service struct {
	mu     sync.Mutex
	store  storage.Store
	active map[int64]*domain.SessionStats
	clock  func() time.Time
}

// NewService constructs a recorder service around a durable store.
func NewService(store storage.Store, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:  store,
		active: make(map[int64]*domain.SessionStats),
		clock:  clock,
	}
}

// StartSession opens a new tracked session for a room. Any stale open durable
// session for the same room is force-closed first and logged as a recovery.
func (s *Service) StartSession(ctx context.Context, roomID int64) (*domain.SessionStats, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	staleID, closed, err := s.store.CloseStaleOpenSession(ctx, roomID, now)
	if err != nil {
		return nil, fmt.Errorf("close stale open session: %w", err)
	}
	if closed {
		log.Printf("recorder: force-closed stale open session room_id=%d session_id=%d", roomID, staleID)
	}

	sessionID, err := s.store.CreateSession(ctx, roomID, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	stats := &domain.SessionStats{
		SessionID: sessionID,
		RoomID:    roomID,
		StartTime: now,
	}
	s.active[roomID] = stats
	log.Printf("recorder: session started room_id=%d session_id=%d", roomID, sessionID)
	return stats, nil
}

// AddGift records one gift against the room's active session. The in-memory
// aggregate is updated first and is not rolled back if the durable append
// fails; that failure is returned as a wrapped storage error so callers can
// distinguish it from ErrNoActiveSession.
func (s *Service) AddGift(ctx context.Context, roomID int64, input AddGiftInput) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.active[roomID]
	if !ok {
		log.Printf("recorder: gift dropped, no active session room_id=%d user=%q gift=%q", roomID, input.UserName, input.GiftName)
		return ErrNoActiveSession
	}

	event := domain.GiftEvent{
		Timestamp: s.clock().UTC(),
		UserName:  input.UserName,
		UserID:    input.UserID,
		GiftID:    input.GiftID,
		GiftName:  input.GiftName,
		GiftCount: input.GiftCount,
		GiftValue: input.GiftValue,
	}
	stats.AddGift(event)

	if err := s.store.AppendGift(ctx, stats.SessionID, event); err != nil {
		log.Printf("recorder: gift not persisted room_id=%d session_id=%d err=%v", roomID, stats.SessionID, err)
		return fmt.Errorf("append gift: %w", err)
	}
	return nil
}

// EndSession closes the room's active session: it computes the final totals
// and summary, finalizes the durable row, and returns the aggregate. The
// aggregate is evicted before the finalize write so a racing AddGift fails
// as no-active-session instead of landing after close.
func (s *Service) EndSession(ctx context.Context, roomID int64) (*domain.SessionStats, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.active[roomID]
	if !ok {
		log.Printf("recorder: end requested, no active session room_id=%d", roomID)
		return nil, ErrNoActiveSession
	}
	delete(s.active, roomID)

	now := s.clock().UTC()
	duration := now.Sub(stats.StartTime)
	if duration < 0 {
		duration = 0
	}
	summary := stats.BuildSummary()
	stats.GiftUserCount = len(summary.UniqueUsers)

	if err := s.store.FinalizeSession(ctx, storage.FinalizeSessionInput{
		SessionID:      stats.SessionID,
		EndTime:        now,
		Duration:       duration,
		TotalGiftCount: stats.TotalGiftCount,
		TotalGiftValue: stats.TotalGiftValue,
		GiftUserCount:  stats.GiftUserCount,
		Summary:        summary,
	}); err != nil {
		log.Printf("recorder: session finalize failed room_id=%d session_id=%d err=%v", roomID, stats.SessionID, err)
		return stats, fmt.Errorf("finalize session: %w", err)
	}

	log.Printf("recorder: session ended room_id=%d session_id=%d duration=%s gifts=%d",
		roomID, stats.SessionID, duration.Round(time.Second), stats.TotalGiftCount)
	return stats, nil
}

// GetActiveSession returns the live aggregate for a room, or nil when the
// room is not currently tracked.
func (s *Service) GetActiveSession(roomID int64) *domain.SessionStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[roomID]
}

// SessionHistory lists finished sessions for a room, most recent first. A
// non-positive limit falls back to DefaultHistoryLimit.
func (s *Service) SessionHistory(ctx context.Context, roomID int64, limit int) ([]storage.SessionRecord, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.store.ListClosedSessions(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	return records, nil
}

// Close releases the durable store. Safe to call when the store was never
// opened or the service is nil.
func (s *Service) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Close()
}
