package service

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/streamkit/giftledger/internal/recorder/domain"
	"github.com/streamkit/giftledger/internal/recorder/storage"
	"github.com/streamkit/giftledger/internal/recorder/storage/sqlite"
)

func TestStartSessionForceClosesStaleOpenSession(t *testing.T) {
	t.Parallel()

	svc := openTempService(t)

	first, err := svc.StartSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("start first session: %v", err)
	}
	second, err := svc.StartSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("start second session: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatalf("expected distinct session ids, got %d twice", first.SessionID)
	}

	records, err := svc.SessionHistory(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history length = %d, want 1 force-closed session", len(records))
	}
	if records[0].ID != first.SessionID {
		t.Fatalf("history session id = %d, want %d", records[0].ID, first.SessionID)
	}
	if records[0].EndTime == nil {
		t.Fatal("expected force-closed session end time")
	}
	if records[0].Duration < 0 {
		t.Fatalf("duration = %v, want non-negative", records[0].Duration)
	}
}

func TestAddGiftWithoutSession(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	svc := NewService(store, nil)

	err := svc.AddGift(context.Background(), 42, AddGiftInput{UserName: "Alice", GiftName: "Rose", GiftCount: 1})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("add gift without session = %v, want ErrNoActiveSession", err)
	}
	if store.appendCalls != 0 {
		t.Fatalf("durable appends = %d, want 0", store.appendCalls)
	}
	if svc.GetActiveSession(42) != nil {
		t.Fatal("expected no active session registered")
	}
}

func TestEndSessionWithoutSession(t *testing.T) {
	t.Parallel()

	svc := openTempService(t)

	if _, err := svc.EndSession(context.Background(), 42); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("end without session = %v, want ErrNoActiveSession", err)
	}
}

func TestSessionLifecycleScenario(t *testing.T) {
	t.Parallel()

	svc := openTempService(t)

	started, err := svc.StartSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := svc.AddGift(context.Background(), 42, AddGiftInput{
		UserName: "Alice", UserID: "u1", GiftID: "g1", GiftName: "Rose", GiftCount: 3, GiftValue: 1.0,
	}); err != nil {
		t.Fatalf("add first gift: %v", err)
	}
	if err := svc.AddGift(context.Background(), 42, AddGiftInput{
		UserName: "Bob", UserID: "u2", GiftID: "g2", GiftName: "Rocket", GiftCount: 1, GiftValue: 50.0,
	}); err != nil {
		t.Fatalf("add second gift: %v", err)
	}

	ended, err := svc.EndSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.SessionID != started.SessionID {
		t.Fatalf("ended session id = %d, want %d", ended.SessionID, started.SessionID)
	}
	if ended.TotalGiftCount != 4 {
		t.Fatalf("total gift count = %d, want 4", ended.TotalGiftCount)
	}
	if ended.TotalGiftValue != 53.0 {
		t.Fatalf("total gift value = %v, want 53.0", ended.TotalGiftValue)
	}
	if ended.GiftUserCount != 2 {
		t.Fatalf("gift user count = %d, want 2", ended.GiftUserCount)
	}
	wantTopUsers := []domain.UserTally{{UserName: "Bob", Value: 50.0}, {UserName: "Alice", Value: 3.0}}
	if got := ended.TopUsers(5); !reflect.DeepEqual(got, wantTopUsers) {
		t.Fatalf("top users = %+v, want %+v", got, wantTopUsers)
	}

	if svc.GetActiveSession(42) != nil {
		t.Fatal("expected no active session after end")
	}
}

func TestSessionHistoryRoundTripsSummary(t *testing.T) {
	t.Parallel()

	svc := openTempService(t)

	if _, err := svc.StartSession(context.Background(), 42); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := svc.AddGift(context.Background(), 42, AddGiftInput{
		UserName: "Alice", UserID: "u1", GiftID: "g1", GiftName: "Rose", GiftCount: 3, GiftValue: 1.0,
	}); err != nil {
		t.Fatalf("add gift: %v", err)
	}
	ended, err := svc.EndSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}

	records, err := svc.SessionHistory(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history length = %d, want 1", len(records))
	}
	record := records[0]
	if record.Summary == nil {
		t.Fatal("expected persisted summary")
	}
	if !reflect.DeepEqual(*record.Summary, ended.BuildSummary()) {
		t.Fatalf("summary round-trip = %+v, want %+v", *record.Summary, ended.BuildSummary())
	}
	if record.TotalGiftCount != ended.TotalGiftCount || record.TotalGiftValue != ended.TotalGiftValue {
		t.Fatalf("persisted totals = %+v, want %d/%v", record, ended.TotalGiftCount, ended.TotalGiftValue)
	}
}

func TestAddGiftKeepsAggregateWhenDurableAppendFails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{appendErr: errors.New("disk full")}
	svc := NewService(store, nil)

	if _, err := svc.StartSession(context.Background(), 42); err != nil {
		t.Fatalf("start session: %v", err)
	}
	err := svc.AddGift(context.Background(), 42, AddGiftInput{UserName: "Alice", GiftName: "Rose", GiftCount: 2, GiftValue: 1.0})
	if err == nil || errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected durable append failure, got %v", err)
	}

	// The in-memory aggregate keeps the gift; the durability gap is accepted.
	stats := svc.GetActiveSession(42)
	if stats == nil {
		t.Fatal("expected active session to survive append failure")
	}
	if stats.TotalGiftCount != 2 || stats.TotalGiftValue != 2.0 {
		t.Fatalf("aggregate totals = %d/%v, want 2/2.0", stats.TotalGiftCount, stats.TotalGiftValue)
	}
}

func TestEndSessionEvictsEvenWhenFinalizeFails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{finalizeErr: errors.New("disk full")}
	svc := NewService(store, nil)

	if _, err := svc.StartSession(context.Background(), 42); err != nil {
		t.Fatalf("start session: %v", err)
	}
	stats, err := svc.EndSession(context.Background(), 42)
	if err == nil {
		t.Fatal("expected finalize failure")
	}
	if stats == nil {
		t.Fatal("expected aggregate snapshot despite finalize failure")
	}
	if svc.GetActiveSession(42) != nil {
		t.Fatal("expected aggregate evicted before finalize outcome")
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	t.Parallel()

	svc := openTempService(t)

	if _, err := svc.StartSession(context.Background(), 1); err != nil {
		t.Fatalf("start room 1: %v", err)
	}
	if _, err := svc.StartSession(context.Background(), 2); err != nil {
		t.Fatalf("start room 2: %v", err)
	}
	if err := svc.AddGift(context.Background(), 1, AddGiftInput{UserName: "Alice", GiftName: "Rose", GiftCount: 1}); err != nil {
		t.Fatalf("add gift room 1: %v", err)
	}

	if stats := svc.GetActiveSession(2); stats == nil || stats.TotalGiftCount != 0 {
		t.Fatalf("room 2 aggregate = %+v, want untouched", stats)
	}
	if _, err := svc.EndSession(context.Background(), 1); err != nil {
		t.Fatalf("end room 1: %v", err)
	}
	if svc.GetActiveSession(2) == nil {
		t.Fatal("room 2 session should still be active")
	}
}

func TestServiceNilGuards(t *testing.T) {
	t.Parallel()

	var svc *Service
	if _, err := svc.StartSession(context.Background(), 1); !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("nil service start = %v, want ErrStoreNotConfigured", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("nil service close = %v, want nil", err)
	}
	if svc.GetActiveSession(1) != nil {
		t.Fatal("nil service should have no active session")
	}
}

func openTempService(t *testing.T) *Service {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(store, nil)
	t.Cleanup(func() {
		if closeErr := svc.Close(); closeErr != nil {
			t.Fatalf("close service: %v", closeErr)
		}
	})
	return svc
}

type fakeStore struct {
	nextSessionID int64
	appendCalls   int
	appendErr     error
	finalizeErr   error
}

func (f *fakeStore) CreateSession(ctx context.Context, roomID int64, startTime time.Time) (int64, error) {
	f.nextSessionID++
	return f.nextSessionID, nil
}

func (f *fakeStore) CloseStaleOpenSession(ctx context.Context, roomID int64, endTime time.Time) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) AppendGift(ctx context.Context, sessionID int64, gift domain.GiftEvent) error {
	f.appendCalls++
	return f.appendErr
}

func (f *fakeStore) FinalizeSession(ctx context.Context, input storage.FinalizeSessionInput) error {
	return f.finalizeErr
}

func (f *fakeStore) ListClosedSessions(ctx context.Context, roomID int64, limit int) ([]storage.SessionRecord, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }
