// Package sqlite implements the recorder storage boundary on an embedded
// file-backed SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/streamkit/giftledger/internal/platform/storage/sqlitemigrate"
	"github.com/streamkit/giftledger/internal/recorder/domain"
	"github.com/streamkit/giftledger/internal/recorder/storage"
	"github.com/streamkit/giftledger/internal/recorder/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for sessions and gifts.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a recorder SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database. Safe to call on a store that
// was never opened.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// CreateSession inserts a new open session row and returns its id.
func (s *Store) CreateSession(ctx context.Context, roomID int64, startTime time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if startTime.IsZero() {
		return 0, fmt.Errorf("start time is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (room_id, start_time) VALUES (?, ?)
`, roomID, toMillis(startTime))
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	sessionID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create session id: %w", err)
	}
	return sessionID, nil
}

// CloseStaleOpenSession force-closes the open session for a room, if one
// exists, setting its end time and derived duration.
func (s *Store) CloseStaleOpenSession(ctx context.Context, roomID int64, endTime time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, false, fmt.Errorf("storage is not configured")
	}
	if endTime.IsZero() {
		return 0, false, fmt.Errorf("end time is required")
	}

	var staleID int64
	var startMillis int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, start_time
FROM sessions
WHERE room_id = ? AND end_time IS NULL
ORDER BY id DESC
LIMIT 1
`, roomID).Scan(&staleID, &startMillis)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lookup stale open session: %w", err)
	}

	endMillis := toMillis(endTime)
	durationMillis := endMillis - startMillis
	if durationMillis < 0 {
		durationMillis = 0
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET end_time = ?, duration_ms = ?
WHERE id = ?
`, endMillis, durationMillis, staleID); err != nil {
		return 0, false, fmt.Errorf("close stale open session: %w", err)
	}
	return staleID, true, nil
}

// AppendGift inserts one gift row under an existing session.
func (s *Store) AppendGift(ctx context.Context, sessionID int64, gift domain.GiftEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if sessionID <= 0 {
		return fmt.Errorf("session id is required")
	}
	if gift.Timestamp.IsZero() {
		return fmt.Errorf("gift timestamp is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO gifts (session_id, timestamp, user_name, user_id, gift_id, gift_name, gift_count, gift_value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		sessionID,
		toMillis(gift.Timestamp),
		gift.UserName,
		gift.UserID,
		gift.GiftID,
		gift.GiftName,
		gift.GiftCount,
		gift.GiftValue,
	); err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("append gift: %w", err)
	}
	return nil
}

// FinalizeSession writes every terminal session field in one update.
func (s *Store) FinalizeSession(ctx context.Context, input storage.FinalizeSessionInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if input.SessionID <= 0 {
		return fmt.Errorf("session id is required")
	}
	if input.EndTime.IsZero() {
		return fmt.Errorf("end time is required")
	}

	summaryJSON, err := json.Marshal(input.Summary)
	if err != nil {
		return fmt.Errorf("encode session summary: %w", err)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET
    end_time = ?,
    duration_ms = ?,
    total_gift_count = ?,
    total_gift_value = ?,
    gift_user_count = ?,
    summary_json = ?
WHERE id = ?
`,
		toMillis(input.EndTime),
		input.Duration.Milliseconds(),
		input.TotalGiftCount,
		input.TotalGiftValue,
		input.GiftUserCount,
		string(summaryJSON),
		input.SessionID,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListClosedSessions returns finished sessions for a room, most recent start
// first, capped at limit.
func (s *Store) ListClosedSessions(ctx context.Context, roomID int64, limit int) ([]storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, start_time, end_time, duration_ms,
       total_gift_count, total_gift_value, gift_user_count, summary_json
FROM sessions
WHERE room_id = ? AND end_time IS NOT NULL
ORDER BY start_time DESC, id DESC
LIMIT ?
`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list closed sessions: %w", err)
	}
	defer rows.Close()

	records := make([]storage.SessionRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanSession(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return records, nil
}

type scanner func(dest ...any) error

func scanSession(scan scanner) (storage.SessionRecord, error) {
	var record storage.SessionRecord
	var startMillis int64
	var endMillis sql.NullInt64
	var durationMillis int64
	var summaryJSON sql.NullString
	if err := scan(
		&record.ID,
		&record.RoomID,
		&startMillis,
		&endMillis,
		&durationMillis,
		&record.TotalGiftCount,
		&record.TotalGiftValue,
		&record.GiftUserCount,
		&summaryJSON,
	); err != nil {
		return storage.SessionRecord{}, err
	}
	record.StartTime = fromMillis(startMillis)
	if endMillis.Valid {
		endTime := fromMillis(endMillis.Int64)
		record.EndTime = &endTime
	}
	record.Duration = time.Duration(durationMillis) * time.Millisecond
	if summaryJSON.Valid && strings.TrimSpace(summaryJSON.String) != "" {
		var summary domain.Summary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return storage.SessionRecord{}, fmt.Errorf("decode session summary: %w", err)
		}
		record.Summary = &summary
	}
	return record, nil
}

func isForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "foreign key constraint failed")
}
