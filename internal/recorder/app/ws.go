package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/streamkit/giftledger/internal/recorder/service"
	"golang.org/x/net/websocket"
)

// Ingest frame limits mirror what a live-platform notification feed can
// reasonably push per room connection.
const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type ingestFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ingestGiftPayload struct {
	UserName  string  `json:"user_name"`
	UserID    string  `json:"user_id"`
	GiftID    string  `json:"gift_id"`
	GiftName  string  `json:"gift_name"`
	GiftCount int64   `json:"gift_count"`
	GiftValue float64 `json:"gift_value"`
}

type ingestAck struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
}

type ingestError struct {
	Error errorBody `json:"error"`
}

// handleIngest upgrades the connection and feeds platform notification
// frames into the recorder for one room.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		h.handleIngestConn(conn, roomID)
	})
	wsHandler.ServeHTTP(w, r)
}

func (h *handler) handleIngestConn(conn *websocket.Conn, roomID int64) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame ingestFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = encoder.Encode(ingestError{Error: errorBody{Code: "INVALID_ARGUMENT", Message: "invalid frame payload"}})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = encoder.Encode(ingestError{Error: errorBody{Code: "INVALID_ARGUMENT", Message: "payload too large"}})
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = encoder.Encode(ingestError{Error: errorBody{Code: "RESOURCE_EXHAUSTED", Message: "rate limit exceeded"}})
			return
		}

		switch frame.Type {
		case "live_begin":
			stats, err := h.recorder.StartSession(ctx, roomID)
			if err != nil {
				_ = encoder.Encode(ingestError{Error: errorBody{Code: "STORAGE_FAILURE", Message: "start session failed"}})
				continue
			}
			_ = encoder.Encode(ingestAck{Type: "session_started", SessionID: stats.SessionID, Persisted: true})
		case "gift":
			h.handleIngestGift(conn, encoder, roomID, frame)
		case "live_end":
			stats, err := h.recorder.EndSession(ctx, roomID)
			if errors.Is(err, service.ErrNoActiveSession) {
				_ = encoder.Encode(ingestError{Error: errorBody{Code: "NO_ACTIVE_SESSION", Message: "room has no active session"}})
				continue
			}
			_ = encoder.Encode(ingestAck{Type: "session_ended", SessionID: stats.SessionID, Persisted: err == nil})
		default:
			_ = encoder.Encode(ingestError{Error: errorBody{Code: "INVALID_ARGUMENT", Message: "unsupported frame type"}})
		}
	}
}

func (h *handler) handleIngestGift(conn *websocket.Conn, encoder *json.Encoder, roomID int64, frame ingestFrame) {
	var payload ingestGiftPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = encoder.Encode(ingestError{Error: errorBody{Code: "INVALID_ARGUMENT", Message: "invalid gift payload"}})
		return
	}
	if msg := validateGift(giftRequest(payload)); msg != "" {
		_ = encoder.Encode(ingestError{Error: errorBody{Code: "INVALID_ARGUMENT", Message: msg}})
		return
	}

	err := h.recorder.AddGift(conn.Request().Context(), roomID, service.AddGiftInput{
		UserName:  payload.UserName,
		UserID:    payload.UserID,
		GiftID:    payload.GiftID,
		GiftName:  payload.GiftName,
		GiftCount: payload.GiftCount,
		GiftValue: payload.GiftValue,
	})
	if errors.Is(err, service.ErrNoActiveSession) {
		_ = encoder.Encode(ingestError{Error: errorBody{Code: "NO_ACTIVE_SESSION", Message: "room has no active session"}})
		return
	}
	_ = encoder.Encode(ingestAck{Type: "gift_recorded", Persisted: err == nil})
}
