// Package app hosts the recorder HTTP/WebSocket process: the transport
// boundary through which the platform ingester and command layers drive the
// session recorder.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/streamkit/giftledger/internal/platform/timeouts"
	"github.com/streamkit/giftledger/internal/recorder/service"
	"github.com/streamkit/giftledger/internal/recorder/storage"
	"github.com/streamkit/giftledger/internal/recorder/storage/sqlite"
)

const maxRequestBodyBytes = 64 * 1024

var tracer = otel.Tracer("giftledger/recorder/app")

// Config defines the inputs for the recorder transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	HistoryLimit      int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the recorder HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	recorder        *service.Service
}

type handler struct {
	recorder     *service.Service
	historyLimit int
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionResponse struct {
	SessionID      int64     `json:"session_id"`
	RoomID         int64     `json:"room_id"`
	StartTime      time.Time `json:"start_time"`
	TotalGiftCount int64     `json:"total_gift_count"`
	TotalGiftValue float64   `json:"total_gift_value"`
	GiftUserCount  int       `json:"gift_user_count"`
}

type endSessionResponse struct {
	sessionResponse
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	Summary         any       `json:"summary"`
	Finalized       bool      `json:"finalized"`
}

type giftRequest struct {
	UserName  string  `json:"user_name"`
	UserID    string  `json:"user_id"`
	GiftID    string  `json:"gift_id"`
	GiftName  string  `json:"gift_name"`
	GiftCount int64   `json:"gift_count"`
	GiftValue float64 `json:"gift_value"`
}

type giftResponse struct {
	Recorded  bool `json:"recorded"`
	Persisted bool `json:"persisted"`
}

type historyEntry struct {
	SessionID       int64      `json:"session_id"`
	RoomID          int64      `json:"room_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds float64    `json:"duration_seconds"`
	TotalGiftCount  int64      `json:"total_gift_count"`
	TotalGiftValue  float64    `json:"total_gift_value"`
	GiftUserCount   int        `json:"gift_user_count"`
	Summary         any        `json:"summary"`
}

type historyResponse struct {
	Sessions []historyEntry `json:"sessions"`
}

// NewHandler creates recorder routes around an existing service.
func NewHandler(recorder *service.Service, historyLimit int) http.Handler {
	if historyLimit <= 0 {
		historyLimit = service.DefaultHistoryLimit
	}
	h := &handler{recorder: recorder, historyLimit: historyLimit}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(http.MethodPost+" /v1/rooms/{roomID}/session/start", h.handleStartSession)
	mux.HandleFunc(http.MethodPost+" /v1/rooms/{roomID}/session/end", h.handleEndSession)
	mux.HandleFunc(http.MethodPost+" /v1/rooms/{roomID}/gifts", h.handleAddGift)
	mux.HandleFunc(http.MethodGet+" /v1/rooms/{roomID}/session", h.handleActiveSession)
	mux.HandleFunc(http.MethodGet+" /v1/rooms/{roomID}/history", h.handleHistory)
	mux.HandleFunc(http.MethodGet+" /v1/rooms/{roomID}/ingest", h.handleIngest)
	return mux
}

func (h *handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "recorder.start_session")
	defer span.End()

	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	stats, err := h.recorder.StartSession(ctx, roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "start session failed")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:      stats.SessionID,
		RoomID:         stats.RoomID,
		StartTime:      stats.StartTime,
		TotalGiftCount: stats.TotalGiftCount,
		TotalGiftValue: stats.TotalGiftValue,
		GiftUserCount:  stats.GiftUserCount,
	})
}

func (h *handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "recorder.end_session")
	defer span.End()

	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	stats, err := h.recorder.EndSession(ctx, roomID)
	if err != nil {
		if errors.Is(err, service.ErrNoActiveSession) {
			writeError(w, http.StatusConflict, "NO_ACTIVE_SESSION", "room has no active session")
			return
		}
		// The aggregate snapshot is still returned; only the durable
		// finalize failed.
		if stats == nil {
			writeError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "end session failed")
			return
		}
	}
	endTime := time.Now().UTC()
	duration := endTime.Sub(stats.StartTime)
	if duration < 0 {
		duration = 0
	}
	writeJSON(w, http.StatusOK, endSessionResponse{
		sessionResponse: sessionResponse{
			SessionID:      stats.SessionID,
			RoomID:         stats.RoomID,
			StartTime:      stats.StartTime,
			TotalGiftCount: stats.TotalGiftCount,
			TotalGiftValue: stats.TotalGiftValue,
			GiftUserCount:  stats.GiftUserCount,
		},
		EndTime:         endTime,
		DurationSeconds: duration.Seconds(),
		Summary:         stats.BuildSummary(),
		Finalized:       err == nil,
	})
}

func (h *handler) handleAddGift(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "recorder.add_gift")
	defer span.End()

	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	var req giftRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid gift payload")
		return
	}
	if msg := validateGift(req); msg != "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", msg)
		return
	}

	err := h.recorder.AddGift(ctx, roomID, service.AddGiftInput{
		UserName:  req.UserName,
		UserID:    req.UserID,
		GiftID:    req.GiftID,
		GiftName:  req.GiftName,
		GiftCount: req.GiftCount,
		GiftValue: req.GiftValue,
	})
	if errors.Is(err, service.ErrNoActiveSession) {
		writeError(w, http.StatusConflict, "NO_ACTIVE_SESSION", "room has no active session")
		return
	}
	// A failed durable append still leaves the gift in the live aggregate.
	writeJSON(w, http.StatusOK, giftResponse{Recorded: true, Persisted: err == nil})
}

func (h *handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "recorder.active_session")
	defer span.End()

	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	stats := h.recorder.GetActiveSession(roomID)
	if stats == nil {
		writeError(w, http.StatusNotFound, "NO_ACTIVE_SESSION", "room has no active session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:      stats.SessionID,
		RoomID:         stats.RoomID,
		StartTime:      stats.StartTime,
		TotalGiftCount: stats.TotalGiftCount,
		TotalGiftValue: stats.TotalGiftValue,
		GiftUserCount:  stats.GiftUserCount,
	})
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "recorder.session_history")
	defer span.End()

	roomID, ok := roomIDFromRequest(w, r)
	if !ok {
		return
	}
	limit := h.historyLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.recorder.SessionHistory(ctx, roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "session history failed")
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntryFromRecord(record))
	}
	writeJSON(w, http.StatusOK, historyResponse{Sessions: entries})
}

func historyEntryFromRecord(record storage.SessionRecord) historyEntry {
	entry := historyEntry{
		SessionID:       record.ID,
		RoomID:          record.RoomID,
		StartTime:       record.StartTime,
		EndTime:         record.EndTime,
		DurationSeconds: record.Duration.Seconds(),
		TotalGiftCount:  record.TotalGiftCount,
		TotalGiftValue:  record.TotalGiftValue,
		GiftUserCount:   record.GiftUserCount,
	}
	if record.Summary != nil {
		entry.Summary = *record.Summary
	}
	return entry
}

func validateGift(req giftRequest) string {
	if strings.TrimSpace(req.UserName) == "" {
		return "user_name is required"
	}
	if strings.TrimSpace(req.GiftName) == "" {
		return "gift_name is required"
	}
	if req.GiftCount < 0 {
		return "gift_count must be non-negative"
	}
	if req.GiftValue < 0 {
		return "gift_value must be non-negative"
	}
	return ""
}

func roomIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	roomID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("roomID")), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "room id must be a positive integer")
		return 0, false
	}
	return roomID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("recorder: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// NewServer builds a configured recorder server and opens its durable store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	recorder := service.NewService(store, nil)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(recorder, config.HistoryLimit),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		recorder:        recorder,
	}, nil
}

// Run creates and serves a recorder server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init recorder server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve recorder: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("recorder server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("recorder server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("close session store: %v", err)
		}
	}
}
