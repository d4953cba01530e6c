// Package health serves the companion's HTTP API.
package health

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aarogyalink/companion/internal/conversation"
	"github.com/aarogyalink/companion/internal/domain"
	"github.com/aarogyalink/companion/internal/server"
	"github.com/aarogyalink/companion/internal/storage"
	"github.com/aarogyalink/companion/internal/upload"
)

// Version is reported by /api/test.
const Version = "1.0.0"

const (
	msgChatFailed   = "Unable to process your query at the moment"
	msgUploadFailed = "Unable to process file at the moment"
	msgContactThank = "Thank you for your message. We'll get back to you soon!"
)

// multipart overhead allowed on top of the file limit
const formSlack = 1 << 20

// Services reports which backends have credentials.
type Services struct {
	Gemini    bool `json:"gemini"`
	Teachable bool `json:"teachable"`
}

type Config struct {
	Dispatcher domain.Dispatcher
	// Store is optional. Without it nothing is persisted and the history
	// routes are not mounted.
	Store     storage.Store
	Validator *upload.Validator
	Stage     *upload.Stage
	Services  Services
	Logger    *slog.Logger
	Now       func() time.Time
}

type Handler struct {
	dispatcher domain.Dispatcher
	store      storage.Store
	recorder   *conversation.Recorder
	validator  *upload.Validator
	stage      *upload.Stage
	services   Services
	logger     *slog.Logger
	now        func() time.Time
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = upload.NewValidator(0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		recorder:   conversation.NewRecorder(cfg.Store, logger),
		validator:  validator,
		stage:      cfg.Stage,
		services:   cfg.Services,
		logger:     logger,
		now:        now,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/api/test", h.HandleTest)
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/upload", h.HandleUpload)
	r.Post("/api/contact", h.HandleContact)

	if h.store != nil {
		r.Get("/api/sessions/{sessionID}/messages", h.HandleSessionMessages)
		r.Get("/api/users/{userID}/sessions", h.HandleUserSessions)
		r.Get("/api/users/{userID}/health-records", h.HandleUserHealthRecords)
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": h.now().UTC(),
		"services":  h.services,
	})
}

func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"message":   "AarogyaLink API is working!",
		"timestamp": h.now().UTC(),
		"version":   Version,
	})
}

type chatRequest struct {
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Context   map[string]any `json:"context"`
}

type chatResponse struct {
	Success     bool               `json:"success"`
	Response    string             `json:"response"`
	Source      string             `json:"source"`
	InputSource domain.InputSource `json:"input_source,omitempty"`
	SafetyFlags []string           `json:"safety_flags"`
	Timestamp   time.Time          `json:"timestamp"`
	SessionID   string             `json:"session_id"`
	FileInfo    *fileInfo          `json:"file_info,omitempty"`
}

type fileInfo struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int    `json:"size"`
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		if err != nil {
			server.AddLogField(ctx, "decode_error", err.Error())
		}
		server.WriteError(ctx, w, domain.ErrInvalidRequest("Message is required"))
		return
	}

	q := domain.Query{
		Kind:        domain.KindText,
		Content:     req.Message,
		InputSource: domain.ParseInputSource(req.Source),
	}
	server.AddLogField(ctx, "input_source", string(q.InputSource))
	h.logger.Debug("chat query received",
		slog.String("input_source", string(q.InputSource)),
		slog.Int("length", len(q.Content)))

	resp, err := h.dispatcher.Dispatch(ctx, q)
	if errors.Is(err, domain.ErrMalformedInput) {
		server.WriteError(ctx, w, err)
		return
	}

	sessionID := h.recorder.Record(ctx, conversation.Exchange{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		RequestID: server.GetRequestID(ctx),
		Query:     q,
		Response:  resp,
	})

	if !resp.Success() {
		server.AddError(ctx, err)
		server.WriteError(ctx, w, domain.ErrUnableToProcess(msgChatFailed))
		return
	}

	server.AddLogField(ctx, "chosen_source", resp.ChosenSource)
	server.WriteJSON(w, http.StatusOK, chatResponse{
		Success:     true,
		Response:    *resp.PrimaryText,
		Source:      resp.ChosenSource,
		InputSource: q.InputSource,
		SafetyFlags: resp.SafetyFlags,
		Timestamp:   resp.Timestamp,
		SessionID:   sessionID,
	})
}

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.validator.MaxBytes()+formSlack)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			server.WriteError(ctx, w, domain.ErrPayloadTooLarge("File too large"))
		case errors.Is(err, http.ErrMissingFile):
			server.WriteError(ctx, w, domain.ErrInvalidRequest("No file provided"))
		default:
			server.AddLogField(ctx, "decode_error", err.Error())
			server.WriteError(ctx, w, domain.ErrInvalidRequest("No file provided"))
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.validator.MaxBytes()+1))
	if err != nil {
		server.WriteError(ctx, w, domain.ErrServer("Failed to read file").WithCause(err))
		return
	}

	f, err := h.validator.Validate(header.Filename, r.FormValue("type"), data)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}
	server.AddLogField(ctx, "file_type", string(f.Type))

	record := &storage.FileUpload{
		OriginalFilename: header.Filename,
		StoredFilename:   f.Name,
		FileType:         string(f.Type),
		FileSize:         int64(f.Size()),
		MIMEType:         f.MIME,
	}

	if h.stage != nil {
		path, cleanup, err := h.stage.Save(f)
		if err != nil {
			server.WriteError(ctx, w, domain.ErrServer("Failed to save file").WithCause(err))
			return
		}
		defer cleanup()
		record.StoredFilename = filepath.Base(path)
		record.UploadPath = path
	}

	description := r.FormValue("description")
	q := domain.Query{InputSource: domain.SourceText}
	switch f.Type {
	case upload.TypeImage:
		q.Kind = domain.KindImage
		q.Content = description
		q.Attachment = f.Data
		q.AttachmentMIME = f.MIME
	default:
		q.Kind = domain.KindAudio
		q.Content = upload.AudioDescription(f.Name, f.Size(), description)
	}

	resp, err := h.dispatcher.Dispatch(ctx, q)
	if errors.Is(err, domain.ErrMalformedInput) {
		server.WriteError(ctx, w, err)
		return
	}

	sessionID := h.recorder.Record(ctx, conversation.Exchange{
		SessionID: r.FormValue("session_id"),
		UserID:    r.FormValue("user_id"),
		RequestID: server.GetRequestID(ctx),
		Query:     q,
		Response:  resp,
		Upload:    record,
	})

	if !resp.Success() {
		server.AddError(ctx, err)
		server.WriteError(ctx, w, domain.ErrUnableToProcess(msgUploadFailed))
		return
	}

	server.AddLogField(ctx, "chosen_source", resp.ChosenSource)
	server.WriteJSON(w, http.StatusOK, chatResponse{
		Success:     true,
		Response:    *resp.PrimaryText,
		Source:      resp.ChosenSource,
		SafetyFlags: resp.SafetyFlags,
		Timestamp:   resp.Timestamp,
		SessionID:   sessionID,
		FileInfo: &fileInfo{
			Filename: f.Name,
			Type:     string(f.Type),
			Size:     f.Size(),
		},
	})
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

func (h *Handler) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.AddLogField(ctx, "decode_error", err.Error())
		server.WriteError(ctx, w, domain.ErrInvalidRequest("name is required"))
		return
	}

	for _, field := range []struct{ name, value string }{
		{"name", req.Name},
		{"email", req.Email},
		{"message", req.Message},
	} {
		if strings.TrimSpace(field.value) == "" {
			server.WriteError(ctx, w, domain.ErrInvalidRequest(field.name+" is required"))
			return
		}
	}

	h.logger.Info("contact form submission",
		slog.String("email", req.Email),
		slog.String("name", req.Name),
		slog.Int("message_length", len(req.Message)))

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": msgContactThank,
	})
}

func (h *Handler) HandleSessionMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	limit, err := parseLimit(r)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}

	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		server.WriteError(ctx, w, storageError(err, "Session not found"))
		return
	}

	messages, err := h.store.ChatHistory(ctx, sessionID, limit)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}
	if messages == nil {
		messages = []*storage.Message{}
	}

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) HandleUserSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	limit, err := parseLimit(r)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}

	sessions, err := h.store.UserSessions(ctx, userID, limit)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.ChatSession{}
	}

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": sessions,
	})
}

// HandleUserHealthRecords lists a user's health records, newest first.
func (h *Handler) HandleUserHealthRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	limit, err := parseLimit(r)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}

	records, err := h.store.UserHealthRecords(ctx, userID, limit)
	if err != nil {
		server.WriteError(ctx, w, err)
		return
	}
	if records == nil {
		records = []*storage.HealthRecord{}
	}

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"records": records,
	})
}

// parseLimit reads ?limit=. Absent means 0, which the store replaces with
// its default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.ErrInvalidRequest("limit must be a positive integer")
	}
	return n, nil
}

func storageError(err error, notFound string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound(notFound).WithCause(err)
	}
	return err
}
