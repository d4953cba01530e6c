// Package conversation persists dispatched queries into chat sessions.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aarogyalink/companion/internal/domain"
	"github.com/aarogyalink/companion/internal/storage"
)

// DefaultTimeout bounds a single Record call.
const DefaultTimeout = 5 * time.Second

// Exchange is one query and the dispatcher's answer to it.
type Exchange struct {
	SessionID string
	UserID    string
	RequestID string
	Query     domain.Query
	Response  *domain.DispatchResponse

	// Upload is set for file uploads. Its MessageID is filled in by Record.
	Upload *storage.FileUpload
}

// Recorder writes exchanges to a store. Failures are logged and swallowed.
type Recorder struct {
	store   storage.Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a recorder. A nil store disables persistence.
func NewRecorder(store storage.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, timeout: DefaultTimeout}
}

// Record stores ex and returns the session id it was stored under. The
// caller's context only contributes values; cancellation is ignored so a
// disconnecting client does not lose the transcript.
func (r *Recorder) Record(ctx context.Context, ex Exchange) string {
	sessionID := ex.SessionID
	if r == nil || r.store == nil {
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		return sessionID
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	logger := r.logger.With(slog.String("request_id", ex.RequestID))

	session, err := r.store.GetOrCreateSession(persistCtx, sessionID, ex.UserID)
	if err != nil {
		logger.Error("failed to get or create session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		return sessionID
	}
	sessionID = session.ID
	logger = logger.With(slog.String("session_id", sessionID))

	userMsg := &storage.Message{
		SessionID:   sessionID,
		SenderType:  storage.SenderUser,
		MessageType: messageType(ex.Query.Kind),
		Content:     ex.Query.Content,
		Metadata:    storage.JSONMap{"input_source": string(ex.Query.InputSource)},
	}
	if err := r.store.SaveMessage(persistCtx, userMsg); err != nil {
		logger.Error("failed to store user message", slog.String("error", err.Error()))
		return sessionID
	}

	if ex.Upload != nil {
		ex.Upload.MessageID = &userMsg.ID
		if ex.UserID != "" {
			ex.Upload.UserID = &ex.UserID
		}
		if ex.Response != nil {
			ex.Upload.IsProcessed = true
			ex.Upload.AnalysisResults = storage.JSONMap{
				"response": ex.Response.Text(),
				"source":   ex.Response.ChosenSource,
			}
		}
		if err := r.store.SaveFileUpload(persistCtx, ex.Upload); err != nil {
			logger.Error("failed to store file upload", slog.String("error", err.Error()))
		}
	}

	resp := ex.Response
	if resp == nil {
		return sessionID
	}

	// Attempt logs hang off the AI message when there is one, otherwise off
	// the user message so failed dispatches are still traceable.
	logMessageID := userMsg.ID
	if resp.Text() != "" {
		if aiMsgID, ok := r.saveAIMessage(persistCtx, logger, sessionID, userMsg.ID, resp); ok {
			logMessageID = aiMsgID
		}
	}

	r.saveAttempts(persistCtx, logger, logMessageID, ex.Query.Content, resp)
	return sessionID
}

func (r *Recorder) saveAIMessage(ctx context.Context, logger *slog.Logger, sessionID, parentID string, resp *domain.DispatchResponse) (string, bool) {
	flags := resp.SafetyFlags
	if flags == nil {
		flags = []string{}
	}
	aiMsg := &storage.Message{
		SessionID:       sessionID,
		SenderType:      storage.SenderAI,
		MessageType:     storage.MessageAIAnalysis,
		Content:         resp.Text(),
		AISource:        &resp.ChosenSource,
		ParentMessageID: &parentID,
		Metadata: storage.JSONMap{
			"input_source": string(resp.InputSource),
			"safety_flags": flags,
		},
	}
	if err := r.store.SaveMessage(ctx, aiMsg); err != nil {
		logger.Error("failed to store ai message", slog.String("error", err.Error()))
		return "", false
	}
	return aiMsg.ID, true
}

func (r *Recorder) saveAttempts(ctx context.Context, logger *slog.Logger, messageID, content string, resp *domain.DispatchResponse) {
	for _, attempt := range resp.Attempts {
		if attempt.Skipped {
			continue
		}
		entry := &storage.AIAnalysisLog{
			MessageID:        &messageID,
			AIService:        attempt.Backend,
			InputData:        storage.JSONMap{"kind": string(resp.Kind), "content": content},
			ProcessingTimeMS: attempt.Latency.Milliseconds(),
			TokensUsed:       attempt.Usage.TotalTokens,
			Success:          attempt.Success,
			ErrorMessage:     attempt.Error,
		}
		if attempt.Success {
			entry.OutputData = storage.JSONMap{
				"prompt_tokens":     attempt.Usage.PromptTokens,
				"completion_tokens": attempt.Usage.CompletionTokens,
			}
		}
		if err := r.store.SaveAnalysisLog(ctx, entry); err != nil {
			logger.Error("failed to store analysis log",
				slog.String("backend", attempt.Backend),
				slog.String("error", err.Error()),
			)
		}
	}
}

func messageType(kind domain.QueryKind) string {
	switch kind {
	case domain.KindImage:
		return storage.MessageImage
	case domain.KindAudio:
		return storage.MessageAudio
	default:
		return storage.MessageText
	}
}
