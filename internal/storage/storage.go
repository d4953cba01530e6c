// Package storage defines the persisted health-companion entities and the
// store interfaces implemented by the sqldb and memory packages.
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Default list limits.
const (
	DefaultHistoryLimit  = 50
	DefaultSessionsLimit = 20
)

// Sender types.
const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

// Message types.
const (
	MessageText       = "text"
	MessageImage      = "image"
	MessageAudio      = "audio"
	MessageAIAnalysis = "ai_analysis"
)

// DefaultLanguage is used when no language is given.
const DefaultLanguage = "en"

// JSONMap is a JSON object stored in a text or JSONB column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// JSONList is a JSON array of strings stored in a text or JSONB column.
type JSONList []string

// Value implements driver.Valuer.
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *JSONList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// User is a patient profile.
type User struct {
	ID                string     `db:"user_id" json:"user_id"`
	Email             *string    `db:"email" json:"email,omitempty"`
	Username          string     `db:"username" json:"username,omitempty"`
	FirstName         string     `db:"first_name" json:"first_name,omitempty"`
	LastName          string     `db:"last_name" json:"last_name,omitempty"`
	DateOfBirth       *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Phone             string     `db:"phone_number" json:"phone_number,omitempty"`
	MedicalConditions JSONList   `db:"medical_conditions" json:"medical_conditions,omitempty"`
	Allergies         JSONList   `db:"allergies" json:"allergies,omitempty"`
	Medications       JSONList   `db:"medications" json:"medications,omitempty"`
	EmergencyContact  JSONMap    `db:"emergency_contact" json:"emergency_contact,omitempty"`
	PreferredLanguage string     `db:"preferred_language" json:"preferred_language"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	LastLogin         *time.Time `db:"last_login" json:"last_login,omitempty"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	EmailVerified     bool       `db:"email_verified" json:"email_verified"`
}

// ChatSession groups the messages of one conversation. UserID is empty for
// anonymous sessions.
type ChatSession struct {
	ID               string     `db:"session_id" json:"session_id"`
	UserID           *string    `db:"user_id" json:"user_id"`
	Name             string     `db:"session_name" json:"session_name"`
	SymptomsSummary  string     `db:"symptoms_summary" json:"symptoms_summary,omitempty"`
	SeverityLevel    *int       `db:"severity_level" json:"severity_level,omitempty"`
	Language         string     `db:"session_language" json:"session_language"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	EndedAt          *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	IsEmergency      bool       `db:"is_emergency" json:"is_emergency"`
	FollowUpRequired bool       `db:"follow_up_required" json:"follow_up_required"`
	MessageCount     int        `db:"message_count" json:"message_count"`
}

// DefaultSessionName names a session created at t.
func DefaultSessionName(t time.Time) string {
	return "Health Chat " + t.Format("2006-01-02 15:04")
}

// Message is one chat turn.
type Message struct {
	ID              string    `db:"message_id" json:"message_id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	SenderType      string    `db:"sender_type" json:"sender_type"`
	MessageType     string    `db:"message_type" json:"message_type"`
	Content         string    `db:"content" json:"content"`
	AISource        *string   `db:"ai_source" json:"ai_source,omitempty"`
	Metadata        JSONMap   `db:"metadata" json:"metadata,omitempty"`
	Language        string    `db:"language" json:"language"`
	ParentMessageID *string   `db:"parent_message_id" json:"parent_message_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// FileUpload is the metadata of an uploaded file.
type FileUpload struct {
	ID               string    `db:"file_id" json:"file_id"`
	MessageID        *string   `db:"message_id" json:"message_id,omitempty"`
	UserID           *string   `db:"user_id" json:"user_id,omitempty"`
	OriginalFilename string    `db:"original_filename" json:"original_filename"`
	StoredFilename   string    `db:"stored_filename" json:"stored_filename"`
	FileType         string    `db:"file_type" json:"file_type"`
	FileSize         int64     `db:"file_size" json:"file_size"`
	MIMEType         string    `db:"mime_type" json:"mime_type"`
	UploadPath       string    `db:"upload_path" json:"-"`
	AnalysisResults  JSONMap   `db:"analysis_results" json:"analysis_results,omitempty"`
	IsProcessed      bool      `db:"is_processed" json:"is_processed"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// HealthRecord is a structured health observation.
type HealthRecord struct {
	ID         string    `db:"record_id" json:"record_id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	SessionID  *string   `db:"session_id" json:"session_id,omitempty"`
	RecordType string    `db:"record_type" json:"record_type"`
	Data       JSONMap   `db:"record_data" json:"record_data,omitempty"`
	Severity   *int      `db:"severity" json:"severity,omitempty"`
	Source     string    `db:"source" json:"source"`
	Confidence *float64  `db:"confidence_score" json:"confidence_score,omitempty"`
	IsVerified bool      `db:"is_verified" json:"is_verified"`
	Notes      string    `db:"notes" json:"notes,omitempty"`
	RecordedAt time.Time `db:"date_recorded" json:"date_recorded"`
}

// AIAnalysisLog records one backend call.
type AIAnalysisLog struct {
	ID               string    `db:"analysis_id" json:"analysis_id"`
	MessageID        *string   `db:"message_id" json:"message_id,omitempty"`
	AIService        string    `db:"ai_service" json:"ai_service"`
	InputData        JSONMap   `db:"input_data" json:"input_data,omitempty"`
	OutputData       JSONMap   `db:"output_data" json:"output_data,omitempty"`
	ProcessingTimeMS int64     `db:"processing_time_ms" json:"processing_time_ms"`
	TokensUsed       int       `db:"tokens_used" json:"tokens_used"`
	Success          bool      `db:"success" json:"success"`
	ErrorMessage     string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
}

// SessionStore persists chat sessions.
type SessionStore interface {
	// GetOrCreateSession returns the session with id, or creates one. An
	// empty id always creates a new session.
	GetOrCreateSession(ctx context.Context, id, userID string) (*ChatSession, error)
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	// UserSessions lists a user's sessions, newest first.
	UserSessions(ctx context.Context, userID string, limit int) ([]*ChatSession, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *Message) error
	// ChatHistory lists a session's messages, oldest first.
	ChatHistory(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// RecordStore persists uploads, health records and analysis logs.
type RecordStore interface {
	SaveFileUpload(ctx context.Context, f *FileUpload) error
	SaveHealthRecord(ctx context.Context, r *HealthRecord) error
	UserHealthRecords(ctx context.Context, userID string, limit int) ([]*HealthRecord, error)
	SaveAnalysisLog(ctx context.Context, l *AIAnalysisLog) error
	AnalysisLogs(ctx context.Context, messageID string) ([]*AIAnalysisLog, error)
}

// Store is the full persistence surface.
type Store interface {
	UserStore
	SessionStore
	MessageStore
	RecordStore

	CreateTables(ctx context.Context) error
	DropTables(ctx context.Context) error
	Close() error
}

// Limit returns limit, or def when limit is not positive.
func Limit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
