// Package sqldb is the SQL implementation of storage.Store. It runs on SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq) through the dialect layer.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aarogyalink/companion/internal/storage"
	"github.com/aarogyalink/companion/internal/storage/dialect"
)

// Store is a SQL implementation of storage.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New opens the database and creates any missing tables.
func New(cfg Config) (*Store, error) {
	store, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := store.CreateTables(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Open opens the database without touching the schema.
func Open(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(d.MaxOpenConns())

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	return &Store{db: db, dialect: d}, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table names in creation order.
var tables = []string{"users", "chat_sessions", "messages", "file_uploads", "health_records", "ai_analysis_log"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
id {{serial}},
user_id TEXT NOT NULL UNIQUE,
email TEXT UNIQUE,
username TEXT NOT NULL DEFAULT '',
first_name TEXT NOT NULL DEFAULT '',
last_name TEXT NOT NULL DEFAULT '',
date_of_birth {{timestamp}},
phone_number TEXT NOT NULL DEFAULT '',
medical_conditions {{json}},
allergies {{json}},
medications {{json}},
emergency_contact {{json}},
preferred_language TEXT NOT NULL,
created_at {{timestamp}} NOT NULL,
updated_at {{timestamp}} NOT NULL,
last_login {{timestamp}},
is_active {{bool}} NOT NULL,
email_verified {{bool}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
id {{serial}},
session_id TEXT NOT NULL UNIQUE,
user_id TEXT,
session_name TEXT NOT NULL DEFAULT '',
symptoms_summary TEXT NOT NULL DEFAULT '',
severity_level INTEGER,
session_language TEXT NOT NULL,
created_at {{timestamp}} NOT NULL,
updated_at {{timestamp}} NOT NULL,
ended_at {{timestamp}},
is_emergency {{bool}} NOT NULL,
follow_up_required {{bool}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS messages (
id {{serial}},
message_id TEXT NOT NULL UNIQUE,
session_id TEXT NOT NULL REFERENCES chat_sessions(session_id) ON DELETE CASCADE,
sender_type TEXT NOT NULL,
message_type TEXT NOT NULL,
content TEXT NOT NULL DEFAULT '',
ai_source TEXT,
metadata {{json}},
language TEXT NOT NULL,
parent_message_id TEXT REFERENCES messages(message_id),
created_at {{timestamp}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS file_uploads (
id {{serial}},
file_id TEXT NOT NULL UNIQUE,
message_id TEXT REFERENCES messages(message_id) ON DELETE SET NULL,
user_id TEXT,
original_filename TEXT NOT NULL DEFAULT '',
stored_filename TEXT NOT NULL DEFAULT '',
file_type TEXT NOT NULL DEFAULT '',
file_size INTEGER NOT NULL DEFAULT 0,
mime_type TEXT NOT NULL DEFAULT '',
upload_path TEXT NOT NULL DEFAULT '',
analysis_results {{json}},
is_processed {{bool}} NOT NULL,
created_at {{timestamp}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS health_records (
id {{serial}},
record_id TEXT NOT NULL UNIQUE,
user_id TEXT,
session_id TEXT REFERENCES chat_sessions(session_id) ON DELETE SET NULL,
record_type TEXT NOT NULL,
record_data {{json}},
severity INTEGER,
source TEXT NOT NULL DEFAULT '',
confidence_score REAL,
is_verified {{bool}} NOT NULL,
notes TEXT NOT NULL DEFAULT '',
date_recorded {{timestamp}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ai_analysis_log (
id {{serial}},
analysis_id TEXT NOT NULL UNIQUE,
message_id TEXT REFERENCES messages(message_id) ON DELETE CASCADE,
ai_service TEXT NOT NULL,
input_data {{json}},
output_data {{json}},
processing_time_ms INTEGER NOT NULL DEFAULT 0,
tokens_used INTEGER NOT NULL DEFAULT 0,
success {{bool}} NOT NULL,
error_message TEXT NOT NULL DEFAULT '',
created_at {{timestamp}} NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_file_uploads_message ON file_uploads(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_health_records_user ON health_records(user_id, date_recorded)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_analysis_log_message ON ai_analysis_log(message_id)`,
}

// CreateTables creates every table and index that does not exist yet.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, dialect.Expand(s.dialect, stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// DropTables drops every table, children first.
func (s *Store) DropTables(ctx context.Context) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+tables[i]); err != nil {
			return fmt.Errorf("failed to drop %s: %w", tables[i], err)
		}
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
}

const userColumns = `user_id, email, username, first_name, last_name, date_of_birth, phone_number,
medical_conditions, allergies, medications, emergency_contact, preferred_language,
created_at, updated_at, last_login, is_active, email_verified`

func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	u.ID = newID(u.ID)
	u.CreatedAt = now()
	u.UpdatedAt = u.CreatedAt
	if u.PreferredLanguage == "" {
		u.PreferredLanguage = storage.DefaultLanguage
	}

	query := s.dialect.Rebind(`INSERT INTO users (` + userColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.Username, u.FirstName, u.LastName, u.DateOfBirth, u.Phone,
		u.MedicalConditions, u.Allergies, u.Medications, u.EmergencyContact, u.PreferredLanguage,
		u.CreatedAt, u.UpdatedAt, u.LastLogin, u.IsActive, u.EmailVerified)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	query := s.dialect.Rebind(`SELECT ` + userColumns + ` FROM users WHERE user_id = ?`)

	var u storage.User
	err := s.db.GetContext(ctx, &u, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

const sessionColumns = `s.session_id, s.user_id, s.session_name, s.symptoms_summary, s.severity_level,
s.session_language, s.created_at, s.updated_at, s.ended_at, s.is_emergency, s.follow_up_required,
(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.session_id) AS message_count`

func (s *Store) GetSession(ctx context.Context, id string) (*storage.ChatSession, error) {
	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions s WHERE s.session_id = ?`)

	var cs storage.ChatSession
	err := s.db.GetContext(ctx, &cs, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &cs, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, id, userID string) (*storage.ChatSession, error) {
	if id != "" {
		cs, err := s.GetSession(ctx, id)
		if err == nil {
			return cs, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	cs := &storage.ChatSession{
		ID:        newID(id),
		UserID:    nullable(userID),
		Language:  storage.DefaultLanguage,
		CreatedAt: now(),
	}
	cs.UpdatedAt = cs.CreatedAt
	cs.Name = storage.DefaultSessionName(cs.CreatedAt)

	query := s.dialect.Rebind(`INSERT INTO chat_sessions (session_id, user_id, session_name, symptoms_summary,
	          severity_level, session_language, created_at, updated_at, ended_at, is_emergency, follow_up_required)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		cs.ID, cs.UserID, cs.Name, cs.SymptomsSummary, cs.SeverityLevel, cs.Language,
		cs.CreatedAt, cs.UpdatedAt, cs.EndedAt, cs.IsEmergency, cs.FollowUpRequired)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return cs, nil
}

func (s *Store) UserSessions(ctx context.Context, userID string, limit int) ([]*storage.ChatSession, error) {
	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions s
	          WHERE s.user_id = ?
	          ORDER BY s.created_at DESC, s.id DESC
	          LIMIT ?`)

	var sessions []*storage.ChatSession
	if err := s.db.SelectContext(ctx, &sessions, query, userID, storage.Limit(limit, storage.DefaultSessionsLimit)); err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return sessions, nil
}

const messageColumns = `message_id, session_id, sender_type, message_type, content, ai_source,
metadata, language, parent_message_id, created_at`

func (s *Store) SaveMessage(ctx context.Context, m *storage.Message) error {
	m.ID = newID(m.ID)
	m.CreatedAt = now()
	if m.Language == "" {
		m.Language = storage.DefaultLanguage
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`INSERT INTO messages (` + messageColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query,
		m.ID, m.SessionID, m.SenderType, m.MessageType, m.Content, m.AISource,
		m.Metadata, m.Language, m.ParentMessageID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	updateQuery := s.dialect.Rebind(`UPDATE chat_sessions SET updated_at = ? WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, updateQuery, m.CreatedAt, m.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ChatHistory(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM messages
	          WHERE session_id = ?
	          ORDER BY created_at ASC, id ASC
	          LIMIT ?`)

	var messages []*storage.Message
	if err := s.db.SelectContext(ctx, &messages, query, sessionID, storage.Limit(limit, storage.DefaultHistoryLimit)); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

func (s *Store) SaveFileUpload(ctx context.Context, f *storage.FileUpload) error {
	f.ID = newID(f.ID)
	f.CreatedAt = now()

	query := s.dialect.Rebind(`INSERT INTO file_uploads (file_id, message_id, user_id, original_filename,
	          stored_filename, file_type, file_size, mime_type, upload_path, analysis_results, is_processed, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.MessageID, f.UserID, f.OriginalFilename, f.StoredFilename, f.FileType, f.FileSize,
		f.MIMEType, f.UploadPath, f.AnalysisResults, f.IsProcessed, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save file upload: %w", err)
	}
	return nil
}

const healthRecordColumns = `record_id, user_id, session_id, record_type, record_data, severity,
source, confidence_score, is_verified, notes, date_recorded`

func (s *Store) SaveHealthRecord(ctx context.Context, r *storage.HealthRecord) error {
	r.ID = newID(r.ID)
	if r.RecordedAt.IsZero() {
		r.RecordedAt = now()
	}

	query := s.dialect.Rebind(`INSERT INTO health_records (` + healthRecordColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.SessionID, r.RecordType, r.Data, r.Severity,
		r.Source, r.Confidence, r.IsVerified, r.Notes, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save health record: %w", err)
	}
	return nil
}

func (s *Store) UserHealthRecords(ctx context.Context, userID string, limit int) ([]*storage.HealthRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + healthRecordColumns + ` FROM health_records
	          WHERE user_id = ?
	          ORDER BY date_recorded DESC, id DESC
	          LIMIT ?`)

	var records []*storage.HealthRecord
	if err := s.db.SelectContext(ctx, &records, query, userID, storage.Limit(limit, storage.DefaultHistoryLimit)); err != nil {
		return nil, fmt.Errorf("failed to query health records: %w", err)
	}
	return records, nil
}

const analysisColumns = `analysis_id, message_id, ai_service, input_data, output_data,
processing_time_ms, tokens_used, success, error_message, created_at`

func (s *Store) SaveAnalysisLog(ctx context.Context, l *storage.AIAnalysisLog) error {
	l.ID = newID(l.ID)
	l.CreatedAt = now()

	query := s.dialect.Rebind(`INSERT INTO ai_analysis_log (` + analysisColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.MessageID, l.AIService, l.InputData, l.OutputData,
		l.ProcessingTimeMS, l.TokensUsed, l.Success, l.ErrorMessage, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save analysis log: %w", err)
	}
	return nil
}

func (s *Store) AnalysisLogs(ctx context.Context, messageID string) ([]*storage.AIAnalysisLog, error) {
	query := s.dialect.Rebind(`SELECT ` + analysisColumns + ` FROM ai_analysis_log
	          WHERE message_id = ?
	          ORDER BY created_at ASC, id ASC`)

	var logs []*storage.AIAnalysisLog
	if err := s.db.SelectContext(ctx, &logs, query, messageID); err != nil {
		return nil, fmt.Errorf("failed to query analysis logs: %w", err)
	}
	return logs, nil
}
