package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aarogyalink/companion/internal/storage"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLDBStore_GetOrCreateSession(t *testing.T) {
	store := newTestStore(t, "memdb_sessions")
	ctx := context.Background()

	created, err := store.GetOrCreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("session ID should be generated")
	}
	if created.UserID != nil {
		t.Errorf("UserID = %v, want anonymous", *created.UserID)
	}
	if created.Language != "en" {
		t.Errorf("Language = %q, want en", created.Language)
	}
	if want := storage.DefaultSessionName(created.CreatedAt); created.Name != want {
		t.Errorf("Name = %q, want %q", created.Name, want)
	}

	again, err := store.GetOrCreateSession(ctx, created.ID, "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if again.ID != created.ID || again.Name != created.Name {
		t.Errorf("existing session not returned: %+v", again)
	}

	named, err := store.GetOrCreateSession(ctx, "client-chosen-id", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if named.ID != "client-chosen-id" || named.UserID == nil || *named.UserID != "user-1" {
		t.Errorf("session = %+v", named)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_ChatHistory(t *testing.T) {
	store := newTestStore(t, "memdb_history")
	ctx := context.Background()

	session, err := store.GetOrCreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		sender := storage.SenderUser
		var source *string
		if i%2 == 1 {
			sender = storage.SenderAI
			g := "gemini"
			source = &g
		}
		msg := &storage.Message{
			SessionID:   session.ID,
			SenderType:  sender,
			MessageType: storage.MessageText,
			Content:     fmt.Sprintf("message %d", i),
			AISource:    source,
			Metadata:    storage.JSONMap{"input_source": "text", "n": i},
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
		if msg.ID == "" {
			t.Fatal("message ID should be generated")
		}
	}

	history, err := store.ChatHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history = %d messages, want 5", len(history))
	}
	for i, m := range history {
		if m.Content != fmt.Sprintf("message %d", i) {
			t.Errorf("history[%d] = %q, want ascending order", i, m.Content)
		}
	}
	if history[1].AISource == nil || *history[1].AISource != "gemini" {
		t.Errorf("AISource = %v", history[1].AISource)
	}
	if history[0].Metadata["input_source"] != "text" {
		t.Errorf("Metadata = %v", history[0].Metadata)
	}

	limited, err := store.ChatHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if len(limited) != 2 || limited[0].Content != "message 0" {
		t.Errorf("limited history = %+v", limited)
	}

	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if reloaded.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", reloaded.MessageCount)
	}
}

func TestSQLDBStore_SaveMessageRequiresSession(t *testing.T) {
	store := newTestStore(t, "memdb_fk")
	err := store.SaveMessage(context.Background(), &storage.Message{
		SessionID:   "no-such-session",
		SenderType:  storage.SenderUser,
		MessageType: storage.MessageText,
		Content:     "orphan",
	})
	if err == nil {
		t.Error("expected foreign key error for unknown session")
	}
}

func TestSQLDBStore_UserSessions(t *testing.T) {
	store := newTestStore(t, "memdb_user_sessions")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		s, err := store.GetOrCreateSession(ctx, "", "user-42")
		if err != nil {
			t.Fatalf("GetOrCreateSession() error = %v", err)
		}
		ids = append(ids, s.ID)
	}
	if _, err := store.GetOrCreateSession(ctx, "", "someone-else"); err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}

	sessions, err := store.UserSessions(ctx, "user-42", 3)
	if err != nil {
		t.Fatalf("UserSessions() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	if sessions[0].ID != ids[3] || sessions[2].ID != ids[1] {
		t.Errorf("sessions not newest first: %s %s %s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}
}

func TestSQLDBStore_Users(t *testing.T) {
	store := newTestStore(t, "memdb_users")
	ctx := context.Background()

	email := "asha@example.com"
	u := &storage.User{
		Email:            &email,
		Username:         "asha",
		Allergies:        storage.JSONList{"penicillin"},
		EmergencyContact: storage.JSONMap{"name": "Ravi", "phone": "+91-555-0100"},
		IsActive:         true,
	}
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Email == nil || *got.Email != email || got.PreferredLanguage != "en" || !got.IsActive {
		t.Errorf("user = %+v", got)
	}
	if len(got.Allergies) != 1 || got.Allergies[0] != "penicillin" {
		t.Errorf("Allergies = %v", got.Allergies)
	}
	if got.EmergencyContact["name"] != "Ravi" {
		t.Errorf("EmergencyContact = %v", got.EmergencyContact)
	}
	if got.MedicalConditions != nil {
		t.Errorf("MedicalConditions = %v, want nil", got.MedicalConditions)
	}

	dup := &storage.User{Email: &email}
	if err := store.CreateUser(ctx, dup); err == nil {
		t.Error("expected unique constraint error for duplicate email")
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_Records(t *testing.T) {
	store := newTestStore(t, "memdb_records")
	ctx := context.Background()

	session, _ := store.GetOrCreateSession(ctx, "", "user-7")
	msg := &storage.Message{SessionID: session.ID, SenderType: storage.SenderAI, MessageType: storage.MessageText, Content: "ok"}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	upload := &storage.FileUpload{
		MessageID:        &msg.ID,
		OriginalFilename: "rash.png",
		StoredFilename:   "abc_rash.png",
		FileType:         "image",
		FileSize:         2048,
		MIMEType:         "image/png",
		IsProcessed:      true,
		AnalysisResults:  storage.JSONMap{"chosen_source": "gemini"},
	}
	if err := store.SaveFileUpload(ctx, upload); err != nil {
		t.Fatalf("SaveFileUpload() error = %v", err)
	}

	for _, svc := range []string{"gemini", "teachable"} {
		l := &storage.AIAnalysisLog{
			MessageID:        &msg.ID,
			AIService:        svc,
			InputData:        storage.JSONMap{"kind": "text"},
			ProcessingTimeMS: 120,
			TokensUsed:       30,
			Success:          svc == "gemini",
		}
		if !l.Success {
			l.ErrorMessage = "timeout"
		}
		if err := store.SaveAnalysisLog(ctx, l); err != nil {
			t.Fatalf("SaveAnalysisLog() error = %v", err)
		}
	}

	logs, err := store.AnalysisLogs(ctx, msg.ID)
	if err != nil {
		t.Fatalf("AnalysisLogs() error = %v", err)
	}
	if len(logs) != 2 || logs[0].AIService != "gemini" || !logs[0].Success || logs[1].ErrorMessage != "timeout" {
		t.Errorf("logs = %+v", logs)
	}

	severity := 4
	userID := "user-7"
	rec := &storage.HealthRecord{
		UserID:     &userID,
		SessionID:  &session.ID,
		RecordType: "symptom",
		Data:       storage.JSONMap{"symptom": "headache"},
		Severity:   &severity,
		Source:     "user_input",
	}
	if err := store.SaveHealthRecord(ctx, rec); err != nil {
		t.Fatalf("SaveHealthRecord() error = %v", err)
	}
	records, err := store.UserHealthRecords(ctx, userID, 0)
	if err != nil {
		t.Fatalf("UserHealthRecords() error = %v", err)
	}
	if len(records) != 1 || *records[0].Severity != 4 || records[0].Data["symptom"] != "headache" {
		t.Errorf("records = %+v", records)
	}
}

func TestSQLDBStore_DropAndCreateTables(t *testing.T) {
	store := newTestStore(t, "memdb_drop")
	ctx := context.Background()

	if _, err := store.GetOrCreateSession(ctx, "", ""); err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}

	if err := store.DropTables(ctx); err != nil {
		t.Fatalf("DropTables() error = %v", err)
	}
	if _, err := store.GetOrCreateSession(ctx, "", ""); err == nil {
		t.Fatal("expected error after tables were dropped")
	}

	if err := store.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables() error = %v", err)
	}
	if _, err := store.GetOrCreateSession(ctx, "", ""); err != nil {
		t.Fatalf("GetOrCreateSession() after recreate error = %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
