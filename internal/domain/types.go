package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// QueryKind identifies the modality of a health query.
type QueryKind string

const (
	KindText  QueryKind = "text"
	KindImage QueryKind = "image"
	KindAudio QueryKind = "audio"
)

// InputSource distinguishes typed input from voice-transcribed input.
type InputSource string

const (
	SourceText  InputSource = "text"
	SourceVoice InputSource = "voice"
)

// ParseInputSource maps a client-supplied tag to an InputSource.
// Anything other than "voice" is treated as typed text.
func ParseInputSource(s string) InputSource {
	if strings.EqualFold(strings.TrimSpace(s), string(SourceVoice)) {
		return SourceVoice
	}
	return SourceText
}

// Query is one user request handed to the dispatcher.
// Attachment is present iff Kind is KindImage; audio arrives pre-transcribed
// in Content.
type Query struct {
	Kind           QueryKind
	Content        string
	Attachment     []byte
	AttachmentMIME string
	InputSource    InputSource
}

// Validate checks the dispatch preconditions.
func (q Query) Validate() error {
	switch q.Kind {
	case KindText, KindAudio:
		if strings.TrimSpace(q.Content) == "" {
			return ErrMalformed(ErrorCodeEmptyContent, "content is required for "+string(q.Kind)+" queries")
		}
		if len(q.Attachment) > 0 {
			return ErrMalformed(ErrorCodeUnexpectedFile, "attachments are only accepted for image queries")
		}
	case KindImage:
		if len(q.Attachment) == 0 {
			return ErrMalformed(ErrorCodeMissingAttachment, "image queries require an attachment")
		}
	default:
		return ErrMalformed(ErrorCodeUnknownKind, "unknown query kind: "+string(q.Kind))
	}
	return nil
}

// Prompt is the backend-neutral payload sent by the dispatcher.
type Prompt struct {
	Text      string
	Image     []byte
	ImageMIME string
}

// Usage reports token consumption for one backend call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BackendResult is the normalized output of one backend call.
// Text is nil when the backend failed.
type BackendResult struct {
	Text        *string
	SafetyFlags []string
	Usage       Usage
	Raw         json.RawMessage
}

// HasText reports whether the backend produced usable text.
func (r *BackendResult) HasText() bool {
	return r != nil && r.Text != nil
}

// BackendAttempt records one backend call made during a dispatch.
type BackendAttempt struct {
	Backend string
	Success bool
	Error   string
	Latency time.Duration
	Usage   Usage
	Skipped bool
}

// DispatchResponse is the only value the dispatcher returns to the boundary.
type DispatchResponse struct {
	Kind            QueryKind
	InputSource     InputSource
	PrimaryText     *string
	SecondarySource *string
	ChosenSource    string
	SafetyFlags     []string
	Timestamp       time.Time
	Attempts        []BackendAttempt
}

// Success reports whether the primary text is populated. The HTTP layer only
// answers 200 when it is; a text dispatch rescued by the secondary backend
// still counts as unsuccessful.
func (r *DispatchResponse) Success() bool {
	return r != nil && r.PrimaryText != nil
}

// Text returns the best available text: the primary text if present,
// otherwise the secondary backend's text.
func (r *DispatchResponse) Text() string {
	if r == nil {
		return ""
	}
	if r.PrimaryText != nil {
		return *r.PrimaryText
	}
	if r.SecondarySource != nil {
		return *r.SecondarySource
	}
	return ""
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
