package dispatch

import (
	"strings"

	"github.com/aarogyalink/companion/internal/domain"
)

// PersonaTemplate frames every prompt.
const PersonaTemplate = `You are Dr. AarogyaLink, a friendly AI health companion.
Keep responses short and conversational, like texting a doctor friend.

Response style:
- Acknowledge their concern briefly
- Ask 1-2 key questions to understand better
- Give quick helpful thoughts
- Keep total response under 3-4 sentences

Example format:
"That sounds uncomfortable! When did this start? Have you tried [simple remedy]? If it gets worse or doesn't improve in a day or two, I'd suggest seeing a doctor."

Tone: Friendly, caring, conversational, like a knowledgeable friend.`

// VoiceClause is appended after PersonaTemplate for voice input.
const VoiceClause = `Special note for voice input:
The user has provided their health concern via voice input. Please ensure your response is clear and easy to understand when read aloud.
Consider that the user may have speech or hearing difficulties, so avoid complex medical jargon unless necessary.`

const (
	textReminder  = "Remember: Keep response conversational and under 3-4 sentences."
	imageReminder = "Keep response under 3 sentences."
)

// HealthContext returns the persona framing for the given input source.
func HealthContext(source domain.InputSource) string {
	if source == domain.SourceVoice {
		return PersonaTemplate + "\n\n" + VoiceClause
	}
	return PersonaTemplate
}

// BuildTextPrompt builds the prompt sent to both backends for a text query.
func BuildTextPrompt(content string, source domain.InputSource) string {
	var sb strings.Builder
	sb.WriteString(HealthContext(source))
	sb.WriteString("\n\nUser Query: ")
	sb.WriteString(content)
	sb.WriteString("\n\n")
	sb.WriteString(textReminder)
	return sb.String()
}

// BuildImagePrompt builds the text part of an image query. content is the
// optional user description.
func BuildImagePrompt(content string, source domain.InputSource) string {
	var sb strings.Builder
	sb.WriteString(HealthContext(source))
	sb.WriteString("\n\nAnalyze this health image briefly: ")
	sb.WriteString(content)
	sb.WriteString("\n\n")
	sb.WriteString(imageReminder)
	return sb.String()
}
