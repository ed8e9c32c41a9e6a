package context

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleFailed marks a turn that never produced a reply. It is kept in the
	// transcript for display but never sent to the model.
	RoleFailed Role = "failed"
)

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Conversational returns the messages that belong in model context, in order.
// Failed-turn markers are dropped; everything else is kept untouched.
func Conversational(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleFailed {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// EstimateTokens gives a rough token count (about four runes per token).
func EstimateTokens(text string) int {
	chars := len([]rune(text))
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// EstimateTokensFromMessages applies EstimateTokens to the combined content.
func EstimateTokensFromMessages(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len([]rune(msg.Content))
	}
	if totalChars <= 0 {
		return 0
	}
	return (totalChars + 3) / 4
}
