package context

import "strings"

// FormatTranscript renders each message as "<role>: <content>" on its own
// line, in transcript order. An empty transcript yields "".
func FormatTranscript(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, string(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}
