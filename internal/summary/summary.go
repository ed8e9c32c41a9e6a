// Package summary condenses a transcript into a running summary with one
// non-streaming model call.
package summary

import (
	"context"
	"log/slog"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/db"
	"github.com/stupiduntilnot/sia/internal/model"
)

// Prompt asks the model to extend a summary with new conversation lines.
const Prompt = `Progressively summarize the lines of conversation provided, adding onto the previous summary returning a new summary.

EXAMPLE
Current summary:
The human asks what the AI thinks of artificial intelligence. The AI thinks artificial intelligence is a force for good.

New lines of conversation:
Human: Why do you think artificial intelligence is a force for good?
AI: Because artificial intelligence will help humans reach their full potential.

New summary:
The human asks what the AI thinks of artificial intelligence. The AI thinks artificial intelligence is a force for good because it will help humans reach their full potential.
END OF EXAMPLE

Current summary:
{summary}

New lines of conversation:
{new_lines}

New summary:`

// Summarizer never modifies the transcripts it reads.
type Summarizer struct {
	provider    model.Provider
	temperature *float64
	journal     db.Journal
	logger      *slog.Logger
}

// New builds a summarizer. A nil temperature leaves the provider default.
func New(provider model.Provider, temperature *float64, journal db.Journal, logger *slog.Logger) *Summarizer {
	if journal == nil {
		journal = db.NopJournal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{provider: provider, temperature: temperature, journal: journal, logger: logger}
}

// Summarize returns a summary of messages. An empty transcript yields ""
// without calling the model.
func (s *Summarizer) Summarize(ctx context.Context, messages []ctxpkg.Message) (string, error) {
	return s.Extend(ctx, "", messages)
}

// Extend folds newLines into an existing summary.
func (s *Summarizer) Extend(ctx context.Context, previous string, newLines []ctxpkg.Message) (string, error) {
	lines := ctxpkg.Conversational(newLines)
	if len(lines) == 0 {
		return previous, nil
	}

	prompt := BuildPrompt(previous, lines)
	started := time.Now()
	resp, err := s.provider.ChatCompletion(ctx, model.Request{
		Messages:    []ctxpkg.Message{ctxpkg.UserMessage(prompt)},
		Temperature: s.temperature,
	})
	latency := time.Since(started)
	if err != nil {
		s.journal.Log(nil, db.EventSummaryFailed, map[string]any{
			"error_class": model.ErrorClass(err),
			"error":       err.Error(),
			"latency_ms":  latency.Milliseconds(),
		})
		s.logger.Warn("summary failed", "err", err)
		return "", err
	}

	summary := strings.TrimSpace(resp.Content)
	s.journal.Log(nil, db.EventSummaryCompleted, map[string]any{
		"lines":         len(lines),
		"latency_ms":    latency.Milliseconds(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	return summary, nil
}

// BuildPrompt fills Prompt with the previous summary and the formatted
// lines.
func BuildPrompt(previous string, lines []ctxpkg.Message) string {
	return strings.NewReplacer(
		"{summary}", previous,
		"{new_lines}", ctxpkg.FormatTranscript(lines),
	).Replace(Prompt)
}
