// Package model defines the completion client contract shared by the remote
// inference client and the scripted offline provider.
package model

import (
	"context"
	"errors"
	"io"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
)

// Request is one completion request.
type Request struct {
	Messages []ctxpkg.Message
	// Temperature is sent as given, including 0; nil leaves the
	// provider default.
	Temperature *float64
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// FragmentStream yields text fragments of a streamed completion in arrival
// order. Next returns io.EOF after the last fragment and keeps returning it.
// Concatenating every fragment gives the full reply. A stream cannot be
// restarted; Close must be called even after an error.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// Provider is the model provider abstraction used by the turn controller.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
	StreamCompletion(ctx context.Context, req Request) (FragmentStream, error)
}

// Collect drains stream and returns the concatenated text.
func Collect(stream FragmentStream) (string, error) {
	var out []byte
	for {
		fragment, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return string(out), nil
			}
			return string(out), err
		}
		out = append(out, fragment...)
	}
}
