// Package openai is a minimal client for OpenAI-compatible chat completion
// APIs (Groq, OpenAI, vLLM and similar), with SSE streaming.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/model"
)

// Client is a minimal chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates a client for the chat completions endpoint at url.
func NewClient(apiKey, url, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model returns the model name sent with every request.
func (c *Client) Model() string {
	return c.model
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion sends a non-streaming request and returns the full reply.
func (c *Client) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return model.CompletionResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CompletionResponse{}, &model.ServiceError{Op: "chat completion", Message: "failed reading response", Err: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.CompletionResponse{}, &model.ServiceError{
			Op:      "chat completion",
			Message: "failed to parse response: " + truncate(string(body), 400),
			Err:     err,
		}
	}
	if len(parsed.Choices) == 0 {
		return model.CompletionResponse{}, &model.ServiceError{Op: "chat completion", Message: "response has no choices"}
	}

	result := model.CompletionResponse{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}
	return result, nil
}

// StreamCompletion sends a streaming request. The returned stream yields
// content deltas as they arrive.
func (c *Client) StreamCompletion(ctx context.Context, req model.Request) (model.FragmentStream, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &fragmentStream{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

// Verify checks the credential against the models endpoint that sits next
// to the chat completions endpoint. It is meant to run once at startup.
func (c *Client) Verify(ctx context.Context) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return &model.AuthenticationError{Message: "api key is empty"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL(c.url), nil)
	if err != nil {
		return fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.ServiceError{Op: "verify credentials", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("verify credentials", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, req model.Request, stream bool) (*http.Response, error) {
	op := "chat completion"
	if stream {
		op = "stream completion"
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, &model.AuthenticationError{Message: "api key is empty"}
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    toWire(req.Messages),
		Temperature: req.Temperature,
	}
	if stream {
		reqBody.Stream = true
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &model.ServiceError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return resp, nil
}

// fragmentStream parses the SSE body of a streaming chat completion.
type fragmentStream struct {
	body     io.ReadCloser
	scanner  *sseScanner
	finished bool
	done     bool
	err      error
	usage    usage
}

func (s *fragmentStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.done {
		return "", io.EOF
	}

	for {
		if !s.scanner.Next() {
			if err := s.scanner.Err(); err != nil {
				return s.fail(&model.ServiceError{Op: "stream completion", Message: "reading stream", Err: err})
			}
			if !s.finished {
				return s.fail(&model.ServiceError{Op: "stream completion", Message: "stream ended before completion"})
			}
			s.done = true
			return "", io.EOF
		}

		data := s.scanner.Event().Data
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return s.fail(&model.ServiceError{
				Op:      "stream completion",
				Message: "malformed chunk: " + truncate(data, 200),
				Err:     err,
			})
		}

		if len(chunk.Choices) == 0 && chunk.Usage == nil && chunk.Model == "" {
			var e errorBody
			if json.Unmarshal([]byte(data), &e) == nil && e.Error.Message != "" {
				return s.fail(&model.ServiceError{Op: "stream completion", Message: e.Error.Message})
			}
		}

		if chunk.Usage != nil {
			s.usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			s.finished = true
		}
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
	}
}

func (s *fragmentStream) fail(err error) (string, error) {
	s.err = err
	return "", err
}

func (s *fragmentStream) Close() error {
	return s.body.Close()
}

func toWire(messages []ctxpkg.Message) []message {
	out := make([]message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

// statusError maps a non-success response to AuthenticationError (401/403)
// or ServiceError.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := truncate(string(body), 400)
	var e errorBody
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &model.AuthenticationError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &model.ServiceError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

func modelsURL(chatURL string) string {
	base := strings.TrimSuffix(strings.TrimRight(chatURL, "/"), "/chat/completions")
	return base + "/models"
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
