package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/model"
)

func testRequest() model.Request {
	return model.Request{
		Messages: []ctxpkg.Message{
			{Role: ctxpkg.RoleSystem, Content: "persona"},
			{Role: ctxpkg.RoleUser, Content: "hi"},
		},
		Temperature: temperature(0.7),
	}
}

func temperature(v float64) *float64 {
	return &v
}

func TestChatCompletion_WithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Hello!"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     42,
				"completion_tokens": 7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 {
		t.Errorf("expected 42 input tokens, got %d", result.InputTokens)
	}
	if result.OutputTokens != 7 {
		t.Errorf("expected 7 output tokens, got %d", result.OutputTokens)
	}
}

func TestChatCompletion_SendsMessagesAndTemperature(t *testing.T) {
	var got chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "llama", 5*time.Second)
	if _, err := client.ChatCompletion(context.Background(), testRequest()); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer test-key" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.Model != "llama" {
		t.Errorf("expected model llama, got %q", got.Model)
	}
	if got.Stream {
		t.Error("non-streaming request must not set stream")
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", got.Temperature)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestChatCompletion_TemperatureZeroIsSent(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "llama", 5*time.Second)
	req := testRequest()
	req.Temperature = temperature(0)
	if _, err := client.ChatCompletion(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	req.Temperature = nil
	if _, err := client.ChatCompletion(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	if !strings.Contains(bodies[0], `"temperature":0`) {
		t.Errorf("explicit zero temperature missing from %s", bodies[0])
	}
	if strings.Contains(bodies[1], `"temperature"`) {
		t.Errorf("unset temperature should be omitted, got %s", bodies[1])
	}
}

func TestChatCompletion_PreservesWhitespace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"  spaced reply \n"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "  spaced reply \n" {
		t.Errorf("content was altered: %q", result.Content)
	}
}

func TestChatCompletion_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":0}}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	if !model.IsService(err) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestChatCompletion_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	if !model.IsService(err) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestChatCompletion_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`)
	}))
	defer server.Close()

	client := NewClient("bad-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	var authErr *model.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized || authErr.Message != "Invalid API Key" {
		t.Errorf("unexpected error fields: %+v", authErr)
	}
}

func TestChatCompletion_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if svcErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", svcErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("error should carry body: %v", err)
	}
}

func TestChatCompletion_EmptyKey(t *testing.T) {
	client := NewClient("", "http://127.0.0.1:1", "test-model", time.Second)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	if !model.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestChatCompletion_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"late"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 50*time.Millisecond)
	_, err := client.ChatCompletion(context.Background(), testRequest())
	if !model.IsService(err) {
		t.Fatalf("expected service error on timeout, got %v", err)
	}
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming request must set stream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func delta(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model":   "test-model",
		"choices": []map[string]any{{"delta": map[string]any{"content": content}, "finish_reason": nil}},
	})
	return string(b)
}

const finishChunk = `{"model":"test-model","choices":[{"delta":{},"finish_reason":"stop"}]}`

func drain(t *testing.T, stream model.FragmentStream) ([]string, error) {
	t.Helper()
	defer stream.Close()
	var fragments []string
	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			return fragments, nil
		}
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, fragment)
	}
}

func TestStreamCompletion_Fragments(t *testing.T) {
	server := sseServer(t, delta("Kuch "), delta("nahi "), delta("yaar..."), finishChunk, "[DONE]")
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	fragments, err := drain(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Kuch ", "nahi ", "yaar..."}
	if strings.Join(fragments, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, fragments)
	}
}

func TestStreamCompletion_SkipsEmptyDeltas(t *testing.T) {
	server := sseServer(t, delta(""), delta("a"), delta(""), delta("b"), finishChunk, "[DONE]")
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	fragments, err := drain(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(fragments, "") != "ab" || len(fragments) != 2 {
		t.Errorf("unexpected fragments %q", fragments)
	}
}

func TestStreamCompletion_FinishWithoutDone(t *testing.T) {
	server := sseServer(t, delta("hello"), finishChunk)
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	fragments, err := drain(t, stream)
	if err != nil {
		t.Fatalf("finish_reason should end the stream cleanly: %v", err)
	}
	if len(fragments) != 1 || fragments[0] != "hello" {
		t.Errorf("unexpected fragments %q", fragments)
	}
}

func TestStreamCompletion_TruncatedStream(t *testing.T) {
	server := sseServer(t, delta("Ar"), delta("re "))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	fragments, err := drain(t, stream)
	if !model.IsService(err) {
		t.Fatalf("expected service error, got %v", err)
	}
	if strings.Join(fragments, "") != "Arre " {
		t.Errorf("fragments before the failure should survive, got %q", fragments)
	}

	// Once failed, the stream keeps reporting the same error.
	if _, again := stream.Next(); again != err {
		t.Errorf("expected sticky error, got %v", again)
	}
}

func TestStreamCompletion_InBandError(t *testing.T) {
	server := sseServer(t, delta("x"), `{"error":{"message":"rate limited"}}`)
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	_, err = drain(t, stream)
	if !model.IsService(err) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected in-band service error, got %v", err)
	}
}

func TestStreamCompletion_MalformedChunk(t *testing.T) {
	server := sseServer(t, "{broken")
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	stream, err := client.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, stream); !model.IsService(err) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestStreamCompletion_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.StreamCompletion(context.Background(), testRequest())
	if !model.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	good := NewClient("good", server.URL+"/openai/v1/chat/completions", "m", 5*time.Second)
	if err := good.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if path != "/openai/v1/models" {
		t.Errorf("expected models path, got %q", path)
	}

	bad := NewClient("bad", server.URL+"/openai/v1/chat/completions", "m", 5*time.Second)
	if err := bad.Verify(context.Background()); !model.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestModelsURL(t *testing.T) {
	cases := map[string]string{
		"https://api.groq.com/openai/v1/chat/completions":  "https://api.groq.com/openai/v1/models",
		"https://api.groq.com/openai/v1/chat/completions/": "https://api.groq.com/openai/v1/models",
		"http://localhost:8000/v1":                         "http://localhost:8000/v1/models",
	}
	for in, want := range cases {
		if got := modelsURL(in); got != want {
			t.Errorf("modelsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
