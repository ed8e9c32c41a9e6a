package summary

import (
	"context"
	"strings"
	"testing"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/dummy"
	"github.com/stupiduntilnot/sia/internal/model"
)

type recordingProvider struct {
	model.Provider
	requests []model.Request
}

func (r *recordingProvider) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	r.requests = append(r.requests, req)
	return r.Provider.ChatCompletion(ctx, req)
}

func newRecording(t *testing.T, script string) *recordingProvider {
	t.Helper()
	p, err := dummy.NewProvider("dummy", script)
	if err != nil {
		t.Fatal(err)
	}
	return &recordingProvider{Provider: p}
}

func TestSummarize(t *testing.T) {
	provider := newRecording(t, "msg:  The user greets Sia. ")
	temperature := 0.7
	s := New(provider, &temperature, nil, nil)

	transcript := []ctxpkg.Message{
		ctxpkg.UserMessage("hi"),
		ctxpkg.AssistantMessage("hello"),
		{Role: ctxpkg.RoleFailed, Content: "service failed"},
	}
	got, err := s.Summarize(context.Background(), transcript)
	if err != nil {
		t.Fatal(err)
	}
	if got != "The user greets Sia." {
		t.Fatalf("unexpected summary %q", got)
	}

	if len(provider.requests) != 1 {
		t.Fatalf("expected one call, got %d", len(provider.requests))
	}
	req := provider.requests[0]
	if req.Temperature == nil || *req.Temperature != 0.7 || len(req.Messages) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	prompt := req.Messages[0].Content
	if !strings.Contains(prompt, "New lines of conversation:\nuser: hi\nassistant: hello\n\nNew summary:") {
		t.Errorf("lines missing from prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "service failed") {
		t.Error("failed markers should not be summarized")
	}
	if transcript[0].Content != "hi" || len(transcript) != 3 {
		t.Error("transcript was modified")
	}
}

func TestSummarize_Empty(t *testing.T) {
	provider := newRecording(t, "ok")
	got, err := New(provider, nil, nil, nil).Summarize(context.Background(), nil)
	if err != nil || got != "" {
		t.Fatalf("expected empty summary, got %q err=%v", got, err)
	}
	if len(provider.requests) != 0 {
		t.Fatal("empty transcript should not call the model")
	}
}

func TestExtend_IncludesPreviousSummary(t *testing.T) {
	provider := newRecording(t, "msg:updated")
	_, err := New(provider, nil, nil, nil).Extend(context.Background(), "Earlier they talked about chocolate.",
		[]ctxpkg.Message{ctxpkg.UserMessage("more?")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(provider.requests[0].Messages[0].Content, "Current summary:\nEarlier they talked about chocolate.\n") {
		t.Error("previous summary missing from prompt")
	}
}

func TestSummarize_Error(t *testing.T) {
	provider := newRecording(t, "err:provider_api")
	_, err := New(provider, nil, nil, nil).Summarize(context.Background(), []ctxpkg.Message{ctxpkg.UserMessage("hi")})
	if !model.IsService(err) {
		t.Fatalf("expected service error, got %v", err)
	}
}
