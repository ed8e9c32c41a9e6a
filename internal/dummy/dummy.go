// Package dummy provides a scripted model provider for local runs and tests.
//
// A script is a comma separated list of actions consumed one per request;
// the last action repeats once the script is exhausted:
//
//	ok              reply "dummy-ok"
//	msg:TEXT        reply TEXT, streamed word by word
//	msgb64:B64      reply base64-decoded text (for replies with commas)
//	echo            reply with the last user message
//	err:CLASS       fail with a service error
//	auth            fail with an authentication error
//	partial:A|B     stream fragments A and B, then fail
//	sleep:MS        wait MS milliseconds, then reply
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	modelpkg "github.com/stupiduntilnot/sia/internal/model"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "partial"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		// Arguments keep their trailing whitespace: "partial:Ar|re " streams "re ".
		token := strings.TrimLeft(p, " \t\r\n")
		bare := strings.TrimSpace(token)
		if bare == "" {
			continue
		}
		if bare == "ok" || bare == "echo" || bare == "auth" {
			actions = append(actions, action{kind: bare})
			continue
		}
		kind, arg, ok := strings.Cut(token, ":")
		if !ok || !validKind(kind) {
			return nil, fmt.Errorf("invalid dummy action: %s", bare)
		}
		if kind == "msgb64" {
			raw, err := base64.StdEncoding.DecodeString(arg)
			if err != nil {
				return nil, fmt.Errorf("dummy msgb64 decode failed: %w", err)
			}
			kind, arg = "msg", string(raw)
		}
		actions = append(actions, action{kind: kind, arg: arg})
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func validKind(kind string) bool {
	for _, k := range actionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type scriptRunner struct {
	actions []action
	index   int
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Provider replays a script. It is safe for concurrent use; each request
// consumes one action.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  int
}

func NewProvider(model, script string) (*Provider, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: &scriptRunner{actions: actions}}, nil
}

// Calls returns how many requests the provider has served.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) nextAction() action {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.script.next()
}

// outcome resolves an action into reply fragments and a terminal error.
func (p *Provider) outcome(ctx context.Context, a action, req modelpkg.Request) ([]string, error) {
	switch a.kind {
	case "err":
		return nil, &modelpkg.ServiceError{Op: "dummy completion", Message: "class=" + emptyAs(a.arg, "provider_api")}
	case "auth":
		return nil, &modelpkg.AuthenticationError{StatusCode: 401, Message: "dummy credential rejected"}
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, &modelpkg.ServiceError{Op: "dummy completion", Err: ctx.Err()}
			case <-timer.C:
			}
		}
		return []string{"dummy-after-sleep"}, nil
	case "msg":
		return words(a.arg), nil
	case "echo":
		return words(lastUser(req.Messages)), nil
	case "partial":
		return strings.Split(a.arg, "|"), &modelpkg.ServiceError{Op: "dummy stream", Message: "stream interrupted"}
	default:
		return []string{"dummy-ok"}, nil
	}
}

func (p *Provider) ChatCompletion(ctx context.Context, req modelpkg.Request) (modelpkg.CompletionResponse, error) {
	fragments, err := p.outcome(ctx, p.nextAction(), req)
	if err != nil {
		return modelpkg.CompletionResponse{}, err
	}
	return modelpkg.CompletionResponse{
		Content:      strings.Join(fragments, ""),
		InputTokens:  ctxpkg.EstimateTokensFromMessages(req.Messages),
		OutputTokens: len(fragments),
	}, nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req modelpkg.Request) (modelpkg.FragmentStream, error) {
	a := p.nextAction()
	if a.kind == "auth" || a.kind == "err" {
		_, err := p.outcome(ctx, a, req)
		return nil, err
	}
	fragments, err := p.outcome(ctx, a, req)
	return &stream{fragments: fragments, err: err}, nil
}

type stream struct {
	fragments []string
	err       error
	pos       int
}

func (s *stream) Next() (string, error) {
	for s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		if f != "" {
			return f, nil
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	return nil
}

// words splits text after each space so the fragments concatenate back to text.
func words(text string) []string {
	return strings.SplitAfter(text, " ")
}

func lastUser(messages []ctxpkg.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ctxpkg.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
