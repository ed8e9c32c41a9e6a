// Package turn runs one conversational turn: it records the utterance,
// assembles the prompt, calls the model and commits the reply.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/control"
	"github.com/stupiduntilnot/sia/internal/db"
	"github.com/stupiduntilnot/sia/internal/model"
	"github.com/stupiduntilnot/sia/internal/persona"
	"github.com/stupiduntilnot/sia/internal/render"
	"github.com/stupiduntilnot/sia/internal/session"
)

// State is the turn state of a session.
type State = session.State

const (
	StateIdle   = session.StateIdle
	StateInTurn = session.StateInTurn
)

// FailurePolicy decides what a failed turn leaves in the transcript.
type FailurePolicy string

const (
	// PolicyKeep leaves the user message in place with no reply.
	PolicyKeep FailurePolicy = "keep"
	// PolicyMark appends a failed marker after the user message.
	PolicyMark FailurePolicy = "mark"
	// PolicyAtomic commits the user message only together with a reply.
	PolicyAtomic FailurePolicy = "atomic"
)

// ParseFailurePolicy validates a policy name; "" means PolicyKeep.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyKeep:
		return PolicyKeep, nil
	case PolicyMark, PolicyAtomic:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want keep, mark or atomic)", s)
	}
}

// Config wires a Controller.
type Config struct {
	Store     *session.Store
	Provider  model.Provider
	Assembler ctxpkg.Assembler
	Persona   persona.Persona
	Streaming bool
	Policy    FailurePolicy
	Limits    control.Policy
	// Breaker may be nil.
	Breaker *control.CircuitBreaker
	Render  render.Options
	Journal db.Journal
	Logger  *slog.Logger
}

// Controller runs turns. It is safe for concurrent use; turns on one
// session run one at a time in arrival order.
type Controller struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) *Controller {
	if cfg.Assembler == nil {
		cfg.Assembler = &ctxpkg.StandardAssembler{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyKeep
	}
	if cfg.Journal == nil {
		cfg.Journal = db.NopJournal{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, now: time.Now, logger: cfg.Logger}
}

// Result describes a completed turn.
type Result struct {
	SessionID string
	Reply     string
	// Fragments holds the streamed pieces in arrival order; it is nil for
	// non-streaming turns.
	Fragments []string
	// Prompt is the assembled payload as text.
	Prompt  string
	Latency time.Duration
	// RenderErr is set when the display failed; the reply was still
	// committed.
	RenderErr error
}

// Error is a failed turn. Err is the model, limit or circuit error.
type Error struct {
	SessionID string
	Err       error
	// Partial is the text streamed before the failure.
	Partial string
}

func (e *Error) Error() string {
	return fmt.Sprintf("turn failed session=%s: %v", e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Persona returns the persona turns are run with.
func (c *Controller) Persona() persona.Persona {
	return c.cfg.Persona
}

// Store returns the session store.
func (c *Controller) Store() *session.Store {
	return c.cfg.Store
}

// State reports the turn state of a session; unknown sessions are IDLE.
func (c *Controller) State(sessionID string) State {
	t, ok := c.cfg.Store.Get(sessionID)
	if !ok {
		return StateIdle
	}
	return t.State()
}

// Run processes one utterance for sessionID and renders the reply to
// display, which may be nil. ctx only bounds the wait for the session's
// turn; once the turn starts it runs to completion or failure.
func (c *Controller) Run(ctx context.Context, sessionID, utterance string, display render.Display) (*Result, error) {
	if err := control.CheckUtterance(c.cfg.Limits, utterance); err != nil {
		return nil, &Error{SessionID: sessionID, Err: err}
	}

	tr, created := c.cfg.Store.GetOrCreate(sessionID)
	if created {
		c.cfg.Journal.Log(nil, db.EventSessionCreated, map[string]any{"session_id": sessionID})
		c.logger.Info("session created", "session_id", sessionID)
	}

	release, err := tr.Acquire(ctx)
	if err != nil {
		return nil, &Error{SessionID: sessionID, Err: err}
	}
	defer release()

	return c.run(context.WithoutCancel(ctx), tr, utterance, display)
}

func (c *Controller) run(ctx context.Context, tr *session.Transcript, utterance string, display render.Display) (*Result, error) {
	sessionID := tr.ID()
	started := c.now()
	turnEvent := c.cfg.Journal.Log(nil, db.EventTurnStarted, map[string]any{
		"session_id":   sessionID,
		"streaming":    c.cfg.Streaming,
		"prior_count":  tr.Len(),
		"input_tokens": ctxpkg.EstimateTokens(utterance),
	})

	prior := ctxpkg.Conversational(tr.Messages())
	user := ctxpkg.UserMessage(utterance)
	if c.cfg.Policy != PolicyAtomic {
		tr.Append(user)
		c.cfg.Store.Touch(tr)
	}

	payload := c.cfg.Assembler.Assemble(ctxpkg.Input{
		Persona:          c.cfg.Persona.Instruction,
		History:          prior,
		FormattedHistory: ctxpkg.FormatTranscript(prior),
		Query:            utterance,
		Template:         c.cfg.Persona.Template,
		Cue:              c.cfg.Persona.ResponseCue(),
	})
	c.cfg.Journal.Log(turnEvent, db.EventContextAssembled, map[string]any{
		"shape":          string(payload.Shape),
		"message_count":  len(payload.Messages),
		"history_count":  len(prior),
		"system_tokens":  ctxpkg.EstimateTokens(c.cfg.Persona.Instruction),
		"history_tokens": ctxpkg.EstimateTokensFromMessages(prior),
		"prompt_tokens":  ctxpkg.EstimateTokensFromMessages(payload.Messages),
	})

	result := &Result{SessionID: sessionID, Prompt: payload.Text()}
	req := model.Request{Messages: payload.Messages, Temperature: c.cfg.Persona.Temperature}

	reply, err := c.complete(ctx, req, display, result)
	result.Latency = c.now().Sub(started)
	if err != nil {
		return nil, c.fail(tr, turnEvent, result, reply, err)
	}
	result.Reply = reply

	assistant := ctxpkg.AssistantMessage(reply)
	if c.cfg.Policy == PolicyAtomic {
		tr.Append(user, assistant)
	} else {
		tr.Append(assistant)
	}
	c.cfg.Store.Touch(tr)

	if c.cfg.Breaker.RecordSuccess() {
		c.cfg.Journal.Log(nil, db.EventCircuitClosed, map[string]any{"session_id": sessionID})
		c.logger.Info("circuit closed")
	}
	c.cfg.Journal.Log(turnEvent, db.EventTurnCompleted, map[string]any{
		"latency_ms":    result.Latency.Milliseconds(),
		"fragments":     len(result.Fragments),
		"output_tokens": ctxpkg.EstimateTokens(reply),
		"render_failed": result.RenderErr != nil,
	})
	c.logger.Info("turn completed",
		"session_id", sessionID,
		"latency_ms", result.Latency.Milliseconds(),
		"reply_chars", len([]rune(reply)),
	)
	return result, nil
}

// complete calls the provider and renders the reply. A display failure is
// recorded on result and does not fail the turn.
func (c *Controller) complete(ctx context.Context, req model.Request, display render.Display, result *Result) (string, error) {
	if err := c.cfg.Breaker.Allow(c.now()); err != nil {
		return "", err
	}

	if !c.cfg.Streaming {
		resp, err := c.cfg.Provider.ChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if display != nil {
			if err := display.Update(render.Frame{Content: resp.Content, Final: true}); err != nil {
				c.renderFailed(result, &render.RenderError{Err: err})
			}
		}
		return resp.Content, nil
	}

	stream, err := c.cfg.Provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	renderer := render.New(display, c.cfg.Render)
	text, err := renderer.RenderStream(stream)
	result.Fragments = renderer.Fragments()
	var renderErr *render.RenderError
	if errors.As(err, &renderErr) {
		c.renderFailed(result, renderErr)
		return text, nil
	}
	return text, err
}

func (c *Controller) renderFailed(result *Result, err *render.RenderError) {
	result.RenderErr = err
	c.logger.Warn("render failed", "session_id", result.SessionID, "err", err)
	c.cfg.Journal.Log(nil, db.EventRenderFailed, map[string]any{
		"session_id": result.SessionID,
		"error":      err.Error(),
	})
}

func (c *Controller) fail(tr *session.Transcript, turnEvent *int64, result *Result, partial string, err error) error {
	if c.cfg.Policy == PolicyMark {
		tr.Append(ctxpkg.Message{Role: ctxpkg.RoleFailed, Content: err.Error()})
		c.cfg.Store.Touch(tr)
	}

	class := errorClass(err)
	var openErr *control.OpenError
	if !errors.As(err, &openErr) && c.cfg.Breaker.RecordFailure(class, c.now()) {
		c.cfg.Journal.Log(nil, db.EventCircuitOpened, map[string]any{"error_class": class})
		c.logger.Warn("circuit opened", "error_class", class)
	}

	c.cfg.Journal.Log(turnEvent, db.EventTurnFailed, map[string]any{
		"error_class":   class,
		"error":         err.Error(),
		"latency_ms":    result.Latency.Milliseconds(),
		"fragments":     len(result.Fragments),
		"partial_chars": len([]rune(partial)),
		"policy":        string(c.cfg.Policy),
	})
	c.logger.Warn("turn failed", "session_id", result.SessionID, "error_class", class, "err", err)
	return &Error{SessionID: result.SessionID, Err: err, Partial: partial}
}

func errorClass(err error) string {
	var openErr *control.OpenError
	if errors.As(err, &openErr) {
		return "circuit_open"
	}
	return model.ErrorClass(err)
}
