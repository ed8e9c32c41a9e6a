// Package web serves the browser chat UI and its JSON/SSE API.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/control"
	"github.com/stupiduntilnot/sia/internal/model"
	"github.com/stupiduntilnot/sia/internal/summary"
	"github.com/stupiduntilnot/sia/internal/turn"
)

// SessionCookie carries the browser's session id.
const SessionCookie = "sia_session"

const maxBodyBytes = 64 << 10

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Server is the HTTP surface over a turn controller.
type Server struct {
	ctrl       *turn.Controller
	summarizer *summary.Summarizer
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New builds the server. summarizer may be nil, which disables
// /api/summary.
func New(ctrl *turn.Controller, summarizer *summary.Summarizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ctrl: ctrl, summarizer: summarizer, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/summary", s.handleSummary)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// sessionID returns the request's session id, minting one and setting the
// cookie when absent.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.Must(uuid.NewV7()).String()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

type messageView struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	HTML    template.HTML `json:"html"`
}

func views(messages []ctxpkg.Message) []messageView {
	out := make([]messageView, 0, len(messages))
	for _, m := range messages {
		v := messageView{Role: string(m.Role), Content: m.Content}
		if m.Role == ctxpkg.RoleAssistant {
			v.HTML = renderMarkdown(m.Content)
		} else {
			v.HTML = template.HTML(template.HTMLEscapeString(m.Content))
		}
		out = append(out, v)
	}
	return out
}

type indexData struct {
	Title       string
	Placeholder string
	Messages    []messageView
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	p := s.ctrl.Persona()
	data := indexData{
		Title:       "Meet " + p.DisplayName() + ", My Friend!",
		Placeholder: p.Placeholder,
		Messages:    views(s.ctrl.Store().Messages(id)),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Warn("render index failed", "err", err)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"state":      s.ctrl.State(id),
		"messages":   views(s.ctrl.Store().Messages(id)),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if errors.Is(control.CheckUtterance(control.Policy{}, req.Message), control.ErrEmptyUtterance) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is empty"})
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	res, err := s.ctrl.Run(r.Context(), id, req.Message, sseDisplay{sse: sse})
	if err != nil {
		if sendErr := sse.send("error", errorEvent{Error: err.Error(), Class: failureClass(err)}); sendErr != nil {
			s.logger.Debug("client gone before error event", "session_id", id, "err", sendErr)
		}
		return
	}
	if err := sse.send("done", doneEvent{
		Content:   res.Reply,
		HTML:      string(renderMarkdown(res.Reply)),
		LatencyMS: res.Latency.Milliseconds(),
	}); err != nil {
		s.logger.Debug("client gone before done event", "session_id", id, "err", err)
	}
}

func failureClass(err error) string {
	var limitErr *control.LimitError
	var openErr *control.OpenError
	switch {
	case errors.As(err, &limitErr):
		return "limit"
	case errors.As(err, &openErr):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return model.ErrorClass(err)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.summarizer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "summaries are disabled"})
		return
	}
	id := s.sessionID(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	text, err := s.summarizer.Summarize(ctx, s.ctrl.Store().Messages(id))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "class": model.ErrorClass(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": text})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
