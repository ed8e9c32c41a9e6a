package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
)

// Config bounds the store. Zero values keep every session for the process
// lifetime.
type Config struct {
	// MaxSessions evicts the least recently used session beyond this count.
	MaxSessions int
	// TTL evicts a session this long after its last append.
	TTL time.Duration
}

// Store maps session ids to transcripts.
type Store struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, *Transcript]
	logger *slog.Logger
}

func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
	}
	s := &Store{logger: logger}
	s.cache = expirable.NewLRU[string, *Transcript](cfg.MaxSessions, s.onEvict, cfg.TTL)
	return s
}

func (s *Store) onEvict(id string, t *Transcript) {
	s.logger.Debug("session evicted", "session_id", id, "messages", t.Len())
}

// GetOrCreate returns the transcript for id, creating an empty one on
// first use. created reports whether this call created it.
func (s *Store) GetOrCreate(id string) (t *Transcript, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache.Get(id); ok {
		return t, false
	}
	t = newTranscript(id)
	s.cache.Add(id, t)
	return t, true
}

// Get returns the transcript for id without creating it.
func (s *Store) Get(id string) (*Transcript, bool) {
	return s.cache.Get(id)
}

// Append adds messages to the session, creating it if needed, and refreshes
// its TTL.
func (s *Store) Append(id string, msgs ...ctxpkg.Message) {
	t, _ := s.GetOrCreate(id)
	t.Append(msgs...)
	s.Touch(t)
}

// Touch refreshes the TTL of t if it is still the stored transcript.
func (s *Store) Touch(t *Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache.Peek(t.ID()); ok && cur == t {
		s.cache.Add(t.ID(), t)
	}
}

// Messages returns a copy of the session transcript, or nil if the session
// does not exist.
func (s *Store) Messages(id string) []ctxpkg.Message {
	t, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return t.Messages()
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}
